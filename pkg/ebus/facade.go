package ebus

import (
	"context"

	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// runAndAwait posts fn onto the bus's single-writer context and blocks
// until fn invokes the done callback it receives — once, possibly after
// kicking off an asynchronous sendRequestAndWaitForAck round trip (§4.1).
// It is the synchronous half of every facade operation whose outcome
// depends on a control-plane ack rather than only local state.
func (b *Bus) runAndAwait(ctx context.Context, fn func(done func(error))) error {
	result := make(chan error, 1)
	b.Submit(func() {
		fn(func(err error) { result <- err })
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return errs.PeerStack("bus closed")
	}
}

// nodeConfig collects join({id, groups?, api?}) (§6).
type nodeConfig struct {
	groups []string
	api    types.APIFactory
}

// NodeOption configures Join.
type NodeOption func(*nodeConfig)

// WithGroups sets the node's group membership, defaulting to the single
// default group "" per §4.3 registerNode.
func WithGroups(names ...string) NodeOption {
	return func(c *nodeConfig) { c.groups = names }
}

// WithAPI installs the node's initial P2P-callable surface.
func WithAPI(factory types.APIFactory) NodeOption {
	return func(c *nodeConfig) { c.api = factory }
}

// Node is the facade's handle on one locally-registered node (§6). It
// holds only an id and a reference to the owning Bus: every operation is
// a call back into the Local Node Manager / Routing, which exclusively
// own the underlying record (§3).
type Node struct {
	bus    *Bus
	id     types.NodeId
	groups types.GroupSet
}

// Join implements join({id, groups?, api?}) -> Node: registers the node
// locally and announces it upstream, rolling back registration if the
// announcement is rejected or propagation fails.
func Join(ctx context.Context, b *Bus, id types.NodeId, opts ...NodeOption) (*Node, error) {
	cfg := &nodeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	groups := types.NewGroupSet(cfg.groups...)

	err := b.runAndAwait(ctx, func(done func(error)) {
		if _, regErr := b.nodes.RegisterNode(id, groups, cfg.api); regErr != nil {
			done(regErr)
			return
		}
		env, rollback := b.routing.AnnounceNode(id, true, groups)
		b.commitOrRollback(env, rollback, func(err error) {
			if err != nil {
				b.nodes.Remove(id)
			}
			done(err)
		})
	})
	if err != nil {
		return nil, err
	}
	return &Node{bus: b, id: id, groups: groups}, nil
}

// Id returns the node's identity.
func (n *Node) Id() types.NodeId { return n.id }

// SetApi implements Node.setApi(factory).
func (n *Node) SetApi(factory types.APIFactory) error {
	return syncCall(n.bus, func() error { return n.bus.nodes.UpdateNodeApi(n.id, factory) })
}

// ConnectTo implements Node.connectTo(targetNodeId) -> Client, running
// createP2PClient's fail-fast checks (§4.6) before returning.
func (n *Node) ConnectTo(targetId types.NodeId) (*Client, error) {
	if err := syncCall(n.bus, func() error { return n.bus.p2p.CanCall(n.id, targetId) }); err != nil {
		return nil, err
	}
	return &Client{bus: n.bus, sourceId: n.id, sourceGroups: n.groups, targetId: targetId}, nil
}

// Subscribe implements Node.subscribe(topic, factory) -> SubscriptionHandle.
func (n *Node) Subscribe(ctx context.Context, topic types.Topic, factory types.ConsumerFactory) (*SubscriptionHandle, error) {
	err := n.bus.runAndAwait(ctx, func(done func(error)) {
		if err := n.bus.nodes.AddSubscription(n.id, topic, factory); err != nil {
			done(err)
			return
		}
		env, rollback := n.bus.routing.UpdateLocalSubscription(n.id, topic, true)
		n.bus.commitOrRollback(env, rollback, func(err error) {
			if err != nil {
				_ = n.bus.nodes.RemoveSubscription(n.id, topic)
			}
			done(err)
		})
	})
	if err != nil {
		return nil, err
	}
	return &SubscriptionHandle{bus: n.bus, nodeId: n.id, topic: topic}, nil
}

// emiterConfig collects Node.emiter(topic, {loopback?}) (§6, §4.7).
type emiterConfig struct {
	loopback bool
}

// EmiterOption configures Node.Emiter.
type EmiterOption func(*emiterConfig)

// WithLoopback overrides the default loopback=true (§4.7 Loopback semantics).
func WithLoopback(loopback bool) EmiterOption {
	return func(c *emiterConfig) { c.loopback = loopback }
}

// Emiter implements Node.emiter(topic, {loopback?}) -> PublisherClient.
func (n *Node) Emiter(topic types.Topic, opts ...EmiterOption) *PublisherClient {
	cfg := &emiterConfig{loopback: true}
	for _, opt := range opts {
		opt(cfg)
	}
	return &PublisherClient{bus: n.bus, sourceId: n.id, sourceGroups: n.groups, topic: topic, loopback: cfg.loopback}
}

// Close implements Node.close(): marks the node closing, withdraws every
// subscription and the node's own route, then removes its record. Best
// effort per subscription withdrawal; the final unannounce is awaited.
func (n *Node) Close(ctx context.Context) error {
	return n.bus.runAndAwait(ctx, func(done func(error)) {
		n.bus.nodes.MarkAsClosing(n.id)
		for _, topic := range n.bus.nodes.GetTopicsForNode(n.id) {
			_ = n.bus.nodes.RemoveSubscription(n.id, topic)
			if env, rollback := n.bus.routing.UpdateLocalSubscription(n.id, topic, false); env != nil {
				n.bus.commitOrRollback(env, rollback, func(error) {})
			}
		}
		env, rollback := n.bus.routing.AnnounceNode(n.id, false, nil)
		n.bus.commitOrRollback(env, rollback, func(err error) {
			n.bus.nodes.Remove(n.id)
			done(err)
		})
	})
}

// SubscriptionHandle implements SubscriptionHandle.cancel() (§6).
type SubscriptionHandle struct {
	bus    *Bus
	nodeId types.NodeId
	topic  types.Topic
}

// Cancel withdraws the subscription and propagates the interest change
// upstream if this bus's overall interest in the topic flips to false.
func (h *SubscriptionHandle) Cancel(ctx context.Context) error {
	return h.bus.runAndAwait(ctx, func(done func(error)) {
		_ = h.bus.nodes.RemoveSubscription(h.nodeId, h.topic)
		env, rollback := h.bus.routing.UpdateLocalSubscription(h.nodeId, h.topic, false)
		if env == nil {
			done(nil)
			return
		}
		h.bus.commitOrRollback(env, rollback, done)
	})
}

// Client implements the P2P client §4.6 createP2PClient returns: ask/tell
// against one fixed (sourceId, targetId) pair. path names the call's
// target within the target node's Procedure (e.g. the accumulated chain
// off a typed proxy in the source language this spec generalizes from).
type Client struct {
	bus          *Bus
	sourceId     types.NodeId
	sourceGroups types.GroupSet
	targetId     types.NodeId
}

// Ask sends an ask and blocks for its result, or until ctx is done or the
// bus closes.
func (c *Client) Ask(ctx context.Context, path []string, args []interface{}, meta map[string]interface{}) (interface{}, error) {
	result := make(chan types.Result, 1)
	c.bus.Submit(func() {
		c.bus.p2p.Ask(c.sourceId, c.targetId, c.sourceGroups, path, args, meta, func(r types.Result) { result <- r })
	})
	select {
	case r := <-result:
		if !r.Success {
			return nil, r.Err
		}
		return r.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.bus.closed:
		return nil, errs.PeerStack("bus closed")
	}
}

// Tell sends a fire-and-forget message, silently dropped if unroutable.
func (c *Client) Tell(path []string, args []interface{}, meta map[string]interface{}) {
	c.bus.Submit(func() {
		c.bus.p2p.Tell(c.sourceId, c.targetId, c.sourceGroups, path, args, meta)
	})
}

// PublisherClient implements createPublisher's typed proxy (§4.7): its
// `<path>.all`/`<path>.tell` calls publish to every downstream subscriber
// of one fixed topic.
type PublisherClient struct {
	bus          *Bus
	sourceId     types.NodeId
	sourceGroups types.GroupSet
	topic        types.Topic
	loopback     bool
}

// All implements `<path>.all(args...)`: publishes an ask and returns the
// channel of per-target results, closed once every target has reported.
func (p *PublisherClient) All(path []string, args []interface{}, meta map[string]interface{}) <-chan types.Result {
	return syncCall(p.bus, func() <-chan types.Result {
		return p.bus.pubsub.PublishLocal(p.sourceId, p.sourceGroups, p.topic, p.loopback, true, path, args, meta)
	})
}

// Tell implements `<path>.tell(args...)`: publishes a fire-and-forget
// broadcast.
func (p *PublisherClient) Tell(path []string, args []interface{}, meta map[string]interface{}) {
	p.bus.Submit(func() {
		p.bus.pubsub.PublishLocal(p.sourceId, p.sourceGroups, p.topic, p.loopback, false, path, args, meta)
	})
}
