package core

import (
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// childBridge is one adjacent child bus and its admission policy (§3, §4.2).
type childBridge struct {
	busId    types.BusId
	stack    *peerStack
	policy   types.BridgePolicy
	sourceOf types.MessageSource
}

// BridgeManager owns at most one parent peer-stack and a map of child
// peer-stacks, enforcing group admission at ingress and egress for
// broadcast traffic (§4.2). It is analogous to the teacher's Peer, which
// is the sole owner of one partition's Transport; here one BridgeManager
// owns every transport for a bus.
type BridgeManager struct {
	log     types.Logger
	metrics *Metrics
	post    func(func()) // posts a closure onto the bus's single-writer inbox

	nextBusId types.BusId
	parent    *peerStack
	children  map[types.BusId]*childBridge

	onEvent func(BridgeEvent)
}

// NewBridgeManager builds an empty Bridge Manager. post is the bus's
// Submit function: every inbound frame and connection event is
// re-serialized onto the bus context through it (§5 Shared-resource
// policy), and onEvent is invoked (already on that context) for every
// BridgeEvent the manager produces.
func NewBridgeManager(log types.Logger, metrics *Metrics, post func(func()), onEvent func(BridgeEvent)) *BridgeManager {
	return &BridgeManager{
		log:      log,
		metrics:  metrics,
		post:     post,
		children: make(map[types.BusId]*childBridge),
		onEvent:  onEvent,
	}
}

// Policy implements PolicySource for Routing's admission checks.
func (b *BridgeManager) Policy(busId types.BusId) types.BridgePolicy {
	if c, ok := b.children[busId]; ok {
		return c.policy
	}
	return types.BridgePolicy{}
}

// GetBridgePolicies implements §4.2 getBridgePolicies.
func (b *BridgeManager) GetBridgePolicies(busId types.BusId) (types.BridgePolicy, bool) {
	c, ok := b.children[busId]
	if !ok {
		return types.BridgePolicy{}, false
	}
	return c.policy, true
}

// ConnectParent wires a transport as the parent bridge. It is the Bridge
// Manager counterpart to bridge() for the one upward connection, which
// per §4.2 is established eagerly at init.
func (b *BridgeManager) ConnectParent(transport Transport) {
	ps := newPeerStack(transport, b.log, func(frame frameEvent) {
		b.post(func() { b.deliverFromParent(frame) })
	})
	b.parent = ps
}

// Bridge implements §4.2 bridge({transport, allowList?, denyList?}): it
// assigns the next BusId and constructs an isolated peer-stack over the
// given transport. It returns once the peer-stack itself is ready; it
// does not wait for any application-level handshake (§9 Open Questions).
func (b *BridgeManager) Bridge(transport Transport, policy types.BridgePolicy) types.BusId {
	busId := b.nextBusId
	b.nextBusId++
	source := types.Child(busId)

	cb := &childBridge{busId: busId, policy: policy, sourceOf: source}
	cb.stack = newPeerStack(transport, b.log, func(frame frameEvent) {
		b.post(func() { b.deliverFromChild(busId, frame) })
	})
	b.children[busId] = cb
	if b.metrics != nil {
		b.metrics.BridgesUp.Set(float64(len(b.children) + parentUpCount(b.parent)))
	}
	return busId
}

func parentUpCount(p *peerStack) float64 {
	if p != nil {
		return 1
	}
	return 0
}

func (b *BridgeManager) deliverFromParent(frame frameEvent) {
	switch frame.kind {
	case EventConnectionReady:
		b.onEvent(BridgeEvent{Kind: EventConnectionReady, Source: types.Parent()})
	case EventConnectionDropped:
		if b.parent != nil {
			_ = b.parent.transport.Close()
		}
		b.parent = nil
		b.onEvent(BridgeEvent{Kind: EventConnectionDropped, Source: types.Parent()})
	case EventMessage:
		b.onEvent(BridgeEvent{Kind: EventMessage, Source: types.Parent(), Envelope: frame.envelope})
	}
}

func (b *BridgeManager) deliverFromChild(busId types.BusId, frame frameEvent) {
	cb, ok := b.children[busId]
	if !ok {
		return
	}
	source := cb.sourceOf
	switch frame.kind {
	case EventConnectionReady:
		b.onEvent(BridgeEvent{Kind: EventConnectionReady, Source: source})
	case EventConnectionDropped:
		_ = cb.stack.transport.Close()
		delete(b.children, busId)
		if b.metrics != nil {
			b.metrics.BridgesUp.Set(float64(len(b.children) + parentUpCount(b.parent)))
		}
		b.onEvent(BridgeEvent{Kind: EventConnectionDropped, Source: source})
	case EventMessage:
		// Ingress policy (§4.2): broadcasts are admission-checked against
		// message.sourceGroups and silently dropped on rejection. Every
		// other message kind was already admitted at registration time.
		if frame.envelope.Kind == types.KindBroadcast && frame.envelope.Broadcast != nil {
			if !cb.policy.Admits(frame.envelope.Broadcast.SourceGroups) {
				b.log.Debugf("dropping broadcast from child %d: denied by bridge policy", busId)
				return
			}
		}
		b.onEvent(BridgeEvent{Kind: EventMessage, Source: source, Envelope: frame.envelope})
	}
}

// SendToParent implements the parent half of §4.2 egress.
func (b *BridgeManager) SendToParent(env types.Envelope) error {
	if b.parent == nil {
		return nil
	}
	return b.parent.send(env)
}

// SendToChild implements the child half of §4.2 egress: broadcasts are
// policy-checked against sourceGroups and silently dropped on rejection;
// every other kind is forwarded unconditionally.
func (b *BridgeManager) SendToChild(busId types.BusId, env types.Envelope) error {
	cb, ok := b.children[busId]
	if !ok {
		return nil
	}
	if env.Kind == types.KindBroadcast && env.Broadcast != nil {
		if !cb.policy.Admits(env.Broadcast.SourceGroups) {
			return nil
		}
	}
	return cb.stack.send(env)
}

// FilterDownstreamChildren implements §4.2 filterDownstreamChildren: an
// optimization so Pub/Sub can skip cloning for children its policy would
// drop anyway.
func (b *BridgeManager) FilterDownstreamChildren(busIds []types.BusId, groups types.GroupSet) []types.BusId {
	out := make([]types.BusId, 0, len(busIds))
	for _, busId := range busIds {
		if cb, ok := b.children[busId]; ok && cb.policy.Admits(groups) {
			out = append(out, busId)
		}
	}
	return out
}

// HasParent reports whether a parent bridge is currently connected.
func (b *BridgeManager) HasParent() bool { return b.parent != nil }

// ChildCount reports how many children are currently connected, for Stats().
func (b *BridgeManager) ChildCount() int { return len(b.children) }

// CloseAll tears down every bridge, used by Bus.Close.
func (b *BridgeManager) CloseAll() {
	if b.parent != nil {
		_ = b.parent.transport.Close()
		b.parent = nil
	}
	for busId, cb := range b.children {
		_ = cb.stack.transport.Close()
		delete(b.children, busId)
	}
}
