package core

import (
	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// Router is what P2PHandler needs from the rest of the bus to resolve and
// ship a message: next-hop lookup, group lookup, local execution and
// egress. Bus implements this; the interface exists so P2PHandler (and
// its tests) don't need the whole Bus.
type Router interface {
	NextHop(destination types.NodeId) (types.MessageSource, bool)
	NodeGroups(nodeId types.NodeId) (types.GroupSet, bool)
	ExecuteP2P(target, sourceId types.NodeId, sourceGroups types.GroupSet, ask bool, args interface{}) (types.Result, error)
	SendToParent(env types.Envelope) error
	SendToChild(busId types.BusId, env types.Envelope) error
}

// pendingAsk is a locally-initiated ask awaiting its response.
type pendingAsk struct {
	resolve func(types.Result)
}

// SessionLookupFunc resolves whether callId belongs to a Pub/Sub broadcast
// session this bus is tracking. receivedFrom identifies which adjacency
// (or Local, for a synchronously-executed local leg) the response arrived
// over, since session aggregation is a hop-by-hop relay keyed on exactly
// which downstream leg just finished, not on the wire destinationId.
type SessionLookupFunc func(callId types.CallId, receivedFrom types.MessageSource, payload types.Payload) (claimed bool)

// P2PHandler routes P2P requests and responses hop-by-hop and tracks
// pending locally-initiated asks (§4.6).
type P2PHandler struct {
	log       types.Logger
	metrics   *Metrics
	router    Router
	newCallId func(types.NodeId) types.CallId

	// sessionLookup lets an ack_result/ack_fin be handed to the Pub/Sub
	// Handler's session manager instead of resolved here, when its CallId
	// belongs to a broadcast session.
	sessionLookup SessionLookupFunc

	pending map[types.CallId]pendingAsk
}

// NewP2PHandler builds a P2P Handler.
func NewP2PHandler(log types.Logger, metrics *Metrics, router Router, newCallId func(types.NodeId) types.CallId) *P2PHandler {
	return &P2PHandler{
		log:       log,
		metrics:   metrics,
		router:    router,
		newCallId: newCallId,
		pending:   make(map[types.CallId]pendingAsk),
	}
}

// SetSessionLookup wires the Pub/Sub Handler's session delegation, broken
// out as a setter to avoid a construction-order cycle between the two
// handlers.
func (p *P2PHandler) SetSessionLookup(lookup SessionLookupFunc) {
	p.sessionLookup = lookup
}

func (p *P2PHandler) refreshGauge() {
	if p.metrics != nil {
		p.metrics.PendingP2P.Set(float64(len(p.pending)))
	}
}

// CanCall implements the fail-fast checks of §4.6 createP2PClient: a route
// must exist, and if both source and target groups are known they must
// intersect; if the target's groups are unknown, the call proceeds
// optimistically and the final check happens at the target.
func (p *P2PHandler) CanCall(sourceId, targetId types.NodeId) error {
	if _, ok := p.router.NextHop(targetId); !ok {
		return errs.NodeNotFound(string(targetId))
	}
	sourceGroups, sourceKnown := p.router.NodeGroups(sourceId)
	targetGroups, targetKnown := p.router.NodeGroups(targetId)
	if sourceKnown && targetKnown && !sourceGroups.Intersects(targetGroups) {
		return errs.GroupPermission("source " + string(sourceId) + " and target " + string(targetId) + " share no group")
	}
	return nil
}

// Ask implements the ask half of the client §4.6 createP2PClient returns:
// it registers a pending CallId before routing, matching "An ask registers
// a pending entry under the new CallId before routing."
func (p *P2PHandler) Ask(sourceId, targetId types.NodeId, sourceGroups types.GroupSet, path []string, args []interface{}, meta map[string]interface{}, resolve func(types.Result)) {
	callId := p.newCallId(sourceId)
	p.pending[callId] = pendingAsk{resolve: resolve}
	p.refreshGauge()

	msg := types.P2PMessage{
		SourceId: sourceId, SourceGroups: sourceGroups, DestinationId: targetId,
		Payload: types.Payload{Type: types.PayloadAsk, CallId: callId, Path: path, Args: args, Meta: meta},
	}
	p.routeP2P(msg, types.Local())
}

// Tell implements the tell half of the client (§4.6, §6, §7): fire and
// forget, silently dropped if unroutable.
func (p *P2PHandler) Tell(sourceId, targetId types.NodeId, sourceGroups types.GroupSet, path []string, args []interface{}, meta map[string]interface{}) {
	msg := types.P2PMessage{
		SourceId: sourceId, SourceGroups: sourceGroups, DestinationId: targetId,
		Payload: types.Payload{Type: types.PayloadTell, Path: path, Args: args, Meta: meta},
	}
	p.routeP2P(msg, types.Local())
}

// HandleInbound routes a P2P envelope delivered by the Bridge Manager from
// an adjacent bus; source identifies that adjacency.
func (p *P2PHandler) HandleInbound(source types.MessageSource, msg types.P2PMessage) {
	p.routeP2P(msg, source)
}

// RouteP2P re-routes a message this bus itself produced (a local
// procedure's response, or a synthesized not-found reply): not received
// from any adjacency.
func (p *P2PHandler) RouteP2P(msg types.P2PMessage) {
	p.routeP2P(msg, types.Local())
}

// routeP2P implements §4.6 routeP2PMessage.
func (p *P2PHandler) routeP2P(msg types.P2PMessage, receivedFrom types.MessageSource) {
	if p.metrics != nil {
		p.metrics.MessagesRouted.WithLabelValues("p2p").Inc()
	}

	isResponse := msg.Payload.Type == types.PayloadAckResult || msg.Payload.Type == types.PayloadAckFin
	if isResponse && p.sessionLookup != nil {
		if p.sessionLookup(msg.Payload.CallId, receivedFrom, msg.Payload) {
			return
		}
	}

	hop, hasHop := p.router.NextHop(msg.DestinationId)

	if !hasHop {
		if msg.Payload.Type == types.PayloadAsk {
			// §4.6 "No hop and ask": synthesize a not-found ack_result
			// addressed back to the source.
			p.RouteP2P(types.P2PMessage{
				SourceId: msg.DestinationId, DestinationId: msg.SourceId,
				Payload: types.Payload{
					Type: types.PayloadAckResult, CallId: msg.Payload.CallId,
					SourceId: msg.DestinationId, Success: false,
					WireErr: wireErr(errs.NodeNotFound(string(msg.DestinationId))),
				},
			})
		}
		// tell / responses with no hop: silently dropped (fire-and-forget).
		return
	}

	if hop.IsLocal() {
		switch {
		case isResponse:
			p.handleLocalResponse(msg)
		default:
			p.executeLocally(msg)
		}
		return
	}

	env := types.Envelope{Kind: types.KindP2P, P2P: &msg}
	if hop.IsParent() {
		_ = p.router.SendToParent(env)
		return
	}
	_ = p.router.SendToChild(hop.BusId, env)
}

func (p *P2PHandler) executeLocally(msg types.P2PMessage) {
	ask := msg.Payload.Type == types.PayloadAsk
	result, err := p.router.ExecuteP2P(msg.DestinationId, msg.SourceId, msg.SourceGroups, ask,
		types.ProcedureInput{Path: msg.Payload.Path, Args: msg.Payload.Args, Meta: msg.Payload.Meta})
	if !ask {
		return
	}
	if err != nil {
		result = types.Failed(msg.DestinationId, err)
	}

	// The response is routed back synchronously, recursing into routing
	// inline on the bus's loop instead of being posted as a separate
	// closure.
	response := types.FromResult(msg.Payload.CallId, result)
	p.RouteP2P(types.P2PMessage{
		SourceId: msg.DestinationId, DestinationId: msg.SourceId, Payload: response,
	})
}

// handleLocalResponse resolves a response to a locally-initiated pending
// P2P ask. Broadcast-session responses never reach here: routeP2P claims
// them via sessionLookup before hop resolution.
func (p *P2PHandler) handleLocalResponse(msg types.P2PMessage) {
	pend, ok := p.pending[msg.Payload.CallId]
	if !ok {
		return
	}
	delete(p.pending, msg.Payload.CallId)
	p.refreshGauge()
	pend.resolve(msg.Payload.ResultValue())
}

// RejectAllPending fails every outstanding locally-initiated ask, used on
// Bus.Close (§5 Cancellation and timeouts).
func (p *P2PHandler) RejectAllPending(err error) {
	for callId, pend := range p.pending {
		delete(p.pending, callId)
		pend.resolve(types.Failed("", err))
	}
	p.refreshGauge()
}

func wireErr(err error) *errs.Wire {
	w := errs.ToWire(err)
	return &w
}
