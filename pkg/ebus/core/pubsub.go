package core

import (
	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// Broadcaster is what PubSubHandler needs from routing, bridging and local
// execution to run the §4.7 publish flow.
type Broadcaster interface {
	BroadcastDownstream(topic types.Topic, source types.MessageSource) []types.MessageSource
	FilterDownstreamChildren(busIds []types.BusId, groups types.GroupSet) []types.BusId
	LocalSubscribers(topic types.Topic) []types.NodeId
	ExecuteBroadcast(target, sourceId types.NodeId, sourceGroups types.GroupSet, topic types.Topic, ask bool, args interface{}) (result types.Result, ok bool, err error)
	SendToParent(env types.Envelope) error
	SendToChild(busId types.BusId, env types.Envelope) error
}

// session is the §4.7 aggregation record for one broadcast ask, kept by
// every bus it transits (not only the origin): pendingLocal resolves
// synchronously at construction time (local execution never suspends), so
// what a session actually waits on is remoteTargets finishing one by one.
type session struct {
	callId        types.CallId
	origin        types.MessageSource
	sourceId      types.NodeId
	remoteTargets map[types.MessageSource]bool // false until that leg's ack_fin arrives
	sink          chan types.Result            // non-nil only when origin.IsLocal()
	resultSeq     uint64
	done          bool
}

func (s *session) remaining() int {
	n := 0
	for _, finished := range s.remoteTargets {
		if !finished {
			n++
		}
	}
	return n
}

// PubSubHandler implements §4.7: createPublisher's engine and the Session
// Manager. It generalizes the teacher's GatherRequest fan-in accumulator
// (which aggregates ComputeResponses over a fixed quorum) to a
// tree-shaped, variable-width fan-in keyed by CallId.
type PubSubHandler struct {
	log       types.Logger
	metrics   *Metrics
	bc        Broadcaster
	newCallId func(types.NodeId) types.CallId

	sessions map[types.CallId]*session
}

// NewPubSubHandler builds a Pub/Sub Handler.
func NewPubSubHandler(log types.Logger, metrics *Metrics, bc Broadcaster, newCallId func(types.NodeId) types.CallId) *PubSubHandler {
	return &PubSubHandler{log: log, metrics: metrics, bc: bc, newCallId: newCallId, sessions: make(map[types.CallId]*session)}
}

// SessionLookup satisfies P2PHandler.SessionLookupFunc: true iff callId
// names a session this bus is tracking, folding one downstream leg's
// ack_result/ack_fin into it. receivedFrom identifies which leg.
func (h *PubSubHandler) SessionLookup(callId types.CallId, receivedFrom types.MessageSource, p types.Payload) bool {
	sess, ok := h.sessions[callId]
	if !ok {
		return false
	}
	h.deliverAck(sess, receivedFrom, p)
	return true
}

func (h *PubSubHandler) refreshGauge() {
	if h.metrics != nil {
		h.metrics.SessionsActive.Set(float64(len(h.sessions)))
	}
}

// PublishLocal implements createPublisher's `<path>.all`/`.tell` for a
// locally-originated publish (§4.7, §4.1 default loopback=true).
func (h *PubSubHandler) PublishLocal(sourceId types.NodeId, sourceGroups types.GroupSet, topic types.Topic, loopback bool, ask bool, path []string, args []interface{}, meta map[string]interface{}) <-chan types.Result {
	callId := h.newCallId(sourceId)
	payload := types.Payload{Type: payloadKind(ask), CallId: callId, Path: path, Args: args, Meta: meta}
	return h.publish(types.Local(), sourceId, sourceGroups, topic, loopback, payload)
}

// HandleIncomingBroadcast implements the publish flow for a broadcast
// arriving from a bridge (§4.7), where source is never local and loopback
// never applies (the routing graph already prevents echo).
func (h *PubSubHandler) HandleIncomingBroadcast(source types.MessageSource, msg types.BroadcastMessage) {
	h.publish(source, msg.SourceId, msg.SourceGroups, msg.Topic, false, msg.Payload)
}

func payloadKind(ask bool) types.PayloadType {
	if ask {
		return types.PayloadAsk
	}
	return types.PayloadTell
}

// publish runs the full §4.7 steps 1-8 for one incoming or locally
// originated broadcast and returns the result channel a local-origin ask
// yields on (nil for tell or non-local origin).
func (h *PubSubHandler) publish(source types.MessageSource, sourceId types.NodeId, sourceGroups types.GroupSet, topic types.Topic, loopback bool, payload types.Payload) <-chan types.Result {
	ask := payload.Type == types.PayloadAsk

	// Step 1-2: downstream set, pre-filtered by bridge policy.
	downstreams := h.bc.BroadcastDownstream(topic, source)
	var remote []types.MessageSource
	var childIds []types.BusId
	includeParent := false
	for _, d := range downstreams {
		switch {
		case d.IsParent():
			includeParent = true
		case d.IsChild():
			childIds = append(childIds, d.BusId)
		}
	}
	childIds = h.bc.FilterDownstreamChildren(childIds, sourceGroups)
	for _, id := range childIds {
		remote = append(remote, types.Child(id))
	}
	if includeParent {
		remote = append(remote, types.Parent())
	}

	// Step 3: local targets.
	hasLocalDownstream := false
	for _, d := range downstreams {
		if d.IsLocal() {
			hasLocalDownstream = true
		}
	}
	var localTargets []types.NodeId
	if source.IsLocal() {
		for _, id := range h.bc.LocalSubscribers(topic) {
			if !loopback && id == sourceId {
				continue
			}
			localTargets = append(localTargets, id)
		}
	} else if hasLocalDownstream {
		localTargets = h.bc.LocalSubscribers(topic)
	}

	n := len(remote) + len(localTargets)
	if h.metrics != nil {
		h.metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
		if ask {
			h.metrics.BroadcastFanin.Observe(float64(n))
		}
	}
	if n == 0 {
		// Step 4: nothing to do. A non-origin ask still owes its caller
		// exactly one ack_fin so the relay above doesn't wait forever.
		if ask && !source.IsLocal() {
			h.sendFin(source, payload.CallId, sourceId)
		}
		if ask && source.IsLocal() {
			ch := make(chan types.Result)
			close(ch)
			return ch
		}
		return nil
	}

	var sess *session
	if ask {
		// Step 5: register the session before any dispatch/send so an
		// immediately-synchronous local result can't race its own
		// bookkeeping.
		sess = &session{callId: payload.CallId, origin: source, sourceId: sourceId, remoteTargets: make(map[types.MessageSource]bool)}
		for _, r := range remote {
			sess.remoteTargets[r] = false
		}
		if source.IsLocal() {
			sess.sink = make(chan types.Result, n)
		}
		h.sessions[payload.CallId] = sess
		h.refreshGauge()
	}

	// Step 6: clone args/meta into N independent copies.
	dispatcher := NewDispatcher(DefaultHandlers()...)
	argCopies, err := dispatcher.Copies(payload.Args, n)
	if err != nil {
		argCopies = repeat(payload.Args, n)
	}
	metaCopies, err := dispatcher.Copies(interface{}(payload.Meta), n)
	if err != nil {
		metaCopies = repeat(interface{}(payload.Meta), n)
	}

	idx := 0
	// Step 7a: remote legs.
	for _, target := range remote {
		leg := types.Payload{
			Type: payload.Type, CallId: payload.CallId, Path: payload.Path,
			Args: toArgSlice(argCopies[idx]), Meta: toMetaMap(metaCopies[idx]),
		}
		idx++
		env := types.Envelope{Kind: types.KindBroadcast, Broadcast: &types.BroadcastMessage{
			SourceId: sourceId, SourceGroups: sourceGroups, Topic: topic, Payload: leg,
		}}
		if target.IsParent() {
			_ = h.bc.SendToParent(env)
		} else {
			_ = h.bc.SendToChild(target.BusId, env)
		}
	}

	// Step 7b: local legs, executed synchronously.
	for _, target := range localTargets {
		result, matched, execErr := h.bc.ExecuteBroadcast(target, sourceId, sourceGroups, topic, ask,
			types.ProcedureInput{Path: payload.Path, Args: toArgSlice(argCopies[idx]), Meta: toMetaMap(metaCopies[idx])})
		idx++
		if !matched {
			continue
		}
		if execErr != nil {
			result = types.Failed(target, execErr)
		}
		if ask {
			h.recordLocalResult(sess, result)
		}
	}

	if !ask {
		return nil
	}
	h.maybeFinish(sess)
	return sess.sink
}

func (h *PubSubHandler) recordLocalResult(sess *session, result types.Result) {
	if sess.sink != nil {
		sess.sink <- result
		return
	}
	// Non-origin session: forward as an individual ack_result toward
	// wherever this bus received the ask from.
	h.sendResult(sess, result)
}

func (h *PubSubHandler) deliverAck(sess *session, receivedFrom types.MessageSource, p types.Payload) {
	switch p.Type {
	case types.PayloadAckResult:
		result := p.ResultValue()
		if sess.sink != nil {
			sess.sink <- result
		} else {
			h.sendResult(sess, result)
		}
	case types.PayloadAckFin:
		if _, tracked := sess.remoteTargets[receivedFrom]; tracked {
			sess.remoteTargets[receivedFrom] = true
		}
	}
	h.maybeFinish(sess)
}

// sendResult emits one ack_result as a P2P envelope toward a relay
// session's origin adjacency. Origin sessions never come here: their
// results are pushed onto the sink by recordLocalResult and deliverAck.
func (h *PubSubHandler) sendResult(sess *session, result types.Result) {
	sess.resultSeq++
	payload := types.FromResult(sess.callId, result)
	payload.ResultSeq = sess.resultSeq
	env := types.Envelope{Kind: types.KindP2P, P2P: &types.P2PMessage{
		SourceId: result.SourceId, Payload: payload,
	}}
	h.sendOrigin(sess.origin, env)
}

func (h *PubSubHandler) sendFin(origin types.MessageSource, callId types.CallId, sourceId types.NodeId) {
	env := types.Envelope{Kind: types.KindP2P, P2P: &types.P2PMessage{
		SourceId: sourceId, Payload: types.Payload{Type: types.PayloadAckFin, CallId: callId},
	}}
	h.sendOrigin(origin, env)
}

func (h *PubSubHandler) sendOrigin(origin types.MessageSource, env types.Envelope) {
	if origin.IsParent() {
		_ = h.bc.SendToParent(env)
		return
	}
	if origin.IsChild() {
		_ = h.bc.SendToChild(origin.BusId, env)
	}
}

func (h *PubSubHandler) maybeFinish(sess *session) {
	if sess.done || sess.remaining() > 0 {
		return
	}
	sess.done = true
	delete(h.sessions, sess.callId)
	h.refreshGauge()
	if sess.sink != nil {
		close(sess.sink)
		return
	}
	h.sendFin(sess.origin, sess.callId, sess.sourceId)
}

// RejectAllSessions errors out every open session's sink, used on
// Bus.Close (§5 Cancellation and timeouts).
func (h *PubSubHandler) RejectAllSessions(err error) {
	for callId, sess := range h.sessions {
		delete(h.sessions, callId)
		if sess.sink != nil {
			sess.sink <- types.Failed(sess.sourceId, errs.PeerStack(err.Error()))
			close(sess.sink)
		}
	}
	h.refreshGauge()
}

func toArgSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func toMetaMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
