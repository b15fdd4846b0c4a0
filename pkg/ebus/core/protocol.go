package core

import (
	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// AckHandler is invoked, already on the bus's single-writer context, once
// a pending request's ack arrives or its connection drops (err != nil).
type AckHandler func(env types.Envelope, err error)

// ProtocolCoordinator correlates control-plane requests with acks and
// classifies inbound control messages into semantic events (§4.1). It
// generalizes the teacher's checkRPCHeader/process dispatch, which plays
// the analogous "is this message meaningful to me, and which handler
// wants it" role for GMCastRequest/ComputeRequest/GatherRequest.
type ProtocolCoordinator struct {
	log       types.Logger
	newCorrId func() types.CorrelationId
	pending   map[types.CorrelationId]AckHandler

	onNodeAnnouncement func(source types.MessageSource, env types.Envelope)
	onSubUpdate        func(source types.MessageSource, env types.Envelope)
	onHandshake        func(source types.MessageSource)
}

// NewProtocolCoordinator builds a coordinator. newCorrId is injected so
// tests can supply deterministic ids.
func NewProtocolCoordinator(log types.Logger, newCorrId func() types.CorrelationId) *ProtocolCoordinator {
	return &ProtocolCoordinator{
		log:       log,
		newCorrId: newCorrId,
		pending:   make(map[types.CorrelationId]AckHandler),
	}
}

// OnSemanticEvents registers the Bus's handlers for the three semantic
// events the coordinator classifies inbound control messages into.
func (pc *ProtocolCoordinator) OnSemanticEvents(
	onNodeAnnouncement func(types.MessageSource, types.Envelope),
	onSubUpdate func(types.MessageSource, types.Envelope),
	onHandshake func(types.MessageSource),
) {
	pc.onNodeAnnouncement = onNodeAnnouncement
	pc.onSubUpdate = onSubUpdate
	pc.onHandshake = onHandshake
}

// InitiateHandshake implements §4.1 initiateHandshake: send an initial
// handshake request to a newly-ready adjacent bus and resolve when acked.
func (pc *ProtocolCoordinator) InitiateHandshake(source types.MessageSource, send func(types.Envelope) error, done func(error)) {
	corrId := pc.newCorrId()
	env := types.Envelope{Kind: types.KindHandshake, CorrelationId: corrId}
	if err := send(env); err != nil {
		done(errs.PeerStack(err.Error()))
		return
	}
	pc.pending[corrId] = func(_ types.Envelope, err error) { done(err) }
}

// SendRequestAndWaitForAck implements §4.1: assign a CorrelationId, send
// the message, register a pending ack, and resolve or reject based on the
// response, synthesizing a typed error from an `errors` field.
func (pc *ProtocolCoordinator) SendRequestAndWaitForAck(env types.Envelope, send func(types.Envelope) error, done AckHandler) {
	corrId := pc.newCorrId()
	env.CorrelationId = corrId
	if err := send(env); err != nil {
		done(types.Envelope{}, errs.PeerStack(err.Error()))
		return
	}
	pc.pending[corrId] = done
}

// HandleHandshake responds to an inbound handshake with a
// handshake-response, carrying the same correlation id.
func (pc *ProtocolCoordinator) HandleHandshake(source types.MessageSource, env types.Envelope, send func(types.Envelope) error) {
	_ = send(types.Envelope{Kind: types.KindHandshakeResponse, CorrelationId: env.CorrelationId})
	if pc.onHandshake != nil {
		pc.onHandshake(source)
	}
}

// Dispatch classifies one inbound envelope: response kinds resolve a
// pending ack, everything else is routed to the registered semantic-event
// handler. Returns true if the envelope was a control-plane message this
// coordinator handled (false lets the Bus route p2p/broadcast elsewhere).
func (pc *ProtocolCoordinator) Dispatch(source types.MessageSource, env types.Envelope, send func(types.Envelope) error) bool {
	switch env.Kind {
	case types.KindHandshake:
		pc.HandleHandshake(source, env, send)
		return true
	case types.KindHandshakeResponse, types.KindNodeAnnouncementResponse, types.KindSubUpdateResponse:
		pc.resolve(env)
		return true
	case types.KindNodeAnnouncement:
		if pc.onNodeAnnouncement != nil {
			pc.onNodeAnnouncement(source, env)
		}
		return true
	case types.KindSubUpdate:
		if pc.onSubUpdate != nil {
			pc.onSubUpdate(source, env)
		}
		return true
	default:
		return false
	}
}

func (pc *ProtocolCoordinator) resolve(env types.Envelope) {
	handler, ok := pc.pending[env.CorrelationId]
	if !ok {
		return
	}
	delete(pc.pending, env.CorrelationId)
	if env.HasErrors() {
		handler(env, synthesizeError(env.Errors))
		return
	}
	handler(env, nil)
}

func synthesizeError(wire []errs.Wire) error {
	if len(wire) == 0 {
		return nil
	}
	return errs.FromWire(wire[0])
}

// DropAllPending rejects every outstanding ack, used when an adjacent
// connection drops or the bus closes.
func (pc *ProtocolCoordinator) DropAllPending(err error) {
	for corrId, handler := range pc.pending {
		delete(pc.pending, corrId)
		handler(types.Envelope{}, err)
	}
}
