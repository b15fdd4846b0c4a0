package core

import (
	"testing"

	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

func newTestCoordinator() *ProtocolCoordinator {
	var corrSeq int
	newCorrId := func() types.CorrelationId {
		corrSeq++
		return types.CorrelationId(string(rune('a' + corrSeq)))
	}
	return NewProtocolCoordinator(nopLogger{}, newCorrId)
}

func TestSendRequestAndWaitForAckResolvesOnMatchingCorrelation(t *testing.T) {
	pc := newTestCoordinator()
	var sent types.Envelope
	send := func(e types.Envelope) error { sent = e; return nil }

	var gotErr error
	called := false
	pc.SendRequestAndWaitForAck(types.Envelope{Kind: types.KindNodeAnnouncement}, send, func(_ types.Envelope, err error) {
		called = true
		gotErr = err
	})
	if called {
		t.Fatal("handler should not fire before the ack arrives")
	}

	ok := pc.Dispatch(types.Local(), types.Envelope{Kind: types.KindNodeAnnouncementResponse, CorrelationId: sent.CorrelationId}, send)
	if !ok {
		t.Fatal("Dispatch should report it handled a response envelope")
	}
	if !called || gotErr != nil {
		t.Fatalf("expected handler called with nil error, got called=%v err=%v", called, gotErr)
	}
}

func TestSendRequestAndWaitForAckSynthesizesWireError(t *testing.T) {
	pc := newTestCoordinator()
	var sent types.Envelope
	send := func(e types.Envelope) error { sent = e; return nil }

	var gotErr error
	pc.SendRequestAndWaitForAck(types.Envelope{Kind: types.KindSubUpdate}, send, func(_ types.Envelope, err error) {
		gotErr = err
	})

	wireErr := errs.ToWire(errs.Conflict("n"))
	pc.Dispatch(types.Local(), types.Envelope{
		Kind:          types.KindSubUpdateResponse,
		CorrelationId: sent.CorrelationId,
		Errors:        []errs.Wire{wireErr},
	}, send)

	if gotErr == nil {
		t.Fatal("expected a synthesized error from the wire errors field")
	}
}

func TestHandleHandshakeRepliesAndFiresCallback(t *testing.T) {
	pc := newTestCoordinator()
	var replied types.Envelope
	send := func(e types.Envelope) error { replied = e; return nil }

	var seenSource types.MessageSource
	pc.OnSemanticEvents(nil, nil, func(source types.MessageSource) { seenSource = source })

	in := types.Envelope{Kind: types.KindHandshake, CorrelationId: "corr-1"}
	ok := pc.Dispatch(types.Parent(), in, send)
	if !ok {
		t.Fatal("Dispatch should handle a handshake envelope")
	}
	if replied.Kind != types.KindHandshakeResponse || replied.CorrelationId != "corr-1" {
		t.Fatalf("got reply %#v, want handshake-response echoing correlation id", replied)
	}
	if !seenSource.IsParent() {
		t.Fatalf("expected onHandshake fired with the parent source, got %#v", seenSource)
	}
}

func TestDispatchUnrecognizedKindReturnsFalse(t *testing.T) {
	pc := newTestCoordinator()
	send := func(types.Envelope) error { return nil }
	if pc.Dispatch(types.Local(), types.Envelope{Kind: types.KindP2P}, send) {
		t.Error("Dispatch should return false for kinds it doesn't own, letting the Bus route them")
	}
}

func TestDropAllPendingRejectsEveryOutstandingAck(t *testing.T) {
	pc := newTestCoordinator()
	send := func(types.Envelope) error { return nil }

	var err1, err2 error
	pc.SendRequestAndWaitForAck(types.Envelope{Kind: types.KindNodeAnnouncement}, send, func(_ types.Envelope, err error) { err1 = err })
	pc.SendRequestAndWaitForAck(types.Envelope{Kind: types.KindSubUpdate}, send, func(_ types.Envelope, err error) { err2 = err })

	dropErr := errs.PeerStack("connection dropped")
	pc.DropAllPending(dropErr)

	if err1 != dropErr || err2 != dropErr {
		t.Fatalf("expected both pending acks rejected with the drop error, got %v, %v", err1, err2)
	}
	if len(pc.pending) != 0 {
		t.Error("DropAllPending should clear the pending map")
	}
}
