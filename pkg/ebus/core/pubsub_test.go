package core

import (
	"testing"
	"time"

	"github.com/ebus-project/ebus/pkg/ebus/types"
)

type fakeBroadcaster struct {
	downstream   []types.MessageSource
	localSubs    []types.NodeId
	execResults  map[types.NodeId]types.Result
	execMatch    map[types.NodeId]bool
	toParent     []types.Envelope
	toChild      map[types.BusId][]types.Envelope
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{
		execResults: make(map[types.NodeId]types.Result),
		execMatch:   make(map[types.NodeId]bool),
		toChild:     make(map[types.BusId][]types.Envelope),
	}
}

func (f *fakeBroadcaster) BroadcastDownstream(topic types.Topic, source types.MessageSource) []types.MessageSource {
	return f.downstream
}

func (f *fakeBroadcaster) FilterDownstreamChildren(busIds []types.BusId, groups types.GroupSet) []types.BusId {
	return busIds
}

func (f *fakeBroadcaster) LocalSubscribers(topic types.Topic) []types.NodeId {
	return f.localSubs
}

func (f *fakeBroadcaster) ExecuteBroadcast(target, sourceId types.NodeId, sourceGroups types.GroupSet, topic types.Topic, ask bool, args interface{}) (types.Result, bool, error) {
	if !f.execMatch[target] {
		return types.Result{}, false, nil
	}
	return f.execResults[target], true, nil
}

func (f *fakeBroadcaster) SendToParent(env types.Envelope) error {
	f.toParent = append(f.toParent, env)
	return nil
}

func (f *fakeBroadcaster) SendToChild(busId types.BusId, env types.Envelope) error {
	f.toChild[busId] = append(f.toChild[busId], env)
	return nil
}

func TestPublishLocalTellWithNoSubscribersReturnsNil(t *testing.T) {
	bc := newFakeBroadcaster()
	h := NewPubSubHandler(nopLogger{}, nil, bc, newCallIdSeq())
	if ch := h.PublishLocal("pub", types.NewGroupSet(), "topic", true, false, nil, nil, nil); ch != nil {
		t.Errorf("expected nil channel for a tell with no targets, got %v", ch)
	}
}

func TestPublishLocalAskWithNoSubscribersClosesImmediately(t *testing.T) {
	bc := newFakeBroadcaster()
	h := NewPubSubHandler(nopLogger{}, nil, bc, newCallIdSeq())
	ch := h.PublishLocal("pub", types.NewGroupSet(), "topic", true, true, nil, nil, nil)

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected the sink to be closed with no results")
		}
	case <-time.After(time.Second):
		t.Fatal("expected an immediately-closed sink for a fan-in of zero")
	}
}

// TestPublishLocalFanInAggregatesAllLocalSubscribers grounds S3 (broadcast
// fan-in): every local subscriber's result lands on the origin's sink and
// the sink closes once all of them have.
func TestPublishLocalFanInAggregatesAllLocalSubscribers(t *testing.T) {
	bc := newFakeBroadcaster()
	bc.downstream = []types.MessageSource{types.Local()}
	bc.localSubs = []types.NodeId{"s1", "s2"}
	bc.execMatch["s1"] = true
	bc.execMatch["s2"] = true
	bc.execResults["s1"] = types.Ok("s1", "one")
	bc.execResults["s2"] = types.Ok("s2", "two")

	h := NewPubSubHandler(nopLogger{}, nil, bc, newCallIdSeq())
	ch := h.PublishLocal("pub", types.NewGroupSet(), "topic", true, true, nil, nil, nil)

	got := map[interface{}]bool{}
	for r := range ch {
		got[r.Value] = true
	}
	if len(got) != 2 || !got["one"] || !got["two"] {
		t.Errorf("got %v, want results from both s1 and s2", got)
	}
}

func TestPublishLocalWithoutLoopbackSkipsSourceNode(t *testing.T) {
	bc := newFakeBroadcaster()
	bc.downstream = []types.MessageSource{types.Local()}
	bc.localSubs = []types.NodeId{"pub", "other"}
	bc.execMatch["other"] = true
	bc.execResults["other"] = types.Ok("other", "val")

	h := NewPubSubHandler(nopLogger{}, nil, bc, newCallIdSeq())
	ch := h.PublishLocal("pub", types.NewGroupSet(), "topic", false, true, nil, nil, nil)

	results := make([]types.Result, 0)
	for r := range ch {
		results = append(results, r)
	}
	if len(results) != 1 || results[0].SourceId != "other" {
		t.Fatalf("got %#v, want only other's result with loopback disabled", results)
	}
}

func TestHandleIncomingBroadcastNonOriginSendsFinUpstream(t *testing.T) {
	bc := newFakeBroadcaster()
	h := NewPubSubHandler(nopLogger{}, nil, bc, newCallIdSeq())

	h.HandleIncomingBroadcast(types.Child(1), types.BroadcastMessage{
		SourceId: "origin", Topic: "t",
		Payload: types.Payload{Type: types.PayloadAsk, CallId: "c1"},
	})

	if len(bc.toChild[1]) != 1 {
		t.Fatalf("expected exactly one fin envelope sent back to child 1, got %#v", bc.toChild)
	}
	if bc.toChild[1][0].P2P.Payload.Type != types.PayloadAckFin {
		t.Errorf("got %#v, want an ack_fin payload", bc.toChild[1][0].P2P.Payload)
	}
}
