package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

type fakeRouter struct {
	hops        map[types.NodeId]types.MessageSource
	groups      map[types.NodeId]types.GroupSet
	execResult  types.Result
	execErr     error
	execCalls   []types.NodeId
	toParent    []types.Envelope
	toChild     map[types.BusId][]types.Envelope
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		hops:    make(map[types.NodeId]types.MessageSource),
		groups:  make(map[types.NodeId]types.GroupSet),
		toChild: make(map[types.BusId][]types.Envelope),
	}
}

func (f *fakeRouter) NextHop(destination types.NodeId) (types.MessageSource, bool) {
	hop, ok := f.hops[destination]
	return hop, ok
}

func (f *fakeRouter) NodeGroups(nodeId types.NodeId) (types.GroupSet, bool) {
	groups, ok := f.groups[nodeId]
	return groups, ok
}

func (f *fakeRouter) ExecuteP2P(target, sourceId types.NodeId, sourceGroups types.GroupSet, ask bool, args interface{}) (types.Result, error) {
	f.execCalls = append(f.execCalls, target)
	return f.execResult, f.execErr
}

func (f *fakeRouter) SendToParent(env types.Envelope) error {
	f.toParent = append(f.toParent, env)
	return nil
}

func (f *fakeRouter) SendToChild(busId types.BusId, env types.Envelope) error {
	f.toChild[busId] = append(f.toChild[busId], env)
	return nil
}

func newCallIdSeq() func(types.NodeId) types.CallId {
	var n int
	return func(sourceId types.NodeId) types.CallId {
		n++
		return types.NewCallId(sourceId, fmt.Sprintf("test-%d", n))
	}
}

func TestCanCallRejectsUnroutedTarget(t *testing.T) {
	r := newFakeRouter()
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())
	if err := p.CanCall("a", "ghost"); err == nil {
		t.Error("expected an error connecting to a node with no route")
	}
}

func TestCanCallRejectsDisjointGroups(t *testing.T) {
	r := newFakeRouter()
	r.hops["b"] = types.Local()
	r.groups["a"] = types.NewGroupSet("g1")
	r.groups["b"] = types.NewGroupSet("g2")
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())
	if err := p.CanCall("a", "b"); err == nil {
		t.Error("expected an error connecting nodes that share no group")
	}
}

func TestCanCallProceedsOptimisticallyWhenTargetGroupsUnknown(t *testing.T) {
	r := newFakeRouter()
	r.hops["b"] = types.Child(1)
	r.groups["a"] = types.NewGroupSet("g1")
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())
	if err := p.CanCall("a", "b"); err != nil {
		t.Errorf("expected no error when the target's groups aren't known locally, got %v", err)
	}
}

func TestAskExecutesLocallyAndResolves(t *testing.T) {
	r := newFakeRouter()
	r.hops["server"] = types.Local()
	r.hops["client"] = types.Local()
	r.execResult = types.Ok("server", "pong")
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())

	got := make(chan types.Result, 1)
	p.Ask("client", "server", types.NewGroupSet(), []string{"ping"}, nil, nil, func(res types.Result) { got <- res })

	select {
	case res := <-got:
		if !res.Success || res.Value != "pong" {
			t.Errorf("got %#v, want successful pong", res)
		}
	default:
		t.Fatal("expected Ask to resolve synchronously for a local target")
	}
	if len(r.execCalls) != 1 || r.execCalls[0] != "server" {
		t.Errorf("expected ExecuteP2P called once with server, got %v", r.execCalls)
	}
}

func TestAskWithNoHopSynthesizesNotFound(t *testing.T) {
	r := newFakeRouter()
	r.hops["client"] = types.Local()
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())

	got := make(chan types.Result, 1)
	p.Ask("client", "ghost", types.NewGroupSet(), nil, nil, nil, func(res types.Result) { got <- res })

	select {
	case res := <-got:
		if res.Success {
			t.Fatal("expected a failed result for an unroutable destination")
		}
		if !errors.Is(res.Err, errs.NodeNotFound("ghost")) {
			t.Errorf("got %v, want a NodeNotFound error", res.Err)
		}
	default:
		t.Fatal("expected the synthesized not-found ack to resolve the pending ask")
	}
}

func TestAskRoutesToChildHop(t *testing.T) {
	r := newFakeRouter()
	r.hops["remote"] = types.Child(3)
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())

	p.Ask("client", "remote", types.NewGroupSet(), []string{"x"}, nil, nil, func(types.Result) {})

	envs := r.toChild[3]
	if len(envs) != 1 || envs[0].Kind != types.KindP2P || envs[0].P2P.Payload.Type != types.PayloadAsk {
		t.Fatalf("expected one ask envelope routed to child 3, got %#v", envs)
	}
}

func TestTellRoutesToParentHop(t *testing.T) {
	r := newFakeRouter()
	r.hops["remote"] = types.Parent()
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())

	p.Tell("client", "remote", types.NewGroupSet(), []string{"x"}, nil, nil)

	if len(r.toParent) != 1 || r.toParent[0].P2P.Payload.Type != types.PayloadTell {
		t.Fatalf("expected one tell envelope routed to the parent, got %#v", r.toParent)
	}
}

func TestRejectAllPendingFailsEveryOutstandingAsk(t *testing.T) {
	r := newFakeRouter()
	// the route leads to a child bus that never replies, so the ask stays
	// pending until RejectAllPending finds and fails it.
	p := NewP2PHandler(nopLogger{}, nil, r, newCallIdSeq())
	r.hops["remote"] = types.Child(1)

	got := make(chan types.Result, 1)
	p.Ask("client", "remote", types.NewGroupSet(), nil, nil, nil, func(res types.Result) { got <- res })

	p.RejectAllPending(errs.PeerStack("closing"))

	select {
	case res := <-got:
		if res.Success {
			t.Error("expected the pending ask to resolve as failed")
		}
	default:
		t.Fatal("expected RejectAllPending to resolve the pending ask")
	}
}
