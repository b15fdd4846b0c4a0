// Package fuzzy holds end-to-end scenario tests that exercise a tree of
// live buses wired together in-process, rather than one component in
// isolation.
package fuzzy

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ebus-project/ebus/ebustest"
	"github.com/ebus-project/ebus/pkg/ebus"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// TestConflictRejection is S1: three buses A <- B <- C joined. A node
// joins on C and its announcement reaches A. A second, same-id node then
// joins on a sibling of C under B; B's Routing must reject the conflict,
// the second join fails, and A's RIB still lists the node reachable via
// the first child.
func TestConflictRejection(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := ebustest.NewBus(t)
	b := ebustest.NewBus(t)
	c := ebustest.NewBus(t)
	cSibling := ebustest.NewBus(t)
	ebustest.Link(t, a, b)
	ebustest.Link(t, b, c)
	ebustest.Link(t, b, cSibling)

	ctx := context.Background()
	if _, err := ebus.Join(ctx, c, "x", ebus.WithGroups("g")); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if stats := a.Stats(); stats.Routes != 1 {
		t.Fatalf("got %d routes on A, want 1 after the first join propagated", stats.Routes)
	}

	if _, err := ebus.Join(ctx, cSibling, "x", ebus.WithGroups("g")); err == nil {
		t.Error("expected the conflicting second join to fail")
	}

	if stats := a.Stats(); stats.Routes != 1 {
		t.Fatalf("got %d routes on A after the rejected conflict, want still 1", stats.Routes)
	}

	ebustest.CloseAll(t, a, b, c, cSibling)
}

// TestDenyListAtTheEdge is S2: bus A has a child bridge configured with a
// deny list. A node in the denied group joins on that child and announces
// upstream; A must reject the announcement, never add the node to its
// RIB, and the child-side join must fail with a group-policy error.
func TestDenyListAtTheEdge(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := ebustest.NewBus(t)
	child := ebustest.NewBus(t)
	ebustest.Link(t, a, child, ebus.WithDenyList("secret"))

	ctx := context.Background()
	if _, err := ebus.Join(ctx, child, "n", ebus.WithGroups("secret")); err == nil {
		t.Error("expected join to fail with a group-policy error")
	}
	if stats := a.Stats(); stats.Routes != 0 {
		t.Fatalf("got %d routes on A, want 0: the denied node must never reach the RIB", stats.Routes)
	}

	ebustest.CloseAll(t, a, child)
}

// TestBroadcastFanIn is S3: a publish with loopback=false on bus A, whose
// subscribers are local (s1, on A), on the parent (s2, on B), and on a
// child (s3, on C of A). The publish must yield exactly 3 success results,
// one per subscriber, each computed independently.
func TestBroadcastFanIn(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := ebustest.NewBus(t)
	a := ebustest.NewBus(t)
	c := ebustest.NewBus(t)
	ebustest.Link(t, b, a)
	ebustest.Link(t, a, c)

	ctx := context.Background()
	// Arguments and results that cross a bridge are JSON-decoded, so a
	// number arrives as float64 on B and C, and their results come back to
	// A as float64 too; only s1's leg keeps the original int.
	double := func(_ types.ProcedureContext) types.Procedure {
		return func(_ types.ProcedureContext, args interface{}) (interface{}, error) {
			input := args.(types.ProcedureInput)
			return asInt(input.Args[0]) * 2, nil
		}
	}

	p, err := ebus.Join(ctx, a, "p")
	if err != nil {
		t.Fatalf("join p: %v", err)
	}
	s1, err := ebus.Join(ctx, a, "s1")
	if err != nil {
		t.Fatalf("join s1: %v", err)
	}
	s2, err := ebus.Join(ctx, b, "s2")
	if err != nil {
		t.Fatalf("join s2: %v", err)
	}
	s3, err := ebus.Join(ctx, c, "s3")
	if err != nil {
		t.Fatalf("join s3: %v", err)
	}

	if _, err := s1.Subscribe(ctx, "t", double); err != nil {
		t.Fatalf("subscribe s1: %v", err)
	}
	if _, err := s2.Subscribe(ctx, "t", double); err != nil {
		t.Fatalf("subscribe s2: %v", err)
	}
	if _, err := s3.Subscribe(ctx, "t", double); err != nil {
		t.Fatalf("subscribe s3: %v", err)
	}

	emiter := p.Emiter("t", ebus.WithLoopback(false))
	results := emiter.All(nil, []interface{}{21}, nil)

	count := 0
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break collect
			}
			count++
			if !r.Success || asInt(r.Value) != 42 {
				t.Errorf("got %#v, want a successful result of 42", r)
			}
		case <-timeout:
			t.Fatal("timed out waiting for the broadcast-ask sequence to complete")
		}
	}
	if count != 3 {
		t.Errorf("got %d results, want exactly 3", count)
	}

	ebustest.CloseAll(t, a, b, c)
}

// asInt reads a number that is either a local int or a JSON-decoded
// float64; anything else yields -1.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}

// TestDisconnectCleanup is S4: bus B has child C with three nodes
// registered via it. When C's bridge disconnects, B's RIB must purge all
// three in one pass and B must no longer be able to route to any of them.
func TestDisconnectCleanup(t *testing.T) {
	defer goleak.VerifyNone(t)

	parentSide, childSide := ebustest.NewPipe(64)
	b := ebustest.NewBus(t)
	c := ebustest.NewBus(t)
	b.Bridge(parentSide)
	c.ConnectParent(childSide)
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	for _, id := range []types.NodeId{"n1", "n2", "n3"} {
		if _, err := ebus.Join(ctx, c, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if stats := b.Stats(); stats.Routes != 3 {
		t.Fatalf("got %d routes on B, want 3 before disconnect", stats.Routes)
	}

	childSide.Close()
	time.Sleep(50 * time.Millisecond)

	if stats := b.Stats(); stats.Routes != 0 {
		t.Fatalf("got %d routes on B after C disconnected, want 0", stats.Routes)
	}

	ebustest.CloseAll(t, b, c)
}

// TestDefaultUpRouting is S5: bus B has no entry for node q but has a
// parent connected, so connectTo must succeed its route-existence check
// and forward the ask upstream; when the parent has no route either, the
// caller sees a not-found rejection rather than a hang.
func TestDefaultUpRouting(t *testing.T) {
	defer goleak.VerifyNone(t)

	top := ebustest.NewBus(t)
	b := ebustest.NewBus(t)
	ebustest.Link(t, top, b)

	ctx := context.Background()
	caller, err := ebus.Join(ctx, b, "caller")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	conn, err := caller.ConnectTo("q")
	if err != nil {
		t.Fatalf("expected connectTo to succeed on the optimistic default-up route, got: %v", err)
	}

	askCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := conn.Ask(askCtx, []string{"m"}, nil, nil); err == nil {
		t.Error("expected the ask to resolve with a not-found rejection once it reaches the root")
	}

	ebustest.CloseAll(t, top, b)
}
