package core

import (
	"testing"

	"github.com/ebus-project/ebus/pkg/ebus/definition"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

type fakePolicy struct {
	policies map[types.BusId]types.BridgePolicy
}

func (f *fakePolicy) Policy(busId types.BusId) types.BridgePolicy {
	return f.policies[busId]
}

func newTestRoutingTable() *RoutingTable {
	return NewRoutingTable(definition.NewDefaultLogger(), nil, &fakePolicy{policies: map[types.BusId]types.BridgePolicy{}})
}

func TestAnnounceNodeThenGetNextHop(t *testing.T) {
	rt := newTestRoutingTable()
	env, _ := rt.AnnounceNode("n1", true, types.NewGroupSet("g"))
	if env == nil || len(env.Announcements) != 1 {
		t.Fatalf("expected one announcement entry, got %#v", env)
	}
	if !rt.HasNode("n1") {
		t.Fatal("n1 should route locally")
	}
	hop, ok := rt.GetNextHop("n1")
	if !ok || !hop.IsLocal() {
		t.Fatalf("got %#v, want local hop", hop)
	}
}

func TestAnnounceNodeRollbackRestoresPriorRoute(t *testing.T) {
	rt := newTestRoutingTable()
	rt.AnnounceNode("n1", true, types.NewGroupSet("g"))

	_, rollback := rt.AnnounceNode("n1", false, nil)
	if rt.HasNode("n1") {
		t.Fatal("n1 should be removed before rollback")
	}
	rollback()
	if !rt.HasNode("n1") {
		t.Fatal("rollback should restore n1's prior route")
	}
}

// TestApplyChildAnnouncementsConflict grounds S1 (conflict rejection): a
// node already routed via one child bus cannot be re-announced via a
// different child bus.
func TestApplyChildAnnouncementsConflict(t *testing.T) {
	rt := newTestRoutingTable()
	entries := []types.NodeAnnouncementEntry{{NodeId: "x", IsAvailable: true, Groups: types.NewGroupSet("g")}}

	env, wireErrs, _ := rt.ApplyChildAnnouncements(1, entries)
	if env == nil || len(wireErrs) != 0 {
		t.Fatalf("first announcement should be accepted cleanly, got env=%#v errs=%#v", env, wireErrs)
	}

	env2, wireErrs2, _ := rt.ApplyChildAnnouncements(2, entries)
	if env2 != nil {
		t.Fatalf("conflicting announcement from a second bus should propagate nothing, got %#v", env2)
	}
	if len(wireErrs2) != 1 {
		t.Fatalf("expected exactly one conflict error, got %#v", wireErrs2)
	}

	hop, ok := rt.GetNextHop("x")
	if !ok || hop != types.Child(1) {
		t.Fatalf("x should still route via the first child, got %#v", hop)
	}
}

// TestApplyChildAnnouncementsDeniedByPolicy grounds S2 (deny-list at the
// edge): an announcement rejected by bridge policy never reaches nodeRoutes.
func TestApplyChildAnnouncementsDeniedByPolicy(t *testing.T) {
	deny := types.NewGroupSet("secret")
	rt := NewRoutingTable(definition.NewDefaultLogger(), nil, &fakePolicy{
		policies: map[types.BusId]types.BridgePolicy{1: {DenyList: &deny}},
	})

	entries := []types.NodeAnnouncementEntry{{NodeId: "n", IsAvailable: true, Groups: types.NewGroupSet("secret")}}
	env, wireErrs, _ := rt.ApplyChildAnnouncements(1, entries)
	if env != nil {
		t.Fatalf("denied announcement should propagate nothing, got %#v", env)
	}
	if len(wireErrs) != 1 {
		t.Fatalf("expected one group-policy error, got %#v", wireErrs)
	}
	if rt.HasNode("n") {
		t.Fatal("denied node must not appear in the RIB")
	}
}

// TestChildDisconnectedPurgesViaIndex grounds S4 (disconnect cleanup).
func TestChildDisconnectedPurgesViaIndex(t *testing.T) {
	rt := newTestRoutingTable()
	entries := []types.NodeAnnouncementEntry{
		{NodeId: "n1", IsAvailable: true, Groups: types.NewGroupSet()},
		{NodeId: "n2", IsAvailable: true, Groups: types.NewGroupSet()},
		{NodeId: "n3", IsAvailable: true, Groups: types.NewGroupSet()},
	}
	rt.ApplyChildAnnouncements(7, entries)

	announcements, _ := rt.ChildDisconnected(7)
	if len(announcements) != 3 {
		t.Fatalf("got %d unavailability entries, want 3", len(announcements))
	}
	for _, id := range []types.NodeId{"n1", "n2", "n3"} {
		if _, ok := rt.GetNextHop(id); ok {
			t.Errorf("%s should have no route after disconnect", id)
		}
	}
	if _, present := rt.childBusNodeMap[7]; present {
		t.Error("childBusNodeMap entry should be deleted after purge")
	}
}

// TestGetNextHopDefaultsUpstream grounds S5 (default-up routing).
func TestGetNextHopDefaultsUpstream(t *testing.T) {
	rt := newTestRoutingTable()
	rt.SetParentConnected(true)
	hop, ok := rt.GetNextHop("unknown")
	if !ok || !hop.IsParent() {
		t.Fatalf("got %#v, want parent default", hop)
	}
}

func TestUpdateLocalSubscriptionOnlyPropagatesOnInterestChange(t *testing.T) {
	rt := newTestRoutingTable()

	env, _ := rt.UpdateLocalSubscription("s1", "t", true)
	if env == nil {
		t.Fatal("first subscriber should flip hasInterest and propagate")
	}
	env2, _ := rt.UpdateLocalSubscription("s2", "t", true)
	if env2 != nil {
		t.Fatal("second subscriber to the same topic should not re-propagate")
	}
}
