package core

import (
	"testing"

	"github.com/ebus-project/ebus/pkg/ebus/types"
)

func TestBridgePolicyAdmitsDenyTakesPrecedence(t *testing.T) {
	allow := types.NewGroupSet("g")
	deny := types.NewGroupSet("g")
	policy := types.BridgePolicy{AllowList: &allow, DenyList: &deny}
	if policy.Admits(types.NewGroupSet("g")) {
		t.Error("deny list should take precedence over an overlapping allow list")
	}
}

func TestBridgePolicyAllowListRejectsDisjoint(t *testing.T) {
	allow := types.NewGroupSet("g1")
	policy := types.BridgePolicy{AllowList: &allow}
	if policy.Admits(types.NewGroupSet("g2")) {
		t.Error("allow list should reject a disjoint group set")
	}
	if !policy.Admits(types.NewGroupSet("g1")) {
		t.Error("allow list should admit an intersecting group set")
	}
}

func TestBridgePolicyUnconfiguredAdmitsEverything(t *testing.T) {
	var policy types.BridgePolicy
	if !policy.Admits(types.NewGroupSet("anything")) {
		t.Error("an unconfigured policy should admit any source groups")
	}
}

type recordingTransport struct {
	out chan []byte
	in  chan []byte
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{out: make(chan []byte, 8), in: make(chan []byte, 8)}
}

func (r *recordingTransport) Send(frame []byte) error { r.out <- frame; return nil }
func (r *recordingTransport) Recv() <-chan []byte      { return r.in }
func (r *recordingTransport) Close() error             { close(r.in); return nil }

func TestFilterDownstreamChildrenRespectsPolicy(t *testing.T) {
	var events []BridgeEvent
	bm := NewBridgeManager(nopLogger{}, nil, func(f func()) { f() }, func(e BridgeEvent) { events = append(events, e) })

	deny := types.NewGroupSet("blocked")
	open := newRecordingTransport()
	blocked := newRecordingTransport()
	openId := bm.Bridge(open, types.BridgePolicy{})
	blockedId := bm.Bridge(blocked, types.BridgePolicy{DenyList: &deny})

	admitted := bm.FilterDownstreamChildren([]types.BusId{openId, blockedId}, types.NewGroupSet("blocked"))
	if len(admitted) != 1 || admitted[0] != openId {
		t.Fatalf("got %v, want only %v admitted", admitted, openId)
	}
}

// nopLogger is a minimal types.Logger for tests that don't care about log
// output, avoiding a dependency on the definition package's default logger
// format.
type nopLogger struct{}

func (nopLogger) Info(v ...interface{})                  {}
func (nopLogger) Infof(format string, v ...interface{})  {}
func (nopLogger) Warn(v ...interface{})                  {}
func (nopLogger) Warnf(format string, v ...interface{})  {}
func (nopLogger) Error(v ...interface{})                 {}
func (nopLogger) Errorf(format string, v ...interface{}) {}
func (nopLogger) Debug(v ...interface{})                 {}
func (nopLogger) Debugf(format string, v ...interface{}) {}
func (nopLogger) ToggleDebug(value bool) bool             { return value }
