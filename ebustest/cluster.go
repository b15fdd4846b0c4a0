package ebustest

import (
	"context"
	"testing"
	"time"

	"github.com/ebus-project/ebus/pkg/ebus"
)

// NewBus fails t immediately on a construction error, the ebustest
// counterpart to the teacher's test.CreateUnity.
func NewBus(t *testing.T, opts ...ebus.Option) *ebus.Bus {
	t.Helper()
	b, err := ebus.NewBus(opts...)
	if err != nil {
		t.Fatalf("failed creating bus: %v", err)
	}
	return b
}

// Link bridges child under parent over an in-process pipe and blocks
// until the handshake has had a chance to run, generalizing
// test.CreateCluster's in-process peer wiring to ebus's tree topology.
func Link(t *testing.T, parent, child *ebus.Bus, opts ...ebus.BridgeOption) {
	t.Helper()
	parentSide, childSide := NewPipe(64)
	parent.Bridge(parentSide, opts...)
	child.ConnectParent(childSide)
	time.Sleep(20 * time.Millisecond)
}

// CloseAll tears down every bus, bounding each shutdown so a stuck bus
// fails the test instead of hanging it.
func CloseAll(t *testing.T, buses ...*ebus.Bus) {
	t.Helper()
	for _, b := range buses {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.Close(ctx)
		cancel()
		if err != nil {
			t.Errorf("bus close: %v", err)
		}
	}
}
