// Package ebustest provides in-process test wiring for ebus buses,
// generalizing the teacher's test.TestInvoker/test.CreateCluster in-process
// harness from a flat replica set to ebus's parent/child tree.
package ebustest

import (
	"sync"

	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/core"
)

var _ core.Transport = (*PipeTransport)(nil)

// PipeTransport is one end of an in-memory duplex pipe: frames sent on it
// arrive on its peer's Recv channel. It plays the role the teacher's
// ReliableTransport plays for relt, minus the network.
type PipeTransport struct {
	mu     sync.Mutex
	out    chan []byte
	in     <-chan []byte
	closed bool
}

// NewPipe builds a connected pair: a.Send delivers to b.Recv and vice
// versa. buffer sizes both directions.
func NewPipe(buffer int) (a, b *PipeTransport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a = &PipeTransport{out: ab, in: ba}
	b = &PipeTransport{out: ba, in: ab}
	return a, b
}

// Send implements core.Transport. It never blocks: a full buffer is
// reported as backpressure rather than stalling the caller (§5
// Backpressure).
func (p *PipeTransport) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.PeerStack("transport closed")
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return errs.PeerStack("transport backpressure: peer not draining")
	}
}

// Recv implements core.Transport.
func (p *PipeTransport) Recv() <-chan []byte { return p.in }

// Close implements core.Transport. Closing the channel this end writes to
// is what the peer's Recv sees as a dropped connection; Close and Send
// share a mutex so a send can never race the close of the same channel.
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}
