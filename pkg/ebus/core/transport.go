package core

import "github.com/ebus-project/ebus/pkg/ebus/types"

// Transport is the opaque, point-to-point duplex channel under one hop.
// Wire encoding, framing and the physical medium are entirely out of
// scope for ebus (§1): a Transport only ever moves already-serialized
// frames between exactly two adjacent buses. This is the seam the
// teacher's core.Transport interface plays for relt, generalized from a
// multicast group primitive to a single duplex pipe.
type Transport interface {
	// Send delivers one frame to the peer. It must not block past what
	// the transport's own flow control requires (§5 Backpressure).
	Send(frame []byte) error

	// Recv returns the channel of inbound frames. It is closed when the
	// peer disconnects; closing this end does not by itself close it.
	Recv() <-chan []byte

	// Close releases the transport. Send/Recv after Close are undefined.
	Close() error
}

// EventKind discriminates the events a peer stack surfaces.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnectionReady
	EventConnectionDropped
)

// BridgeEvent is one item of the Bridge Manager's unified message/
// connection event stream (§2 Bridge Manager).
type BridgeEvent struct {
	Kind     EventKind
	Source   types.MessageSource
	Envelope types.Envelope
}
