package core

import (
	"encoding/json"

	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// frameEvent is what a peerStack's background reader hands to the bus
// context once re-serialized through BridgeManager.post, generalizing the
// teacher's ReliableTransport.consume (which unmarshals a relt.Recv into a
// types.Message and forwards it to the producer channel).
type frameEvent struct {
	kind     EventKind
	envelope types.Envelope
}

// peerStack is one isolated RPC stack over a single Transport: encoding,
// a background reader goroutine, and connection-lifecycle detection. It
// plays the role the teacher's ReliableTransport plays for relt, but
// generalized from a multicast group primitive to one duplex pipe.
type peerStack struct {
	transport Transport
	log       types.Logger
}

func newPeerStack(transport Transport, log types.Logger, deliver func(frameEvent)) *peerStack {
	ps := &peerStack{transport: transport, log: log}
	go ps.poll(deliver)
	deliver(frameEvent{kind: EventConnectionReady})
	return ps
}

func (ps *peerStack) poll(deliver func(frameEvent)) {
	for frame := range ps.transport.Recv() {
		var env types.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			ps.log.Errorf("failed unmarshalling frame: %v", err)
			continue
		}
		deliver(frameEvent{kind: EventMessage, envelope: env})
	}
	deliver(frameEvent{kind: EventConnectionDropped})
}

func (ps *peerStack) send(env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ps.transport.Send(data)
}
