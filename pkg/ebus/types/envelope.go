package types

import "github.com/ebus-project/ebus/errs"

// Kind discriminates the tagged union of protocol messages (§6). Prefer
// this sum-type style over a class hierarchy, per the Design Notes.
type Kind string

const (
	KindHandshake                Kind = "handshake"
	KindHandshakeResponse        Kind = "handshake-response"
	KindNodeAnnouncement         Kind = "node-announcement"
	KindNodeAnnouncementResponse Kind = "node-announcement-response"
	KindSubUpdate                Kind = "sub-update"
	KindSubUpdateResponse        Kind = "sub-update-response"
	KindP2P                      Kind = "p2p"
	KindBroadcast                Kind = "broadcast"
)

// PayloadType discriminates the p2p/broadcast payload union of §6.
type PayloadType string

const (
	PayloadAsk       PayloadType = "ask"
	PayloadTell      PayloadType = "tell"
	PayloadAckResult PayloadType = "ack_result"
	PayloadAckFin    PayloadType = "ack_fin"
)

// Payload is the data-plane payload carried by a p2p or broadcast message.
// A single struct with an explicit Type tag stands in for the class
// hierarchy the source uses, matching the Design Notes' preference for
// sum types with exhaustive matching.
type Payload struct {
	Type PayloadType `json:"type"`

	// ask / tell
	Path []string               `json:"path,omitempty"`
	Args []interface{}          `json:"args,omitempty"`
	Meta map[string]interface{} `json:"meta,omitempty"`

	// ask, ack_result, ack_fin
	CallId CallId `json:"callId,omitempty"`

	// ack_result
	SourceId  NodeId      `json:"sourceId,omitempty"`
	ResultSeq uint64      `json:"resultSeq,omitempty"`
	Success   bool        `json:"success,omitempty"`
	Value     interface{} `json:"value,omitempty"`
	WireErr   *errs.Wire  `json:"error,omitempty"`
}

// ResultValue converts an ack_result payload into a types.Result.
func (p Payload) ResultValue() Result {
	if p.Success {
		return Ok(p.SourceId, p.Value)
	}
	var err error
	if p.WireErr != nil {
		err = errs.FromWire(*p.WireErr)
	}
	return Failed(p.SourceId, err)
}

// FromResult populates an ack_result payload from a Result.
func FromResult(callId CallId, r Result) Payload {
	p := Payload{Type: PayloadAckResult, CallId: callId, SourceId: r.SourceId, Success: r.Success}
	if r.Success {
		p.Value = r.Value
	} else {
		w := errs.ToWire(r.Err)
		p.WireErr = &w
	}
	return p
}

// P2PMessage is the §6 p2p wire message.
type P2PMessage struct {
	SourceId      NodeId   `json:"sourceId"`
	SourceGroups  GroupSet `json:"sourceGroups,omitempty"`
	DestinationId NodeId   `json:"destinationId"`
	Payload       Payload  `json:"payload"`
}

// BroadcastMessage is the §6 broadcast wire message.
type BroadcastMessage struct {
	SourceId     NodeId   `json:"sourceId"`
	SourceGroups GroupSet `json:"sourceGroups,omitempty"`
	Topic        Topic    `json:"topic"`
	Loopback     bool     `json:"loopback,omitempty"`
	Payload      Payload  `json:"payload"`
}

// Envelope is the single struct marshaled onto a bridge's Transport,
// analogous to the teacher's ReliableTransport.apply marshaling a
// types.Message directly with encoding/json. The Kind field selects which
// of the remaining fields is meaningful.
type Envelope struct {
	Kind          Kind                    `json:"kind"`
	CorrelationId CorrelationId           `json:"correlationId,omitempty"`
	Announcements []NodeAnnouncementEntry `json:"announcements,omitempty"`
	SubUpdates    []SubUpdateEntry        `json:"updates,omitempty"`
	Errors        []errs.Wire             `json:"errors,omitempty"`
	P2P           *P2PMessage             `json:"p2p,omitempty"`
	Broadcast     *BroadcastMessage       `json:"broadcast,omitempty"`
}

// HasErrors reports whether an ack envelope carries admission failures.
func (e Envelope) HasErrors() bool { return len(e.Errors) > 0 }
