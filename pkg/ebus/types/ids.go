package types

import "fmt"

// NodeId is opaque and unique across the entire connected tree.
type NodeId string

// Topic is an opaque string naming a publish/subscribe channel.
type Topic string

// BusId is locally unique to one bus instance; it identifies one child
// bridge connection and is never meaningful outside that bus.
type BusId int

// BusPublicId is a process-lifetime UUID identifying a bus instance
// globally, used when a bus needs to name itself to a neighbor.
type BusPublicId string

// CallId identifies one in-flight ask, local or broadcast.
type CallId string

// NewCallId builds a CallId as "<sourceNodeId>:<uuid>".
func NewCallId(source NodeId, uuid string) CallId {
	return CallId(fmt.Sprintf("%s:%s", source, uuid))
}

// CorrelationId pairs a control-plane request with its ack.
type CorrelationId string
