package definition

import (
	"github.com/ebus-project/ebus/pkg/ebus/types"
	"github.com/google/uuid"
)

// NewBusPublicId generates the process-lifetime UUID a bus instance uses
// to name itself to its neighbors (§3).
func NewBusPublicId() types.BusPublicId {
	return types.BusPublicId(uuid.NewString())
}

// NewCorrelationId generates the UUID used to pair a control-plane request
// with its ack (§3).
func NewCorrelationId() types.CorrelationId {
	return types.CorrelationId(uuid.NewString())
}

// NewCallId generates "<sourceNodeId>:<uuid>" (§3).
func NewCallId(source types.NodeId) types.CallId {
	return types.NewCallId(source, uuid.NewString())
}
