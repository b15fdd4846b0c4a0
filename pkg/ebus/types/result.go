package types

// Result is the outcome of one ask invocation, success or error, used both
// as the value an ack_result payload carries and as the element type of a
// publisher's result sequence.
type Result struct {
	Success bool
	Value   interface{}
	Err     error

	// SourceId names which node produced this result, populated for
	// broadcast-ask aggregation where a sequence mixes many targets.
	SourceId NodeId
}

// Ok builds a successful Result.
func Ok(sourceId NodeId, value interface{}) Result {
	return Result{Success: true, Value: value, SourceId: sourceId}
}

// Failed builds a failed Result.
func Failed(sourceId NodeId, err error) Result {
	return Result{Success: false, Err: err, SourceId: sourceId}
}
