package types

// ProcedureContext is passed to every API/subscription factory invocation
// and to the Procedure it returns. The fields travel only in this struct;
// they are not copied into ProcedureInput.Meta.
type ProcedureContext struct {
	SourceNodeId NodeId
	SourceGroups GroupSet
	LocalNodeId  NodeId
	Topic        Topic // only set for pub/sub invocations
}

// ProcedureInput is what a Procedure receives as its args: the call's
// path (the accumulated chain off a typed proxy, e.g. ["x","y"] for
// `client.x.y.ask(...)`), the caller's positional arguments, and optional
// metadata carried alongside them.
type ProcedureInput struct {
	Path []string
	Args []interface{}
	Meta map[string]interface{}
}

// Procedure is the concrete handler a factory resolves to for one call.
// It may return a result (ask) or be invoked for its side effect only
// (tell), in which case its return value is discarded.
type Procedure func(ctx ProcedureContext, args interface{}) (interface{}, error)

// APIFactory installs a node's P2P-callable surface. It is invoked once
// per call with that call's context and must return the Procedure to run.
type APIFactory func(ctx ProcedureContext) Procedure

// ConsumerFactory is the subscription-side equivalent of APIFactory.
type ConsumerFactory func(ctx ProcedureContext) Procedure

// LocalNode is one entry of the Local Node Manager's table (§3, §4.3).
// The facade never touches this struct directly: it is exclusively owned
// by the Local Node Manager, and the facade only holds a weak handle that
// invokes the manager's operations.
type LocalNode struct {
	Id            NodeId
	Groups        GroupSet
	API           APIFactory
	Subscriptions map[Topic]ConsumerFactory
	Closing       bool
}
