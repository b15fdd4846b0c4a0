// Package errs defines the typed errors that travel across an ebus hop.
//
// The wire only ever carries bytes, so an error that must survive a
// round trip (§6/§7 of the spec) cannot be a bare sentinel created with
// errors.New the way the teacher's ErrCommandUnknown is: it has to carry
// enough structure to be reconstructed on the far side.
package errs

import "fmt"

// Kind discriminates the wire error families from §7.
type Kind string

const (
	KindNotFound    Kind = "NodeNotFoundError"
	KindGroupPolicy Kind = "GroupPermissionError"
	KindConflict    Kind = "ConflictError"
	KindNotReady    Kind = "ProcedureNotReadyError"
	KindPeerStack   Kind = "PeerStackError"
	KindMalformed   Kind = "MalformedPathError"
	KindInternal    Kind = "InternalError"
)

// Error is the base typed error every ebus error kind implements. It
// round-trips across a hop as {name, message, details}.
type Error struct {
	Kind    Kind
	Msg     string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is match on Kind alone, ignoring message/details.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// Name reports the wire-visible error class name.
func (e *Error) Name() string {
	return string(e.Kind)
}

func newError(kind Kind, msg string, details map[string]interface{}) *Error {
	return &Error{Kind: kind, Msg: msg, Details: details}
}

// NodeNotFound is returned when no route exists to a destination NodeId.
func NodeNotFound(nodeId string) *Error {
	return newError(KindNotFound, fmt.Sprintf("no route to node %q", nodeId), map[string]interface{}{
		"nodeId": nodeId,
	})
}

// GroupPermission is returned when admission is denied by allow/deny lists
// or by a disjoint-groups check.
func GroupPermission(message string) *Error {
	return newError(KindGroupPolicy, message, nil)
}

// Conflict is returned when a NodeId is announced from a second, different
// non-local hop while a route already exists.
func Conflict(nodeId string) *Error {
	return newError(KindConflict, fmt.Sprintf("node %q already routed via a different hop", nodeId), map[string]interface{}{
		"nodeId": nodeId,
	})
}

// NotReady is returned when a target node is closing or has no API.
func NotReady(nodeId string) *Error {
	return newError(KindNotReady, fmt.Sprintf("node %q is not ready", nodeId), map[string]interface{}{
		"nodeId": nodeId,
	})
}

// PeerStack is returned when the underlying peer connection is lost before
// an operation completed.
func PeerStack(message string) *Error {
	return newError(KindPeerStack, message, nil)
}

// Malformed is returned for an invalid publisher call path terminator.
func Malformed(message string) *Error {
	return newError(KindMalformed, message, nil)
}

// Internal is returned when a middleware precondition is violated.
func Internal(message string) *Error {
	return newError(KindInternal, message, nil)
}

// Wire is the serializable projection of an Error, used to round-trip it
// through a protocol envelope.
type Wire struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Stack   string                 `json:"stack,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToWire converts any error into its wire representation. Recognized typed
// errors keep their Kind as Name; everything else becomes the generic base.
func ToWire(err error) Wire {
	if err == nil {
		return Wire{}
	}
	if e, ok := err.(*Error); ok {
		return Wire{Name: e.Name(), Message: e.Msg, Details: e.Details}
	}
	return Wire{Name: "Error", Message: err.Error()}
}

// FromWire reconstructs a typed error from its wire representation where
// possible, falling back to the generic base Error otherwise.
func FromWire(w Wire) error {
	kind := Kind(w.Name)
	switch kind {
	case KindNotFound, KindGroupPolicy, KindConflict, KindNotReady, KindPeerStack, KindMalformed, KindInternal:
		return &Error{Kind: kind, Msg: w.Message, Details: w.Details}
	default:
		return &Error{Kind: "Error", Msg: w.Message, Details: w.Details}
	}
}
