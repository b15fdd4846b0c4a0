package core

import "reflect"

// Handler is the pluggable, type-directed dispatch strategy of §4.5: a
// predicate (CanHandle) and a producer of N independent copies (Handle).
// This stands in for the source's dynamic canHandle/handle predicate
// pairs, generalized into a Go interface with a handler registry, per the
// Design Notes.
type Handler interface {
	CanHandle(v interface{}) bool
	Handle(v interface{}, n int, d *Dispatcher) ([]interface{}, error)
}

// Dispatcher produces N semantically independent copies of a value for
// fan-out (§4.5). Each top-level call to Copies gets its own cycle-tracking
// scope, matching "the engine's seen cycle map ... scoped to one dispatch
// call" from the Design Notes: in a language without arbitrary weak
// references, that's implemented here as a plain map keyed by reflect
// pointer identity, allocated fresh per call and discarded after.
type Dispatcher struct {
	handlers []Handler
	seen     map[uintptr][]interface{}
}

// NewDispatcher builds a Dispatcher with the given custom handlers
// checked, in order, before the built-in array/object recursion rule.
// Built-ins (stream multicast, stream aggregation, pin) should be passed
// in here; see dispatch_handlers.go.
func NewDispatcher(handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Copies implements the full rule order of §4.5 default rules for one
// top-level value, returning N independent copies.
func (d *Dispatcher) Copies(v interface{}, n int) ([]interface{}, error) {
	d.seen = make(map[uintptr][]interface{})
	return d.dispatch(v, n)
}

func (d *Dispatcher) dispatch(v interface{}, n int) ([]interface{}, error) {
	// Rule 1: nil, primitives and byte buffers are immutable; return by
	// reference N times.
	if isImmutable(v) {
		return repeat(v, n), nil
	}

	// Rule 2: cycle check, keyed on the value's reference identity. The
	// slot is reserved (with a placeholder, same backing array as the
	// eventual result) before recursing, so a cycle back to v resolves to
	// the still-building entry instead of recursing forever; it is filled
	// in place once the real copies are known.
	key, hasKey := identityKey(v)
	var placeholder []interface{}
	if hasKey {
		if cached, found := d.seen[key]; found {
			return cached, nil
		}
		placeholder = make([]interface{}, n)
		d.seen[key] = placeholder
	}

	finish := func(copies []interface{}) []interface{} {
		if hasKey {
			copy(placeholder, copies)
			return placeholder
		}
		return copies
	}

	// Rule 3: custom handlers, first match wins.
	for _, h := range d.handlers {
		if h.CanHandle(v) {
			copies, err := h.Handle(v, n, d)
			if err != nil {
				return nil, err
			}
			return finish(copies), nil
		}
	}

	// Rule 4: arrays and objects recurse per element/field, then transpose.
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Slice, reflect.Array:
		copies, err := d.dispatchSlice(rv, n)
		if err != nil {
			return nil, err
		}
		return finish(copies), nil
	case reflect.Map:
		copies, err := d.dispatchMap(rv, n)
		if err != nil {
			return nil, err
		}
		return finish(copies), nil
	default:
		// No recursive structure and no matching handler: treat as opaque,
		// returned by reference N times (e.g. funcs, channels with no
		// registered handler, structs not worth destructuring).
		return finish(repeat(v, n)), nil
	}
}

func (d *Dispatcher) dispatchSlice(rv reflect.Value, n int) ([]interface{}, error) {
	length := rv.Len()
	elemCopies := make([][]interface{}, length)
	for i := 0; i < length; i++ {
		copies, err := d.dispatch(rv.Index(i).Interface(), n)
		if err != nil {
			return nil, err
		}
		elemCopies[i] = copies
	}
	out := make([]interface{}, n)
	for copyIdx := 0; copyIdx < n; copyIdx++ {
		slice := make([]interface{}, length)
		for i := 0; i < length; i++ {
			slice[i] = elemCopies[i][copyIdx]
		}
		out[copyIdx] = slice
	}
	return out, nil
}

func (d *Dispatcher) dispatchMap(rv reflect.Value, n int) ([]interface{}, error) {
	keys := rv.MapKeys()
	fieldCopies := make([][]interface{}, len(keys))
	for i, k := range keys {
		copies, err := d.dispatch(rv.MapIndex(k).Interface(), n)
		if err != nil {
			return nil, err
		}
		fieldCopies[i] = copies
	}
	out := make([]interface{}, n)
	for copyIdx := 0; copyIdx < n; copyIdx++ {
		m := make(map[string]interface{}, len(keys))
		for i, k := range keys {
			m[fmtKey(k)] = fieldCopies[i][copyIdx]
		}
		out[copyIdx] = m
	}
	return out, nil
}

func fmtKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return reflect.ValueOf(k.Interface()).String()
}

func repeat(v interface{}, n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func isImmutable(v interface{}) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []byte:
		return true
	}
	return false
}

// identityKey returns a stable identity for reference-kind values so the
// cycle check can recognize "already dispatched in this operation".
func identityKey(v interface{}) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	case reflect.Slice:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}
