package core

import "sync"

// Pin is the sentinel interface recognized by the built-in pin handler
// (§4.5): a proxy for a remote-managed resource that must be passed by
// reference, never cloned, for any N.
type Pin interface {
	IsPin()
}

// PinHandler dispatches Pin values as N references to the same proxy.
type PinHandler struct{}

func (PinHandler) CanHandle(v interface{}) bool {
	_, ok := v.(Pin)
	return ok
}

func (PinHandler) Handle(v interface{}, n int, _ *Dispatcher) ([]interface{}, error) {
	return repeat(v, n), nil
}

// ReadStream is a source of chunks, read one at a time until ok is false
// (graceful end) or err is non-nil.
type ReadStream interface {
	Read() (chunk interface{}, ok bool, err error)
	Cancel(reason error)
}

// readStreamState is the §4.5 state machine: idle -> pulling -> {closed, errored}.
type readStreamState int

const (
	streamIdle readStreamState = iota
	streamPulling
	streamClosed
	streamErrored
)

// multicastReadStream is one of the N proxies a ReadStream fans out to. It
// shares a single puller goroutine over the source with its siblings.
type multicastReadStream struct {
	group *multicastGroup
	index int
	ch    chan multicastItem
}

type multicastItem struct {
	chunk interface{}
	ok    bool
	err   error
}

type multicastGroup struct {
	mu     sync.Mutex
	source ReadStream
	n      int
	state  readStreamState
	proxy  []chan multicastItem
}

func (g *multicastGroup) start() {
	g.mu.Lock()
	if g.state != streamIdle {
		g.mu.Unlock()
		return
	}
	g.state = streamPulling
	g.mu.Unlock()
	go g.pull()
}

func (g *multicastGroup) pull() {
	d := NewDispatcher(PinHandler{})
	for {
		chunk, ok, err := g.source.Read()
		if err != nil {
			g.broadcast(multicastItem{err: err})
			g.setState(streamErrored)
			return
		}
		if !ok {
			g.broadcast(multicastItem{ok: false})
			g.setState(streamClosed)
			return
		}
		copies, dispatchErr := d.Copies(chunk, g.n)
		if dispatchErr != nil {
			g.broadcast(multicastItem{err: dispatchErr})
			g.setState(streamErrored)
			return
		}
		for i, c := range g.proxy {
			c <- multicastItem{chunk: copies[i], ok: true}
		}
	}
}

func (g *multicastGroup) broadcast(item multicastItem) {
	for _, c := range g.proxy {
		c <- item
	}
}

func (g *multicastGroup) setState(s readStreamState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// cancel implements the §4.5 one-for-all cancellation policy: any
// consumer's cancellation aborts the source and errors every sibling.
func (g *multicastGroup) cancel(reason error) {
	g.mu.Lock()
	already := g.state == streamClosed || g.state == streamErrored
	g.state = streamErrored
	g.mu.Unlock()
	if already {
		return
	}
	g.source.Cancel(reason)
	g.broadcast(multicastItem{err: reason})
}

func (s *multicastReadStream) Read() (interface{}, bool, error) {
	s.group.start()
	item := <-s.ch
	return item.chunk, item.ok, item.err
}

func (s *multicastReadStream) Cancel(reason error) {
	s.group.cancel(reason)
}

// ReadStreamHandler implements the §4.5 read-side (fan-out/multicast)
// built-in handler.
type ReadStreamHandler struct{}

func (ReadStreamHandler) CanHandle(v interface{}) bool {
	_, ok := v.(ReadStream)
	return ok
}

func (ReadStreamHandler) Handle(v interface{}, n int, _ *Dispatcher) ([]interface{}, error) {
	source := v.(ReadStream)
	group := &multicastGroup{source: source, n: n}
	proxies := make([]interface{}, n)
	for i := 0; i < n; i++ {
		ch := make(chan multicastItem, 4)
		group.proxy = append(group.proxy, ch)
		proxies[i] = &multicastReadStream{group: group, index: i, ch: ch}
	}
	return proxies, nil
}

// WriteStream is a sink written to and eventually closed or aborted. Done
// reports completion as a closed channel (broadcastable to any number of
// waiters); Err reports the terminal reason once Done has fired (nil on a
// clean close, the abort reason otherwise).
type WriteStream interface {
	Write(chunk interface{}) error
	Close() error
	Abort(reason error) error
	Done() <-chan struct{}
	Err() error
}

type fanInGroup struct {
	mu       sync.Mutex
	target   WriteStream
	n        int
	closed   int
	done     chan struct{}
	err      error
	finished bool
}

func (g *fanInGroup) finish(err error) {
	g.mu.Lock()
	if g.finished {
		g.mu.Unlock()
		return
	}
	g.finished = true
	g.err = err
	g.mu.Unlock()
	close(g.done)
}

// fanInWriteStream is one of the N proxies a WriteStream fans in from.
type fanInWriteStream struct {
	group *fanInGroup
}

func (w *fanInWriteStream) Write(chunk interface{}) error {
	return w.group.target.Write(chunk)
}

// Close implements the §4.5 completion handshake: the original closes
// only after all N proxies have closed.
func (w *fanInWriteStream) Close() error {
	g := w.group
	g.mu.Lock()
	g.closed++
	all := g.closed == g.n
	g.mu.Unlock()
	if all {
		err := g.target.Close()
		g.finish(err)
	}
	return nil
}

// Abort aborts the original immediately; every proxy observes the same
// terminal reason through Done().
func (w *fanInWriteStream) Abort(reason error) error {
	g := w.group
	_ = g.target.Abort(reason)
	g.finish(reason)
	return nil
}

func (w *fanInWriteStream) Done() <-chan struct{} {
	return w.group.done
}

func (w *fanInWriteStream) Err() error {
	w.group.mu.Lock()
	defer w.group.mu.Unlock()
	return w.group.err
}

// WriteStreamHandler implements the §4.5 write-side (fan-in/aggregation)
// built-in handler.
type WriteStreamHandler struct{}

func (WriteStreamHandler) CanHandle(v interface{}) bool {
	_, ok := v.(WriteStream)
	return ok
}

func (WriteStreamHandler) Handle(v interface{}, n int, _ *Dispatcher) ([]interface{}, error) {
	target := v.(WriteStream)
	group := &fanInGroup{target: target, n: n, done: make(chan struct{})}
	proxies := make([]interface{}, n)
	for i := 0; i < n; i++ {
		proxies[i] = &fanInWriteStream{group: group}
	}
	return proxies, nil
}

// DefaultHandlers returns the three built-in handlers §4.5 requires, in
// the order custom handlers should be tried: pin first (cheapest check),
// then the two stream handlers.
func DefaultHandlers() []Handler {
	return []Handler{PinHandler{}, ReadStreamHandler{}, WriteStreamHandler{}}
}
