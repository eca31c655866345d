// Package dispatch provides the single-goroutine event loop that owns
// a Cluster for the lifetime of one demo-binary invocation. Every
// Cluster method call, and every transport callback routed through
// transport.Serialize, is posted onto the loop's call channel and
// executed by the one goroutine draining it — the same callCh/spin()
// shape kevwan-radix.v2's cluster client uses to confine its pool
// access to a single goroutine, generalized here to wrap any
// transport.Transport instead of being baked into the router itself.
package dispatch

// Loop serializes arbitrary closures onto a single goroutine.
type Loop struct {
	callCh chan func()
	stop   chan struct{}
}

// NewLoop builds a Loop with the given call-channel buffer size.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		callCh: make(chan func(), buffer),
		stop:   make(chan struct{}),
	}
}

// Post enqueues f to run on the loop's goroutine. Safe to call from any
// goroutine; it blocks while the call-channel buffer is full, so a Post
// from the Run goroutine itself blocks forever once the buffer is full.
// A Post after Stop is a silent no-op rather than a deadlock.
func (l *Loop) Post(f func()) {
	select {
	case l.callCh <- f:
	case <-l.stop:
	}
}

// Run drains the call channel until Stop is called. It blocks; callers
// typically run it in its own goroutine.
func (l *Loop) Run() {
	for {
		select {
		case f := <-l.callCh:
			f()
		case <-l.stop:
			return
		}
	}
}

// Stop ends Run. Idempotent is not required: callers stop exactly once.
func (l *Loop) Stop() {
	close(l.stop)
}
