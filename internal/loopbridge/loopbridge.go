// Package loopbridge generalizes the session package's per-torrent event
// loop (one goroutine draining a big `select` over many channels) into a
// reusable bridge: a single goroutine serializes all mutations, while
// producers — timers, handshake results, peer read loops — post commands
// into a lock-protected FIFO instead of each owning a dedicated channel
// arm. This is the event-loop bridge named in spec.md §4.G.
package loopbridge

import (
	"sync"
	"time"
)

// Func is a unit of work run on the bridge's single goroutine.
type Func func()

// Bridge serializes Func values from any number of producer goroutines
// onto one consumer goroutine.
type Bridge struct {
	mu      sync.Mutex
	queue   []Func
	notifyC chan struct{}
	closeC  chan struct{}
	closed  bool
}

// New returns a Bridge. Call Run in its own goroutine before posting.
func New() *Bridge {
	return &Bridge{
		notifyC: make(chan struct{}, 1),
		closeC:  make(chan struct{}),
	}
}

// Post enqueues fn to run on the bridge goroutine. It returns false
// without enqueuing if the bridge has been closed.
func (b *Bridge) Post(fn Func) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
	select {
	case b.notifyC <- struct{}{}:
	default:
	}
	return true
}

// PostAfter schedules fn to be posted after d elapses. The returned timer
// can be used to cancel it; canceling after it has already fired is a
// no-op, same as time.Timer.
func (b *Bridge) PostAfter(d time.Duration, fn Func) *time.Timer {
	return time.AfterFunc(d, func() { b.Post(fn) })
}

// Run drains the queue until Close is called. Meant to be launched with
// `go b.Run()`, exactly one goroutine per bridge.
func (b *Bridge) Run() {
	for {
		b.drain()
		select {
		case <-b.notifyC:
		case <-b.closeC:
			// Purge-on-free: anything queued at close time, or raced in
			// concurrently with it, is dropped rather than run.
			b.mu.Lock()
			b.queue = nil
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bridge) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.closed {
			b.mu.Unlock()
			return
		}
		fn := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		fn()
	}
}

// Close stops Run after it finishes any Func currently executing, and
// purges whatever is left queued. Close does not block until Run returns;
// callers that need that should signal back from a final posted Func.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.closeC)
}
