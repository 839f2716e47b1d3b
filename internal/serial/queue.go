// Package serial provides a single active worker that runs posted closures one
// at a time, in order. State owned by the worker is only touched from inside
// those closures, so transitions never interleave.
package serial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned when work is submitted to a stopped queue.
var ErrStopped = errors.New("serial: queue stopped")

// Queue is an unbounded FIFO of closures drained by one goroutine. Posting
// never blocks and never drops work while the queue is running.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New creates a Queue and starts its worker.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post enqueues fn for execution on the worker. It may be called from the
// worker itself. Returns false if the queue is stopped.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return true
}

// Do runs fn on the worker and waits for it to finish. It must not be called
// from the worker goroutine. Either fn runs and Do returns nil, or fn never
// runs and Do returns ctx.Err() (or ErrStopped).
func (q *Queue) Do(ctx context.Context, fn func()) error {
	const (
		waiting int32 = iota
		claimed
		abandoned
	)
	var state atomic.Int32
	finished := make(chan struct{})
	if !q.Post(func() {
		if !state.CompareAndSwap(waiting, claimed) {
			return
		}
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(waiting, abandoned) {
			return ctx.Err()
		}
	case <-q.done:
		if state.CompareAndSwap(waiting, abandoned) {
			return ErrStopped
		}
	}
	// The worker claimed fn first; its effects must be reported.
	<-finished
	return nil
}

// AfterFunc runs fn on the worker once d has elapsed, unless the returned
// timer is stopped first.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = time.AfterFunc(d, func() {
		q.Post(func() {
			if t.stopped() {
				return
			}
			fn()
		})
	})
	return t
}

// Stop discards pending work and terminates the worker after the closure
// currently running returns. It must not be called from the worker.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.pending = nil
	close(q.wake)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 || q.stopped {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			fn()
		}
	}
}

// Timer is a cancellable delayed task that fires on a Queue.
type Timer struct {
	mu   sync.Mutex
	t    *time.Timer
	halt bool
}

// Stop cancels the timer. A timer whose callback already started is not
// interrupted. Safe on a nil receiver.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.halt = true
	t.mu.Unlock()
	t.t.Stop()
}

func (t *Timer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halt
}
