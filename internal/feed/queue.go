package feed

import (
	"context"
	"sync"

	"github.com/roach88/quizgate/internal/session"
)

// eventQueue is a thread-safe FIFO queue of feed events for one subscriber.
//
// The queue is unbounded so a slow subscriber never stalls the broker's
// fan-out. Memory is bounded in practice by subscribers draining promptly.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in Next (prevents goroutine hangs on context cancellation).
type eventQueue struct {
	mu     sync.Mutex
	events []session.Event
	closed bool
	cause  error
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]session.Event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e session.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (session.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return session.Event{}, false
	}

	e := q.events[0]
	q.events[0] = session.Event{} // release the record's pointers

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close marks the queue closed with cause and wakes waiters.
// Events already queued can still be dequeued. Only the first call has
// any effect.
func (q *eventQueue) Close(cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.closed = true
	q.cause = cause
	close(q.signal)
	return true
}

// Done reports whether the queue is closed and drained, with the close cause.
func (q *eventQueue) Done() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.events) == 0, q.cause
}

// next blocks until an event is available, the queue is closed and
// drained, or ctx is done.
func (q *eventQueue) next(ctx context.Context) (session.Event, error) {
	for {
		if e, ok := q.TryDequeue(); ok {
			return e, nil
		}
		if done, cause := q.Done(); done {
			return session.Event{}, cause
		}

		select {
		case <-ctx.Done():
			return session.Event{}, ctx.Err()
		case <-q.Wait():
		}
	}
}
