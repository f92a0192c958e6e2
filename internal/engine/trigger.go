package engine

import "sync"

// Reason says why a drain was requested.
type Reason string

const (
	// ReasonConnectivity fires when the monitor reports a transition to online.
	ReasonConnectivity Reason = "connectivity"
	// ReasonTimer fires on the periodic sync interval.
	ReasonTimer Reason = "timer"
	// ReasonManual is an explicit user request ("sync now", retry failed).
	ReasonManual Reason = "manual"
	// ReasonBackground is an opportunistic request from the host environment.
	ReasonBackground Reason = "background"
)

// Explicit reports whether the reason bypasses the online check.
func (r Reason) Explicit() bool {
	return r == ReasonManual
}

// triggerBatch is every request collected since the last dequeue.
type triggerBatch struct {
	reasons  []Reason
	explicit bool
}

// triggerQueue coalesces drain requests for the Run loop.
//
// Requests made while a drain is pending collapse into one batch: a burst of
// connectivity flaps and timer ticks results in a single drain.
//
// The queue uses a buffered signal channel (size 1) for context-aware
// waiting in the Run loop. Close closes the channel to wake the loop.
type triggerQueue struct {
	mu      sync.Mutex
	pending triggerBatch
	closed  bool
	signal  chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{signal: make(chan struct{}, 1)}
}

// Enqueue records a request. Safe from any goroutine.
// Returns false if the queue is closed.
func (q *triggerQueue) Enqueue(r Reason) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.pending.reasons = append(q.pending.reasons, r)
	if r.Explicit() {
		q.pending.explicit = true
	}

	// Non-blocking: buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue takes every pending request without blocking.
func (q *triggerQueue) TryDequeue() (triggerBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending.reasons) == 0 {
		return triggerBatch{}, false
	}
	b := q.pending
	q.pending = triggerBatch{}
	return b, true
}

// Wait returns a channel that signals when requests may be pending. The
// channel is closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Close rejects further requests and wakes waiters.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
