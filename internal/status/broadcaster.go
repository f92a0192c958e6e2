// Package status publishes aggregate sync state to UI collaborators.
//
// Subscribers only ever see a Snapshot: counters and flags, never queue
// records.
package status

import "sync"

// Snapshot is the observable sync state.
type Snapshot struct {
	PendingCount int  `json:"pendingCount"`
	FailedCount  int  `json:"failedCount"`
	IsOnline     bool `json:"isOnline"`
	InProgress   bool `json:"inProgress"`
}

// Broadcaster fans snapshots out to subscribers.
//
// Thread-safety: safe for concurrent use. Handlers run on the publishing
// goroutine, outside the lock, and must not block.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int]func(Snapshot)
	next    int
	last    Snapshot
	hasLast bool
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(Snapshot))}
}

// Subscribe registers fn for every published snapshot. Returns a function
// that unregisters it.
func (b *Broadcaster) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

// SubscribeChan delivers snapshots on a buffered channel. When the buffer
// is full the oldest undelivered snapshot is dropped, so a slow reader
// always ends up with the latest state. The channel is closed on
// unsubscribe.
func (b *Broadcaster) SubscribeChan(buf int) (<-chan Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)

	var mu sync.Mutex
	closed := false
	unsubscribe := b.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish records s as the latest snapshot and delivers it.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	b.last = s
	b.hasLast = true
	subs := make([]func(Snapshot), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Last returns the most recently published snapshot.
func (b *Broadcaster) Last() (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}
