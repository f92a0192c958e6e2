package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable ids ("m-1", "m-2", ...) for tests.
//
// This enables deterministic test execution and golden trace comparison:
// the same scenario always produces the same mutation and attachment ids.
//
// Thread-safety: SequenceIDs is safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator producing "<prefix>-<n>" starting at 1.
// If prefix is empty, "id" is used.
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDs{prefix: prefix}
}

// Generate returns the next id in the sequence.
func (g *SequenceIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
