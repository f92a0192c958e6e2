package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func keysOf(records []Record) []string {
	keys := make([]string, len(records))
	for i, rec := range records {
		keys[i] = rec.Key
	}
	return keys
}

func equalKeys(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
