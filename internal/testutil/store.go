package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/fieldsync/internal/store"
)

// NewStore opens a fresh SQLite store in a per-test temp dir and closes it
// on cleanup.
func NewStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
