package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, clock)
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Put(ctx, "inventory_items", "i1", payload.Object{"name": "Filter", "quantity": int64(12)})
	require.NoError(t, err)

	ent, err := c.Get(ctx, "inventory_items", "i1")
	require.NoError(t, err)
	assert.Equal(t, "i1", ent.ID)
	assert.Equal(t, "inventory_items", ent.EntityType)
	assert.Equal(t, int64(12), ent.Payload["quantity"])
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC), ent.LastUpdated)
}

func TestGet_NotFound(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Get(context.Background(), "jobs", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_RequiresKey(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Put(context.Background(), "jobs", "", payload.Object{})
	require.Error(t, err)
}

func TestList_FiltersByEntityType(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		_, err := c.Put(ctx, "jobs", id, payload.Object{"title": id})
		require.NoError(t, err)
	}
	_, err := c.Put(ctx, "sites", "s1", payload.Object{"name": "HQ"})
	require.NoError(t, err)

	jobs, err := c.List(ctx, "jobs")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "j2", jobs[1].ID)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Put(ctx, "jobs", "j1", payload.Object{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "jobs", "j1"))

	_, err = c.Get(ctx, "jobs", "j1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvict_OldestFirst(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Put(ctx, "jobs", id, payload.Object{"title": id})
		require.NoError(t, err)
	}
	// Refresh "a".
	_, err := c.Put(ctx, "jobs", "a", payload.Object{"title": "a2"})
	require.NoError(t, err)

	removed, err := c.Evict(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := c.List(ctx, "jobs")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a", left[0].ID)
}
