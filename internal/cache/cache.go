// Package cache is the read-through cache of authoritative remote records.
//
// Rows are written after a successful remote read or a successful mutation
// sync, never by a pending local write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/store"
)

// ErrNotFound is returned when no cached row exists for a key.
var ErrNotFound = errors.New("cache: entity not found")

// Entity is one cached remote record.
type Entity struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entityType"`
	Payload     payload.Object `json:"payload"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Key returns the store key for an entity.
func Key(entityType, id string) string {
	return entityType + "/" + id
}

// Cache reads and writes cached entities in the local store.
type Cache struct {
	store *store.Store
	now   func() time.Time
}

// New creates a cache over st. now stamps LastUpdated; nil means time.Now.
func New(st *store.Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: st, now: now}
}

// Get returns the cached entity or ErrNotFound.
func (c *Cache) Get(ctx context.Context, entityType, id string) (Entity, error) {
	rec, err := c.store.Get(ctx, store.CachedEntities, Key(entityType, id))
	if errors.Is(err, store.ErrNotFound) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	return decode(rec)
}

// Put stores the authoritative payload for a record, replacing any previous row.
func (c *Cache) Put(ctx context.Context, entityType, id string, p payload.Object) (Entity, error) {
	if entityType == "" || id == "" {
		return Entity{}, fmt.Errorf("cache put: entity type and id are required")
	}
	ent := Entity{
		ID:          id,
		EntityType:  entityType,
		Payload:     p.Clone(),
		LastUpdated: c.now().UTC(),
	}
	if ent.Payload == nil {
		ent.Payload = payload.Object{}
	}

	data, err := json.Marshal(ent)
	if err != nil {
		return Entity{}, fmt.Errorf("cache put %s: %w", Key(entityType, id), err)
	}
	err = c.store.Put(ctx, store.CachedEntities, store.Record{
		Key:     Key(entityType, id),
		Value:   data,
		Indexes: map[string]string{store.IndexEntityType: entityType},
	})
	if err != nil {
		return Entity{}, err
	}
	return ent, nil
}

// Delete drops the cached row. Missing rows are ignored.
func (c *Cache) Delete(ctx context.Context, entityType, id string) error {
	return c.store.Delete(ctx, store.CachedEntities, Key(entityType, id))
}

// List returns the cached rows of one entity type in insertion order.
func (c *Cache) List(ctx context.Context, entityType string) ([]Entity, error) {
	recs, err := c.store.GetByIndex(ctx, store.CachedEntities, store.IndexEntityType, entityType)
	if err != nil {
		return nil, err
	}
	return decodeAll(recs)
}

// Count returns the number of cached rows.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.store.Count(ctx, store.CachedEntities)
}

// Evict removes up to n least recently written rows and returns how many
// were removed.
func (c *Cache) Evict(ctx context.Context, n int) (int, error) {
	recs, err := c.store.Oldest(ctx, store.CachedEntities, n)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := c.store.Delete(ctx, store.CachedEntities, rec.Key); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func decode(rec store.Record) (Entity, error) {
	var ent Entity
	if err := json.Unmarshal(rec.Value, &ent); err != nil {
		return Entity{}, fmt.Errorf("decode cached entity %s: %w", rec.Key, err)
	}
	return ent, nil
}

func decodeAll(recs []store.Record) ([]Entity, error) {
	out := make([]Entity, 0, len(recs))
	for _, rec := range recs {
		ent, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}
