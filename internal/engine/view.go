package engine

import (
	"context"
	"errors"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
)

// View returns the optimistic state of one entity: the cached row with every
// pending or syncing mutation of its key applied in order. Failed mutations
// are left out. The cache itself is not modified.
//
// The bool result is false when the entity is neither cached nor created
// locally, or when a queued delete removes it.
func (e *Engine) View(ctx context.Context, entityType, id string) (payload.Object, bool, error) {
	var (
		current payload.Object
		exists  bool
	)
	cached, err := e.cache.Get(ctx, entityType, id)
	switch {
	case err == nil:
		current, exists = cached.Payload.Clone(), true
	case !errors.Is(err, cache.ErrNotFound):
		return nil, false, err
	}

	muts, err := e.queue.ListForKey(ctx, entityType, id)
	if err != nil {
		return nil, false, err
	}
	for _, mut := range muts {
		if mut.Status == queue.StatusFailed {
			continue
		}
		switch mut.Operation {
		case queue.OpCreate:
			current, exists = mut.Payload.Clone(), true
		case queue.OpUpdate:
			current, exists = payload.Merge(current, mut.Payload), true
		case queue.OpDelete:
			current, exists = nil, false
		}
	}
	return current, exists, nil
}
