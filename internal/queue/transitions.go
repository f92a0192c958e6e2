package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/store"
)

// Status transitions:
//
//	pending --drain start--> syncing
//	syncing --success--> synced (record deleted)
//	syncing --transient failure, retries left--> pending (with backoff)
//	syncing --transient failure, retries exhausted--> failed
//	syncing --non-retryable failure--> failed
//	failed  --user retry--> pending
//	syncing --interrupted drain recovered--> pending
//
// RetryCount only increments on the two failure transitions out of syncing.

// update loads a mutation, applies fn and writes it back under the write lock.
func (m *Manager) update(ctx context.Context, id string, fn func(mut *Mutation) error) (Mutation, error) {
	m.mu.Lock()
	mut, err := m.Get(ctx, id)
	if err == nil {
		err = fn(&mut)
	}
	if err == nil {
		err = m.write(ctx, mut)
	}
	m.mu.Unlock()

	if err != nil {
		return Mutation{}, err
	}
	m.notify()
	return mut, nil
}

// MarkSyncing moves a pending mutation to syncing and stamps the attempt time.
func (m *Manager) MarkSyncing(ctx context.Context, id string) (Mutation, error) {
	return m.update(ctx, id, func(mut *Mutation) error {
		if mut.Status != StatusPending {
			return transitionError(id, mut.Status, StatusSyncing)
		}
		mut.Status = StatusSyncing
		mut.LastAttemptAt = timePtr(m.now().UTC())
		return nil
	})
}

// MarkSynced completes a syncing mutation. Synced mutations are destroyed.
func (m *Manager) MarkSynced(ctx context.Context, id string) error {
	m.mu.Lock()
	mut, err := m.Get(ctx, id)
	if err == nil && mut.Status != StatusSyncing {
		err = transitionError(id, mut.Status, StatusSynced)
	}
	if err == nil {
		err = m.store.Delete(ctx, store.PendingMutations, id)
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.logger.Info("mutation synced",
		"mutation_id", id,
		"entity_type", mut.EntityType,
		"operation", mut.Operation,
	)
	m.notify()
	return nil
}

// MarkRetry records a transient failure of a syncing mutation.
//
// The retry count increments. While it stays below the retry bound the
// mutation returns to pending with a backoff delay; otherwise it is failed.
func (m *Manager) MarkRetry(ctx context.Context, id string, cause error) (Mutation, error) {
	mut, err := m.update(ctx, id, func(mut *Mutation) error {
		if mut.Status != StatusSyncing {
			return transitionError(id, mut.Status, StatusPending)
		}
		now := m.now().UTC()
		mut.RetryCount++
		mut.LastError = errorText(cause)
		if mut.RetryCount < m.maxRetry {
			mut.Status = StatusPending
			mut.NextAttemptAt = timePtr(now.Add(m.backoffFor(mut.RetryCount)))
		} else {
			mut.Status = StatusFailed
			mut.NextAttemptAt = nil
		}
		return nil
	})
	if err != nil {
		return Mutation{}, err
	}

	if mut.Status == StatusFailed {
		m.logger.Warn("mutation failed after retries",
			"mutation_id", id,
			"retry_count", mut.RetryCount,
			"error", mut.LastError,
		)
	} else {
		m.logger.Info("mutation requeued for retry",
			"mutation_id", id,
			"retry_count", mut.RetryCount,
			"next_attempt_at", mut.NextAttemptAt,
			"error", mut.LastError,
		)
	}
	return mut, nil
}

// MarkFailed fails a syncing mutation immediately, regardless of its retry
// count. Used for non-retryable errors such as rejected credentials.
func (m *Manager) MarkFailed(ctx context.Context, id string, cause error) (Mutation, error) {
	mut, err := m.update(ctx, id, func(mut *Mutation) error {
		if mut.Status != StatusSyncing {
			return transitionError(id, mut.Status, StatusFailed)
		}
		mut.RetryCount++
		mut.LastError = errorText(cause)
		mut.Status = StatusFailed
		mut.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return Mutation{}, err
	}

	m.logger.Warn("mutation failed",
		"mutation_id", id,
		"error", mut.LastError,
	)
	return mut, nil
}

// RetryFailed resets every failed mutation to pending with a zero retry
// count and no backoff. Returns how many were reset.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	n, err := m.rewriteStatus(ctx, StatusFailed, func(mut *Mutation) {
		mut.Status = StatusPending
		mut.RetryCount = 0
		mut.LastError = ""
		mut.NextAttemptAt = nil
	})
	if n > 0 {
		m.logger.Info("failed mutations reset for retry", "count", n)
	}
	return n, err
}

// RecoverInterrupted returns mutations left syncing by a drain that never
// finished (crash, closed process, lost lease) to pending. The interrupted
// attempt does not count against the retry bound.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := m.rewriteStatus(ctx, StatusSyncing, func(mut *Mutation) {
		mut.Status = StatusPending
	})
	if n > 0 {
		m.logger.Warn("recovered interrupted mutations", "count", n)
	}
	return n, err
}

// ClearFailed discards every failed mutation together with its attachments.
// Returns how many mutations were discarded.
func (m *Manager) ClearFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	failed, err := m.ListByStatus(ctx, StatusFailed)
	n := 0
	if err == nil {
		for _, mut := range failed {
			if err = m.deleteWithAttachments(ctx, mut.ID); err != nil {
				break
			}
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("failed mutations cleared", "count", n)
		m.notify()
	}
	return n, err
}

func (m *Manager) rewriteStatus(ctx context.Context, from Status, fn func(mut *Mutation)) (int, error) {
	m.mu.Lock()
	muts, err := m.ListByStatus(ctx, from)
	n := 0
	if err == nil {
		for _, mut := range muts {
			fn(&mut)
			if err = m.write(ctx, mut); err != nil {
				err = fmt.Errorf("rewrite mutation %s: %w", mut.ID, err)
				break
			}
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.notify()
	}
	return n, err
}

// Retarget moves the queued updates and deletes of entityType/from to the
// id the remote assigned when the entity's create synced. Seq is kept, so
// the moved mutations replay in their original order. Returns how many
// moved.
func (m *Manager) Retarget(ctx context.Context, entityType, from, to string) (int, error) {
	if from == to {
		return 0, nil
	}
	m.mu.Lock()
	muts, err := m.ListForKey(ctx, entityType, from)
	n := 0
	if err == nil {
		for _, mut := range muts {
			if mut.Operation == OpCreate {
				continue
			}
			mut.TargetID = to
			if err = m.write(ctx, mut); err != nil {
				err = fmt.Errorf("retarget mutation %s: %w", mut.ID, err)
				break
			}
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.logger.Info("mutations retargeted to remote id",
			"entity_type", entityType,
			"from", from,
			"to", to,
			"count", n,
		)
		m.notify()
	}
	return n, err
}

// backoffFor returns the delay after the retry-th failed attempt (1-based).
func (m *Manager) backoffFor(retry int) time.Duration {
	if len(m.backoff) == 0 || retry <= 0 {
		return 0
	}
	if retry > len(m.backoff) {
		return m.backoff[len(m.backoff)-1]
	}
	return m.backoff[retry-1]
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
