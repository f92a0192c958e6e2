package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/store"
)

func enqueueJob(t *testing.T, f *fixture, title string) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), EnqueueRequest{
		EntityType: "jobs",
		Operation:  OpCreate,
		Payload:    payload.Object{"title": title},
	})
	require.NoError(t, err)
	return id
}

func TestMarkSyncing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, f, "a")

	mut, err := f.queue.MarkSyncing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSyncing, mut.Status)
	require.NotNil(t, mut.LastAttemptAt)
	assert.Equal(t, f.clock.Now(), *mut.LastAttemptAt)

	_, err = f.queue.MarkSyncing(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkSynced_DestroysMutation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, f, "a")

	assert.ErrorIs(t, f.queue.MarkSynced(ctx, id), ErrInvalidTransition, "pending cannot jump to synced")

	_, err := f.queue.MarkSyncing(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkSynced(ctx, id))

	_, err = f.queue.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkRetry_BackoffThenFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, f, "a")
	cause := errors.New("connection reset")

	wantDelays := []time.Duration{time.Second, 5 * time.Second}
	for attempt, delay := range wantDelays {
		_, err := f.queue.MarkSyncing(ctx, id)
		require.NoError(t, err)

		mut, err := f.queue.MarkRetry(ctx, id, cause)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, mut.Status)
		assert.Equal(t, attempt+1, mut.RetryCount)
		assert.Equal(t, "connection reset", mut.LastError)
		require.NotNil(t, mut.NextAttemptAt)
		assert.Equal(t, f.clock.Now().Add(delay), *mut.NextAttemptAt)

		assert.False(t, mut.Ready(f.clock.Now()))
		f.clock.Advance(delay)
		assert.True(t, mut.Ready(f.clock.Now()))
	}

	_, err := f.queue.MarkSyncing(ctx, id)
	require.NoError(t, err)
	mut, err := f.queue.MarkRetry(ctx, id, cause)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, mut.Status)
	assert.Equal(t, DefaultMaxRetry, mut.RetryCount)
	assert.Nil(t, mut.NextAttemptAt)

	// Failed mutations are never picked up again on their own.
	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = f.queue.MarkSyncing(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMarkRetry_CustomBackoffClamps(t *testing.T) {
	f := newFixture(t, nil, WithMaxRetry(5), WithBackoff(2*time.Second))
	ctx := context.Background()
	id := enqueueJob(t, f, "a")

	for i := 0; i < 3; i++ {
		_, err := f.queue.MarkSyncing(ctx, id)
		require.NoError(t, err)
		mut, err := f.queue.MarkRetry(ctx, id, errors.New("timeout"))
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(2*time.Second), *mut.NextAttemptAt)
	}
}

func TestMarkFailed_Immediate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, f, "a")

	_, err := f.queue.MarkFailed(ctx, id, errors.New("unauthorized"))
	assert.ErrorIs(t, err, ErrInvalidTransition, "only syncing mutations can fail")

	_, err = f.queue.MarkSyncing(ctx, id)
	require.NoError(t, err)
	mut, err := f.queue.MarkFailed(ctx, id, errors.New("unauthorized"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, mut.Status)
	assert.Equal(t, 1, mut.RetryCount)
	assert.Equal(t, "unauthorized", mut.LastError)
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, f, "a")

	_, err := f.queue.MarkSyncing(ctx, id)
	require.NoError(t, err)
	_, err = f.queue.MarkFailed(ctx, id, errors.New("unauthorized"))
	require.NoError(t, err)

	n, err := f.queue.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mut, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, mut.Status)
	assert.Equal(t, 0, mut.RetryCount)
	assert.Empty(t, mut.LastError)
	assert.Nil(t, mut.NextAttemptAt)
}

func TestClearFailed_RemovesAttachments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	failedID := enqueueJob(t, f, "a")
	keptID := enqueueJob(t, f, "b")

	for _, owner := range []string{failedID, keptID} {
		require.NoError(t, f.store.Put(ctx, store.Attachments, store.Record{
			Key:     "att-" + owner,
			Value:   []byte("photo"),
			Indexes: map[string]string{store.IndexMutationID: owner},
		}))
	}

	_, err := f.queue.MarkSyncing(ctx, failedID)
	require.NoError(t, err)
	_, err = f.queue.MarkFailed(ctx, failedID, errors.New("rejected"))
	require.NoError(t, err)

	n, err := f.queue.ClearFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.queue.Get(ctx, failedID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.queue.Get(ctx, keptID)
	assert.NoError(t, err)

	left, err := f.store.GetAll(ctx, store.Attachments)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "att-"+keptID, left[0].Key)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := enqueueJob(t, f, "a")

	_, err := f.queue.MarkSyncing(ctx, id)
	require.NoError(t, err)

	n, err := f.queue.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mut, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, mut.Status)
	assert.Equal(t, 0, mut.RetryCount, "an interrupted attempt is not a failure")
}

func TestTrim_EvictsFailedWhenCacheEmpty(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	failedID := enqueueJob(t, f, "a")
	pendingID := enqueueJob(t, f, "b")

	_, err := f.queue.MarkSyncing(ctx, failedID)
	require.NoError(t, err)
	_, err = f.queue.MarkFailed(ctx, failedID, errors.New("rejected"))
	require.NoError(t, err)

	n, err := f.queue.Trim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.queue.Get(ctx, failedID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.queue.Get(ctx, pendingID)
	assert.NoError(t, err, "pending mutations are never trimmed")
}

func TestRetarget_MovesLaterMutationsOfKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	create := enqueueJob(t, f, "Fix HVAC")
	update, err := f.queue.Enqueue(ctx, EnqueueRequest{
		EntityType: "jobs",
		Operation:  OpUpdate,
		TargetID:   create,
		Payload:    payload.Object{"status": "done"},
	})
	require.NoError(t, err)
	other := enqueueJob(t, f, "Paint")

	n, err := f.queue.Retarget(ctx, "jobs", create, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mut, err := f.queue.Get(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", mut.TargetID)
	assert.Equal(t, "jobs/srv-1", mut.StockKey())

	mut, err = f.queue.Get(ctx, create)
	require.NoError(t, err)
	assert.Equal(t, create, mut.TargetID, "the create keeps its own target")

	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{create, update, other}, []string{pending[0].ID, pending[1].ID, pending[2].ID}, "enqueue order is kept")

	moved, err := f.queue.ListForKey(ctx, "jobs", "srv-1")
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestRetarget_SameIDIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	n, err := f.queue.Retarget(context.Background(), "jobs", "j-1", "j-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
