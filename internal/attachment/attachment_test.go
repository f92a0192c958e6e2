package attachment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

type fixture struct {
	store       *store.Store
	queue       *queue.Manager
	attachments *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	st := testutil.NewStore(t, store.WithClock(clock.Now))

	reg, err := schema.Builtin()
	require.NoError(t, err)

	q := queue.New(st, cache.New(st, clock.Now), reg,
		queue.WithClock(clock.Now),
		queue.WithIDGenerator(testutil.NewSequenceIDs("m")),
	)
	am := New(st, q,
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequenceIDs("att")),
	)
	return &fixture{store: st, queue: q, attachments: am}
}

func (f *fixture) restock(t *testing.T, itemID string) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		EntityType:     "inventory_items",
		Operation:      queue.OpUpdate,
		TargetID:       itemID,
		QuantityBefore: ptr(5),
		QuantityAfter:  ptr(12),
	})
	require.NoError(t, err)
	return id
}

func ptr(v int64) *int64 { return &v }

func TestAttach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mutID := f.restock(t, "i1")

	id, err := f.attachments.Attach(ctx, mutID, []byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "att-1", id)

	att, err := f.attachments.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, mutID, att.MutationID)
	assert.Equal(t, []byte("jpeg bytes"), att.Data)
	assert.Equal(t, "image/jpeg", att.MimeType)
	assert.False(t, att.Uploaded)
	assert.Empty(t, att.RemoteURL)
	assert.Equal(t, testutil.Epoch, att.CreatedAt)
}

func TestAttach_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mutID := f.restock(t, "i1")

	_, err := f.attachments.Attach(ctx, "m-404", []byte("x"), "image/png")
	assert.ErrorIs(t, err, ErrUnknownMutation)

	_, err = f.attachments.Attach(ctx, mutID, []byte("x"), "  ")
	assert.ErrorIs(t, err, ErrMimeTypeRequired)

	n, err := f.attachments.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAttach_RefusesOwnerPickedUpByEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mutID := f.restock(t, "i1")

	_, err := f.queue.MarkSyncing(ctx, mutID)
	require.NoError(t, err)
	_, err = f.attachments.Attach(ctx, mutID, []byte("late photo"), "image/jpeg")
	assert.ErrorIs(t, err, ErrOwnerNotPending)
	assert.Contains(t, err.Error(), "syncing")

	_, err = f.queue.MarkFailed(ctx, mutID, errors.New("rejected"))
	require.NoError(t, err)
	_, err = f.attachments.Attach(ctx, mutID, []byte("late photo"), "image/jpeg")
	assert.ErrorIs(t, err, ErrOwnerNotPending)

	_, err = f.queue.ClearFailed(ctx)
	require.NoError(t, err)
	_, err = f.attachments.Attach(ctx, mutID, []byte("late photo"), "image/jpeg")
	assert.ErrorIs(t, err, ErrUnknownMutation)

	n, err := f.attachments.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueWithAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mutID, ids, err := f.attachments.EnqueueWithAttachments(ctx, queue.EnqueueRequest{
		EntityType: "jobs",
		Operation:  queue.OpCreate,
		Payload:    payload.Object{"title": "Fix HVAC"},
	}, []Blob{
		{Data: []byte("front"), MimeType: "image/jpeg"},
		{Data: []byte("back"), MimeType: " image/png "},
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", mutID)
	assert.Equal(t, []string{"att-1", "att-2"}, ids)

	list, err := f.attachments.ListFor(ctx, mutID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []byte("front"), list[0].Data)
	assert.Equal(t, "image/png", list[1].MimeType)
}

func TestEnqueueWithAttachments_InvalidInputStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := queue.EnqueueRequest{EntityType: "jobs", Operation: queue.OpCreate, Payload: payload.Object{"title": "Fix HVAC"}}

	_, _, err := f.attachments.EnqueueWithAttachments(ctx, valid, []Blob{{Data: []byte("x")}})
	assert.ErrorIs(t, err, ErrMimeTypeRequired)

	invalid := queue.EnqueueRequest{EntityType: "jobs", Operation: queue.OpCreate, Payload: payload.Object{}}
	_, _, err = f.attachments.EnqueueWithAttachments(ctx, invalid, []Blob{{Data: []byte("x"), MimeType: "image/jpeg"}})
	assert.True(t, schema.IsValidationError(err), "got %v", err)

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
	n, err := f.attachments.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListFor_CaptureOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mutID := f.restock(t, "i1")
	other := f.restock(t, "i2")

	first, err := f.attachments.Attach(ctx, mutID, []byte("1"), "image/jpeg")
	require.NoError(t, err)
	_, err = f.attachments.Attach(ctx, other, []byte("x"), "image/jpeg")
	require.NoError(t, err)
	second, err := f.attachments.Attach(ctx, mutID, []byte("2"), "image/png")
	require.NoError(t, err)

	list, err := f.attachments.ListFor(ctx, mutID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)

	n, err := f.attachments.CountFor(ctx, mutID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMarkUploaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mutID := f.restock(t, "i1")

	id, err := f.attachments.Attach(ctx, mutID, []byte("photo"), "image/jpeg")
	require.NoError(t, err)

	att, err := f.attachments.MarkUploaded(ctx, id, "https://blobs.example.com/a.jpg")
	require.NoError(t, err)
	assert.True(t, att.Uploaded)

	got, err := f.attachments.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Uploaded)
	assert.Equal(t, "https://blobs.example.com/a.jpg", got.RemoteURL)
	assert.Equal(t, []byte("photo"), got.Data, "blob kept until owner syncs")

	_, err = f.attachments.MarkUploaded(ctx, "att-404", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteFor_RefusesUnsyncedOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mutID := f.restock(t, "i1")

	for i := 0; i < 2; i++ {
		_, err := f.attachments.Attach(ctx, mutID, []byte("photo"), "image/jpeg")
		require.NoError(t, err)
	}

	_, err := f.attachments.DeleteFor(ctx, mutID)
	assert.ErrorIs(t, err, ErrOwnerNotSynced)

	_, err = f.queue.MarkSyncing(ctx, mutID)
	require.NoError(t, err)
	_, err = f.attachments.DeleteFor(ctx, mutID)
	assert.ErrorIs(t, err, ErrOwnerNotSynced)

	require.NoError(t, f.queue.MarkSynced(ctx, mutID))
	n, err := f.attachments.DeleteFor(ctx, mutID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := f.attachments.CountFor(ctx, mutID)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestPurgeOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	synced := f.restock(t, "i1")
	queued := f.restock(t, "i2")

	_, err := f.attachments.Attach(ctx, synced, []byte("a"), "image/jpeg")
	require.NoError(t, err)
	kept, err := f.attachments.Attach(ctx, queued, []byte("b"), "image/jpeg")
	require.NoError(t, err)

	// Simulate a crash between markSynced and DeleteFor.
	_, err = f.queue.MarkSyncing(ctx, synced)
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkSynced(ctx, synced))

	n, err := f.attachments.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.attachments.Get(ctx, kept)
	assert.NoError(t, err)
}

func TestUploadPath(t *testing.T) {
	att := Attachment{ID: "att-1", MutationID: "m-1", MimeType: "image/jpeg"}
	assert.Equal(t, "inventory_items/m-1/att-1.jpg", UploadPath("inventory_items", att))

	att.MimeType = "image/png; charset=binary"
	assert.Equal(t, "inventory_items/m-1/att-1.png", UploadPath("inventory_items", att))

	att.MimeType = "application/x-unknown-thing"
	assert.Equal(t, "inventory_items/m-1/att-1", UploadPath("inventory_items", att))
}

func TestAttach_QuotaTrimsFailedMutations(t *testing.T) {
	clock := testutil.NewFakeClock(time.Time{})
	st := testutil.NewStore(t, store.WithClock(clock.Now), store.WithMaxBytes(900))
	reg, err := schema.Builtin()
	require.NoError(t, err)
	q := queue.New(st, cache.New(st, clock.Now), reg,
		queue.WithClock(clock.Now),
		queue.WithIDGenerator(testutil.NewSequenceIDs("m")),
	)
	am := New(st, q, WithClock(clock.Now), WithIDGenerator(testutil.NewSequenceIDs("att")))
	ctx := context.Background()

	failedID, err := q.Enqueue(ctx, queue.EnqueueRequest{EntityType: "jobs", Operation: queue.OpCreate, Payload: payload.Object{"title": "old"}})
	require.NoError(t, err)
	_, err = am.Attach(ctx, failedID, make([]byte, 200), "image/jpeg")
	require.NoError(t, err)
	_, err = q.MarkSyncing(ctx, failedID)
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, failedID, errors.New("rejected"))
	require.NoError(t, err)

	ownerID, err := q.Enqueue(ctx, queue.EnqueueRequest{EntityType: "jobs", Operation: queue.OpCreate, Payload: payload.Object{"title": "new"}})
	require.NoError(t, err)

	_, err = am.Attach(ctx, ownerID, make([]byte, 200), "image/jpeg")
	require.NoError(t, err)

	_, err = q.Get(ctx, failedID)
	assert.ErrorIs(t, err, queue.ErrNotFound, "failed mutation evicted to make room")
}
