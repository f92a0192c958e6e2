// Package attachment manages binary payloads owned by queued mutations.
//
// An attachment is captured locally, uploaded by the sync engine before its
// owning mutation's primary write, and deleted only once that mutation is
// synced.
package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
)

// Attachment is a blob owned by exactly one mutation.
type Attachment struct {
	ID         string    `json:"id"`
	MutationID string    `json:"mutationId"`
	Data       []byte    `json:"data"`
	MimeType   string    `json:"mimeType"`
	Uploaded   bool      `json:"uploaded"`
	RemoteURL  string    `json:"remoteUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Size returns the blob length in bytes.
func (a Attachment) Size() int {
	return len(a.Data)
}

// Manager owns attachment records in the store's attachments namespace.
type Manager struct {
	store  *store.Store
	queue  *queue.Manager
	ids    queue.IDGenerator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides attachment id generation.
func WithIDGenerator(ids queue.IDGenerator) Option {
	return func(m *Manager) {
		m.ids = ids
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager. The queue is consulted for owner status.
func New(st *store.Store, q *queue.Manager, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		queue:  q,
		ids:    queue.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Blob is attachment content captured together with a new mutation.
type Blob struct {
	Data     []byte
	MimeType string
}

// Attach stores data as a new attachment of mutationID.
//
// The owner must be pending: once the engine has picked a mutation up, its
// attachment list is fixed. A syncing, failed or synced owner is refused
// with ErrOwnerNotPending, a missing one with ErrUnknownMutation. The owner
// check runs in the same transaction as the write. A write over the storage
// quota trims the queue's evictable entries and is retried once.
func (m *Manager) Attach(ctx context.Context, mutationID string, data []byte, mimeType string) (string, error) {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return "", ErrMimeTypeRequired
	}

	att := m.newAttachment(mutationID, data, mimeType)
	if err := m.write(ctx, att); err != nil {
		return "", err
	}
	m.logCaptured(att)
	return att.ID, nil
}

// EnqueueWithAttachments queues a mutation and its attachments in one
// transaction, so no drain in any process sees the mutation without them.
// Returns the mutation id and the attachment ids in blob order. Nothing is
// stored when the mutation or any blob is invalid.
func (m *Manager) EnqueueWithAttachments(ctx context.Context, req queue.EnqueueRequest, blobs []Blob) (string, []string, error) {
	types := make([]string, len(blobs))
	for i, b := range blobs {
		types[i] = strings.TrimSpace(b.MimeType)
		if types[i] == "" {
			return "", nil, fmt.Errorf("attachment %d: %w", i+1, ErrMimeTypeRequired)
		}
	}

	var atts []Attachment
	mutationID, err := m.queue.EnqueueWith(ctx, req, func(mutationID string) ([]store.Entry, error) {
		atts = make([]Attachment, 0, len(blobs))
		entries := make([]store.Entry, 0, len(blobs))
		for i, b := range blobs {
			att := m.newAttachment(mutationID, b.Data, types[i])
			rec, err := encode(att)
			if err != nil {
				return nil, err
			}
			atts = append(atts, att)
			entries = append(entries, store.Entry{Namespace: store.Attachments, Record: rec})
		}
		return entries, nil
	})
	if err != nil {
		return "", nil, err
	}

	ids := make([]string, len(atts))
	for i, att := range atts {
		ids[i] = att.ID
		m.logCaptured(att)
	}
	return mutationID, ids, nil
}

func (m *Manager) newAttachment(mutationID string, data []byte, mimeType string) Attachment {
	return Attachment{
		ID:         m.ids.Generate(),
		MutationID: mutationID,
		Data:       append([]byte(nil), data...),
		MimeType:   mimeType,
		CreatedAt:  m.now().UTC(),
	}
}

func (m *Manager) logCaptured(att Attachment) {
	m.logger.Info("attachment captured",
		"attachment_id", att.ID,
		"mutation_id", att.MutationID,
		"mime_type", att.MimeType,
		"size", att.Size(),
	)
}

// write stores att if its owner is still pending.
func (m *Manager) write(ctx context.Context, att Attachment) error {
	rec, err := encode(att)
	if err != nil {
		return err
	}
	entries := []store.Entry{{Namespace: store.Attachments, Record: rec}}
	guard := &store.Guard{
		Namespace: store.PendingMutations,
		Key:       att.MutationID,
		Index:     store.IndexStatus,
		Value:     string(queue.StatusPending),
	}

	err = m.store.PutBatch(ctx, entries, guard)
	if store.IsQuotaExceeded(err) {
		if _, trimErr := m.queue.Trim(ctx); trimErr != nil {
			return fmt.Errorf("trim after quota exceeded: %w", trimErr)
		}
		err = m.store.PutBatch(ctx, entries, guard)
	}
	if errors.Is(err, store.ErrGuardFailed) {
		return m.ownerError(ctx, att.MutationID)
	}
	return err
}

func (m *Manager) ownerError(ctx context.Context, mutationID string) error {
	mut, err := m.queue.Get(ctx, mutationID)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownMutation, mutationID)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrOwnerNotPending, mutationID, mut.Status)
}

// Get returns an attachment by id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Attachment, error) {
	rec, err := m.store.Get(ctx, store.Attachments, id)
	if errors.Is(err, store.ErrNotFound) {
		return Attachment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Attachment{}, err
	}
	return decode(rec)
}

// ListFor returns the attachments of a mutation in capture order.
func (m *Manager) ListFor(ctx context.Context, mutationID string) ([]Attachment, error) {
	recs, err := m.store.GetByIndex(ctx, store.Attachments, store.IndexMutationID, mutationID)
	if err != nil {
		return nil, err
	}
	out := make([]Attachment, 0, len(recs))
	for _, rec := range recs {
		att, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

// CountFor returns how many attachments a mutation owns.
func (m *Manager) CountFor(ctx context.Context, mutationID string) (int, error) {
	return m.store.CountByIndex(ctx, store.Attachments, store.IndexMutationID, mutationID)
}

// Count returns the total number of stored attachments.
func (m *Manager) Count(ctx context.Context) (int, error) {
	return m.store.Count(ctx, store.Attachments)
}

// MarkUploaded records the remote URL of an uploaded attachment. The blob
// stays local until the owner is synced.
func (m *Manager) MarkUploaded(ctx context.Context, id, remoteURL string) (Attachment, error) {
	att, err := m.Get(ctx, id)
	if err != nil {
		return Attachment{}, err
	}
	att.Uploaded = true
	att.RemoteURL = remoteURL
	if err := m.write(ctx, att); err != nil {
		return Attachment{}, err
	}
	m.logger.Debug("attachment uploaded", "attachment_id", id, "remote_url", remoteURL)
	return att, nil
}

// DeleteFor removes every attachment of a synced mutation. It refuses with
// ErrOwnerNotSynced while the owner is still queued.
func (m *Manager) DeleteFor(ctx context.Context, mutationID string) (int, error) {
	owner, err := m.queue.Get(ctx, mutationID)
	switch {
	case err == nil:
		return 0, fmt.Errorf("%w: %s is %s", ErrOwnerNotSynced, mutationID, owner.Status)
	case !errors.Is(err, queue.ErrNotFound):
		return 0, err
	}

	n, err := m.store.DeleteByIndex(ctx, store.Attachments, store.IndexMutationID, mutationID)
	if err != nil {
		return 0, fmt.Errorf("delete attachments of %s: %w", mutationID, err)
	}
	return n, nil
}

// PurgeOrphans deletes attachments whose owner mutation no longer exists,
// left behind by a crash between markSynced and DeleteFor.
func (m *Manager) PurgeOrphans(ctx context.Context) (int, error) {
	recs, err := m.store.GetAll(ctx, store.Attachments)
	if err != nil {
		return 0, err
	}

	owners := make(map[string]bool)
	n := 0
	for _, rec := range recs {
		att, err := decode(rec)
		if err != nil {
			return n, err
		}
		queued, seen := owners[att.MutationID]
		if !seen {
			_, err := m.queue.Get(ctx, att.MutationID)
			switch {
			case err == nil:
				queued = true
			case errors.Is(err, queue.ErrNotFound):
				queued = false
			default:
				return n, err
			}
			owners[att.MutationID] = queued
		}
		if queued {
			continue
		}
		if err := m.store.Delete(ctx, store.Attachments, att.ID); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		m.logger.Warn("purged orphan attachments", "count", n)
	}
	return n, nil
}

// UploadPath is the remote object path of an attachment:
// <entityType>/<mutationId>/<attachmentId><ext>.
func UploadPath(entityType string, att Attachment) string {
	return entityType + "/" + att.MutationID + "/" + att.ID + Extension(att.MimeType)
}

var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"image/gif":       ".gif",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

// Extension returns the file extension for a mime type, or "" if unknown.
func Extension(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	if ext, ok := knownExtensions[base]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(base); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func encode(att Attachment) (store.Record, error) {
	data, err := json.Marshal(att)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode attachment %s: %w", att.ID, err)
	}
	return store.Record{
		Key:     att.ID,
		Value:   data,
		Indexes: map[string]string{store.IndexMutationID: att.MutationID},
	}, nil
}

func decode(rec store.Record) (Attachment, error) {
	var att Attachment
	if err := json.Unmarshal(rec.Value, &att); err != nil {
		return Attachment{}, fmt.Errorf("decode attachment %s: %w", rec.Key, err)
	}
	return att, nil
}
