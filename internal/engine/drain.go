package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/attachment"
	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/gateway"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
)

// AttachmentURLsField is the payload field carrying uploaded attachment URLs
// on the primary write.
const AttachmentURLsField = "attachment_urls"

// Session summarizes one drain. It is not persisted.
type Session struct {
	Number       int64     `json:"number"`
	StartedAt    time.Time `json:"startedAt"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`

	// Deferred counts pending mutations left for a later pass: backing off,
	// or queued behind a key that did not complete this pass.
	Deferred       int `json:"deferred"`
	Recovered      int `json:"recovered"`
	PartialUploads int `json:"partialUploads"`
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeError
)

// Drain runs one pass over the pending mutations.
//
// It returns a *DrainError (IsInProgress, IsLeaseHeld) without touching the
// queue when another drain holds this process or the store. Mutation
// failures never surface here; they become queue transitions.
func (e *Engine) Drain(ctx context.Context) (Session, error) {
	if !e.inProgress.CompareAndSwap(false, true) {
		return Session{}, newInProgressError()
	}
	defer func() {
		e.inProgress.Store(false)
		e.publish(context.Background())
	}()

	lease, err := e.acquireLease(ctx)
	if err != nil {
		return Session{}, err
	}
	defer lease.Release(context.Background())

	session := Session{
		Number:    e.sessions.Add(1),
		StartedAt: e.now().UTC(),
	}
	e.publish(ctx)

	recovered, err := e.queue.RecoverInterrupted(ctx)
	if err != nil {
		return session, fmt.Errorf("recover interrupted mutations: %w", err)
	}
	session.Recovered = recovered

	e.logger.Info("drain started", "session", session.Number, "recovered", recovered)

	err = e.pass(ctx, lease, &session)

	e.logger.Info("drain finished",
		"session", session.Number,
		"succeeded", session.SuccessCount,
		"failed", session.FailureCount,
		"deferred", session.Deferred,
		"partial_uploads", session.PartialUploads,
	)
	return session, err
}

// pass processes pending mutations in FIFO order. A key whose earlier
// mutation did not complete (backing off, retried, failed) blocks its later
// mutations until the next pass.
func (e *Engine) pass(ctx context.Context, lease *drainLease, session *Session) error {
	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	blocked, err := e.failedKeys(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	processed := 0
	for i, mut := range pending {
		if err := ctx.Err(); err != nil {
			session.Deferred += len(pending) - i
			return err
		}
		if !lease.Renew(ctx) {
			session.Deferred += len(pending) - i
			return newLeaseLostError(e.owner, processed)
		}

		key := mut.StockKey()
		if seq, ok := blocked[key]; ok && seq < mut.Seq {
			session.Deferred++
			continue
		}
		if !mut.Ready(now) {
			blocked[key] = mut.Seq
			session.Deferred++
			continue
		}

		processed++
		switch e.syncOne(ctx, mut, session) {
		case outcomeSynced:
			session.SuccessCount++
		default:
			session.FailureCount++
			blocked[key] = mut.Seq
		}
	}
	return nil
}

// failedKeys maps each key with a failed mutation to the earliest failed seq.
func (e *Engine) failedKeys(ctx context.Context) (map[string]int64, error) {
	failed, err := e.queue.ListByStatus(ctx, queue.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	keys := make(map[string]int64, len(failed))
	for _, mut := range failed {
		if seq, ok := keys[mut.StockKey()]; !ok || mut.Seq < seq {
			keys[mut.StockKey()] = mut.Seq
		}
	}
	return keys, nil
}

// syncOne replays a single mutation: uploads, primary write, cache apply,
// retarget of later writes to a created entity, markSynced, attachment
// cleanup.
func (e *Engine) syncOne(ctx context.Context, mut queue.Mutation, session *Session) outcome {
	id := mut.ID
	mut, err := e.queue.MarkSyncing(ctx, id)
	if err != nil {
		e.logger.Error("mark syncing", "mutation_id", id, "error", err)
		return outcomeError
	}
	lastAttempt := mut.RetryCount+1 >= e.queue.MaxRetry()

	urls, out, err := e.uploadAttachments(ctx, mut, lastAttempt, session)
	if err != nil {
		return e.settle(ctx, mut, out, err)
	}

	row, err := e.write(ctx, mut, urls)
	if err != nil {
		switch gateway.Classify(err) {
		case gateway.Transient:
			return e.settle(ctx, mut, outcomeRetry, err)
		default:
			return e.settle(ctx, mut, outcomeFailed, err)
		}
	}

	// The remote write succeeded: from here on nothing requeues the
	// mutation, or the backend would see it twice.
	cachedID, err := e.applyCache(ctx, mut, row)
	if err != nil {
		e.logger.Error("apply synced mutation to cache",
			"mutation_id", mut.ID,
			"entity_type", mut.EntityType,
			"target_id", mut.TargetID,
			"error", err,
		)
	}
	if mut.Operation == queue.OpCreate && cachedID != "" && cachedID != mut.TargetID {
		// Later writes were queued against the local id.
		if _, err := e.queue.Retarget(ctx, mut.EntityType, mut.TargetID, cachedID); err != nil {
			e.logger.Error("retarget queued mutations",
				"mutation_id", mut.ID,
				"entity_type", mut.EntityType,
				"from", mut.TargetID,
				"to", cachedID,
				"error", err,
			)
		}
	}
	if err := e.queue.MarkSynced(ctx, mut.ID); err != nil {
		e.logger.Error("mark synced", "mutation_id", mut.ID, "error", err)
		return outcomeError
	}
	if _, err := e.attachments.DeleteFor(ctx, mut.ID); err != nil {
		e.logger.Warn("delete synced attachments", "mutation_id", mut.ID, "error", err)
	}
	return outcomeSynced
}

// uploadAttachments uploads every attachment not yet uploaded and returns
// the URLs of all uploaded ones, in capture order.
//
// A transient upload failure retries the whole mutation while retries
// remain; on the last attempt the mutation proceeds without the attachment.
// Rejected uploads are skipped. Auth failures fail the mutation.
func (e *Engine) uploadAttachments(ctx context.Context, mut queue.Mutation, lastAttempt bool, session *Session) ([]string, outcome, error) {
	atts, err := e.attachments.ListFor(ctx, mut.ID)
	if err != nil {
		return nil, outcomeRetry, fmt.Errorf("list attachments: %w", err)
	}

	urls := make([]string, 0, len(atts))
	for _, att := range atts {
		if att.Uploaded {
			urls = append(urls, att.RemoteURL)
			continue
		}

		path := attachment.UploadPath(mut.EntityType, att)
		url, err := e.gateway.UploadBlob(gateway.WithIdempotencyKey(ctx, att.ID), path, att.Data, att.MimeType)
		if err != nil {
			partial := &PartialUploadError{MutationID: mut.ID, AttachmentID: att.ID, Err: err}
			kind := gateway.Classify(err)
			switch {
			case kind == gateway.Auth:
				return nil, outcomeFailed, partial
			case kind == gateway.Transient && !lastAttempt:
				return nil, outcomeRetry, partial
			}
			session.PartialUploads++
			e.logger.Warn("attachment skipped", "error", partial, "path", path)
			continue
		}

		if _, err := e.attachments.MarkUploaded(ctx, att.ID, url); err != nil {
			return nil, outcomeRetry, fmt.Errorf("mark attachment %s uploaded: %w", att.ID, err)
		}
		urls = append(urls, url)
	}
	return urls, outcomeSynced, nil
}

// write performs the primary gateway call, keyed by the mutation id.
func (e *Engine) write(ctx context.Context, mut queue.Mutation, urls []string) (payload.Object, error) {
	ctx = gateway.WithIdempotencyKey(ctx, mut.ID)

	body := mut.Payload.Clone()
	if body == nil {
		body = payload.Object{}
	}
	if len(urls) > 0 {
		list := make([]any, len(urls))
		for i, u := range urls {
			list[i] = u
		}
		body[AttachmentURLsField] = list
	}

	switch mut.Operation {
	case queue.OpCreate:
		return e.gateway.Insert(ctx, mut.EntityType, body)
	case queue.OpUpdate:
		return e.gateway.Update(ctx, mut.EntityType, mut.TargetID, body)
	case queue.OpDelete:
		return nil, e.gateway.Delete(ctx, mut.EntityType, mut.TargetID)
	default:
		return nil, gateway.NewError(gateway.Rejected, "write "+mut.EntityType,
			fmt.Errorf("unknown operation %q", mut.Operation))
	}
}

// applyCache refreshes the cached entity from the authoritative result and
// returns the id it is cached under. A create is cached under the id the
// remote assigned, when the result carries one.
func (e *Engine) applyCache(ctx context.Context, mut queue.Mutation, row payload.Object) (string, error) {
	if mut.Operation == queue.OpDelete {
		return mut.TargetID, e.cache.Delete(ctx, mut.EntityType, mut.TargetID)
	}

	result := row
	if result == nil {
		result = mut.Payload
	}

	id := mut.TargetID
	if mut.Operation == queue.OpCreate {
		if ent, ok := e.queue.Schema().Entity(mut.EntityType); ok {
			if key, ok := result.String(ent.KeyField); ok && key != "" {
				id = key
			}
		}
		_, err := e.cache.Put(ctx, mut.EntityType, id, result)
		return id, err
	}

	base := payload.Object(nil)
	cached, err := e.cache.Get(ctx, mut.EntityType, id)
	switch {
	case err == nil:
		base = cached.Payload
	case !errors.Is(err, cache.ErrNotFound):
		return id, err
	}
	_, err = e.cache.Put(ctx, mut.EntityType, id, payload.Merge(base, result))
	return id, err
}

// settle records a failed attempt.
func (e *Engine) settle(ctx context.Context, mut queue.Mutation, out outcome, cause error) outcome {
	switch out {
	case outcomeRetry:
		updated, err := e.queue.MarkRetry(ctx, mut.ID, cause)
		if err != nil {
			e.logger.Error("mark retry", "mutation_id", mut.ID, "error", err)
			return outcomeError
		}
		if updated.Status == queue.StatusFailed {
			return outcomeFailed
		}
		return outcomeRetry
	default:
		if _, err := e.queue.MarkFailed(ctx, mut.ID, cause); err != nil {
			e.logger.Error("mark failed", "mutation_id", mut.ID, "error", err)
			return outcomeError
		}
		return outcomeFailed
	}
}
