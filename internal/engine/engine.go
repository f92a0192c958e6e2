package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/attachment"
	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/gateway"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/status"
	"github.com/roach88/fieldsync/internal/store"
)

// DefaultInterval is the periodic sync timer.
const DefaultInterval = 30 * time.Second

// Publisher receives status snapshots. Implemented by *status.Broadcaster.
type Publisher interface {
	Publish(status.Snapshot)
}

// Engine replays queued mutations against the remote gateway.
//
// Lifecycle: New, then Init to subscribe to connectivity and queue changes,
// then Run (usually in its own goroutine) to serve triggers, then Close.
//
// Thread-safety model:
//   - Trigger, Snapshot, View, Drain: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - At most one drain runs per process (in-process flag) and per store
//     (the "drain" lease)
type Engine struct {
	store       *store.Store
	queue       *queue.Manager
	attachments *attachment.Manager
	cache       *cache.Cache
	gateway     gateway.Gateway
	monitor     connectivity.Monitor
	publisher   Publisher

	now        func() time.Time
	interval   time.Duration
	leaseTTL   time.Duration
	owner      string
	background <-chan struct{}
	logger     *slog.Logger

	inProgress atomic.Bool
	sessions   atomic.Int64
	triggers   *triggerQueue

	mu          sync.Mutex
	unsubscribe []func()

	// pubMu orders snapshot+publish pairs so an older snapshot never
	// lands after a newer one.
	pubMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where status snapshots go.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithClock overrides the wall clock used for backoff checks and leases.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithInterval sets the periodic sync timer.
//
// Default: 30s (DefaultInterval)
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.interval = d
	}
}

// WithLeaseTTL sets the drain lease lifetime. The lease is renewed every
// TTL/3 while a drain runs.
//
// Default: 30s (DefaultLeaseTTL)
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.leaseTTL = d
	}
}

// WithOwner sets the lease owner id. Default: a fresh UUIDv7 per engine.
func WithOwner(owner string) Option {
	return func(e *Engine) {
		e.owner = owner
	}
}

// WithBackgroundSignal feeds host background-sync requests into Run.
// A nil channel means the capability is absent.
func WithBackgroundSignal(ch <-chan struct{}) Option {
	return func(e *Engine) {
		e.background = ch
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine.
func New(
	st *store.Store,
	q *queue.Manager,
	att *attachment.Manager,
	c *cache.Cache,
	gw gateway.Gateway,
	mon connectivity.Monitor,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:       st,
		queue:       q,
		attachments: att,
		cache:       c,
		gateway:     gw,
		monitor:     mon,
		now:         time.Now,
		interval:    DefaultInterval,
		leaseTTL:    DefaultLeaseTTL,
		owner:       queue.UUIDv7Generator{}.Generate(),
		logger:      slog.Default(),
		triggers:    newTriggerQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Owner returns the lease owner id of this engine.
func (e *Engine) Owner() string {
	return e.owner
}

// Init subscribes to connectivity and queue changes, purges orphan
// attachments and publishes the initial snapshot.
func (e *Engine) Init(ctx context.Context) error {
	unsubMonitor := e.monitor.OnChange(func(online bool) {
		if online {
			e.Trigger(ReasonConnectivity)
		}
		e.publish(context.Background())
	})
	unsubQueue := e.queue.OnChange(func() {
		e.publish(context.Background())
	})

	e.mu.Lock()
	e.unsubscribe = append(e.unsubscribe, unsubMonitor, unsubQueue)
	e.mu.Unlock()

	if _, err := e.attachments.PurgeOrphans(ctx); err != nil {
		return err
	}

	e.publish(ctx)
	e.logger.Info("sync engine initialized",
		"owner", e.owner,
		"online", e.monitor.IsOnline(),
	)
	return nil
}

// Trigger requests a drain from the Run loop. Returns false after Close.
func (e *Engine) Trigger(reason Reason) bool {
	return e.triggers.Enqueue(reason)
}

// Run serves drain triggers until ctx is cancelled or Close is called.
//
// Timer, connectivity and background requests only drain while the monitor
// reports online; manual requests always drain.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	background := e.background
	for {
		if batch, ok := e.triggers.TryDequeue(); ok {
			e.handle(ctx, batch)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			e.triggers.Close()
			return ctx.Err()

		case <-ticker.C:
			e.triggers.Enqueue(ReasonTimer)

		case _, ok := <-background:
			if !ok {
				background = nil
				continue
			}
			e.triggers.Enqueue(ReasonBackground)

		case _, ok := <-e.triggers.Wait():
			if !ok {
				e.logger.Info("sync engine stopping: closed")
				return nil
			}
		}
	}
}

// DrainFor drains on behalf of reason, applying the same online rule as Run:
// only explicit reasons drain while offline. ran is false when the drain was
// skipped for being offline.
func (e *Engine) DrainFor(ctx context.Context, reason Reason) (session Session, ran bool, err error) {
	if !e.allowed(reason.Explicit()) {
		e.logger.Debug("drain deferred: offline", "reasons", []Reason{reason})
		return Session{}, false, nil
	}
	session, err = e.Drain(ctx)
	return session, true, err
}

func (e *Engine) allowed(explicit bool) bool {
	return explicit || e.monitor.IsOnline()
}

func (e *Engine) handle(ctx context.Context, batch triggerBatch) {
	if !e.allowed(batch.explicit) {
		e.logger.Debug("drain deferred: offline", "reasons", batch.reasons)
		return
	}

	session, err := e.Drain(ctx)
	switch {
	case err == nil:
	case IsInProgress(err), IsLeaseHeld(err):
		e.logger.Debug("drain skipped", "reasons", batch.reasons, "error", err)
	default:
		e.logger.Warn("drain ended early",
			"reasons", batch.reasons,
			"session", session.Number,
			"error", err,
		)
	}
}

// Close unsubscribes from change notifications and stops Run.
func (e *Engine) Close() error {
	e.mu.Lock()
	unsubs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	e.triggers.Close()
	return nil
}

// InProgress reports whether this engine is draining.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

// Snapshot computes the current status. PendingCount covers every
// mutation not yet synced (pending and syncing).
func (e *Engine) Snapshot(ctx context.Context) (status.Snapshot, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return status.Snapshot{}, err
	}
	return status.Snapshot{
		PendingCount: counts.Unsynced(),
		FailedCount:  counts.Failed,
		IsOnline:     e.monitor.IsOnline(),
		InProgress:   e.inProgress.Load(),
	}, nil
}

func (e *Engine) publish(ctx context.Context) {
	if e.publisher == nil {
		return
	}
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	snap, err := e.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("compute status snapshot", "error", err)
		}
		return
	}
	e.publisher.Publish(snap)
}

// RetryFailed resets failed mutations and requests a drain.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	n, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.Trigger(ReasonManual)
	}
	return n, nil
}

// ClearFailed discards failed mutations and their attachments.
func (e *Engine) ClearFailed(ctx context.Context) (int, error) {
	return e.queue.ClearFailed(ctx)
}

// Actions exposes the user actions of a status indicator. "Sync now"
// requests a drain without waiting for it.
func (e *Engine) Actions() status.Actions {
	return status.ActionFuncs{
		SyncNowFunc: func(context.Context) error {
			if !e.Trigger(ReasonManual) {
				return errors.New("sync engine closed")
			}
			return nil
		},
		RetryFailedFunc: e.RetryFailed,
		ClearFailedFunc: e.ClearFailed,
	}
}
