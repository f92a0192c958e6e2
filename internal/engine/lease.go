package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/store"
)

// LeaseName is the store lease guarding the drain across processes.
const LeaseName = "drain"

// DefaultLeaseTTL is how long a drain lease lives without renewal.
const DefaultLeaseTTL = 30 * time.Second

// drainLease is a held drain lease. It is renewed before every mutation and
// by a background ticker (every TTL/3) so long gateway calls keep it alive.
type drainLease struct {
	store  *store.Store
	owner  string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	lost atomic.Bool
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (e *Engine) acquireLease(ctx context.Context) (*drainLease, error) {
	ok, err := e.store.AcquireLease(ctx, LeaseName, e.owner, e.leaseTTL, e.now())
	if err != nil {
		return nil, fmt.Errorf("acquire drain lease: %w", err)
	}
	if !ok {
		held, err := e.store.GetLease(ctx, LeaseName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("read drain lease: %w", err)
		}
		return nil, newLeaseHeldError(held.Owner, held.ExpiresAt)
	}

	l := &drainLease{
		store:  e.store,
		owner:  e.owner,
		ttl:    e.leaseTTL,
		now:    e.now,
		logger: e.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.renewLoop(e.leaseTTL / 3)
	return l, nil
}

// Renew extends the lease. Returns false once the lease is lost.
func (l *drainLease) Renew(ctx context.Context) bool {
	if l.lost.Load() {
		return false
	}
	ok, err := l.store.RenewLease(ctx, LeaseName, l.owner, l.ttl, l.now())
	if err != nil || !ok {
		if l.lost.CompareAndSwap(false, true) {
			l.logger.Warn("drain lease lost", "owner", l.owner, "error", err)
		}
		return false
	}
	return true
}

// Lost reports whether renewal has failed.
func (l *drainLease) Lost() bool {
	return l.lost.Load()
}

func (l *drainLease) renewLoop(interval time.Duration) {
	defer close(l.done)
	if interval <= 0 {
		<-l.stop
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.Renew(context.Background()) {
				<-l.stop
				return
			}
		}
	}
}

// Release stops renewal and gives the lease up if still held.
func (l *drainLease) Release(ctx context.Context) {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if l.lost.Load() {
			return
		}
		if err := l.store.ReleaseLease(ctx, LeaseName, l.owner); err != nil {
			l.logger.Warn("release drain lease", "owner", l.owner, "error", err)
		}
	})
}
