// Package queue implements the durable mutation queue.
//
// Every local write is queued here, online or not, and replayed later by the
// sync engine. The Manager owns mutation creation, status transitions and
// retry bookkeeping; records live in the store's pendingMutations namespace,
// indexed by status and by stock key.
//
// Thread-safety: Manager methods are safe for concurrent use. Writes are
// serialized by an internal mutex so chain checks see a consistent queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
)

// DefaultMaxRetry is the number of failed attempts after which a mutation
// is marked failed.
const DefaultMaxRetry = 3

// DefaultTrimBatch is how many entries one quota trim evicts at most.
const DefaultTrimBatch = 50

// DefaultBackoff is the delay before the 1st, 2nd and later retries.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// Manager owns queued mutations.
type Manager struct {
	store  *store.Store
	cache  *cache.Cache
	schema *schema.Registry

	ids       IDGenerator
	now       func() time.Time
	maxRetry  int
	backoff   []time.Duration
	trimBatch int
	logger    *slog.Logger

	mu sync.Mutex // serializes read-modify-write of records

	lmu          sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRetry sets how many failed attempts a mutation gets.
//
// Default: 3 (DefaultMaxRetry)
func WithMaxRetry(n int) Option {
	return func(m *Manager) {
		m.maxRetry = n
	}
}

// WithBackoff sets the retry delay schedule. The last entry is reused once
// retries outnumber the schedule.
func WithBackoff(delays ...time.Duration) Option {
	return func(m *Manager) {
		m.backoff = append([]time.Duration(nil), delays...)
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator overrides mutation id generation.
func WithIDGenerator(ids IDGenerator) Option {
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

// WithTrimBatch sets how many entries a quota trim evicts at most.
func WithTrimBatch(n int) Option {
	return func(m *Manager) {
		m.trimBatch = n
	}
}

// New creates a Manager over the given store, cache and schema registry.
func New(st *store.Store, c *cache.Cache, reg *schema.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		cache:     c,
		schema:    reg,
		ids:       UUIDv7Generator{},
		now:       time.Now,
		maxRetry:  DefaultMaxRetry,
		backoff:   DefaultBackoff,
		trimBatch: DefaultTrimBatch,
		logger:    slog.Default(),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxRetry returns the configured retry bound.
func (m *Manager) MaxRetry() int {
	return m.maxRetry
}

// Schema returns the registry used to validate payloads.
func (m *Manager) Schema() *schema.Registry {
	return m.schema
}

// OnChange registers fn to run after every queue change (enqueue, status
// transition, retry, clear). Returns a function that unregisters it.
// fn runs on the goroutine that made the change and must not block.
func (m *Manager) OnChange(fn func()) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) notify() {
	m.lmu.Lock()
	fns := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Enqueue validates and queues a mutation, returning its id.
//
// No network call is made. Invalid input is rejected with a
// *schema.ValidationError and nothing is queued.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return m.EnqueueWith(ctx, req, nil)
}

// Companion builds records to store together with a new mutation, given
// its id.
type Companion func(mutationID string) ([]store.Entry, error)

// EnqueueWith queues a mutation like Enqueue and writes the records built
// by with in the same transaction, after the mutation. The mutation never
// becomes visible as pending without them, even to another process.
func (m *Manager) EnqueueWith(ctx context.Context, req EnqueueRequest, with Companion) (string, error) {
	mut, err := m.enqueue(ctx, req, with)
	if err != nil {
		return "", err
	}

	m.logger.Info("mutation enqueued",
		"mutation_id", mut.ID,
		"entity_type", mut.EntityType,
		"operation", mut.Operation,
		"target_id", mut.TargetID,
	)
	m.notify()
	return mut.ID, nil
}

func (m *Manager) enqueue(ctx context.Context, req EnqueueRequest, with Companion) (Mutation, error) {
	op := string(req.Operation)
	if !req.Operation.Valid() {
		return Mutation{}, schema.Invalid(req.EntityType, op, "", "unknown operation %q", req.Operation)
	}

	p, err := payload.FromMap(map[string]any(req.Payload))
	if err != nil {
		return Mutation{}, schema.Invalid(req.EntityType, op, "", "%v", err)
	}

	ent, ok := m.schema.Entity(req.EntityType)
	if !ok {
		return Mutation{}, m.schema.Validate(req.EntityType, op, p)
	}

	target := strings.TrimSpace(req.TargetID)
	if req.Operation != OpCreate && target == "" {
		return Mutation{}, schema.Invalid(req.EntityType, op, "targetId", "target id is required for %s", op)
	}
	if req.Operation == OpCreate && target == "" {
		if key, ok := p.String(ent.KeyField); ok && strings.TrimSpace(key) != "" {
			target = key
		}
	}

	id := m.ids.Generate()
	if target == "" {
		target = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	before, after, err := m.resolveChain(ctx, ent, req, p, target)
	if err != nil {
		return Mutation{}, err
	}

	if err := m.schema.Validate(req.EntityType, op, p); err != nil {
		return Mutation{}, err
	}

	mut := Mutation{
		ID:             id,
		EntityType:     req.EntityType,
		Operation:      req.Operation,
		TargetID:       target,
		Payload:        p,
		QuantityBefore: before,
		QuantityAfter:  after,
		Status:         StatusPending,
		CreatedAt:      m.now().UTC(),
	}
	rec, err := encode(mut)
	if err != nil {
		return Mutation{}, err
	}
	entries := []store.Entry{{Namespace: store.PendingMutations, Record: rec}}
	if with != nil {
		extra, err := with(mut.ID)
		if err != nil {
			return Mutation{}, err
		}
		entries = append(entries, extra...)
	}
	if err := m.putEntries(ctx, mut.ID, entries); err != nil {
		return Mutation{}, err
	}
	return mut, nil
}

// resolveChain fills in and checks the chain fields of a stock mutation.
// It may set the payload's quantity field from QuantityAfter.
func (m *Manager) resolveChain(ctx context.Context, ent *schema.Entity, req EnqueueRequest, p payload.Object, target string) (before, after *int64, err error) {
	op := string(req.Operation)
	hasChainFields := req.QuantityBefore != nil || req.QuantityAfter != nil

	if ent.QuantityField == "" {
		if hasChainFields {
			return nil, nil, schema.Invalid(ent.Name, op, "quantityAfter", "entity has no quantity field")
		}
		return nil, nil, nil
	}
	if req.Operation == OpDelete {
		if hasChainFields {
			return nil, nil, schema.Invalid(ent.Name, op, "quantityAfter", "delete mutations carry no quantity")
		}
		return nil, nil, nil
	}

	field := ent.QuantityField
	if req.QuantityAfter != nil {
		if _, present := p[field]; !present {
			p[field] = *req.QuantityAfter
		} else if q, ok := p.Int64(field); ok && q != *req.QuantityAfter {
			return nil, nil, schema.Invalid(ent.Name, op, field,
				"payload value %d disagrees with quantityAfter %d", q, *req.QuantityAfter)
		}
		after = int64Ptr(*req.QuantityAfter)
	} else if q, ok := p.Int64(field); ok {
		after = int64Ptr(q)
	}

	if after == nil {
		if req.QuantityBefore != nil {
			return nil, nil, schema.Invalid(ent.Name, op, "quantityBefore", "quantityBefore requires a quantity change")
		}
		return nil, nil, nil
	}

	tail, known, err := m.chainTail(ctx, ent, target)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case req.QuantityBefore != nil:
		if known && tail != *req.QuantityBefore {
			return nil, nil, schema.Invalid(ent.Name, op, "quantityBefore",
				"chain for %s expects %d, got %d", StockKey(ent.Name, target), tail, *req.QuantityBefore)
		}
		before = int64Ptr(*req.QuantityBefore)
	case known:
		before = int64Ptr(tail)
	}
	return before, after, nil
}

// chainTail returns the quantity the next mutation of a key must start from:
// the QuantityAfter of the key's newest unsynced mutation, else the cached
// quantity. known is false when neither exists.
func (m *Manager) chainTail(ctx context.Context, ent *schema.Entity, target string) (tail int64, known bool, err error) {
	muts, err := m.ListForKey(ctx, ent.Name, target)
	if err != nil {
		return 0, false, err
	}
	for i := len(muts) - 1; i >= 0; i-- {
		if muts[i].QuantityAfter != nil {
			return *muts[i].QuantityAfter, true, nil
		}
	}

	cached, err := m.cache.Get(ctx, ent.Name, target)
	if errors.Is(err, cache.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if q, ok := cached.Payload.Int64(ent.QuantityField); ok {
		return q, true, nil
	}
	return 0, false, nil
}

// write stores a mutation. On quota exhaustion it trims old entries and
// retries once; a second failure is returned as *QuotaError.
func (m *Manager) write(ctx context.Context, mut Mutation) error {
	rec, err := encode(mut)
	if err != nil {
		return err
	}
	return m.putEntries(ctx, mut.ID, []store.Entry{{Namespace: store.PendingMutations, Record: rec}})
}

// putEntries writes a batch for mutation id with the quota policy of write.
// The caller holds m.mu.
func (m *Manager) putEntries(ctx context.Context, id string, entries []store.Entry) error {
	err := m.store.PutBatch(ctx, entries, nil)
	if err == nil || !store.IsQuotaExceeded(err) {
		return err
	}

	trimmed, trimErr := m.trim(ctx, id)
	if trimErr != nil {
		return fmt.Errorf("trim after quota exceeded: %w", trimErr)
	}
	if err := m.store.PutBatch(ctx, entries, nil); err != nil {
		if store.IsQuotaExceeded(err) {
			m.logger.Warn("storage quota still exceeded after trim",
				"mutation_id", id,
				"trimmed", trimmed,
			)
			return &QuotaError{MutationID: id, Trimmed: trimmed, Err: err}
		}
		return err
	}
	return nil
}

// Trim evicts old entries to free storage: the oldest cached entities
// first, then the oldest failed mutations with their attachments.
// Pending and syncing mutations are never evicted.
func (m *Manager) Trim(ctx context.Context) (int, error) {
	m.mu.Lock()
	n, err := m.trim(ctx, "")
	m.mu.Unlock()
	if n > 0 {
		m.notify()
	}
	return n, err
}

func (m *Manager) trim(ctx context.Context, keep string) (int, error) {
	evicted, err := m.cache.Evict(ctx, m.trimBatch)
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		m.logger.Warn("storage quota exceeded, evicted cached entities", "count", evicted)
		return evicted, nil
	}

	failed, err := m.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, mut := range failed {
		if removed >= m.trimBatch {
			break
		}
		if mut.ID == keep {
			continue
		}
		if err := m.deleteWithAttachments(ctx, mut.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Warn("storage quota exceeded, evicted failed mutations", "count", removed)
	}
	return removed, nil
}

func (m *Manager) deleteWithAttachments(ctx context.Context, id string) error {
	if _, err := m.store.DeleteByIndex(ctx, store.Attachments, store.IndexMutationID, id); err != nil {
		return err
	}
	return m.store.Delete(ctx, store.PendingMutations, id)
}

// Get returns a mutation by id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (Mutation, error) {
	rec, err := m.store.Get(ctx, store.PendingMutations, id)
	if errors.Is(err, store.ErrNotFound) {
		return Mutation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Mutation{}, err
	}
	return decode(rec)
}

// List returns every queued mutation (pending, syncing and failed) in
// enqueue order.
func (m *Manager) List(ctx context.Context) ([]Mutation, error) {
	recs, err := m.store.GetAll(ctx, store.PendingMutations)
	if err != nil {
		return nil, err
	}
	return decodeAll(recs)
}

// ListPending returns pending mutations in enqueue order (FIFO).
func (m *Manager) ListPending(ctx context.Context) ([]Mutation, error) {
	return m.ListByStatus(ctx, StatusPending)
}

// ListByStatus returns mutations with the given status in enqueue order.
func (m *Manager) ListByStatus(ctx context.Context, status Status) ([]Mutation, error) {
	recs, err := m.store.GetByIndex(ctx, store.PendingMutations, store.IndexStatus, string(status))
	if err != nil {
		return nil, err
	}
	return decodeAll(recs)
}

// ListForKey returns the queued mutations of one (entityType, targetId)
// chain in enqueue order.
func (m *Manager) ListForKey(ctx context.Context, entityType, targetID string) ([]Mutation, error) {
	recs, err := m.store.GetByIndex(ctx, store.PendingMutations, store.IndexStockKey, StockKey(entityType, targetID))
	if err != nil {
		return nil, err
	}
	return decodeAll(recs)
}

// Counts returns queue size by status.
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, item := range []struct {
		status Status
		dst    *int
	}{
		{StatusPending, &c.Pending},
		{StatusSyncing, &c.Syncing},
		{StatusFailed, &c.Failed},
	} {
		n, err := m.store.CountByIndex(ctx, store.PendingMutations, store.IndexStatus, string(item.status))
		if err != nil {
			return Counts{}, err
		}
		*item.dst = n
	}
	return c, nil
}

func encode(mut Mutation) (store.Record, error) {
	data, err := json.Marshal(mut)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode mutation %s: %w", mut.ID, err)
	}
	return store.Record{
		Key:   mut.ID,
		Value: data,
		Indexes: map[string]string{
			store.IndexStatus:   string(mut.Status),
			store.IndexStockKey: mut.StockKey(),
		},
	}, nil
}

func decode(rec store.Record) (Mutation, error) {
	var mut Mutation
	if err := json.Unmarshal(rec.Value, &mut); err != nil {
		return Mutation{}, fmt.Errorf("decode mutation %s: %w", rec.Key, err)
	}
	mut.Seq = rec.Seq
	return mut, nil
}

func decodeAll(recs []store.Record) ([]Mutation, error) {
	out := make([]Mutation, 0, len(recs))
	for _, rec := range recs {
		mut, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, mut)
	}
	return out, nil
}
