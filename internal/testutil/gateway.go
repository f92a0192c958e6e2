package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/fieldsync/internal/gateway"
	"github.com/roach88/fieldsync/internal/payload"
)

// Gateway call kinds recorded by FakeGateway.
const (
	CallInsert = "insert"
	CallUpdate = "update"
	CallDelete = "delete"
	CallUpload = "upload"
)

// Call is one FakeGateway invocation.
type Call struct {
	Op             string         `json:"op" yaml:"op"`
	EntityType     string         `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	ID             string         `json:"id,omitempty" yaml:"id,omitempty"`
	Path           string         `json:"path,omitempty" yaml:"path,omitempty"`
	Payload        payload.Object `json:"payload,omitempty" yaml:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	Err            string         `json:"error,omitempty" yaml:"error,omitempty"`
}

type failure struct {
	op    string
	err   error
	times int // < 0 means every call
}

// FakeGateway is an in-memory gateway.Gateway that records every call and
// can be scripted to fail. Inserted records without an id get "srv-N".
//
// Thread-safety: safe for concurrent use.
type FakeGateway struct {
	mu       sync.Mutex
	records  map[string]map[string]payload.Object
	blobs    map[string][]byte
	calls    []Call
	failures []*failure
	nextID   int
	hook     func(ctx context.Context, c Call)
}

// NewFakeGateway returns an empty FakeGateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		records: make(map[string]map[string]payload.Object),
		blobs:   make(map[string][]byte),
	}
}

// Fail makes the next times calls of op return err. times < 0 fails
// every call until ClearFailures.
func (g *FakeGateway) Fail(op string, err error, times int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, &failure{op: op, err: err, times: times})
}

// ClearFailures removes all scripted failures.
func (g *FakeGateway) ClearFailures() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = nil
}

// SetHook installs fn to run at the start of every call, outside the lock.
// Tests use it to block a drain mid-flight.
func (g *FakeGateway) SetHook(fn func(ctx context.Context, c Call)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = fn
}

// Calls returns every recorded call in order, failed ones included.
func (g *FakeGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// CallCount returns how many calls of op were made.
func (g *FakeGateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Record returns a stored remote record.
func (g *FakeGateway) Record(entityType, id string) (payload.Object, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[entityType][id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// RecordIDs returns the sorted ids stored for an entity type.
func (g *FakeGateway) RecordIDs(entityType string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.records[entityType]))
	for id := range g.records[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Blob returns uploaded bytes by path.
func (g *FakeGateway) Blob(path string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.blobs[path]
	return b, ok
}

// Seed stores a remote record directly, as if another client had created
// it. No call is recorded.
func (g *FakeGateway) Seed(entityType string, row payload.Object) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := row.Clone()
	id, _ := rec.String("id")
	g.table(entityType)[id] = rec
}

// begin records the call and returns its index and the scripted failure,
// if any.
func (g *FakeGateway) begin(ctx context.Context, c Call) (int, error) {
	if key, ok := gateway.IdempotencyKey(ctx); ok {
		c.IdempotencyKey = key
	}

	g.mu.Lock()
	hook := g.hook
	g.mu.Unlock()
	if hook != nil {
		hook(ctx, c)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	for i, f := range g.failures {
		if f.op != c.Op {
			continue
		}
		err = f.err
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				g.failures = append(g.failures[:i], g.failures[i+1:]...)
			}
		}
		break
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.Err = err.Error()
	}
	g.calls = append(g.calls, c)
	return len(g.calls) - 1, err
}

// noMatch fails call i the way a backend reports a filter that matched no
// row. Caller holds g.mu.
func (g *FakeGateway) noMatch(i int, op, id string) error {
	err := gateway.NewError(gateway.Rejected, op, fmt.Errorf("%w: id %s", gateway.ErrNoMatch, id))
	g.calls[i].Err = err.Error()
	return err
}

// Insert implements gateway.RecordWriter.
func (g *FakeGateway) Insert(ctx context.Context, entityType string, record payload.Object) (payload.Object, error) {
	if _, err := g.begin(ctx, Call{Op: CallInsert, EntityType: entityType, Payload: record.Clone()}); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	row := record.Clone()
	if row == nil {
		row = payload.Object{}
	}
	id, ok := row.String("id")
	if !ok || id == "" {
		g.nextID++
		id = fmt.Sprintf("srv-%d", g.nextID)
		row["id"] = id
	}
	g.table(entityType)[id] = row
	return row.Clone(), nil
}

// Update implements gateway.RecordWriter. Unknown ids are rejected with
// gateway.ErrNoMatch.
func (g *FakeGateway) Update(ctx context.Context, entityType, id string, patch payload.Object) (payload.Object, error) {
	i, err := g.begin(ctx, Call{Op: CallUpdate, EntityType: entityType, ID: id, Payload: patch.Clone()})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	table := g.table(entityType)
	existing, ok := table[id]
	if !ok {
		return nil, g.noMatch(i, "update "+entityType, id)
	}
	row := payload.Merge(existing, patch)
	row["id"] = id
	table[id] = row
	return row.Clone(), nil
}

// Delete implements gateway.RecordWriter. Unknown ids are rejected with
// gateway.ErrNoMatch.
func (g *FakeGateway) Delete(ctx context.Context, entityType, id string) error {
	i, err := g.begin(ctx, Call{Op: CallDelete, EntityType: entityType, ID: id})
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	table := g.table(entityType)
	if _, ok := table[id]; !ok {
		return g.noMatch(i, "delete "+entityType, id)
	}
	delete(table, id)
	return nil
}

// UploadBlob implements gateway.BlobUploader.
func (g *FakeGateway) UploadBlob(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if _, err := g.begin(ctx, Call{Op: CallUpload, Path: path}); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.blobs[path] = append([]byte(nil), data...)
	return "https://blobs.test/" + path, nil
}

func (g *FakeGateway) table(entityType string) map[string]payload.Object {
	t, ok := g.records[entityType]
	if !ok {
		t = make(map[string]payload.Object)
		g.records[entityType] = t
	}
	return t
}

var _ gateway.Gateway = (*FakeGateway)(nil)
