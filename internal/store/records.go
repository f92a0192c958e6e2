package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Namespace names one of the logical object stores.
type Namespace string

const (
	// CachedEntities holds read-through cache rows.
	CachedEntities Namespace = "cachedEntities"
	// PendingMutations holds queued mutation records.
	PendingMutations Namespace = "pendingMutations"
	// Attachments holds binary payloads owned by a mutation.
	Attachments Namespace = "attachments"
)

// Index names declared by the namespaces.
const (
	IndexEntityType = "entityType"
	IndexStatus     = "status"
	IndexStockKey   = "stockKey"
	IndexMutationID = "mutationId"
)

var namespaceIndexes = map[Namespace][]string{
	CachedEntities:   {IndexEntityType},
	PendingMutations: {IndexStatus, IndexStockKey},
	Attachments:      {IndexMutationID},
}

// Namespaces returns every namespace of the persisted layout.
func Namespaces() []Namespace {
	return []Namespace{CachedEntities, PendingMutations, Attachments}
}

// Record is one stored value.
//
// Indexes are written with the record and used for GetByIndex lookups. They
// are not read back: the encoded Value carries the same fields.
type Record struct {
	Key       string
	Value     []byte
	Indexes   map[string]string
	Seq       int64     // insertion order, assigned by the store
	UpdatedAt time.Time // assigned by the store
}

func validateNamespace(ns Namespace) error {
	if _, ok := namespaceIndexes[ns]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return nil
}

func validateIndex(ns Namespace, index string) error {
	for _, name := range namespaceIndexes[ns] {
		if name == index {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", ErrUnknownIndex, ns, index)
}

// Put inserts or overwrites a record and replaces its index entries.
// Overwriting keeps the record's original Seq.
//
// Returns ErrQuotaExceeded (unwrapped via errors.Is) if the write would push
// the store over its quota; the store is left unchanged in that case.
func (s *Store) Put(ctx context.Context, ns Namespace, rec Record) error {
	return s.PutBatch(ctx, []Entry{{Namespace: ns, Record: rec}}, nil)
}

// Entry is one record of a batch write.
type Entry struct {
	Namespace Namespace
	Record    Record
}

// Guard makes a batch conditional on one index entry of an existing record.
type Guard struct {
	Namespace Namespace
	Key       string
	Index     string
	Value     string
}

// PutBatch writes entries in order in one transaction: either every entry
// is stored or none is. Entries get increasing Seq values.
//
// A non-nil guard is checked inside the same transaction. If the guarded
// record does not carry the index value, nothing is written and
// ErrGuardFailed is returned. Quota is enforced across the whole batch.
func (s *Store) PutBatch(ctx context.Context, entries []Entry, guard *Guard) error {
	for i := range entries {
		e := &entries[i]
		if err := validateNamespace(e.Namespace); err != nil {
			return err
		}
		if strings.TrimSpace(e.Record.Key) == "" {
			return fmt.Errorf("put %s: key is required", e.Namespace)
		}
		for name := range e.Record.Indexes {
			if err := validateIndex(e.Namespace, name); err != nil {
				return err
			}
		}
		if e.Record.Value == nil {
			e.Record.Value = []byte{}
		}
	}
	if guard != nil {
		if err := validateIndex(guard.Namespace, guard.Index); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	if guard != nil {
		if err := checkGuard(ctx, tx, *guard); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := s.putTx(ctx, tx, e.Namespace, e.Record); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put batch: commit: %w", translateFull(err))
	}
	return nil
}

func checkGuard(ctx context.Context, tx *sql.Tx, g Guard) error {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM record_indexes
		WHERE namespace = ? AND key = ? AND index_name = ? AND index_value = ?
	`, string(g.Namespace), g.Key, g.Index, g.Value).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s %s != %q", ErrGuardFailed, g.Namespace, g.Key, g.Index, g.Value)
	}
	if err != nil {
		return fmt.Errorf("check guard %s/%s: %w", g.Namespace, g.Key, err)
	}
	return nil
}

func (s *Store) putTx(ctx context.Context, tx *sql.Tx, ns Namespace, rec Record) error {
	size := int64(len(rec.Value))
	if s.maxBytes > 0 {
		if err := s.checkQuota(ctx, tx, ns, rec.Key, size); err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (namespace, key, value, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, string(ns), rec.Key, rec.Value, size, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", ns, rec.Key, translateFull(err))
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM record_indexes WHERE namespace = ? AND key = ?
	`, string(ns), rec.Key); err != nil {
		return fmt.Errorf("put %s/%s: clear indexes: %w", ns, rec.Key, err)
	}

	for name, value := range rec.Indexes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO record_indexes (namespace, index_name, index_value, key)
			VALUES (?, ?, ?, ?)
		`, string(ns), name, value, rec.Key); err != nil {
			return fmt.Errorf("put %s/%s: index %s: %w", ns, rec.Key, name, translateFull(err))
		}
	}
	return nil
}

// checkQuota rejects a write whose resulting total would exceed maxBytes.
func (s *Store) checkQuota(ctx context.Context, tx *sql.Tx, ns Namespace, key string, size int64) error {
	var total, existing int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM records`).Scan(&total); err != nil {
		return fmt.Errorf("quota check: %w", err)
	}
	err := tx.QueryRowContext(ctx, `
		SELECT size FROM records WHERE namespace = ? AND key = ?
	`, string(ns), key).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("quota check: %w", err)
	}
	if total-existing+size > s.maxBytes {
		s.logger.Debug("store quota exceeded",
			"namespace", ns,
			"key", key,
			"size", size,
			"total", total,
			"max_bytes", s.maxBytes,
		)
		return fmt.Errorf("put %s/%s (%d bytes): %w", ns, key, size, ErrQuotaExceeded)
	}
	return nil
}

// Get returns the record stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, ns Namespace, key string) (Record, error) {
	if err := validateNamespace(ns); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, key, value, updated_at
		FROM records
		WHERE namespace = ? AND key = ?
	`, string(ns), key)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", ns, key, err)
	}
	return rec, nil
}

// GetAll returns every record of the namespace in insertion order.
// Returns an empty slice (not nil) when the namespace is empty.
func (s *Store) GetAll(ctx context.Context, ns Namespace) ([]Record, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, value, updated_at
		FROM records
		WHERE namespace = ?
		ORDER BY seq ASC
	`, string(ns))
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", ns, err)
	}
	return collectRecords(rows)
}

// GetByIndex returns the records whose index entry equals value, in
// insertion order.
func (s *Store) GetByIndex(ctx context.Context, ns Namespace, index, value string) ([]Record, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	if err := validateIndex(ns, index); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.seq, r.key, r.value, r.updated_at
		FROM records r
		JOIN record_indexes i ON i.namespace = r.namespace AND i.key = r.key
		WHERE i.namespace = ? AND i.index_name = ? AND i.index_value = ?
		ORDER BY r.seq ASC
	`, string(ns), index, value)
	if err != nil {
		return nil, fmt.Errorf("get %s by %s: %w", ns, index, err)
	}
	return collectRecords(rows)
}

// Oldest returns up to limit records ordered by last write, oldest first.
// Used by quota eviction.
func (s *Store) Oldest(ctx context.Context, ns Namespace, limit int) ([]Record, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, key, value, updated_at
		FROM records
		WHERE namespace = ?
		ORDER BY updated_at ASC, seq ASC
		LIMIT ?
	`, string(ns), limit)
	if err != nil {
		return nil, fmt.Errorf("oldest %s: %w", ns, err)
	}
	return collectRecords(rows)
}

// Delete removes the record stored under key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE namespace = ? AND key = ?
	`, string(ns), key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// DeleteByIndex removes every record whose index entry equals value and
// returns how many were removed.
func (s *Store) DeleteByIndex(ctx context.Context, ns Namespace, index, value string) (int, error) {
	if err := validateNamespace(ns); err != nil {
		return 0, err
	}
	if err := validateIndex(ns, index); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE namespace = ? AND key IN (
			SELECT key FROM record_indexes
			WHERE namespace = ? AND index_name = ? AND index_value = ?
		)
	`, string(ns), string(ns), index, value)
	if err != nil {
		return 0, fmt.Errorf("delete %s by %s: %w", ns, index, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s by %s rows affected: %w", ns, index, err)
	}
	return int(n), nil
}

// Count returns the number of records in the namespace.
func (s *Store) Count(ctx context.Context, ns Namespace) (int, error) {
	if err := validateNamespace(ns); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE namespace = ?
	`, string(ns)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", ns, err)
	}
	return n, nil
}

// CountByIndex returns the number of records whose index entry equals value.
func (s *Store) CountByIndex(ctx context.Context, ns Namespace, index, value string) (int, error) {
	if err := validateNamespace(ns); err != nil {
		return 0, err
	}
	if err := validateIndex(ns, index); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM record_indexes
		WHERE namespace = ? AND index_name = ? AND index_value = ?
	`, string(ns), index, value).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s by %s: %w", ns, index, err)
	}
	return n, nil
}

type recordScanner func(dest ...any) error

func scanRecord(scan recordScanner) (Record, error) {
	var (
		rec       Record
		updatedAt int64
	)
	if err := scan(&rec.Seq, &rec.Key, &rec.Value, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
