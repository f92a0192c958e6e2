// Package store provides the durable local store for fieldsync.
//
// The store is a namespaced key/value store on SQLite with secondary indexes,
// modelled on the object stores a browser client would keep in IndexedDB:
//   - cachedEntities: read-through cache rows (index: entityType)
//   - pendingMutations: queued mutation records (indexes: status, stockKey)
//   - attachments: binary payloads owned by a mutation (index: mutationId)
//
// A fourth table holds leases: expiring lock records used to keep a single
// drain active across every process sharing the database file.
//
// # Ordering
//
// Every record carries a seq assigned on first insert. Overwriting a record
// keeps its seq, so GetAll and GetByIndex return records in original insertion
// order. The mutation queue relies on this for FIFO replay.
//
// # Quota
//
// WithMaxBytes caps the total size of stored values. A write that would exceed
// the cap fails with ErrQuotaExceeded and leaves the store unchanged. SQLITE_FULL
// from the engine maps to the same error. Callers trim and retry once.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Index rows cascade with their record
package store
