// Package engine replays the offline mutation queue against the remote
// gateway.
//
// ARCHITECTURE:
//
// Trigger Loop:
// Drain requests (timer, connectivity restored, background signal, manual
// "sync now") are coalesced by a trigger queue and served by Run in a single
// goroutine. Automatic requests only drain while the connectivity monitor
// reports online; manual requests always drain.
//
// Drain Flow:
//  1. Claim the in-process flag, then the "drain" store lease
//  2. Return mutations left syncing by an interrupted drain to pending
//  3. Walk pending mutations in FIFO order, skipping those still backing off
//  4. Per mutation: upload attachments, primary write keyed by mutation id,
//     refresh the cache from the result, mark synced, delete attachments
//  5. Release the lease and publish a status snapshot
//
// Mutation failures are queue transitions, never Drain errors. Drain only
// returns a *DrainError when it could not run (IsInProgress, IsLeaseHeld)
// or stopped early (IsLeaseLost).
//
// CRITICAL PATTERNS:
//
// Per-Key Ordering:
// A mutation whose earlier sibling on the same (entityType, targetId) key
// is backing off or failed is not sent in that pass. Stock chains reach the
// remote in enqueue order or not at all.
//
// Authoritative Cache:
// The cache is refreshed only from successful remote writes. Optimistic
// state is computed by View and never written back.
package engine
