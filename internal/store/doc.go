// Package store provides the SQLite-backed reconciliation ledger.
//
// The ledger holds:
//   - Pairs: every matching pair ever created, current or superseded
//   - Rejections: (invoice, delivery note) candidates a reviewer rejected
//   - Audit log: one record per pair transition, sequenced by the database
//   - Queued actions: live and failed offline decisions
//
// Store implements pairing.Repository and queue.Persister. Line diffs,
// breakdowns and reasons are stored as JSON columns.
//
// # Ordering
//
// Pairs read back in insertion order and audit records in seq order, so
// history views are stable across restarts.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: SQLite allows a single writer
package store
