// Package store provides SQLite-backed storage for session records and the
// change log that feeds subscribers.
//
// The store keeps two tables:
//   - sessions: one row per participant run, the authoritative record
//   - session_events: append-only log of every committed write
//
// # Critical Patterns
//
// Conditional writes are read-modify-write inside one transaction. The
// predicate is checked against the row read in that transaction, so two
// racing writers with the same predicate see exactly one Applied result.
//
// Every accepted write increments seq by exactly one and appends its event
// row in the same transaction. A reader of session_events never observes a
// record state that was not committed, and never misses one.
//
// Queries are ordered deterministically:
//   - List: ORDER BY last_activity DESC, id COLLATE BINARY ASC
//   - ReadEvents: ORDER BY id ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Times are stored as UTC unix nanoseconds.
package store
