// Package journal provides a SQLite-backed append-only record of refresh
// cycles and the sync actions they produced.
//
// Every cycle is one row in cycles. Each of its actions except a clean
// AlreadyInSync is one row in actions, keyed by the action ID. An action
// that is already journaled is not written again.
//
// # Ordering
//
// Queries order by seq, the insertion counter, never by timestamp. The
// most recent entries are selected first and returned oldest first.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package journal
