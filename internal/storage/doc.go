// Package storage provides the transactional keyed store the bot runs on.
//
// The contract is deliberately small: get/set/delete, an atomic multi-key
// compare-and-swap batch, prefix listing, and key-level expiry. Everything
// stateful in the bot (subscriptions, the polling queue, per-room status
// records, notification dedup marks, the poll lease) lives behind these
// five primitives, so drivers stay interchangeable.
//
// Drivers:
//   - "sqlite": SQLite database file (WAL mode), the production backend
//   - "memory": process-local map, used by tests and ad hoc runs
package storage
