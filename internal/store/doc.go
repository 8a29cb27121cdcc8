// Package store persists what the manager learns about its agents.
//
// # Records
//
//   - Agent: name, last known IP, status (running / not_running),
//     first and last time it was seen.
//   - Process: per-agent monitored process with its last reported
//     running state. Processes an agent stops reporting are soft-deleted
//     by clearing Monitored.
//
// # Implementations
//
//   - SQLiteStore: embedded database. Driver "sqlite" is the pure-Go
//     modernc.org/sqlite; driver "sqlite3" is the cgo mattn/go-sqlite3.
//   - PostgresStore: shared database through a pgx connection pool.
//   - MockStore: in-memory, with per-agent failure injection for tests.
//
// # Errors
//
// Every implementation wraps failures in *PersistenceError. Callers in the
// health loop log them and continue; they never affect the control
// channel. errors.Is(err, ErrNotFound) still works through the wrapper.
package store
