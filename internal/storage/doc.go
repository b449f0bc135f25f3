// Package storage persists engine state: the last-known proposal set per
// protocol, the fetch history, the change audit log, notification dedup marks
// and dead-lettered jobs.
//
// Backends:
//   - "file": one JSON document per protocol plus a fetch-history document,
//     JSON Lines for append-only logs, snapshot+journal for dedup
//   - "sqlite": modernc.org/sqlite, no cgo
//   - "postgres": pgx through database/sql
//   - "none": in-memory, lost on restart
package storage
