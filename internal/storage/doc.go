// Package storage persists a history of finished jobs.
//
// It is an audit trail, not a work queue: nothing is ever read back into
// the scheduler, and losing the file loses history only.
//
// Backends:
//   - file: append-only JSON Lines, no extra dependencies
//   - sqlite: optional, behind the "sqlite" build tag
package storage
