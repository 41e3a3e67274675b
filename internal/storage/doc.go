// Package storage persists bot settings and the command audit log.
//
// Backends:
//   - memory: process-local, the default
//   - file: settings snapshot plus append-only JSON Lines audit
//   - sqlite: single database file (WAL)
package storage
