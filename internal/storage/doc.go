// Package storage persists tasks, accounts, proxies, the target denylist and
// the operator audit trail.
//
// Drivers:
//   - "file": one JSON document rewritten atomically, plus an audit JSONL file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
package storage
