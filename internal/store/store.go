// Package store is the relational persistence layer: one file per entity
// (projects, agents, channels, members, messages, dm_permissions,
// project_links, sessions), each a thin, context-first wrapper over
// parameterised SQL against internal/safedb. It is the system's single
// source of truth (§4.1) — the vector index is a derived, reconcilable
// secondary representation fed by internal/facade, which writes each
// message's vector after InsertMessage commits the row.
package store

import (
	"time"

	"github.com/claude-slack/broker/internal/safedb"
)

// Store is the relational store. It holds no business logic beyond what a
// single entity's invariants require — permission resolution, filtering,
// and ranking live in their own packages and are composed on top in
// internal/facade.
type Store struct {
	db *safedb.DB
}

// New wraps db in a Store.
func New(db *safedb.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying safedb handle, for packages (permission,
// search) that need to run their own read-only queries against the same
// connection pool.
func (s *Store) DB() *safedb.DB {
	return s.db
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
