// Package store provides the SQLite-backed Entity Store and Change Journal.
// Both live in one database file so that a local mutation and its journal
// entry commit in a single transaction.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	revision     INTEGER NOT NULL,
	updated_at   DATETIME NOT NULL,
	remote_ref   TEXT NOT NULL DEFAULT '',
	calendar_ref TEXT NOT NULL DEFAULT '',
	deleted      INTEGER NOT NULL DEFAULT 0,
	payload      TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities(kind);
CREATE INDEX IF NOT EXISTS idx_entities_remote_ref ON entities(remote_ref);

CREATE TABLE IF NOT EXISTS journal (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	target      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	revision    INTEGER NOT NULL,
	op          TEXT NOT NULL,
	enqueued_at DATETIME NOT NULL,
	UNIQUE(target, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_journal_entity ON journal(entity_id);
`

// DB wraps a sql.DB with entity and journal operations.
type DB struct {
	conn  *sql.DB
	clock clockwork.Clock
}

// Option configures a DB.
type Option func(*DB)

// WithClock sets the clock used to stamp updated_at and enqueued_at.
func WithClock(c clockwork.Clock) Option {
	return func(db *DB) {
		db.clock = c
	}
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	db := &DB{conn: conn, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
