package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/starford/jobtrail/internal/entity"
)

// Op is the intent recorded by a journal entry.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Entry is a pending local change that a target has not confirmed yet.
type Entry struct {
	Seq        int64
	Target     string
	EntityID   string
	Kind       entity.Kind
	Revision   int64
	Op         Op
	EnqueuedAt time.Time
}

func newEntry(target string, e entity.Entity, op Op) Entry {
	m := e.Base()
	return Entry{
		Target:     target,
		EntityID:   m.ID,
		Kind:       e.Kind(),
		Revision:   m.Revision,
		Op:         op,
		EnqueuedAt: m.UpdatedAt,
	}
}

// Enqueue records an entry, replacing the pending entry of the same entity
// on the same target. The replaced entry's position in the queue is kept.
func (db *DB) Enqueue(ctx context.Context, e Entry) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return db.enqueueTx(ctx, tx, e)
	})
}

func (db *DB) enqueueTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = db.clock.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO journal (target, entity_id, kind, revision, op, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(target, entity_id) DO UPDATE SET
			kind        = excluded.kind,
			revision    = excluded.revision,
			op          = excluded.op,
			enqueued_at = excluded.enqueued_at
	`, e.Target, e.EntityID, string(e.Kind), e.Revision, string(e.Op), e.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: enqueue %s/%s: %w", e.Target, e.EntityID, err)
	}
	return nil
}

// Pending returns the target's unsettled entries ordered by first enqueue.
func (db *DB) Pending(ctx context.Context, target string) ([]Entry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, target, entity_id, kind, revision, op, enqueued_at
		FROM journal WHERE target = ? ORDER BY seq
	`, target)
	if err != nil {
		return nil, fmt.Errorf("store: pending %s: %w", target, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			kind, op string
		)
		if err := rows.Scan(&e.Seq, &e.Target, &e.EntityID, &kind, &e.Revision, &op, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		e.Kind = entity.Kind(kind)
		e.Op = Op(op)
		e.EnqueuedAt = e.EnqueuedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingCount reports how many entries the target still has to settle.
func (db *DB) PendingCount(ctx context.Context, target string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal WHERE target = ?`, target).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending count %s: %w", target, err)
	}
	return n, nil
}

// Confirm settles the target's entry for an entity, but only if it still
// carries the given revision. A mutation committed while the entry was
// being pushed replaces it with a newer revision that must stay pending.
// It reports whether an entry was removed.
func (db *DB) Confirm(ctx context.Context, target, entityID string, revision int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM journal WHERE target = ? AND entity_id = ? AND revision = ?`,
		target, entityID, revision)
	if err != nil {
		return false, fmt.Errorf("store: confirm %s/%s: %w", target, entityID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ConfirmDelete settles a delete entry and purges the tombstone once no
// other target still has to delete it. It reports whether the entity was
// purged.
func (db *DB) ConfirmDelete(ctx context.Context, target, entityID string, revision int64) (bool, error) {
	var purged bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM journal WHERE target = ? AND entity_id = ? AND revision = ?`,
			target, entityID, revision)
		if err != nil {
			return fmt.Errorf("store: confirm delete %s/%s: %w", target, entityID, err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM entities
			WHERE id = ? AND deleted = 1
			  AND NOT EXISTS (SELECT 1 FROM journal WHERE entity_id = ?)
		`, entityID, entityID)
		if err != nil {
			return fmt.Errorf("store: purge %s: %w", entityID, err)
		}
		n, _ := res.RowsAffected()
		purged = n > 0
		return nil
	})
	return purged, err
}
