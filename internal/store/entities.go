package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/jobtrail/internal/apperr"
	"github.com/starford/jobtrail/internal/entity"
)

const entityColumns = `id, kind, revision, updated_at, remote_ref, calendar_ref, deleted, payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (entity.Entity, error) {
	var (
		id, kind, remoteRef, calendarRef, payload string
		revision                                  int64
		updatedAt                                 time.Time
		deleted                                   bool
	)
	if err := r.Scan(&id, &kind, &revision, &updatedAt, &remoteRef, &calendarRef, &deleted, &payload); err != nil {
		return nil, err
	}
	e, err := entity.Decode(entity.Kind(kind), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("store: entity %s: %w", id, err)
	}
	m := e.Base()
	m.ID = id
	m.Revision = revision
	m.UpdatedAt = updatedAt.UTC()
	m.RemoteRef = remoteRef
	m.Deleted = deleted
	entity.SetRef(e, entity.SurfaceCalendar, calendarRef)
	return e, nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Get returns the entity with the given id, tombstones included.
func (db *DB) Get(ctx context.Context, id string) (entity.Entity, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: entity %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return e, nil
}

// List returns the live entities of a kind, oldest first.
func (db *DB) List(ctx context.Context, kind entity.Kind) ([]entity.Entity, error) {
	return db.list(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind = ? AND deleted = 0 ORDER BY id`, kind)
}

// ListWithDeleted returns every entity of a kind including tombstones.
func (db *DB) ListWithDeleted(ctx context.Context, kind entity.Kind) ([]entity.Entity, error) {
	return db.list(ctx, `SELECT `+entityColumns+` FROM entities WHERE kind = ? ORDER BY id`, kind)
}

func (db *DB) list(ctx context.Context, query string, kind entity.Kind) ([]entity.Entity, error) {
	rows, err := db.conn.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Put commits a local mutation without journaling it. New entities get an
// id and revision 1; existing ones get their revision incremented. Remote
// refs are owned by the reconciler and are never taken from e.
func (db *DB) Put(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	var out entity.Entity
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = db.putTx(ctx, tx, e)
		return err
	})
	return out, err
}

// Save commits a local mutation and enqueues an upsert entry for each
// target in the same transaction.
func (db *DB) Save(ctx context.Context, e entity.Entity, targets []string) (entity.Entity, error) {
	var out entity.Entity
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if out, err = db.putTx(ctx, tx, e); err != nil {
			return err
		}
		return db.enqueueAllTx(ctx, tx, targets, out, OpUpsert)
	})
	return out, err
}

// MarkDeleted tombstones an entity. Deleting a tombstone again is a no-op.
func (db *DB) MarkDeleted(ctx context.Context, id string) (entity.Entity, error) {
	return db.Remove(ctx, nil, id)
}

// Remove tombstones the given entities and enqueues a delete entry for each
// target. With no targets there is nothing left to settle remotely, so the
// entities are purged at once. It returns the last tombstone written.
func (db *DB) Remove(ctx context.Context, targets []string, ids ...string) (entity.Entity, error) {
	return db.RemoveAll(ctx, func(entity.Kind) []string { return targets }, ids...)
}

// RemoveAll is Remove with the targets chosen per entity kind, so that a
// cascade across kinds commits in one transaction.
func (db *DB) RemoveAll(ctx context.Context, targetsFor func(entity.Kind) []string, ids ...string) (entity.Entity, error) {
	var last entity.Entity
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			e, err := db.markDeletedTx(ctx, tx, id)
			if err != nil {
				return err
			}
			last = e
			targets := targetsFor(e.Kind())
			if err := db.enqueueAllTx(ctx, tx, targets, e, OpDelete); err != nil {
				return err
			}
			if len(targets) == 0 {
				if err := db.purgeTx(ctx, tx, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return last, err
}

// Purge hard-deletes an entity. Only called once the remote deletion is
// confirmed.
func (db *DB) Purge(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return db.purgeTx(ctx, tx, id)
	})
}

// SetRef records the remote handle on one surface without touching the
// revision: it is bookkeeping, not a local mutation.
func (db *DB) SetRef(ctx context.Context, id string, surface entity.Surface, ref string) error {
	column := "remote_ref"
	if surface == entity.SurfaceCalendar {
		column = "calendar_ref"
	}
	res, err := db.conn.ExecContext(ctx, `UPDATE entities SET `+column+` = ? WHERE id = ?`, ref, id)
	if err != nil {
		return fmt.Errorf("store: set ref %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set ref %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// InsertRemote creates a local entity that originated remotely and
// enqueues an upsert for each of mirrors, the other targets that must learn
// about it. The id is kept if the remote record carried one, otherwise a new
// one is assigned.
func (db *DB) InsertRemote(ctx context.Context, e entity.Entity, updatedAt time.Time, mirrors []string) (entity.Entity, error) {
	out := e.Clone()
	m := out.Base()
	if m.ID == "" {
		m.ID = newID()
	}
	m.Revision = 1
	m.UpdatedAt = updatedAt.UTC()
	m.Deleted = false
	payload, err := entity.Encode(out)
	if err != nil {
		return nil, err
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, kind, revision, updated_at, remote_ref, calendar_ref, deleted, payload)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		`, m.ID, string(out.Kind()), m.Revision, m.UpdatedAt, m.RemoteRef,
			entity.RefFor(out, entity.SurfaceCalendar), string(payload))
		if err != nil {
			return fmt.Errorf("store: insert remote %s: %w", m.ID, err)
		}
		return db.enqueueAllTx(ctx, tx, mirrors, out, OpUpsert)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyRemote overwrites a live entity's fields with a remote-origin change
// and enqueues an upsert for each of mirrors. It does nothing, and reports
// false, when the entity has a pending journal entry on any target: local
// changes win. The revision is left alone since it only tracks local
// mutations.
func (db *DB) ApplyRemote(ctx context.Context, e entity.Entity, updatedAt time.Time, mirrors []string) (bool, error) {
	payload, err := entity.Encode(e)
	if err != nil {
		return false, err
	}
	id := e.Base().ID

	var applied bool
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET payload = ?, updated_at = ?
			WHERE id = ? AND deleted = 0
			  AND NOT EXISTS (SELECT 1 FROM journal WHERE entity_id = ?)
		`, string(payload), updatedAt.UTC(), id, id)
		if err != nil {
			return fmt.Errorf("store: apply remote %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true
		if len(mirrors) == 0 {
			return nil
		}
		stored, err := scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("store: load %s: %w", id, err)
		}
		return db.enqueueAllTx(ctx, tx, mirrors, stored, OpUpsert)
	})
	return applied, err
}

// RemoveRemote drops entities whose remote counterpart disappeared. The ids
// are removed together or not at all: if any of them has pending local work,
// nothing changes and false is returned. targetsFor picks, per kind, the
// targets that still have to delete their copy. An entity with none is
// purged; the others are tombstoned and journaled like a local delete.
func (db *DB) RemoveRemote(ctx context.Context, targetsFor func(entity.Kind) []string, ids ...string) (bool, error) {
	var removed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var pending bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM journal WHERE entity_id = ?)`, id).Scan(&pending)
			if err != nil {
				return fmt.Errorf("store: remove remote %s: %w", id, err)
			}
			if pending {
				return nil
			}
		}

		for _, id := range ids {
			e, err := db.markDeletedTx(ctx, tx, id)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			targets := targetsFor(e.Kind())
			if len(targets) == 0 {
				if err := db.purgeTx(ctx, tx, id); err != nil {
					return err
				}
				continue
			}
			if err := db.enqueueAllTx(ctx, tx, targets, e, OpDelete); err != nil {
				return err
			}
		}
		removed = true
		return nil
	})
	return removed, err
}

func (db *DB) enqueueAllTx(ctx context.Context, tx *sql.Tx, targets []string, e entity.Entity, op Op) error {
	for _, target := range targets {
		if err := db.enqueueTx(ctx, tx, newEntry(target, e, op)); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) putTx(ctx context.Context, tx *sql.Tx, e entity.Entity) (entity.Entity, error) {
	out := e.Clone()
	m := out.Base()
	now := db.clock.Now().UTC()
	payload, err := entity.Encode(out)
	if err != nil {
		return nil, err
	}

	if m.ID == "" {
		m.ID = newID()
		m.Revision = 1
		m.UpdatedAt = now
		m.RemoteRef = ""
		m.Deleted = false
		entity.SetRef(out, entity.SurfaceCalendar, "")
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, kind, revision, updated_at, deleted, payload)
			VALUES (?, ?, ?, ?, 0, ?)
		`, m.ID, string(out.Kind()), m.Revision, m.UpdatedAt, string(payload))
		if err != nil {
			return nil, fmt.Errorf("store: insert %s: %w", m.ID, err)
		}
		return out, nil
	}

	var (
		kind, remoteRef, calendarRef string
		revision                     int64
		deleted                      bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT kind, revision, remote_ref, calendar_ref, deleted FROM entities WHERE id = ?`, m.ID,
	).Scan(&kind, &revision, &remoteRef, &calendarRef, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return nil, fmt.Errorf("store: entity %s: %w", m.ID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", m.ID, err)
	}
	if entity.Kind(kind) != out.Kind() {
		return nil, fmt.Errorf("store: entity %s is a %s, not a %s: %w", m.ID, kind, out.Kind(), apperr.ErrConflict)
	}

	m.Revision = revision + 1
	m.UpdatedAt = now
	m.RemoteRef = remoteRef
	m.Deleted = false
	entity.SetRef(out, entity.SurfaceCalendar, calendarRef)
	_, err = tx.ExecContext(ctx, `
		UPDATE entities SET revision = ?, updated_at = ?, payload = ? WHERE id = ?
	`, m.Revision, m.UpdatedAt, string(payload), m.ID)
	if err != nil {
		return nil, fmt.Errorf("store: update %s: %w", m.ID, err)
	}
	return out, nil
}

func (db *DB) markDeletedTx(ctx context.Context, tx *sql.Tx, id string) (entity.Entity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: entity %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id, err)
	}
	m := e.Base()
	if m.Deleted {
		return e, nil
	}
	m.Revision++
	m.UpdatedAt = db.clock.Now().UTC()
	m.Deleted = true
	_, err = tx.ExecContext(ctx, `
		UPDATE entities SET revision = ?, updated_at = ?, deleted = 1 WHERE id = ?
	`, m.Revision, m.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("store: mark deleted %s: %w", id, err)
	}
	return e, nil
}

func (db *DB) purgeTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: purge %s: %w", id, err)
	}
	return nil
}

func (db *DB) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
