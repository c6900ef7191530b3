package store

import (
	"context"
	"time"

	"github.com/starford/jobtrail/internal/entity"
)

// EntityStore is the local source of truth for entities.
// Consumers should depend on this interface rather than the concrete *DB type.
type EntityStore interface {
	Get(ctx context.Context, id string) (entity.Entity, error)
	List(ctx context.Context, kind entity.Kind) ([]entity.Entity, error)
	ListWithDeleted(ctx context.Context, kind entity.Kind) ([]entity.Entity, error)
	Put(ctx context.Context, e entity.Entity) (entity.Entity, error)
	MarkDeleted(ctx context.Context, id string) (entity.Entity, error)
	Purge(ctx context.Context, id string) error
}

// Journal records what must still be sent to each target.
type Journal interface {
	Enqueue(ctx context.Context, e Entry) error
	Pending(ctx context.Context, target string) ([]Entry, error)
	PendingCount(ctx context.Context, target string) (int, error)
	Confirm(ctx context.Context, target, entityID string, revision int64) (bool, error)
	ConfirmDelete(ctx context.Context, target, entityID string, revision int64) (bool, error)
}

// SyncStore is what the reconciler needs: both halves plus the
// remote-origin writes. Those journal entries only for the other targets
// that mirror the entity, never for the target the change came from.
type SyncStore interface {
	EntityStore
	Journal
	SetRef(ctx context.Context, id string, surface entity.Surface, ref string) error
	InsertRemote(ctx context.Context, e entity.Entity, updatedAt time.Time, mirrors []string) (entity.Entity, error)
	ApplyRemote(ctx context.Context, e entity.Entity, updatedAt time.Time, mirrors []string) (bool, error)
	RemoveRemote(ctx context.Context, targetsFor func(entity.Kind) []string, ids ...string) (bool, error)
}

// Verify *DB satisfies SyncStore at compile time.
var _ SyncStore = (*DB)(nil)
