// Package remote defines the contract every remote adapter implements and
// the helpers the reconciler uses to call adapters safely.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starford/jobtrail/internal/apperr"
	"github.com/starford/jobtrail/internal/entity"
)

var (
	ErrUnreachable  = apperr.ErrUnreachable
	ErrAuthRequired = apperr.ErrAuthRequired

	// ErrTimeout marks an adapter call that exceeded its deadline. It is a
	// per-item failure, retried on the next cycle.
	ErrTimeout = errors.New("remote call timed out")
)

// Record is one entity as the remote service sees it.
type Record struct {
	Ref string
	// EntityID is the local id the record was pushed from, when the remote
	// can carry it. It lets a crashed push be matched on the next pull.
	EntityID  string
	Kind      entity.Kind
	Payload   []byte
	UpdatedAt time.Time
}

// Decode builds the entity described by the record. The remote ref is set
// on the primary surface only.
func (r Record) Decode(surface entity.Surface) (entity.Entity, error) {
	e, err := entity.Decode(r.Kind, r.Payload)
	if err != nil {
		return nil, err
	}
	e.Base().ID = r.EntityID
	entity.SetRef(e, surface, r.Ref)
	return e, nil
}

// Adapter reads and writes entities against one remote surface.
type Adapter interface {
	// Name identifies the adapter; it is also the journal target.
	Name() string
	Surface() entity.Surface
	// Kinds lists the entity kinds this adapter mirrors.
	Kinds() []entity.Kind
	// Pull returns the remote snapshot of one kind.
	Pull(ctx context.Context, kind entity.Kind) ([]Record, error)
	// Push creates the entity remotely when it has no ref on the adapter's
	// surface, updates it otherwise, and returns the ref.
	Push(ctx context.Context, e entity.Entity) (string, error)
	// Delete removes a remote record. Deleting an absent ref succeeds.
	Delete(ctx context.Context, kind entity.Kind, ref string) error
}

// Handles reports whether the adapter mirrors entities of kind.
func Handles(a Adapter, kind entity.Kind) bool {
	for _, k := range a.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Targets returns the names of the adapters that mirror kind.
func Targets(adapters []Adapter, kind entity.Kind) []string {
	var out []string
	for _, a := range adapters {
		if Handles(a, kind) {
			out = append(out, a.Name())
		}
	}
	return out
}

// Call runs fn with a context bounded by timeout. The call is detached from
// ctx's cancellation so that an item in flight is never cut in half; the
// caller checks ctx between items instead.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}
	v, err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrAuthRequired) {
		return v, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}
	return v, err
}

// IsRetryable reports whether err is expected to clear up on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}
