// Package memremote is an in-memory remote adapter with fault injection.
// It backs the reconciler tests and the --dry-run mode of the CLI.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/remote"
)

// Stats counts adapter calls.
type Stats struct {
	Pulls   int
	Pushes  int
	Deletes int
}

// Remote is a thread-safe in-memory remote.
type Remote struct {
	name    string
	surface entity.Surface
	kinds   []entity.Kind
	clock   clockwork.Clock

	mu          sync.Mutex
	records     map[entity.Kind]map[string]remote.Record
	unreachable bool
	authFailed  bool
	pushErrs    map[string]error // by entity id
	delay       time.Duration
	stats       Stats
}

// Option configures a Remote.
type Option func(*Remote)

// WithSurface sets the surface the remote mirrors. Default primary.
func WithSurface(s entity.Surface) Option {
	return func(r *Remote) { r.surface = s }
}

// WithKinds restricts the kinds the remote mirrors. Default all kinds.
func WithKinds(kinds ...entity.Kind) Option {
	return func(r *Remote) { r.kinds = kinds }
}

// WithClock sets the clock used to stamp remote updates.
func WithClock(c clockwork.Clock) Option {
	return func(r *Remote) { r.clock = c }
}

// New creates an empty remote.
func New(name string, opts ...Option) *Remote {
	r := &Remote{
		name:     name,
		surface:  entity.SurfacePrimary,
		kinds:    entity.Kinds,
		clock:    clockwork.NewRealClock(),
		records:  make(map[entity.Kind]map[string]remote.Record),
		pushErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ remote.Adapter = (*Remote)(nil)

func (r *Remote) Name() string            { return r.name }
func (r *Remote) Surface() entity.Surface { return r.surface }
func (r *Remote) Kinds() []entity.Kind    { return r.kinds }

// SetUnreachable makes every call fail with remote.ErrUnreachable.
func (r *Remote) SetUnreachable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = v
}

// SetAuthRequired makes every call fail with remote.ErrAuthRequired.
func (r *Remote) SetAuthRequired(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authFailed = v
}

// FailPush makes pushes of the given entity fail with err. A nil err
// clears the fault.
func (r *Remote) FailPush(entityID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.pushErrs, entityID)
		return
	}
	r.pushErrs[entityID] = err
}

// SetDelay makes pushes and deletes block for d or until their context
// is done.
func (r *Remote) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Stats returns the call counters.
func (r *Remote) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Put stores a record as if another client had written it. An empty ref is
// assigned. It returns the stored record.
func (r *Remote) Put(rec remote.Record) remote.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Ref == "" {
		rec.Ref = uuid.NewString()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.clock.Now().UTC()
	}
	r.bucket(rec.Kind)[rec.Ref] = rec
	return rec
}

// Remove drops a record as if another client had deleted it.
func (r *Remote) Remove(kind entity.Kind, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records[kind], ref)
}

// Get returns a stored record.
func (r *Remote) Get(kind entity.Kind, ref string) (remote.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[kind][ref]
	return rec, ok
}

// Len returns how many records of kind are stored.
func (r *Remote) Len(kind entity.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[kind])
}

// Pull returns the records of kind ordered by ref.
func (r *Remote) Pull(_ context.Context, kind entity.Kind) ([]remote.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Pulls++
	if err := r.fault(); err != nil {
		return nil, err
	}
	out := make([]remote.Record, 0, len(r.records[kind]))
	for _, rec := range r.records[kind] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

// Push stores the entity's payload under its ref, assigning one if needed.
func (r *Remote) Push(ctx context.Context, e entity.Entity) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	payload, err := entity.Encode(e)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Pushes++
	if err := r.fault(); err != nil {
		return "", err
	}
	if err, ok := r.pushErrs[e.Base().ID]; ok {
		return "", err
	}
	ref := entity.RefFor(e, r.surface)
	if ref == "" {
		ref = uuid.NewString()
	}
	r.bucket(e.Kind())[ref] = remote.Record{
		Ref:       ref,
		EntityID:  e.Base().ID,
		Kind:      e.Kind(),
		Payload:   payload,
		UpdatedAt: r.clock.Now().UTC(),
	}
	return ref, nil
}

// Delete drops the record. Absent refs are ignored.
func (r *Remote) Delete(ctx context.Context, kind entity.Kind, ref string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Deletes++
	if err := r.fault(); err != nil {
		return err
	}
	delete(r.records[kind], ref)
	return nil
}

func (r *Remote) bucket(kind entity.Kind) map[string]remote.Record {
	b, ok := r.records[kind]
	if !ok {
		b = make(map[string]remote.Record)
		r.records[kind] = b
	}
	return b
}

func (r *Remote) fault() error {
	switch {
	case r.authFailed:
		return fmt.Errorf("memremote %s: %w", r.name, remote.ErrAuthRequired)
	case r.unreachable:
		return fmt.Errorf("memremote %s: %w", r.name, remote.ErrUnreachable)
	}
	return nil
}

func (r *Remote) wait(ctx context.Context) error {
	r.mu.Lock()
	d := r.delay
	r.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("memremote %s: %w", r.name, ctx.Err())
	}
}
