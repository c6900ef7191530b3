// Package reconcile converges the local store and one remote adapter.
//
// A cycle pulls the remote snapshot, pushes every pending journal entry
// (local changes win over concurrent remote edits), then applies
// remote-origin inserts, updates and deletes to entities that have no
// pending local work. Applied changes are journaled for the other targets
// that mirror the entity, so a row added in a sheet still reaches the
// calendar.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/apperr"
	"github.com/starford/jobtrail/internal/checksum"
	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/remote"
	"github.com/starford/jobtrail/internal/store"
)

// DefaultCallTimeout bounds every adapter call.
const DefaultCallTimeout = 30 * time.Second

// Reconciler runs sync cycles. It holds no per-cycle state, so one instance
// can serve several adapters as long as each adapter runs one cycle at a
// time.
type Reconciler struct {
	store   store.SyncStore
	logger  *slog.Logger
	clock   clockwork.Clock
	timeout time.Duration
	targets func(entity.Kind) []string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithCallTimeout sets the per-call adapter timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

// WithTargets tells the reconciler which targets mirror each kind. Without
// it, remote-origin changes are not journaled anywhere.
func WithTargets(fn func(entity.Kind) []string) Option {
	return func(r *Reconciler) { r.targets = fn }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler over the given store.
func New(s store.SyncStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:   s,
		logger:  slog.Default(),
		clock:   clockwork.NewRealClock(),
		timeout: DefaultCallTimeout,
		targets: func(entity.Kind) []string { return nil },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cycle is the working state of one Reconcile call.
type cycle struct {
	adapter  remote.Adapter
	target   string
	surface  entity.Surface
	report   *Report
	snapshot map[entity.Kind]map[string]remote.Record
	// records carrying a local id, for refs lost between push and SetRef
	byEntity map[string]remote.Record
	// refs touched by the push phase; the pulled snapshot is stale for them.
	pushed  map[string]struct{}
	deleted map[string]struct{}
	stop    <-chan struct{}
	// live interviews, loaded on the first remote pipeline removal
	interviews []entity.Entity
}

// stopped reports whether the caller cancelled the cycle. It is checked
// between items only.
func (c *cycle) stopped() bool {
	select {
	case <-c.stop:
		c.report.Canceled = true
		return true
	default:
		return false
	}
}

// mirrors returns the targets other than the cycle's own that mirror kind.
func (r *Reconciler) mirrors(c *cycle, kind entity.Kind) []string {
	var out []string
	for _, name := range r.targets(kind) {
		if name != c.target {
			out = append(out, name)
		}
	}
	return out
}

// Reconcile runs one cycle against a. It returns an error only when the
// remote cannot be read at the start of the cycle, or when the credential is
// rejected mid-cycle; the partial report is returned in both cases.
func (r *Reconciler) Reconcile(ctx context.Context, a remote.Adapter) (*Report, error) {
	c := &cycle{
		adapter:  a,
		target:   a.Name(),
		surface:  a.Surface(),
		report:   &Report{Target: a.Name(), StartedAt: r.clock.Now().UTC()},
		snapshot: make(map[entity.Kind]map[string]remote.Record),
		byEntity: make(map[string]remote.Record),
		pushed:   make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
		stop:     ctx.Done(),
	}
	defer func() { c.report.FinishedAt = r.clock.Now().UTC() }()

	// Work already started on an item is finished even if ctx is cancelled.
	ctx = context.WithoutCancel(ctx)

	if err := r.pull(ctx, c); err != nil {
		return c.report, err
	}
	if err := r.push(ctx, c); err != nil {
		return c.report, err
	}
	if c.report.Canceled {
		return c.report, nil
	}
	if c.surface == entity.SurfacePrimary {
		if err := r.apply(ctx, c); err != nil {
			return c.report, err
		}
	}

	r.logger.Info("reconcile: done",
		slog.String("target", c.target),
		slog.Int("succeeded", c.report.Succeeded),
		slog.Int("failed", len(c.report.Failed)),
		slog.Int("inserted", c.report.Inserted),
		slog.Int("updated", c.report.Updated),
		slog.Int("removed", c.report.Removed),
		slog.Int("conflicts", len(c.report.Conflicts)))
	return c.report, nil
}

func (r *Reconciler) pull(ctx context.Context, c *cycle) error {
	for _, kind := range c.adapter.Kinds() {
		recs, err := remote.Call(ctx, r.timeout, func(ctx context.Context) ([]remote.Record, error) {
			return c.adapter.Pull(ctx, kind)
		})
		if err != nil {
			if errors.Is(err, remote.ErrTimeout) {
				err = fmt.Errorf("%w: %w", remote.ErrUnreachable, err)
			}
			r.logger.Warn("reconcile: pull failed",
				slog.String("target", c.target),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
			return fmt.Errorf("reconcile %s: pull %s: %w", c.target, kind, err)
		}
		byRef := make(map[string]remote.Record, len(recs))
		for _, rec := range recs {
			rec.Kind = kind
			byRef[rec.Ref] = rec
			if rec.EntityID != "" {
				c.byEntity[rec.EntityID] = rec
			}
		}
		c.snapshot[kind] = byRef
	}
	return nil
}

// push sends every pending journal entry of the target, oldest first.
func (r *Reconciler) push(ctx context.Context, c *cycle) error {
	entries, err := r.store.Pending(ctx, c.target)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", c.target, err)
	}
	for _, entry := range entries {
		if c.stopped() {
			r.logger.Info("reconcile: canceled", slog.String("target", c.target))
			return nil
		}
		e, err := r.store.Get(ctx, entry.EntityID)
		if errors.Is(err, apperr.ErrNotFound) {
			// Nothing left to send; the entity was purged through another path.
			if _, err := r.store.Confirm(ctx, c.target, entry.EntityID, entry.Revision); err != nil {
				c.report.fail(entry.EntityID, "", err)
			}
			continue
		}
		if err != nil {
			c.report.fail(entry.EntityID, "", err)
			continue
		}

		switch entry.Op {
		case store.OpDelete:
			err = r.pushDelete(ctx, c, entry, e)
		default:
			err = r.pushUpsert(ctx, c, entry, e)
		}
		if err == nil {
			c.report.Succeeded++
			continue
		}
		c.report.fail(entry.EntityID, entity.RefFor(e, c.surface), err)
		r.logger.Warn("reconcile: push failed",
			slog.String("target", c.target),
			slog.String("entity_id", entry.EntityID),
			slog.String("op", string(entry.Op)),
			slog.String("error", err.Error()))
		if errors.Is(err, remote.ErrAuthRequired) {
			return fmt.Errorf("reconcile %s: %w", c.target, err)
		}
	}
	return nil
}

// adopt recovers a ref that was pushed but never recorded locally.
func (r *Reconciler) adopt(ctx context.Context, c *cycle, e entity.Entity) (string, error) {
	ref := entity.RefFor(e, c.surface)
	if ref != "" {
		return ref, nil
	}
	rec, ok := c.byEntity[e.Base().ID]
	if !ok || rec.Kind != e.Kind() {
		return "", nil
	}
	if err := r.store.SetRef(ctx, e.Base().ID, c.surface, rec.Ref); err != nil {
		return "", err
	}
	entity.SetRef(e, c.surface, rec.Ref)
	r.logger.Info("reconcile: adopted remote record",
		slog.String("target", c.target),
		slog.String("entity_id", e.Base().ID),
		slog.String("ref", rec.Ref))
	return rec.Ref, nil
}

func (r *Reconciler) pushUpsert(ctx context.Context, c *cycle, entry store.Entry, e entity.Entity) error {
	ref, err := r.adopt(ctx, c, e)
	if err != nil {
		return err
	}
	if rec, ok := c.snapshot[e.Kind()][ref]; ok && ref != "" {
		same, err := samePayload(e, rec)
		if err != nil {
			return err
		}
		if same {
			// Already there, e.g. a push whose confirm was lost in a crash.
			c.pushed[ref] = struct{}{}
			_, err := r.store.Confirm(ctx, c.target, e.Base().ID, e.Base().Revision)
			return err
		}
		if rec.UpdatedAt.After(entry.EnqueuedAt) {
			c.report.Conflicts = append(c.report.Conflicts, Conflict{
				EntityID:        e.Base().ID,
				Ref:             ref,
				LocalEnqueuedAt: entry.EnqueuedAt,
				RemoteUpdatedAt: rec.UpdatedAt,
			})
			r.logger.Info("reconcile: conflict, keeping local",
				slog.String("target", c.target),
				slog.String("entity_id", e.Base().ID),
				slog.String("ref", ref))
		}
	}

	newRef, err := remote.Call(ctx, r.timeout, func(ctx context.Context) (string, error) {
		return c.adapter.Push(ctx, e)
	})
	if err != nil {
		return err
	}
	c.pushed[newRef] = struct{}{}
	if newRef != ref {
		if err := r.store.SetRef(ctx, e.Base().ID, c.surface, newRef); err != nil {
			return err
		}
	}
	_, err = r.store.Confirm(ctx, c.target, e.Base().ID, e.Base().Revision)
	return err
}

func (r *Reconciler) pushDelete(ctx context.Context, c *cycle, entry store.Entry, e entity.Entity) error {
	ref, err := r.adopt(ctx, c, e)
	if err != nil {
		return err
	}
	if ref != "" {
		_, err := remote.Call(ctx, r.timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.adapter.Delete(ctx, e.Kind(), ref)
		})
		if err != nil {
			return err
		}
		c.deleted[ref] = struct{}{}
	}
	_, err = r.store.ConfirmDelete(ctx, c.target, entry.EntityID, e.Base().Revision)
	return err
}

// apply brings remote-origin changes into the local store. Entities with a
// pending journal entry on any target are left alone.
func (r *Reconciler) apply(ctx context.Context, c *cycle) error {
	for _, kind := range c.adapter.Kinds() {
		local, err := r.store.ListWithDeleted(ctx, kind)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", c.target, err)
		}
		byRef := make(map[string]entity.Entity, len(local))
		byID := make(map[string]entity.Entity, len(local))
		for _, e := range local {
			byID[e.Base().ID] = e
			if ref := e.Base().RemoteRef; ref != "" {
				byRef[ref] = e
			}
		}

		snap := c.snapshot[kind]
		for ref, rec := range snap {
			if c.stopped() {
				return nil
			}
			if _, ok := c.pushed[ref]; ok {
				continue
			}
			if _, ok := c.deleted[ref]; ok {
				continue
			}
			r.applyRecord(ctx, c, rec, byRef[ref], byID)
		}

		for _, e := range local {
			if c.stopped() {
				return nil
			}
			ref := e.Base().RemoteRef
			if ref == "" || e.Base().Deleted {
				continue
			}
			if _, ok := snap[ref]; ok {
				continue
			}
			if _, ok := c.pushed[ref]; ok {
				continue
			}
			r.removeRecord(ctx, c, e)
		}
	}
	return nil
}

// removeRecord drops an entity whose record disappeared from the remote.
// A pipeline takes its interviews with it, and they are deleted on every
// target that mirrors them, as a local delete would. Nothing is removed
// while any of them has pending local work.
func (r *Reconciler) removeRecord(ctx context.Context, c *cycle, e entity.Entity) {
	id, ref := e.Base().ID, e.Base().RemoteRef
	ids := []string{id}
	if e.Kind() == entity.KindPipeline {
		owned, err := r.interviewsOf(ctx, c, id)
		if err != nil {
			c.report.fail(id, ref, err)
			return
		}
		ids = append(ids, owned...)
	}

	targetsFor := func(k entity.Kind) []string {
		if k == e.Kind() {
			return r.mirrors(c, k)
		}
		return r.targets(k)
	}
	removed, err := r.store.RemoveRemote(ctx, targetsFor, ids...)
	if err != nil {
		c.report.fail(id, ref, err)
		return
	}
	if !removed {
		return
	}

	c.report.Removed += len(ids)
	c.report.Enqueued += len(targetsFor(e.Kind()))
	if len(ids) > 1 {
		c.report.Enqueued += (len(ids) - 1) * len(targetsFor(entity.KindInterview))
	}
	r.logger.Debug("reconcile: removed remote-deleted",
		slog.String("target", c.target),
		slog.String("entity_id", id),
		slog.Int("cascaded", len(ids)-1))
}

func (r *Reconciler) interviewsOf(ctx context.Context, c *cycle, pipelineID string) ([]string, error) {
	if c.interviews == nil {
		all, err := r.store.List(ctx, entity.KindInterview)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", c.target, err)
		}
		c.interviews = all
		if c.interviews == nil {
			c.interviews = []entity.Entity{}
		}
	}
	var ids []string
	for _, iv := range c.interviews {
		if iv.(*entity.Interview).PipelineID == pipelineID {
			ids = append(ids, iv.Base().ID)
		}
	}
	return ids, nil
}

// checkOwner rejects an interview whose pipeline is not in the store.
func (r *Reconciler) checkOwner(ctx context.Context, e entity.Entity) error {
	iv, ok := e.(*entity.Interview)
	if !ok {
		return nil
	}
	owner, err := r.store.Get(ctx, iv.PipelineID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return err
	case owner.Kind() == entity.KindPipeline && !owner.Base().Deleted:
		return nil
	}
	return apperr.Invalid("pipeline_id", "must reference an existing pipeline")
}

func (r *Reconciler) applyRecord(ctx context.Context, c *cycle, rec remote.Record, local entity.Entity, byID map[string]entity.Entity) {
	if local == nil && rec.EntityID != "" {
		if known, ok := byID[rec.EntityID]; ok {
			if known.Base().RemoteRef != "" {
				// Another record already mirrors this entity.
				r.logger.Warn("reconcile: duplicate remote record",
					slog.String("target", c.target),
					slog.String("entity_id", rec.EntityID),
					slog.String("ref", rec.Ref))
				return
			}
			// Pushed before a crash, but the ref was never recorded.
			if err := r.store.SetRef(ctx, rec.EntityID, c.surface, rec.Ref); err != nil {
				c.report.fail(rec.EntityID, rec.Ref, err)
				return
			}
			known.Base().RemoteRef = rec.Ref
			local = known
		}
	}

	incoming, err := rec.Decode(c.surface)
	if err != nil {
		c.report.fail("", rec.Ref, err)
		return
	}
	if err := apperr.FromValidation(incoming.Validate()); err != nil {
		c.report.fail(rec.EntityID, rec.Ref, err)
		return
	}
	if err := r.checkOwner(ctx, incoming); err != nil {
		c.report.fail(rec.EntityID, rec.Ref, err)
		return
	}
	mirrors := r.mirrors(c, rec.Kind)

	if local == nil {
		created, err := r.store.InsertRemote(ctx, incoming, rec.UpdatedAt, mirrors)
		if err != nil {
			c.report.fail(rec.EntityID, rec.Ref, err)
			return
		}
		c.report.Inserted++
		c.report.Enqueued += len(mirrors)
		r.logger.Debug("reconcile: inserted remote",
			slog.String("target", c.target),
			slog.String("entity_id", created.Base().ID),
			slog.String("ref", rec.Ref))
		return
	}

	if local.Base().Deleted {
		return
	}
	same, err := samePayload(local, rec)
	if err != nil {
		c.report.fail(local.Base().ID, rec.Ref, err)
		return
	}
	if same {
		return
	}
	incoming.Base().ID = local.Base().ID
	applied, err := r.store.ApplyRemote(ctx, incoming, rec.UpdatedAt, mirrors)
	if err != nil {
		c.report.fail(local.Base().ID, rec.Ref, err)
		return
	}
	if applied {
		c.report.Updated++
		c.report.Enqueued += len(mirrors)
		r.logger.Debug("reconcile: applied remote",
			slog.String("target", c.target),
			slog.String("entity_id", local.Base().ID),
			slog.String("ref", rec.Ref))
	}
}

func samePayload(e entity.Entity, rec remote.Record) (bool, error) {
	local, err := checksum.Entity(e)
	if err != nil {
		return false, err
	}
	theirs, err := checksum.Payload(rec.Kind, rec.Payload)
	if err != nil {
		return false, err
	}
	return local == theirs, nil
}
