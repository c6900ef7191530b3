// Package coordinator is the single entry point for presentation code. It
// validates and commits mutations, journals them for every target, and
// drives one scheduler per remote adapter.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/starford/jobtrail/internal/apperr"
	"github.com/starford/jobtrail/internal/dashboard"
	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/reconcile"
	"github.com/starford/jobtrail/internal/remote"
	"github.com/starford/jobtrail/internal/scheduler"
	"github.com/starford/jobtrail/internal/store"
)

// Store is the persistence the coordinator needs.
type Store interface {
	store.SyncStore
	Save(ctx context.Context, e entity.Entity, targets []string) (entity.Entity, error)
	RemoveAll(ctx context.Context, targetsFor func(entity.Kind) []string, ids ...string) (entity.Entity, error)
}

// Watcher is implemented by adapters that can report external changes,
// such as dirremote watching its folder.
type Watcher interface {
	Watch(ctx context.Context, quiet time.Duration, onChange func()) error
}

type target struct {
	adapter remote.Adapter
	sched   *scheduler.Scheduler
}

// Coordinator owns the mutation path and the sync lifecycle.
type Coordinator struct {
	store      Store
	reconciler *reconcile.Reconciler
	targets    []*target
	adapters   []remote.Adapter

	policy      scheduler.Config
	callTimeout time.Duration
	watch       bool
	watchQuiet  time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	observers   []func(Event)

	// writeMu makes the relation checks and the commit of one mutation
	// atomic with respect to other mutations.
	writeMu sync.Mutex

	stateMu sync.Mutex
	states  map[string]*SyncState

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a Coordinator over st mirroring to adapters. Nothing runs
// until Start.
func New(st Store, adapters []remote.Adapter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       st,
		adapters:    adapters,
		policy:      scheduler.Config{Policy: scheduler.LocalOnly},
		callTimeout: reconcile.DefaultCallTimeout,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		states:      make(map[string]*SyncState, len(adapters)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.reconciler = reconcile.New(st,
		reconcile.WithCallTimeout(c.callTimeout),
		reconcile.WithClock(c.clock),
		reconcile.WithLogger(c.logger),
		reconcile.WithTargets(c.targetsFor))

	for _, a := range adapters {
		c.states[a.Name()] = &SyncState{Target: a.Name(), Surface: a.Surface(), Policy: c.policy.Policy, State: scheduler.Idle}
		t := &target{adapter: a}
		t.sched = scheduler.New(a.Name(), c.policy, c.cycle(a),
			scheduler.WithClock(c.clock),
			scheduler.WithLogger(c.logger),
			scheduler.WithStateHook(func(st scheduler.State) { c.onSchedulerState(a.Name(), st) }))
		c.targets = append(c.targets, t)
	}
	return c
}

// Start launches one scheduler per target, plus a watcher for adapters
// that support one when watching is enabled. Targets with journal entries
// left over from a previous run are scheduled right away.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return errors.New("coordinator: already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = g

	for _, t := range c.targets {
		g.Go(func() error {
			t.sched.Run(gCtx)
			return nil
		})

		if w, ok := t.adapter.(Watcher); ok && c.watch && c.policy.Policy != scheduler.LocalOnly {
			g.Go(func() error {
				err := w.Watch(gCtx, c.watchQuiet, t.sched.NotifyExternal)
				if err != nil && !errors.Is(err, context.Canceled) {
					c.logger.Warn("coordinator: watcher stopped",
						slog.String("target", t.adapter.Name()), slog.String("error", err.Error()))
				}
				return nil
			})
		}

		n, err := c.store.PendingCount(ctx, t.adapter.Name())
		if err != nil {
			c.logger.Warn("coordinator: count pending",
				slog.String("target", t.adapter.Name()), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			c.logger.Info("coordinator: resuming pending changes",
				slog.String("target", t.adapter.Name()), slog.Int("pending", n))
			t.sched.NotifyChange()
		}
	}

	c.logger.Info("coordinator: started",
		slog.Int("targets", len(c.targets)),
		slog.String("policy", string(c.policy.Policy)))
	return nil
}

// Stop cancels the schedulers and waits for in-flight cycles to stop at
// their next item boundary.
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	cancel, g := c.cancel, c.group
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	c.logger.Info("coordinator: stopped")
	return err
}

// Mutate validates e, commits it and journals it for every target that
// mirrors its kind. It succeeds regardless of remote reachability.
func (c *Coordinator) Mutate(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e == nil {
		return nil, apperr.Invalid("kind", "is required")
	}
	e = e.Clone()
	applyDefaults(e)
	if err := apperr.FromValidation(e.Validate()); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.checkRelations(ctx, e); err != nil {
		return nil, err
	}
	saved, err := c.store.Save(ctx, e, c.targetsFor(e.Kind()))
	if err != nil {
		return nil, fmt.Errorf("coordinator: save %s: %w", e.Kind(), err)
	}

	m := saved.Base()
	c.logger.Info("coordinator: saved",
		slog.String("kind", string(saved.Kind())),
		slog.String("id", m.ID),
		slog.Int64("revision", m.Revision))
	c.emit(Event{Type: EventEntityChanged, Data: Change{
		Kind: saved.Kind(), ID: m.ID, Revision: m.Revision, Op: string(store.OpUpsert), Origin: OriginLocal,
	}})
	c.notify(saved.Kind())
	return saved, nil
}

// Delete tombstones an entity and journals its removal. Deleting a
// pipeline also deletes its interviews.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	e, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	ids := []string{id}
	if e.Kind() == entity.KindPipeline {
		interviews, err := c.store.List(ctx, entity.KindInterview)
		if err != nil {
			return fmt.Errorf("coordinator: list interviews: %w", err)
		}
		for _, iv := range interviews {
			if iv.(*entity.Interview).PipelineID == id {
				ids = append(ids, iv.Base().ID)
			}
		}
	}

	if _, err := c.store.RemoveAll(ctx, c.targetsFor, ids...); err != nil {
		return fmt.Errorf("coordinator: delete %s: %w", id, err)
	}

	c.logger.Info("coordinator: deleted",
		slog.String("kind", string(e.Kind())),
		slog.String("id", id),
		slog.Int("cascaded", len(ids)-1))
	for i, removed := range ids {
		kind := e.Kind()
		if i > 0 {
			kind = entity.KindInterview
		}
		c.emit(Event{Type: EventEntityChanged, Data: Change{
			Kind: kind, ID: removed, Op: string(store.OpDelete), Origin: OriginLocal,
		}})
	}
	c.notify(e.Kind())
	if len(ids) > 1 {
		c.notify(entity.KindInterview)
	}
	return nil
}

// Get returns a live entity. Tombstones are reported as not found.
func (c *Coordinator) Get(ctx context.Context, id string) (entity.Entity, error) {
	e, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Base().Deleted {
		return nil, fmt.Errorf("coordinator: entity %s: %w", id, apperr.ErrNotFound)
	}
	return e, nil
}

// List returns the live entities of one kind.
func (c *Coordinator) List(ctx context.Context, kind entity.Kind) ([]entity.Entity, error) {
	return c.store.List(ctx, kind)
}

// Dashboard snapshots the live pipelines and interviews at the current
// time.
func (c *Coordinator) Dashboard(ctx context.Context) (*dashboard.Snapshot, error) {
	pipelines, err := c.store.List(ctx, entity.KindPipeline)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list pipelines: %w", err)
	}
	interviews, err := c.store.List(ctx, entity.KindInterview)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list interviews: %w", err)
	}
	return dashboard.New(pipelines, interviews, c.clock.Now()), nil
}

// TriggerManualSync forces a cycle on the named targets, or on every
// target when none are named, regardless of policy.
func (c *Coordinator) TriggerManualSync(names ...string) error {
	var matched int
	for _, t := range c.targets {
		if len(names) > 0 && !contains(names, t.adapter.Name()) {
			continue
		}
		t.sched.TriggerManual()
		matched++
	}
	if len(names) > 0 && matched < len(names) {
		return fmt.Errorf("coordinator: unknown target in %v: %w", names, apperr.ErrNotFound)
	}
	return nil
}

// SyncOnce reconciles every target in turn on the caller's goroutine. It is
// meant for one-shot use when the schedulers are not running.
func (c *Coordinator) SyncOnce(ctx context.Context) ([]*reconcile.Report, error) {
	var (
		reports []*reconcile.Report
		errs    []error
	)
	for _, t := range c.targets {
		report, err := c.reconcile(ctx, t.adapter)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.adapter.Name(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return reports, errors.Join(errs...)
}

// Targets returns the adapter names in configuration order.
func (c *Coordinator) Targets() []string {
	names := make([]string, len(c.targets))
	for i, t := range c.targets {
		names[i] = t.adapter.Name()
	}
	return names
}

// Subscribe registers fn to receive every event emitted after the call.
// fn runs on the emitting goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.stateMu.Lock()
	c.observers = append(c.observers, fn)
	c.stateMu.Unlock()
}

func (c *Coordinator) cycle(a remote.Adapter) scheduler.RunFunc {
	return func(ctx context.Context) error {
		_, err := c.reconcile(ctx, a)
		return err
	}
}

func (c *Coordinator) reconcile(ctx context.Context, a remote.Adapter) (*reconcile.Report, error) {
	name := a.Name()
	c.updateState(name, func(s *SyncState) { s.InProgress = true })

	report, err := c.reconciler.Reconcile(ctx, a)

	c.updateState(name, func(s *SyncState) {
		s.InProgress = false
		s.LastReport = report
		switch {
		case err != nil:
			s.LastError = err.Error()
		case report.Canceled:
		case len(report.Failed) > 0:
			s.LastError = fmt.Sprintf("%d item(s) failed: %s", len(report.Failed), report.Failed[0].Error())
		default:
			at := report.FinishedAt
			s.LastSuccessfulSyncAt = &at
			s.LastError = ""
		}
	})
	if err != nil {
		c.logger.Warn("coordinator: sync failed", slog.String("target", name), slog.String("error", err.Error()))
	}
	if report != nil && report.LocalChanges() {
		c.emit(Event{Type: EventEntityChanged, Data: Change{Origin: OriginRemote, Target: name}})
	}
	if report != nil && report.Enqueued > 0 {
		c.notifyPending(ctx)
	}
	return report, err
}

// notifyPending wakes the targets that were handed work by another target's
// cycle, such as a calendar that must mirror an interview added in a sheet.
func (c *Coordinator) notifyPending(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range c.targets {
		n, err := c.store.PendingCount(ctx, t.adapter.Name())
		if err != nil {
			c.logger.Warn("coordinator: count pending",
				slog.String("target", t.adapter.Name()), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			t.sched.NotifyChange()
		}
	}
}

func (c *Coordinator) checkRelations(ctx context.Context, e entity.Entity) error {
	if id := e.Base().ID; id != "" {
		existing, err := c.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing.Kind() != e.Kind() {
			return fmt.Errorf("coordinator: %s is a %s, not a %s: %w", id, existing.Kind(), e.Kind(), apperr.ErrConflict)
		}
		if p, ok := e.(*entity.Pipeline); ok {
			from := existing.(*entity.Pipeline).Status
			if !from.CanTransition(p.Status) {
				return apperr.Invalid("status", "cannot move from %s to %s", from, p.Status)
			}
		}
	}

	if iv, ok := e.(*entity.Interview); ok {
		owner, err := c.store.Get(ctx, iv.PipelineID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			return apperr.Invalid("pipeline_id", "must reference an existing pipeline")
		case err != nil:
			return fmt.Errorf("coordinator: load pipeline %s: %w", iv.PipelineID, err)
		case owner.Kind() != entity.KindPipeline || owner.Base().Deleted:
			return apperr.Invalid("pipeline_id", "must reference an existing pipeline")
		}
	}
	return nil
}

func (c *Coordinator) targetsFor(kind entity.Kind) []string {
	return remote.Targets(c.adapters, kind)
}

func (c *Coordinator) notify(kind entity.Kind) {
	for _, t := range c.targets {
		if remote.Handles(t.adapter, kind) {
			t.sched.NotifyChange()
		}
	}
}

// applyDefaults fills zero values the way entity.New does.
func applyDefaults(e entity.Entity) {
	switch v := e.(type) {
	case *entity.Pipeline:
		if v.Priority == 0 {
			v.Priority = entity.DefaultPriority
		}
	case *entity.Interview:
		if v.Round == 0 {
			v.Round = 1
		}
		if v.DurationMinutes == 0 {
			v.DurationMinutes = entity.DefaultDuration
		}
		if v.Mode == "" {
			v.Mode = entity.ModeVideo
		}
		if v.Outcome == "" {
			v.Outcome = entity.OutcomePending
		}
	case *entity.Question:
		if v.Category == "" {
			v.Category = entity.CategoryOther
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
