// Package scheduler decides when a sync cycle runs for one target.
//
// A Scheduler is an explicit Idle / Scheduled / Running state machine. A
// single goroutine owns the state; public methods communicate with it via
// channels, so triggers never block the mutation path and at most one
// cycle is ever running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/apperr"
)

// State is the scheduler's position in its state machine.
type State string

const (
	Idle      State = "idle"
	Scheduled State = "scheduled"
	Running   State = "running"
)

// Policy selects what besides a manual trigger starts a cycle.
type Policy string

const (
	// LocalOnly runs cycles on manual triggers only.
	LocalOnly Policy = "local_only"
	// OnChange runs a cycle once mutations have been quiet for the debounce
	// window.
	OnChange Policy = "on_change"
	// Periodic runs a cycle on a fixed interval. Mutations do not reset it.
	Periodic Policy = "periodic"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case LocalOnly, OnChange, Periodic:
		return p, nil
	}
	return "", fmt.Errorf("scheduler: unknown policy %q", s)
}

// Config tunes a Scheduler.
type Config struct {
	Policy   Policy
	Debounce time.Duration
	Interval time.Duration
}

// RunFunc performs one sync cycle.
type RunFunc func(ctx context.Context) error

type trigger int

const (
	triggerChange trigger = iota
	triggerManual
	triggerExternal
)

// Scheduler serializes sync cycles for one target.
type Scheduler struct {
	name    string
	cfg     Config
	run     RunFunc
	clock   clockwork.Clock
	logger  *slog.Logger
	onState func(State)

	changes  chan struct{}
	manual   chan struct{}
	external chan struct{}
	stateReq chan chan State

	mu      sync.Mutex
	current State
	started bool
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithStateHook registers fn to be called on every state transition. It runs
// on the scheduler goroutine and must not block.
func WithStateHook(fn func(State)) Option {
	return func(s *Scheduler) { s.onState = fn }
}

// New creates a Scheduler. Call Run to start it.
func New(name string, cfg Config, run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:     name,
		cfg:      cfg,
		run:      run,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		changes:  make(chan struct{}, 1),
		manual:   make(chan struct{}, 1),
		external: make(chan struct{}, 1),
		stateReq: make(chan chan State),
		current:  Idle,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Policy == "" {
		s.cfg.Policy = LocalOnly
	}
	return s
}

// Name returns the target the scheduler drives.
func (s *Scheduler) Name() string { return s.name }

// Policy returns the configured policy.
func (s *Scheduler) Policy() Policy { return s.cfg.Policy }

// NotifyChange reports a committed local mutation. It never blocks.
func (s *Scheduler) NotifyChange() { signal(s.changes) }

// TriggerManual forces a cycle regardless of policy. It never blocks.
func (s *Scheduler) TriggerManual() { signal(s.manual) }

// NotifyExternal reports a change made on the remote side, such as a file
// edited in a watched directory. It is honored under every policy except
// LocalOnly and is debounced like a local change.
func (s *Scheduler) NotifyExternal() { signal(s.external) }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// A signal is already pending; they coalesce.
	}
}

// State returns the current state. Every trigger sent before the call is
// accounted for in the result.
func (s *Scheduler) State() State {
	s.mu.Lock()
	started, current := s.started, s.current
	s.mu.Unlock()
	if !started {
		return current
	}

	reply := make(chan State, 1)
	select {
	case s.stateReq <- reply:
		return <-reply
	case <-s.done:
		return Idle
	}
}

// Done is closed once Run has returned.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// loop is the state owned by the Run goroutine.
type loop struct {
	*Scheduler
	ctx       context.Context
	state     State
	debounce  clockwork.Timer
	debounceC <-chan time.Time
	finished  chan error
	rerun     bool
}

// Run drives the state machine until ctx is cancelled. A cycle in flight
// is cancelled through its context and awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	l := &loop{Scheduler: s, ctx: ctx, state: Idle, finished: make(chan error, 1)}

	var tickC <-chan time.Time
	if s.cfg.Policy == Periodic && s.cfg.Interval > 0 {
		ticker := s.clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tickC = ticker.Chan()
	}

	s.logger.Info("scheduler: started",
		slog.String("target", s.name),
		slog.String("policy", string(s.cfg.Policy)))

	for {
		select {
		case <-ctx.Done():
			l.stopDebounce()
			if l.state == Running {
				<-l.finished
			}
			l.setState(Idle)
			s.logger.Info("scheduler: stopped", slog.String("target", s.name))
			return

		case <-s.changes:
			l.handle(triggerChange)
		case <-s.external:
			l.handle(triggerExternal)
		case <-s.manual:
			l.handle(triggerManual)

		case <-tickC:
			l.onTick()

		case <-l.debounceC:
			l.debounceC = nil
			if l.state == Scheduled {
				l.start()
			}

		case err := <-l.finished:
			l.onFinished(err)

		case reply := <-s.stateReq:
			l.drain()
			reply <- l.state
		}
	}
}

// drain processes triggers that were sent before a state query.
func (l *loop) drain() {
	for {
		select {
		case <-l.changes:
			l.handle(triggerChange)
		case <-l.external:
			l.handle(triggerExternal)
		case <-l.manual:
			l.handle(triggerManual)
		default:
			return
		}
	}
}

func (l *loop) handle(t trigger) {
	if t == triggerManual {
		if l.state == Running {
			l.rerun = true
			return
		}
		l.stopDebounce()
		l.start()
		return
	}

	switch l.cfg.Policy {
	case LocalOnly:
		return
	case Periodic:
		if t == triggerChange {
			return
		}
	}
	if l.state == Running {
		l.rerun = true
		return
	}
	l.setState(Scheduled)
	l.resetDebounce()
}

func (l *loop) onTick() {
	if l.state == Running {
		l.rerun = true
		return
	}
	l.stopDebounce()
	l.start()
}

// onFinished settles a cycle. A trigger that arrived while it ran starts the
// next cycle right away after a success, goes through the debounce window
// after a failure, and is dropped when the target needs new credentials.
func (l *loop) onFinished(err error) {
	l.setState(Idle)
	rerun := l.rerun
	l.rerun = false

	switch {
	case err == nil:
		if rerun {
			l.setState(Scheduled)
			l.start()
		}
	case errors.Is(err, apperr.ErrAuthRequired):
		l.logger.Warn("scheduler: authentication required",
			slog.String("target", l.name), slog.String("error", err.Error()))
	default:
		l.logger.Warn("scheduler: cycle failed",
			slog.String("target", l.name),
			slog.Bool("rerun", rerun),
			slog.String("error", err.Error()))
		if rerun && l.ctx.Err() == nil {
			l.setState(Scheduled)
			l.resetDebounce()
		}
	}
}

func (l *loop) start() {
	l.setState(Running)
	ctx := l.ctx
	go func() {
		l.finished <- l.run(ctx)
	}()
}

func (l *loop) resetDebounce() {
	if l.cfg.Debounce <= 0 {
		l.stopDebounce()
		l.start()
		return
	}
	if l.debounce == nil {
		l.debounce = l.clock.NewTimer(l.cfg.Debounce)
	} else {
		if !l.debounce.Stop() {
			select {
			case <-l.debounce.Chan():
			default:
			}
		}
		l.debounce.Reset(l.cfg.Debounce)
	}
	l.debounceC = l.debounce.Chan()
}

func (l *loop) stopDebounce() {
	if l.debounce != nil {
		l.debounce.Stop()
	}
	l.debounceC = nil
}

func (l *loop) setState(st State) {
	if l.state == st {
		return
	}
	l.state = st
	l.mu.Lock()
	l.current = st
	l.mu.Unlock()
	l.logger.Debug("scheduler: state", slog.String("target", l.name), slog.String("state", string(st)))
	if l.onState != nil {
		l.onState(st)
	}
}
