package coordinator

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/scheduler"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the sync policy shared by every target.
func WithPolicy(cfg scheduler.Config) Option {
	return func(c *Coordinator) { c.policy = cfg }
}

// WithCallTimeout bounds each adapter call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.callTimeout = d }
}

// WithWatch starts the watcher of every adapter that has one. Changes are
// reported after quiet has elapsed without further events.
func WithWatch(quiet time.Duration) Option {
	return func(c *Coordinator) {
		c.watch = true
		c.watchQuiet = quiet
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver is Subscribe at construction time.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, fn) }
}
