package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReminderKind tells reminders apart.
type ReminderKind string

const (
	ReminderInterviewSoon     ReminderKind = "interview_soon"
	ReminderInterviewTomorrow ReminderKind = "interview_tomorrow"
	ReminderFollowUps         ReminderKind = "follow_ups"
)

// Reminder is a notification for the user.
type Reminder struct {
	Kind     ReminderKind `json:"kind"`
	Title    string       `json:"title"`
	Message  string       `json:"message"`
	EntityID string       `json:"entity_id,omitempty"`
	// At is when the reminded-of interview starts, or when the reminder was
	// raised for follow-ups.
	At time.Time `json:"at"`
}

// Reminders returns what is due now: interviews starting within the hour,
// interviews starting in about a day, and a count of pipelines needing a
// follow-up.
func (s *Snapshot) Reminders() []Reminder {
	var out []Reminder
	for _, u := range s.Upcoming(0, day) {
		until := u.ScheduledAt.Sub(s.now)
		label := fmt.Sprintf("%s - %s", u.Company, humanize(string(u.Type)))
		switch {
		case until > 0 && until <= time.Hour:
			out = append(out, Reminder{
				Kind: ReminderInterviewSoon, Title: "Interview in 1 hour!",
				Message: label, EntityID: u.ID, At: u.ScheduledAt,
			})
		case until > day-time.Hour && until <= day:
			out = append(out, Reminder{
				Kind: ReminderInterviewTomorrow, Title: "Interview tomorrow",
				Message:  fmt.Sprintf("%s at %s", label, u.ScheduledAt.In(s.now.Location()).Format("15:04")),
				EntityID: u.ID, At: u.ScheduledAt,
			})
		}
	}

	var followUps int
	for _, a := range s.Attention(0) {
		if a.Health == HealthNeedsFollowUp {
			followUps++
		}
	}
	if followUps > 0 {
		out = append(out, Reminder{
			Kind:    ReminderFollowUps,
			Title:   "Follow-ups needed",
			Message: fmt.Sprintf("You have %d pipeline(s) that need follow-up", followUps),
			At:      s.now,
		})
	}
	return out
}

func humanize(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

// Source produces a fresh snapshot.
type Source func(ctx context.Context) (*Snapshot, error)

// DefaultCheckInterval is how often a Checker looks for due reminders.
const DefaultCheckInterval = 5 * time.Minute

// DefaultFollowUpHour is the local hour from which the daily follow-up
// reminder may go out.
const DefaultFollowUpHour = 9

// Checker raises each reminder once. Interview reminders are keyed by the
// interview and its start, so a rescheduled interview is reminded again;
// the follow-up reminder goes out at most once per day, not before the
// configured hour.
type Checker struct {
	source       Source
	notify       func(Reminder)
	clock        clockwork.Clock
	interval     time.Duration
	followUpHour int
	logger       *slog.Logger

	sent map[string]time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

func WithClock(c clockwork.Clock) CheckerOption {
	return func(k *Checker) { k.clock = c }
}

func WithInterval(d time.Duration) CheckerOption {
	return func(k *Checker) {
		if d > 0 {
			k.interval = d
		}
	}
}

func WithFollowUpHour(h int) CheckerOption {
	return func(k *Checker) { k.followUpHour = h }
}

func WithLogger(l *slog.Logger) CheckerOption {
	return func(k *Checker) { k.logger = l }
}

// NewChecker creates a Checker delivering to notify. Run or Check drive it;
// it is not safe for concurrent use.
func NewChecker(source Source, notify func(Reminder), opts ...CheckerOption) *Checker {
	k := &Checker{
		source:       source,
		notify:       notify,
		clock:        clockwork.NewRealClock(),
		interval:     DefaultCheckInterval,
		followUpHour: DefaultFollowUpHour,
		logger:       slog.Default(),
		sent:         make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Check delivers the reminders that are due and not yet sent, and returns
// how many went out.
func (k *Checker) Check(ctx context.Context) (int, error) {
	snap, err := k.source(ctx)
	if err != nil {
		return 0, err
	}
	now := snap.Now()
	for key, at := range k.sent {
		if now.Sub(at) > 2*day {
			delete(k.sent, key)
		}
	}

	var n int
	for _, r := range snap.Reminders() {
		var key string
		switch r.Kind {
		case ReminderFollowUps:
			if now.Hour() < k.followUpHour {
				continue
			}
			key = string(r.Kind) + "/" + now.Format(time.DateOnly)
		default:
			key = string(r.Kind) + "/" + r.EntityID + "/" + r.At.UTC().Format(time.RFC3339)
		}
		if _, done := k.sent[key]; done {
			continue
		}
		k.sent[key] = now
		k.notify(r)
		n++
	}
	return n, nil
}

// Run checks right away and then every interval until ctx is cancelled.
// A failed check is logged and retried on the next tick.
func (k *Checker) Run(ctx context.Context) error {
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	k.logger.Info("reminders: started", slog.Duration("interval", k.interval))
	for {
		if n, err := k.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Warn("reminders: check failed", slog.String("error", err.Error()))
		} else if n > 0 {
			k.logger.Info("reminders: sent", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			k.logger.Info("reminders: stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}
