// Package dashboard derives the job-search overview from the live entities:
// headline metrics, the coming interviews, pipelines that need a nudge and
// reminders.
package dashboard

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/starford/jobtrail/internal/entity"
)

// Health is how a pipeline is doing, judged from its interviews and how
// long it has been idle.
type Health string

const (
	HealthActive        Health = "active"
	HealthAwaiting      Health = "awaiting"
	HealthNeedsFollowUp Health = "needs_followup"
	HealthStale         Health = "stale"
	HealthClosed        Health = "closed"
)

const (
	day = 24 * time.Hour

	followUpAfterDays = 5
	staleAfterDays    = 10
	// An awaited result is worth a mention after this many days, before it
	// turns into a follow-up.
	awaitingNoticeDays = 3
)

// Snapshot is a read-only view of the pipelines and interviews at one
// instant. All figures are computed against its clock reading.
type Snapshot struct {
	now        time.Time
	pipelines  []*entity.Pipeline
	interviews []*entity.Interview
	byID       map[string]*entity.Pipeline
	rounds     map[string][]*entity.Interview
}

// New builds a snapshot. Entities of other kinds and tombstones are ignored.
func New(pipelines, interviews []entity.Entity, now time.Time) *Snapshot {
	s := &Snapshot{
		now:    now,
		byID:   make(map[string]*entity.Pipeline, len(pipelines)),
		rounds: make(map[string][]*entity.Interview),
	}
	for _, e := range pipelines {
		if p, ok := e.(*entity.Pipeline); ok && !p.Deleted {
			s.pipelines = append(s.pipelines, p)
			s.byID[p.ID] = p
		}
	}
	for _, e := range interviews {
		if iv, ok := e.(*entity.Interview); ok && !iv.Deleted {
			s.interviews = append(s.interviews, iv)
			s.rounds[iv.PipelineID] = append(s.rounds[iv.PipelineID], iv)
		}
	}
	return s
}

// Now returns the instant the snapshot was taken at.
func (s *Snapshot) Now() time.Time { return s.now }

// Metrics are the dashboard headline figures.
type Metrics struct {
	ActivePipelines     int                           `json:"active_pipelines"`
	InterviewsCompleted int                           `json:"interviews_completed"`
	InterviewsThisWeek  int                           `json:"interviews_this_week"`
	PassRate            float64                       `json:"pass_rate"`
	PendingFollowUps    int                           `json:"pending_follow_ups"`
	Offers              int                           `json:"offers"`
	Rejections          int                           `json:"rejections"`
	AvgDaysInPipeline   float64                       `json:"avg_days_in_pipeline"`
	StageDistribution   map[entity.PipelineStatus]int `json:"stage_distribution"`
}

// Metrics computes the headline figures. PassRate is a percentage of the
// decided interviews; AvgDaysInPipeline covers settled pipelines with an
// application date.
func (s *Snapshot) Metrics() Metrics {
	m := Metrics{StageDistribution: make(map[entity.PipelineStatus]int)}

	var settledDays, settledCount int
	for _, p := range s.pipelines {
		switch p.Status {
		case entity.StatusOffer:
			m.Offers++
		case entity.StatusRejected:
			m.Rejections++
		}
		if !settled(p.Status) {
			m.ActivePipelines++
		}
		if p.Status != entity.StatusRejected && p.Status != entity.StatusWithdrawn {
			m.StageDistribution[p.Status]++
		}
		if settled(p.Status) && p.AppliedOn != nil {
			settledDays += daysBetween(*p.AppliedOn, p.UpdatedAt)
			settledCount++
		}
	}
	if settledCount > 0 {
		m.AvgDaysInPipeline = round1(float64(settledDays) / float64(settledCount))
	}

	start := weekStart(s.now)
	var passed, failed int
	for _, iv := range s.interviews {
		switch iv.Outcome {
		case entity.OutcomePassed:
			passed++
		case entity.OutcomeFailed:
			failed++
		}
		if !iv.ScheduledAt.Before(start) && iv.ScheduledAt.Before(start.Add(7*day)) {
			m.InterviewsThisWeek++
		}
	}
	m.InterviewsCompleted = passed + failed
	if m.InterviewsCompleted > 0 {
		m.PassRate = round1(float64(passed) / float64(m.InterviewsCompleted) * 100)
	}

	for _, a := range s.Attention(0) {
		if a.Health == HealthNeedsFollowUp || a.Health == HealthStale {
			m.PendingFollowUps++
		}
	}
	return m
}

// UpcomingInterview is a pending interview with its pipeline's headline.
type UpcomingInterview struct {
	ID          string               `json:"id"`
	PipelineID  string               `json:"pipeline_id"`
	Company     string               `json:"company"`
	Role        string               `json:"role"`
	Type        entity.InterviewType `json:"type"`
	Round       int                  `json:"round"`
	Mode        entity.InterviewMode `json:"mode,omitempty"`
	ScheduledAt time.Time            `json:"scheduled_at"`
	DaysUntil   int                  `json:"days_until"`
}

// Upcoming lists pending interviews from now on, soonest first. within
// bounds how far ahead to look and limit how many to return; zero means
// no bound for either.
func (s *Snapshot) Upcoming(limit int, within time.Duration) []UpcomingInterview {
	var out []UpcomingInterview
	for _, iv := range s.interviews {
		if iv.Outcome != entity.OutcomePending || iv.ScheduledAt.Before(s.now) {
			continue
		}
		if within > 0 && iv.ScheduledAt.After(s.now.Add(within)) {
			continue
		}
		p, ok := s.byID[iv.PipelineID]
		if !ok {
			continue
		}
		out = append(out, UpcomingInterview{
			ID:          iv.ID,
			PipelineID:  p.ID,
			Company:     p.Company,
			Role:        p.Role,
			Type:        iv.Type,
			Round:       iv.Round,
			Mode:        iv.Mode,
			ScheduledAt: iv.ScheduledAt,
			DaysUntil:   daysBetween(s.now, iv.ScheduledAt),
		})
	}
	slices.SortStableFunc(out, func(a, b UpcomingInterview) int {
		return cmp.Or(a.ScheduledAt.Compare(b.ScheduledAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Attention is a pipeline the user should look at, and why.
type Attention struct {
	ID              string                `json:"id"`
	Company         string                `json:"company"`
	Role            string                `json:"role"`
	Status          entity.PipelineStatus `json:"status"`
	Health          Health                `json:"health"`
	DaysSinceUpdate int                   `json:"days_since_update"`
	Reason          string                `json:"reason"`
}

// Attention lists open pipelines that have gone quiet or wait on a result,
// longest idle first. A limit of zero returns all of them.
func (s *Snapshot) Attention(limit int) []Attention {
	var out []Attention
	for _, p := range s.pipelines {
		if settled(p.Status) {
			continue
		}
		health := s.Health(p)
		idle := daysBetween(p.UpdatedAt, s.now)
		a := Attention{
			ID: p.ID, Company: p.Company, Role: p.Role, Status: p.Status,
			Health: health, DaysSinceUpdate: idle,
		}
		waiting, awaiting := s.waitingDays(p)
		switch {
		case health == HealthNeedsFollowUp && awaiting:
			a.Reason = fmt.Sprintf("No response %d days after the interview", waiting)
		case health == HealthNeedsFollowUp:
			a.Reason = fmt.Sprintf("No activity for %d days", idle)
		case health == HealthStale:
			a.Reason = fmt.Sprintf("Stale, no updates for %d days", idle)
		case health == HealthAwaiting && waiting > awaitingNoticeDays:
			a.Reason = fmt.Sprintf("Awaiting response for %d days", waiting)
		default:
			continue
		}
		out = append(out, a)
	}
	slices.SortStableFunc(out, func(a, b Attention) int {
		return cmp.Or(cmp.Compare(b.DaysSinceUpdate, a.DaysSinceUpdate), cmp.Compare(a.Company, b.Company))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Health classifies a pipeline. A coming interview keeps it active; a past
// interview without an outcome makes it wait, then need a follow-up;
// otherwise it ages by its last update.
func (s *Snapshot) Health(p *entity.Pipeline) Health {
	if settled(p.Status) {
		return HealthClosed
	}
	for _, iv := range s.rounds[p.ID] {
		if iv.ScheduledAt.After(s.now) {
			return HealthActive
		}
	}
	if waiting, ok := s.waitingDays(p); ok {
		if waiting > followUpAfterDays {
			return HealthNeedsFollowUp
		}
		return HealthAwaiting
	}
	switch idle := daysBetween(p.UpdatedAt, s.now); {
	case idle > staleAfterDays:
		return HealthStale
	case idle > followUpAfterDays:
		return HealthNeedsFollowUp
	}
	return HealthActive
}

// waitingDays is how long the oldest past interview of p has gone without
// an outcome.
func (s *Snapshot) waitingDays(p *entity.Pipeline) (int, bool) {
	var oldest time.Time
	for _, iv := range s.rounds[p.ID] {
		if iv.Outcome != entity.OutcomePending || !iv.ScheduledAt.Before(s.now) {
			continue
		}
		if oldest.IsZero() || iv.ScheduledAt.Before(oldest) {
			oldest = iv.ScheduledAt
		}
	}
	if oldest.IsZero() {
		return 0, false
	}
	return daysBetween(oldest, s.now), true
}

// WeeklySummary is the activity since the start of the current week.
type WeeklySummary struct {
	WeekStart           string `json:"week_start"`
	InterviewsScheduled int    `json:"interviews_scheduled"`
	NewApplications     int    `json:"new_applications"`
	InterviewsPassed    int    `json:"interviews_passed"`
	InterviewsFailed    int    `json:"interviews_failed"`
}

// Weekly summarises the week so far. Weeks start on Monday.
func (s *Snapshot) Weekly() WeeklySummary {
	start := weekStart(s.now)
	w := WeeklySummary{WeekStart: start.Format(time.DateOnly)}
	for _, p := range s.pipelines {
		if p.AppliedOn != nil && !p.AppliedOn.Before(start) {
			w.NewApplications++
		}
	}
	for _, iv := range s.interviews {
		if iv.ScheduledAt.Before(start) {
			continue
		}
		w.InterviewsScheduled++
		switch iv.Outcome {
		case entity.OutcomePassed:
			w.InterviewsPassed++
		case entity.OutcomeFailed:
			w.InterviewsFailed++
		}
	}
	return w
}

// settled statuses no longer need the user's attention. An offer can still
// be withdrawn but is no longer an open application.
func settled(s entity.PipelineStatus) bool {
	return s == entity.StatusOffer || s.Terminal()
}

// weekStart returns midnight of the Monday on or before t, in t's location.
func weekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -((int(t.Weekday()) + 6) % 7))
}

// daysBetween counts calendar days from a to b, in a's location.
func daysBetween(a, b time.Time) int {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from) / day)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
