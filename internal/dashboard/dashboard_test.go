package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/jobtrail/internal/entity"
)

// Wednesday; the week starts on Monday 9 March.
var now = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

func pipeline(id, company string, status entity.PipelineStatus, idle time.Duration, applied *time.Time) *entity.Pipeline {
	p := &entity.Pipeline{Company: company, Role: "Engineer", Status: status, Priority: entity.DefaultPriority, AppliedOn: applied}
	p.ID = id
	p.UpdatedAt = now.Add(-idle)
	return p
}

func interview(id, pipelineID string, at time.Time, outcome entity.InterviewOutcome) *entity.Interview {
	iv := &entity.Interview{
		PipelineID: pipelineID, ScheduledAt: at, Type: entity.InterviewTechnical,
		Round: 1, DurationMinutes: entity.DefaultDuration, Outcome: outcome,
	}
	iv.ID = id
	return iv
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func snapshot(at time.Time, items ...entity.Entity) *Snapshot {
	var pipelines, interviews []entity.Entity
	for _, e := range items {
		switch e.Kind() {
		case entity.KindPipeline:
			pipelines = append(pipelines, e)
		case entity.KindInterview:
			interviews = append(interviews, e)
		}
	}
	return New(pipelines, interviews, at)
}

func TestMetrics(t *testing.T) {
	offer := pipeline("p3", "Initech", entity.StatusOffer, 0, date(2026, 2, 1))
	offer.UpdatedAt = time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	rejected := pipeline("p4", "Umbrella", entity.StatusRejected, 0, date(2026, 2, 11))
	rejected.UpdatedAt = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	s := snapshot(now,
		pipeline("p1", "Acme", entity.StatusApplied, 24*time.Hour, date(2026, 3, 2)),
		pipeline("p2", "Globex", entity.StatusInterviewing, 2*24*time.Hour, nil),
		offer,
		rejected,
		pipeline("p5", "Hooli", entity.StatusWithdrawn, 0, nil),
		pipeline("p6", "Vandelay", entity.StatusApplied, 12*24*time.Hour, nil),
		interview("i1", "p2", time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), entity.OutcomePassed),
		interview("i2", "p2", time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC), entity.OutcomePending),
		interview("i3", "p4", time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), entity.OutcomeFailed),
	)

	m := s.Metrics()
	assert.Equal(t, 3, m.ActivePipelines)
	assert.Equal(t, 1, m.Offers)
	assert.Equal(t, 1, m.Rejections)
	assert.Equal(t, 2, m.InterviewsCompleted)
	assert.Equal(t, 50.0, m.PassRate)
	assert.Equal(t, 2, m.InterviewsThisWeek)
	assert.Equal(t, 1, m.PendingFollowUps)
	assert.Equal(t, 25.0, m.AvgDaysInPipeline)
	assert.Equal(t, map[entity.PipelineStatus]int{
		entity.StatusApplied:      2,
		entity.StatusInterviewing: 1,
		entity.StatusOffer:        1,
	}, m.StageDistribution)
}

func TestMetrics_Empty(t *testing.T) {
	m := snapshot(now).Metrics()
	assert.Zero(t, m.PassRate)
	assert.Zero(t, m.AvgDaysInPipeline)
	assert.Empty(t, m.StageDistribution)
}

func TestHealth(t *testing.T) {
	const d = 24 * time.Hour
	tests := []struct {
		name  string
		p     *entity.Pipeline
		round *entity.Interview
		want  Health
	}{
		{"settled", pipeline("p", "A", entity.StatusRejected, 30*d, nil), nil, HealthClosed},
		{"offer", pipeline("p", "A", entity.StatusOffer, 30*d, nil), nil, HealthClosed},
		{"coming interview", pipeline("p", "A", entity.StatusInterviewing, 20*d, nil),
			interview("i", "p", now.Add(48*time.Hour), entity.OutcomePending), HealthActive},
		{"waiting on result", pipeline("p", "A", entity.StatusInterviewing, 2*d, nil),
			interview("i", "p", now.Add(-2*d), entity.OutcomePending), HealthAwaiting},
		{"result overdue", pipeline("p", "A", entity.StatusInterviewing, 7*d, nil),
			interview("i", "p", now.Add(-7*d), entity.OutcomePending), HealthNeedsFollowUp},
		{"decided interview ages normally", pipeline("p", "A", entity.StatusInterviewing, 3*d, nil),
			interview("i", "p", now.Add(-7*d), entity.OutcomePassed), HealthActive},
		{"recent", pipeline("p", "A", entity.StatusApplied, 3*d, nil), nil, HealthActive},
		{"quiet", pipeline("p", "A", entity.StatusApplied, 7*d, nil), nil, HealthNeedsFollowUp},
		{"stale", pipeline("p", "A", entity.StatusApplied, 11*d, nil), nil, HealthStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := []entity.Entity{tt.p}
			if tt.round != nil {
				items = append(items, tt.round)
			}
			assert.Equal(t, tt.want, snapshot(now, items...).Health(tt.p))
		})
	}
}

func TestAttention(t *testing.T) {
	const d = 24 * time.Hour
	s := snapshot(now,
		pipeline("pa", "Acme", entity.StatusApplied, 12*d, nil),
		pipeline("pb", "Globex", entity.StatusInterviewing, 4*d, nil),
		interview("ib", "pb", now.Add(-4*d), entity.OutcomePending),
		pipeline("pc", "Initech", entity.StatusApplied, 6*d, nil),
		pipeline("pd", "Hooli", entity.StatusInterviewing, 2*d, nil),
		interview("id", "pd", now.Add(-2*d), entity.OutcomePending),
		pipeline("pe", "Umbrella", entity.StatusRejected, 40*d, nil),
		pipeline("pf", "Vandelay", entity.StatusApplied, time.Hour, nil),
	)

	got := s.Attention(0)
	require.Len(t, got, 3)
	assert.Equal(t, "pa", got[0].ID)
	assert.Equal(t, HealthStale, got[0].Health)
	assert.Equal(t, 12, got[0].DaysSinceUpdate)
	assert.Contains(t, got[0].Reason, "12 days")

	assert.Equal(t, "pc", got[1].ID)
	assert.Equal(t, HealthNeedsFollowUp, got[1].Health)
	assert.Equal(t, "No activity for 6 days", got[1].Reason)

	assert.Equal(t, "pb", got[2].ID)
	assert.Equal(t, HealthAwaiting, got[2].Health)
	assert.Equal(t, "Awaiting response for 4 days", got[2].Reason)

	assert.Len(t, s.Attention(2), 2)
}

func TestUpcoming(t *testing.T) {
	s := snapshot(now,
		pipeline("p1", "Acme", entity.StatusInterviewing, 0, nil),
		interview("later", "p1", time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC), entity.OutcomePending),
		interview("today", "p1", time.Date(2026, 3, 11, 18, 0, 0, 0, time.UTC), entity.OutcomePending),
		interview("next-week", "p1", time.Date(2026, 3, 17, 10, 0, 0, 0, time.UTC), entity.OutcomePending),
		interview("decided", "p1", time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC), entity.OutcomePassed),
		interview("past", "p1", time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), entity.OutcomePending),
		interview("orphan", "gone", time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC), entity.OutcomePending),
	)

	got := s.Upcoming(0, 0)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"today", "later", "next-week"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, 0, got[0].DaysUntil)
	assert.Equal(t, 1, got[1].DaysUntil)
	assert.Equal(t, 6, got[2].DaysUntil)
	assert.Equal(t, "Acme", got[0].Company)

	assert.Len(t, s.Upcoming(0, 48*time.Hour), 2)
	assert.Len(t, s.Upcoming(1, 0), 1)
}

func TestWeekly(t *testing.T) {
	s := snapshot(now,
		pipeline("p1", "Acme", entity.StatusApplied, 0, date(2026, 3, 9)),
		pipeline("p2", "Globex", entity.StatusInterviewing, 0, date(2026, 3, 8)),
		pipeline("p3", "Initech", entity.StatusApplied, 0, nil),
		interview("i1", "p2", time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), entity.OutcomePassed),
		interview("i2", "p2", time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), entity.OutcomeFailed),
		interview("i3", "p2", time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC), entity.OutcomePending),
		interview("i4", "p2", time.Date(2026, 3, 8, 23, 0, 0, 0, time.UTC), entity.OutcomePassed),
	)

	assert.Equal(t, WeeklySummary{
		WeekStart:           "2026-03-09",
		InterviewsScheduled: 3,
		NewApplications:     1,
		InterviewsPassed:    1,
		InterviewsFailed:    1,
	}, s.Weekly())
}

func TestWeekStart_Sunday(t *testing.T) {
	sunday := time.Date(2026, 3, 15, 22, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), weekStart(sunday))
}

func TestReminders(t *testing.T) {
	const d = 24 * time.Hour
	soon := interview("soon", "p1", now.Add(30*time.Minute), entity.OutcomePending)
	tomorrow := interview("tomorrow", "p1", now.Add(23*time.Hour+30*time.Minute), entity.OutcomePending)
	tomorrow.Type = entity.InterviewSystemDesign
	s := snapshot(now,
		pipeline("p1", "Acme", entity.StatusInterviewing, 0, nil),
		soon, tomorrow,
		interview("later-today", "p1", now.Add(5*time.Hour), entity.OutcomePending),
		pipeline("p2", "Globex", entity.StatusApplied, 7*d, nil),
	)

	got := s.Reminders()
	require.Len(t, got, 3)
	assert.Equal(t, Reminder{
		Kind: ReminderInterviewSoon, Title: "Interview in 1 hour!",
		Message: "Acme - technical", EntityID: "soon", At: soon.ScheduledAt,
	}, got[0])
	assert.Equal(t, ReminderInterviewTomorrow, got[1].Kind)
	assert.Equal(t, "Acme - system design at 11:30", got[1].Message)
	assert.Equal(t, ReminderFollowUps, got[2].Kind)
	assert.Equal(t, "You have 1 pipeline(s) that need follow-up", got[2].Message)
}

type checkerEnv struct {
	clock *clockwork.FakeClock
	items []entity.Entity
	sent  []Reminder
	k     *Checker
}

func newCheckerEnv(start time.Time, opts ...CheckerOption) *checkerEnv {
	env := &checkerEnv{clock: clockwork.NewFakeClockAt(start)}
	source := func(context.Context) (*Snapshot, error) {
		return snapshot(env.clock.Now(), env.items...), nil
	}
	opts = append([]CheckerOption{WithClock(env.clock)}, opts...)
	env.k = NewChecker(source, func(r Reminder) { env.sent = append(env.sent, r) }, opts...)
	return env
}

func (env *checkerEnv) check(t *testing.T) int {
	t.Helper()
	n, err := env.k.Check(context.Background())
	require.NoError(t, err)
	return n
}

func TestChecker_SendsOnceAndGatesFollowUps(t *testing.T) {
	start := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	env := newCheckerEnv(start)
	iv := interview("i1", "p1", start.Add(30*time.Minute), entity.OutcomePending)
	quiet := pipeline("p2", "Globex", entity.StatusApplied, 0, nil)
	quiet.UpdatedAt = start.Add(-7 * 24 * time.Hour)
	env.items = []entity.Entity{pipeline("p1", "Acme", entity.StatusInterviewing, 0, nil), iv, quiet}

	// Before the follow-up hour only the interview goes out.
	assert.Equal(t, 1, env.check(t))
	assert.Equal(t, ReminderInterviewSoon, env.sent[0].Kind)
	assert.Zero(t, env.check(t))

	env.clock.Advance(time.Hour)
	assert.Equal(t, 1, env.check(t))
	assert.Equal(t, ReminderFollowUps, env.sent[1].Kind)
	assert.Zero(t, env.check(t), "follow-ups go out once a day")

	// Rescheduling arms the interview reminder again.
	iv.ScheduledAt = env.clock.Now().Add(45 * time.Minute)
	assert.Equal(t, 1, env.check(t))
	assert.Equal(t, iv.ScheduledAt, env.sent[2].At)

	env.clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, env.check(t), "next day's follow-up")
}

func TestChecker_FollowUpHourOption(t *testing.T) {
	start := time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC)
	env := newCheckerEnv(start, WithFollowUpHour(6))
	quiet := pipeline("p1", "Acme", entity.StatusApplied, 0, nil)
	quiet.UpdatedAt = start.Add(-7 * 24 * time.Hour)
	env.items = []entity.Entity{quiet}

	assert.Equal(t, 1, env.check(t))
}

func TestChecker_SourceError(t *testing.T) {
	boom := errors.New("db closed")
	k := NewChecker(func(context.Context) (*Snapshot, error) { return nil, boom }, func(Reminder) {})
	_, err := k.Check(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestChecker_RunTicksUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(now)
	checks := make(chan struct{}, 8)
	source := func(context.Context) (*Snapshot, error) {
		checks <- struct{}{}
		return snapshot(clock.Now()), nil
	}
	k := NewChecker(source, func(Reminder) {}, WithClock(clock), WithInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	waitFor := func() {
		select {
		case <-checks:
		case <-time.After(time.Second):
			t.Fatal("no check")
		}
	}
	waitFor()
	blockCtx, blockCancel := context.WithTimeout(context.Background(), time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	clock.Advance(time.Minute)
	waitFor()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
