// Package testutil provides shared test helpers for setting up stores,
// record directories and loggers.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/store"
)

// Epoch is the start time of every fake clock handed out by this package.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// TestDB creates a temporary SQLite store that is automatically cleaned up.
func TestDB(t *testing.T, opts ...store.Option) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "jobtrail-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestClockDB creates a temporary store driven by a fake clock set to Epoch.
func TestClockDB(t *testing.T) (*store.DB, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(Epoch)
	return TestDB(t, store.WithClock(clock)), clock
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// Pipeline returns a valid pipeline that has not been stored yet.
func Pipeline(company, role string) *entity.Pipeline {
	return &entity.Pipeline{Company: company, Role: role, Status: entity.StatusApplied, Priority: entity.DefaultPriority}
}

// Question returns a valid question that has not been stored yet.
func Question(prompt string) *entity.Question {
	return &entity.Question{Category: entity.CategoryTechnical, Prompt: prompt}
}

// Interview returns a valid interview for the given pipeline.
func Interview(pipelineID string, at time.Time) *entity.Interview {
	return &entity.Interview{
		PipelineID:      pipelineID,
		ScheduledAt:     at,
		Type:            entity.InterviewTechnical,
		Round:           1,
		DurationMinutes: entity.DefaultDuration,
		Mode:            entity.ModeVideo,
		Outcome:         entity.OutcomePending,
	}
}
