package dirremote

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/jobtrail/internal/entity"
)

func testRemote(t *testing.T) (*Remote, string) {
	t.Helper()
	root := t.TempDir()
	r, err := New("vault", root, WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	require.NoError(t, err)
	return r, root
}

func TestPushPullRoundTrip(t *testing.T) {
	r, root := testRemote(t)
	ctx := context.Background()

	applied := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	p := &entity.Pipeline{
		Company: "Acme", Role: "Engineer", Status: entity.StatusApplied,
		Priority: 3, JobURL: "https://acme.example/jobs/1", AppliedOn: &applied,
	}
	p.ID = "p-1"

	ref, err := r.Push(ctx, p)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "pipeline", ref+".md"))

	recs, err := r.Pull(ctx, entity.KindPipeline)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ref, recs[0].Ref)
	assert.Equal(t, "p-1", recs[0].EntityID)

	want, err := entity.Encode(p)
	require.NoError(t, err)
	got, err := entity.Canonical(entity.KindPipeline, recs[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestPushUpdatesInPlace(t *testing.T) {
	r, _ := testRemote(t)
	ctx := context.Background()

	q := &entity.Question{Category: entity.CategoryCoding, Prompt: "Two sum", Tags: []string{"arrays"}}
	ref, err := r.Push(ctx, q)
	require.NoError(t, err)

	q.RemoteRef = ref
	q.Answer = "hash map"
	again, err := r.Push(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	recs, err := r.Pull(ctx, entity.KindQuestion)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	e, err := recs[0].Decode(entity.SurfacePrimary)
	require.NoError(t, err)
	assert.Equal(t, "hash map", e.(*entity.Question).Answer)
	assert.Equal(t, []string{"arrays"}, e.(*entity.Question).Tags)
}

func TestDeleteIsIdempotent(t *testing.T) {
	r, _ := testRemote(t)
	ctx := context.Background()

	q := &entity.Question{Category: entity.CategoryOther, Prompt: "Why us?"}
	ref, err := r.Push(ctx, q)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, entity.KindQuestion, ref))
	require.NoError(t, r.Delete(ctx, entity.KindQuestion, ref))

	recs, err := r.Pull(ctx, entity.KindQuestion)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPull_HandWrittenAndBrokenFiles(t *testing.T) {
	r, root := testRemote(t)
	dir := filepath.Join(root, "question")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	handmade := "---\nkind: question\nfields:\n  category: behavioral\n  prompt: Tell me about a conflict\n---\n# Tell me about a conflict\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conflict.md"), []byte(handmade), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter here"), 0o644))

	recs, err := r.Pull(context.Background(), entity.KindQuestion)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "conflict", recs[0].Ref)
	assert.Empty(t, recs[0].EntityID)
	assert.False(t, recs[0].UpdatedAt.IsZero())
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatch_ExternalChangeTriggers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	root := t.TempDir()
	r, err := New("vault", root,
		WithClock(clock),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := filepath.Join(root, "question")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	const quiet = 50 * time.Millisecond
	var calls atomic.Int32
	go r.Watch(ctx, quiet, func() { calls.Add(1) }) //nolint:errcheck
	time.Sleep(100 * time.Millisecond)

	// Our own push is not an external change.
	_, err = r.Push(ctx, &entity.Question{Category: entity.CategoryOther, Prompt: "Own write"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())

	for i := 0; i < 3; i++ {
		body := []byte("---\nkind: question\nfields:\n  prompt: edited elsewhere\n---\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "external.md"), body, 0o644))
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1), "quiet timer never armed")
	// Let the rest of the burst land on the same timer.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load(), "fired before the quiet window elapsed")

	clock.Advance(quiet)
	eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return calls.Load() >= 1
	}, "expected onChange after external write")

	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
