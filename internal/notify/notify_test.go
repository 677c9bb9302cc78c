package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/pkg/models"
)

func TestPollInterval(t *testing.T) {
	iv := DefaultIntervals()
	tests := []struct {
		name   string
		status models.PipelineStatus
		phase  models.Phase
		want   time.Duration
	}{
		{"pending pre-processing", models.StatusPending, models.PhasePreProcessing, 2 * time.Second},
		{"processing", models.StatusProcessing, models.PhaseProcessing, 2 * time.Second},
		{"post-processing", models.StatusProcessing, models.PhasePostProcessing, 5 * time.Second},
		{"paused", models.StatusPaused, models.PhaseProcessing, 10 * time.Second},
		{"completed", models.StatusCompleted, models.PhasePostProcessing, 0},
		{"failed", models.StatusFailed, models.PhaseProcessing, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PollInterval(&models.Pipeline{Status: tt.status}, tt.phase, iv)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, iv.Fast, PollInterval(nil, "", iv))
}

func TestChangeFeed(t *testing.T) {
	f := NewChangeFeed()
	assert.Equal(t, uint64(0), f.Current("p1"))
	assert.Equal(t, uint64(1), f.Publish("p1"))
	assert.Equal(t, uint64(2), f.Publish("p1"))
	assert.Equal(t, uint64(1), f.Publish("p2"))

	seq, err := f.Wait(context.Background(), "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq, "already past since, must not block")

	done := make(chan uint64)
	go func() {
		seq, err := f.Wait(context.Background(), "p1", 2)
		assert.NoError(t, err)
		done <- seq
	}()
	time.Sleep(20 * time.Millisecond)
	f.Publish("p2") // other projects do not wake the waiter
	f.Publish("p1")

	select {
	case seq := <-done:
		assert.Equal(t, uint64(3), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx, "p1", 3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "service unavailable" }
func (temporaryError) Temporary() bool { return true }

// scriptedFetcher replays a list of results, repeating the last one
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	p   *models.Pipeline
	err error
}

func (f *scriptedFetcher) GetProgress(ctx context.Context, projectID string) (*models.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.p.Clone(), r.err
}

func pipelineAt(rev int64, status models.PipelineStatus) *models.Pipeline {
	return &models.Pipeline{
		ProjectID:    "p1",
		CurrentStage: models.StagePass1Extract,
		Status:       status,
		Revision:     rev,
	}
}

func fastConfig() PollerConfig {
	return PollerConfig{
		Intervals:         Intervals{Fast: time.Millisecond, Normal: time.Millisecond, Slow: time.Millisecond},
		BackoffInitial:    time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		BackoffMaxElapsed: time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, p *Poller) ([]Update, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates := make(chan Update, 64)
	err := p.Run(ctx, updates)
	close(updates)
	var out []Update
	for u := range updates {
		out = append(out, u)
	}
	return out, err
}

func TestPollerRetainsSnapshotAcrossTransientFailures(t *testing.T) {
	fetch := &scriptedFetcher{results: []fetchResult{
		{p: pipelineAt(1, models.StatusProcessing)},
		{p: pipelineAt(1, models.StatusProcessing)},
		{err: temporaryError{}},
		{err: temporaryError{}},
		{p: pipelineAt(2, models.StatusProcessing)},
		{p: pipelineAt(3, models.StatusCompleted)},
	}}
	p := NewPoller(fetch, "p1", stage.Default(), fastConfig(), testLogger())

	updates, err := collect(t, p)
	require.NoError(t, err)

	// rev1, two stale updates, rev2, rev3; the unchanged repeat of rev1 is suppressed
	require.Len(t, updates, 5)
	assert.Equal(t, int64(1), updates[0].Pipeline.Revision)
	for _, u := range updates[1:3] {
		assert.True(t, u.Stale())
		require.NotNil(t, u.Pipeline, "failed reads must keep the last good snapshot")
		assert.Equal(t, int64(1), u.Pipeline.Revision)
	}
	assert.Equal(t, int64(2), updates[3].Pipeline.Revision)
	assert.Equal(t, models.StatusCompleted, updates[4].Pipeline.Status)
	assert.Zero(t, updates[4].Interval)
	assert.Equal(t, int64(3), p.Last().Revision)
}

func TestPollerStopsOnNotFound(t *testing.T) {
	fetch := &scriptedFetcher{results: []fetchResult{
		{err: fmt.Errorf("get progress: %w", models.ErrNotFound)},
	}}
	p := NewPoller(fetch, "p1", stage.Default(), fastConfig(), testLogger())

	_, err := collect(t, p)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 1, fetch.calls)
}

func TestPollerGivesUpAfterMaxElapsed(t *testing.T) {
	fetch := &scriptedFetcher{results: []fetchResult{
		{err: temporaryError{}},
	}}
	cfg := fastConfig()
	cfg.BackoffMaxElapsed = 30 * time.Millisecond
	p := NewPoller(fetch, "p1", stage.Default(), cfg, testLogger())

	updates, err := collect(t, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, temporaryError{}))
	assert.NotEmpty(t, updates)
	for _, u := range updates {
		assert.Nil(t, u.Pipeline, "no snapshot was ever read")
	}
}

func TestPollerHonoursCancellation(t *testing.T) {
	fetch := &scriptedFetcher{results: []fetchResult{
		{p: pipelineAt(1, models.StatusProcessing)},
	}}
	p := NewPoller(fetch, "p1", stage.Default(), DefaultPollerConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan Update, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, updates) }()

	<-updates
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}
