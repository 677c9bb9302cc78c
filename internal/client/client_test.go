package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/internal/notify"
	"github.com/lamim/ddreview/internal/orchestrator"
	"github.com/lamim/ddreview/internal/server"
	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/pkg/models"
)

var _ notify.Fetcher = (*Client)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newLiveClient(t *testing.T) *Client {
	t.Helper()
	cfg, secrets, err := config.Default()
	require.NoError(t, err)
	cfg.Storage.DataDir = t.TempDir()

	logger := testLogger()
	svc, err := orchestrator.Open(cfg, secrets, nil, logger)
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(svc, cfg.Server, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, logger, WithBackOff(time.Millisecond, 5*time.Millisecond))
}

func advanceTo(t *testing.T, c *Client, projectID string, target models.StageID) *models.Pipeline {
	t.Helper()
	ctx := context.Background()
	p, err := c.GetProgress(ctx, projectID)
	require.NoError(t, err)
	for p.CurrentStage != target {
		from := p.CurrentStage
		p, err = c.Act(ctx, projectID, orchestrator.PipelineAction{Action: orchestrator.ActionAdvance, ExpectedRevision: p.Revision})
		require.NoError(t, err, "advance from %s", from)
	}
	return p
}

func TestTypedErrorsSurviveTheWire(t *testing.T) {
	c := newLiveClient(t)
	ctx := context.Background()

	_, err := c.GetProgress(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, models.ClassNotFound, models.Classify(err))

	p, err := c.StartReview(ctx, "acme", 3)
	require.NoError(t, err)

	_, err = c.Act(ctx, "acme", orchestrator.PipelineAction{Action: orchestrator.ActionAdvance, ExpectedRevision: p.Revision + 5})
	assert.ErrorIs(t, err, models.ErrStaleWrite)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)

	p = advanceTo(t, c, "acme", models.StageEntityConfirmation)
	cp, err := c.CreateCheckpoint(ctx, "acme", p.RunID, models.CheckpointContent{
		Type:            models.CheckpointEntityConfirmation,
		EntityQuestions: []models.EntityQuestion{{ID: "ent_1", EntityName: "Acme Holdings", Question: "Relationship?"}},
	})
	require.NoError(t, err)

	_, interval, err := c.Progress(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, interval)

	_, err = c.RespondToCheckpoint(ctx, cp.ID, nil)
	var incomplete *models.IncompleteResponseError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []string{"ent_1"}, incomplete.Missing)

	out, err := c.SkipCheckpoint(ctx, cp.ID, "confirmed offline")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointSkipped, out.Status)

	pending, err := c.GetPendingCheckpoint(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestSynthesisAndVersions(t *testing.T) {
	c := newLiveClient(t)
	ctx := context.Background()

	p, err := c.StartReview(ctx, "acme", 1)
	require.NoError(t, err)
	for _, gate := range []struct {
		stage   models.StageID
		content models.CheckpointContent
	}{
		{models.StageEntityConfirmation, models.CheckpointContent{Type: models.CheckpointEntityConfirmation, EntityQuestions: []models.EntityQuestion{{ID: "e1", EntityName: "Acme", Question: "?"}}}},
		{models.StageMissingDocsCheck, models.CheckpointContent{Type: models.CheckpointMissingDocs, MissingDocuments: []models.MissingDocument{{ID: "d1", DocumentType: "Tax return"}}}},
		{models.StagePostAnalysis, models.CheckpointContent{Type: models.CheckpointPostAnalysis, PreliminarySummary: "Fine.", UnderstandingQuestions: []models.UnderstandingQuestion{{ID: "q1", Question: "?"}}}},
	} {
		p = advanceTo(t, c, "acme", gate.stage)
		cp, err := c.CreateCheckpoint(ctx, "acme", p.RunID, gate.content)
		require.NoError(t, err)
		_, err = c.SkipCheckpoint(ctx, cp.ID, "")
		require.NoError(t, err)
	}
	p = advanceTo(t, c, "acme", models.StageSynthesis)

	out, err := c.RecordSynthesis(ctx, p.RunID, models.ReportContent{Sections: []models.ReportSection{
		{Key: "summary", Title: "Summary", Text: "Acme is solvent."},
	}}, "synthesizer")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Pipeline.Status)

	list, err := c.ListVersions(ctx, p.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalVersions)

	current, err := c.GetVersion(ctx, p.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Version)

	_, err = c.GetVersion(ctx, p.RunID, 7)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.ProposeRefinement(ctx, p.RunID, "tighten the summary")
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "synthesis is disabled by default")

	require.NoError(t, c.DeleteProject(ctx, "acme"))
	_, err = c.ListVersions(ctx, p.RunID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"synthesis unavailable","class":"transient"}`))
			return
		}
		_, _ = w.Write([]byte(`{"stages":[],"phases":[]}`))
	}))
	defer ts.Close()

	c := New(ts.URL, testLogger(), WithBackOff(time.Millisecond, 2*time.Millisecond))
	_, err := c.Stages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(ts.URL, testLogger(), WithBackOff(time.Millisecond, 2*time.Millisecond), WithMaxRetries(2))
	_, err := c.Stages(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.ClassTransient, models.Classify(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid transition: nope","code":"invalid_transition","class":"validation"}`))
	}))
	defer ts.Close()

	c := New(ts.URL, testLogger(), WithBackOff(time.Millisecond, 2*time.Millisecond))
	_, err := c.Act(context.Background(), "acme", orchestrator.PipelineAction{Action: "advance"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMutationNotRetriedWithoutResponse(t *testing.T) {
	c := New("http://127.0.0.1:1", testLogger(), WithBackOff(time.Millisecond, 2*time.Millisecond))
	_, err := c.Act(context.Background(), "acme", orchestrator.PipelineAction{Action: "pause"})
	var te *TransportError
	assert.True(t, errors.As(err, &te))
}

func TestPollerOverHTTP(t *testing.T) {
	c := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.StartReview(ctx, "acme", 2)
	require.NoError(t, err)

	poller := notify.NewPoller(c, "acme", stage.Default(), notify.PollerConfig{
		Intervals: notify.Intervals{Fast: 10 * time.Millisecond, Normal: 10 * time.Millisecond, Slow: 10 * time.Millisecond},
	}, testLogger())
	updates := make(chan notify.Update, 4)
	go func() { _ = poller.Run(ctx, updates) }()

	first := <-updates
	require.NoError(t, first.Err)
	assert.Equal(t, models.StageDocumentUpload, first.Pipeline.CurrentStage)

	_, err = c.Act(ctx, "acme", orchestrator.PipelineAction{Action: orchestrator.ActionCancel, ExpectedRevision: first.Pipeline.Revision})
	require.NoError(t, err)

	for {
		select {
		case u := <-updates:
			if u.Err == nil && u.Pipeline.Status == models.StatusFailed {
				assert.True(t, u.Pipeline.Cancelled)
				assert.Zero(t, u.Interval)
				return
			}
		case <-ctx.Done():
			t.Fatal("poller never observed the cancellation")
		}
	}
}
