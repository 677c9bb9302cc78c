package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/ddreview/internal/checkpoint"
	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/notify"
	"github.com/lamim/ddreview/internal/pipeline"
	"github.com/lamim/ddreview/internal/report"
	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSynth returns its drafts in order
type scriptedSynth struct {
	mu     sync.Mutex
	drafts []*report.Draft
}

func (s *scriptedSynth) Draft(ctx context.Context, req report.DraftRequest) (*report.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.drafts[0]
	s.drafts = s.drafts[1:]
	cp := *d
	return &cp, nil
}

func newTestService(t *testing.T, synth report.Synthesizer) *Service {
	t.Helper()
	logger := testLogger()
	files, err := storage.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	collector := metrics.NewCollector(logger)
	feed := notify.NewChangeFeed()
	registry := stage.Default()
	checkpoints := checkpoint.NewManager(files, collector, logger)
	pipelines := pipeline.NewStore(registry, files, checkpoints, feed, collector, logger)
	reports := report.NewStore(files, synth, 4000, collector, logger)
	return New(registry, files, pipelines, checkpoints, reports, feed, notify.DefaultIntervals(), logger)
}

// advanceTo walks the pipeline forward one stage at a time until it reaches target
func advanceTo(t *testing.T, s *Service, projectID string, target models.StageID) *models.Pipeline {
	t.Helper()
	p, err := s.GetProgress(projectID)
	require.NoError(t, err)
	for p.CurrentStage != target {
		from := p.CurrentStage
		p, err = s.Act(projectID, PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
		require.NoError(t, err, "advance from %s", from)
	}
	return p
}

func entityContent() models.CheckpointContent {
	return models.CheckpointContent{
		Type: models.CheckpointEntityConfirmation,
		EntityQuestions: []models.EntityQuestion{
			{ID: "ent_holdco", EntityName: "Acme Holdings Ltd", Question: "How is Acme Holdings related to the target?"},
		},
	}
}

func TestCheckpointGatesAdvance(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.StartReview("proj-1", 12)
	require.NoError(t, err)

	p := advanceTo(t, s, "proj-1", models.StageEntityConfirmation)

	// no checkpoint yet: the gate is closed
	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	cp, err := s.CreateCheckpoint("proj-1", p.RunID, entityContent())
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointAwaitingUserInput, cp.Status)

	p, err = s.GetProgress("proj-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, p.Status, "an open checkpoint pauses the pipeline")

	pending, err := s.GetPendingCheckpoint("proj-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, cp.ID, pending.ID)

	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.RespondToCheckpoint(cp.ID, map[string]models.ItemResponse{})
	assert.ErrorIs(t, err, models.ErrIncompleteResponse)

	out, err := s.RespondToCheckpoint(cp.ID, map[string]models.ItemResponse{
		"ent_holdco": {Relationship: "Holding Company"},
	})
	require.NoError(t, err)
	assert.True(t, out.IsComplete)
	require.NotNil(t, out.Pipeline)
	assert.Equal(t, models.StatusProcessing, out.Pipeline.Status)

	p, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: out.Pipeline.Revision})
	require.NoError(t, err)
	assert.Equal(t, models.StageReadabilityCheck, p.CurrentStage)
	assert.True(t, p.HasCompleted(models.StageEntityConfirmation))
}

func TestCreateCheckpointRejectsWrongStage(t *testing.T) {
	s := newTestService(t, nil)
	p, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)

	_, err = s.CreateCheckpoint("proj-1", p.RunID, entityContent())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.CreateCheckpoint("proj-1", "other-run", entityContent())
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.CreateCheckpoint("proj-1", p.RunID, models.CheckpointContent{Type: "bogus"})
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestAdvanceRejectsSkippedStage(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)
	p := advanceTo(t, s, "proj-1", models.StageClassification)

	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, Stage: models.StagePass1Extract, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	p, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, Stage: models.StageEntityMapping, ExpectedRevision: p.Revision})
	require.NoError(t, err)
	assert.Equal(t, []models.StageID{models.StageDocumentUpload, models.StageClassification}, p.CompletedStages)
}

func TestStaleRevisionRejected(t *testing.T) {
	s := newTestService(t, nil)
	p, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)

	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
	require.NoError(t, err)
	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrStaleWrite)
	assert.Equal(t, models.ClassConcurrency, models.Classify(err))
}

func TestResumeSupersedesOpenCheckpoint(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)
	p := advanceTo(t, s, "proj-1", models.StageEntityConfirmation)

	cp, err := s.CreateCheckpoint("proj-1", p.RunID, entityContent())
	require.NoError(t, err)
	p, err = s.GetProgress("proj-1")
	require.NoError(t, err)

	p, err = s.Act("proj-1", PipelineAction{Action: ActionResumeFrom, Stage: models.StageEntityMapping, ExpectedRevision: p.Revision})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Epoch)
	assert.Equal(t, models.StageEntityMapping, p.CurrentStage)

	old, err := s.GetCheckpoint(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointSkipped, old.Status)

	pending, err := s.GetPendingCheckpoint("proj-1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	// the gate needs a checkpoint from the new epoch
	p = advanceTo(t, s, "proj-1", models.StageEntityConfirmation)
	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	cp2, err := s.CreateCheckpoint("proj-1", p.RunID, entityContent())
	require.NoError(t, err)
	assert.Equal(t, 1, cp2.Epoch)
	out, err := s.SkipCheckpoint(cp2.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointSkipped, out.Status)
	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: out.Pipeline.Revision})
	assert.NoError(t, err)
}

func runToSynthesis(t *testing.T, s *Service, projectID string) *models.Pipeline {
	t.Helper()
	p, err := s.StartReview(projectID, 3)
	require.NoError(t, err)
	for _, gate := range []struct {
		stage   models.StageID
		content models.CheckpointContent
	}{
		{models.StageEntityConfirmation, entityContent()},
		{models.StageMissingDocsCheck, models.CheckpointContent{Type: models.CheckpointMissingDocs, MissingDocuments: []models.MissingDocument{{ID: "doc_tax", DocumentType: "Tax return"}}}},
		{models.StagePostAnalysis, models.CheckpointContent{Type: models.CheckpointPostAnalysis, PreliminarySummary: "Summary.", UnderstandingQuestions: []models.UnderstandingQuestion{{ID: "q1", Question: "Debt free?"}}}},
	} {
		p = advanceTo(t, s, projectID, gate.stage)
		cp, err := s.CreateCheckpoint(projectID, p.RunID, gate.content)
		require.NoError(t, err)
		_, err = s.SkipCheckpoint(cp.ID, "not needed in test")
		require.NoError(t, err)
	}
	return advanceTo(t, s, projectID, models.StageSynthesis)
}

func TestRecordSynthesisAndRefinement(t *testing.T) {
	synth := &scriptedSynth{drafts: []*report.Draft{
		{Section: "summary", ChangeType: models.ChangeModify, ProposedText: "Acme is solvent and debt free.", Reasoning: "tighter"},
	}}
	s := newTestService(t, synth)
	p := runToSynthesis(t, s, "proj-1")
	seqBefore := p.ChangeSeq

	content := models.ReportContent{Title: "Acme", Sections: []models.ReportSection{
		{Key: "summary", Title: "Summary", Text: "Acme is solvent."},
		{Key: "risks", Title: "Risks", Text: "Litigation."},
	}}
	out, err := s.RecordSynthesis(p.RunID, content, "")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Version.Version)
	assert.True(t, out.Version.IsCurrent)
	assert.Equal(t, models.StatusCompleted, out.Pipeline.Status)
	assert.Equal(t, models.StageCompleted, out.Pipeline.CurrentStage)
	assert.Zero(t, s.PollInterval(out.Pipeline))

	// repeating the signal after completion is rejected
	_, err = s.RecordSynthesis(p.RunID, content, "")
	assert.ErrorIs(t, err, models.ErrTerminalState)

	prop, err := s.ProposeRefinement(context.Background(), p.RunID, "tighten the summary")
	require.NoError(t, err)
	assert.Equal(t, 1, prop.CurrentVersion)

	res, err := s.MergeRefinement(p.RunID, report.MergeRequest{ProposalID: prop.Proposal.ProposalID, Action: models.MergeActionMerge})
	require.NoError(t, err)
	require.NotNil(t, res.Version)
	assert.Equal(t, 2, *res.Version)

	_, err = s.MergeRefinement(p.RunID, report.MergeRequest{ProposalID: prop.Proposal.ProposalID, Action: models.MergeActionMerge})
	assert.ErrorIs(t, err, models.ErrProposalResolved)

	list, err := s.ListVersions(p.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, list.TotalVersions)
	current := 0
	for _, v := range list.Versions {
		if v.IsCurrent {
			current++
			assert.Equal(t, 2, v.Version)
		}
	}
	assert.Equal(t, 1, current)

	v, err := s.GetVersion(p.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)

	cmp, err := s.CompareVersions(p.RunID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, cmp.TotalChanges)

	progress, err := s.GetProgress("proj-1")
	require.NoError(t, err)
	assert.Greater(t, progress.ChangeSeq, seqBefore, "version changes bump the project's change counter")
}

func TestRecordSynthesisRequiresSynthesisStage(t *testing.T) {
	s := newTestService(t, nil)
	p, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)
	_, err = s.RecordSynthesis(p.RunID, models.ReportContent{Sections: []models.ReportSection{{Key: "a", Text: "b"}}}, "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.RecordSynthesis("unknown-run", models.ReportContent{}, "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestProposeWithoutSynthesizer(t *testing.T) {
	s := newTestService(t, nil)
	p := runToSynthesis(t, s, "proj-1")
	_, err := s.RecordSynthesis(p.RunID, models.ReportContent{Sections: []models.ReportSection{{Key: "summary", Text: "x"}}}, "")
	require.NoError(t, err)

	_, err = s.ProposeRefinement(context.Background(), p.RunID, "anything")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestWaitForChange(t *testing.T) {
	s := newTestService(t, nil)
	p, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)

	done := make(chan *models.Pipeline, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err := s.WaitForChange(ctx, "proj-1", p.ChangeSeq)
		assert.NoError(t, err)
		done <- got
	}()
	time.Sleep(20 * time.Millisecond)
	_, err = s.Act("proj-1", PipelineAction{Action: ActionPause})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, models.StatusPaused, got.Status)
		assert.Equal(t, 10*time.Second, s.PollInterval(got))
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken")
	}

	// a timeout returns the unchanged snapshot
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	cur, err := s.GetProgress("proj-1")
	require.NoError(t, err)
	got, err := s.WaitForChange(ctx, "proj-1", cur.ChangeSeq)
	require.NoError(t, err)
	assert.Equal(t, cur.Revision, got.Revision)
}

func TestActValidation(t *testing.T) {
	s := newTestService(t, nil)
	p, err := s.StartReview("proj-1", 3)
	require.NoError(t, err)

	_, err = s.Act("proj-1", PipelineAction{Action: "explode", ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = s.Act("proj-1", PipelineAction{Action: ActionResumeFrom, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = s.Act("missing", PipelineAction{Action: ActionPause})
	assert.ErrorIs(t, err, models.ErrNotFound)

	p, err = s.Act("proj-1", PipelineAction{Action: ActionMarkComplete})
	require.NoError(t, err)
	again, err := s.Act("proj-1", PipelineAction{Action: ActionMarkComplete})
	require.NoError(t, err)
	assert.Equal(t, p.Revision, again.Revision, "mark_complete is idempotent")

	p, err = s.Act("proj-1", PipelineAction{Action: ActionFail, Reason: "OCR service crashed"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, p.Status)
	_, err = s.Act("proj-1", PipelineAction{Action: ActionAdvance, ExpectedRevision: p.Revision})
	assert.ErrorIs(t, err, models.ErrTerminalState)
}

func TestDeleteProject(t *testing.T) {
	s := newTestService(t, nil)
	p := runToSynthesis(t, s, "proj-1")
	_, err := s.RecordSynthesis(p.RunID, models.ReportContent{Sections: []models.ReportSection{{Key: "summary", Text: "x"}}}, "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject("proj-1"))
	_, err = s.GetProgress("proj-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.ListVersions(p.RunID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// the project id can be reused
	_, err = s.StartReview("proj-1", 1)
	assert.NoError(t, err)
}

func TestOpenFromConfig(t *testing.T) {
	cfg, secrets, err := config.Default()
	require.NoError(t, err)
	cfg.Storage.DataDir = t.TempDir()

	logger := testLogger()
	s, err := Open(cfg, secrets, metrics.NewCollector(logger), logger)
	require.NoError(t, err)

	meta := s.GetStageMetadata()
	assert.Len(t, meta.Stages, 14)
	assert.Len(t, meta.Phases, 3)

	pc := PollerConfig(cfg.Polling)
	assert.Equal(t, 2*time.Second, pc.Intervals.Fast)
	assert.Equal(t, 500*time.Millisecond, pc.BackoffInitial)
}
