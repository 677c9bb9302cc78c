package report

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

type fakeSynth struct {
	mu     sync.Mutex
	drafts []*Draft
	err    error
	calls  int
	hook   func()
}

func (f *fakeSynth) Draft(ctx context.Context, req DraftRequest) (*Draft, error) {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	var d *Draft
	if len(f.drafts) > 0 {
		d = f.drafts[0]
		f.drafts = f.drafts[1:]
	}
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.New("no draft queued")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeSynth) queue(d ...*Draft) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, d...)
}

func newTestStore(t *testing.T, dir string, synth Synthesizer) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	files, err := storage.NewFileStore(dir, logger)
	require.NoError(t, err)
	return NewStore(files, synth, 200, metrics.NewCollector(logger), logger)
}

func initialContent() models.ReportContent {
	return models.ReportContent{
		Title: "Project Falcon",
		Sections: []models.ReportSection{
			{Key: "executive_summary", Title: "Executive Summary", Text: "The target is profitable.\nDebt is moderate."},
			{Key: "risks", Title: "Key Risks", Text: "Customer concentration [F-12]."},
		},
	}
}

func modifyDraft(text string) *Draft {
	return &Draft{
		Section:          "executive_summary",
		ChangeType:       models.ChangeModify,
		ProposedText:     text,
		Reasoning:        "tightened wording",
		AffectedFindings: []string{"F-12", "F-14"},
	}
}

// mergeTo proposes and merges until the run reaches version n
func mergeTo(t *testing.T, s *Store, synth *fakeSynth, runID string, n int) {
	t.Helper()
	for {
		cur, err := s.Current(runID)
		require.NoError(t, err)
		if cur.Version >= n {
			return
		}
		synth.queue(modifyDraft(cur.Content.Sections[0].Text + "\nRevision."))
		res, err := s.Propose(context.Background(), runID, "revise")
		require.NoError(t, err)
		_, err = s.Merge(runID, MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge})
		require.NoError(t, err)
	}
}

func currentCount(t *testing.T, s *Store, runID string) int {
	t.Helper()
	list, err := s.List(runID)
	require.NoError(t, err)
	n := 0
	for _, v := range list {
		if v.IsCurrent {
			n++
		}
	}
	return n
}

func TestCreateInitial(t *testing.T) {
	s := newTestStore(t, t.TempDir(), nil)

	v, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.True(t, v.IsCurrent)
	assert.Nil(t, v.RefinementPrompt)
	assert.Equal(t, "synthesis", v.CreatedBy)
	assert.Len(t, v.Changes, 2)
	for _, c := range v.Changes {
		assert.Equal(t, models.ChangeAdd, c.ChangeType)
	}

	_, err = s.CreateInitial("run-1", initialContent(), "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = s.CreateInitial("run-2", models.ReportContent{}, "")
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestProposeAndMergeCreatesNextVersion(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)
	mergeTo(t, s, synth, "run-1", 3)

	synth.queue(modifyDraft("The target is profitable with moderate debt."))
	res, err := s.Propose(context.Background(), "run-1", "tighten section X")
	require.NoError(t, err)
	assert.Equal(t, 3, res.CurrentVersion)
	assert.Equal(t, 3, res.Proposal.BaseVersion)
	assert.Equal(t, "tighten section X", res.Proposal.UserPrompt)
	assert.NotEmpty(t, res.Proposal.CurrentText)

	merged, err := s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge, ExpectedVersion: 3})
	require.NoError(t, err)
	require.NotNil(t, merged.Version)
	assert.Equal(t, 4, *merged.Version)
	assert.True(t, *merged.IsCurrent)

	v3, err := s.Get("run-1", 3)
	require.NoError(t, err)
	assert.False(t, v3.IsCurrent)

	v4, err := s.Get("run-1", 4)
	require.NoError(t, err)
	assert.True(t, v4.IsCurrent)
	require.NotNil(t, v4.RefinementPrompt)
	assert.Equal(t, "tighten section X", *v4.RefinementPrompt)
	require.Len(t, v4.Changes, 1)
	assert.Equal(t, models.ChangeModify, v4.Changes[0].ChangeType)
	assert.Contains(t, v4.Changes[0].UnifiedDiff, "+The target is profitable with moderate debt.")

	assert.Equal(t, 1, currentCount(t, s, "run-1"))
}

func TestProposalExclusivity(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(modifyDraft("First rewrite."))
	res, err := s.Propose(context.Background(), "run-1", "rewrite")
	require.NoError(t, err)

	_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge})
	require.NoError(t, err)

	for _, action := range []models.MergeAction{models.MergeActionMerge, models.MergeActionEdit, models.MergeActionDiscard} {
		_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: action, EditedText: "x"})
		assert.ErrorIs(t, err, models.ErrProposalResolved, "action %s", action)
	}

	list, err := s.List("run-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestConcurrentMergeCommitsOnce(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(modifyDraft("Concurrent rewrite."))
	res, err := s.Propose(context.Background(), "run-1", "rewrite")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrProposalResolved)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	cur, err := s.Current("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, 1, currentCount(t, s, "run-1"))
}

func TestDiscardCreatesNoVersion(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(modifyDraft("Discard me."))
	res, err := s.Propose(context.Background(), "run-1", "rewrite")
	require.NoError(t, err)

	out, err := s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionDiscard})
	require.NoError(t, err)
	assert.Equal(t, "discarded", out.Status)
	assert.Nil(t, out.Version)

	cur, err := s.Current("run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)

	_, state, err := s.Proposal("run-1", res.Proposal.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalDiscarded, state)
}

func TestNewProposalSupersedesActive(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(modifyDraft("Older."), modifyDraft("Newer."))
	first, err := s.Propose(context.Background(), "run-1", "one")
	require.NoError(t, err)
	second, err := s.Propose(context.Background(), "run-1", "two")
	require.NoError(t, err)

	_, err = s.Merge("run-1", MergeRequest{ProposalID: first.Proposal.ProposalID, Action: models.MergeActionMerge})
	assert.ErrorIs(t, err, models.ErrProposalResolved)

	_, state, err := s.Proposal("run-1", first.Proposal.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalSuperseded, state)

	_, err = s.Merge("run-1", MergeRequest{ProposalID: second.Proposal.ProposalID, Action: models.MergeActionMerge})
	assert.NoError(t, err)
}

func TestEditMergePrunesFindings(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(&Draft{
		Section:          "risks",
		ChangeType:       models.ChangeModify,
		ProposedText:     "Customer concentration [F-12]. Key-person risk [F-14].",
		AffectedFindings: []string{"F-12", "F-14"},
	})
	res, err := s.Propose(context.Background(), "run-1", "add key person risk")
	require.NoError(t, err)

	_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionEdit})
	assert.ErrorIs(t, err, models.ErrInvalidResponse, "edit without text")

	out, err := s.Merge("run-1", MergeRequest{
		ProposalID: res.Proposal.ProposalID,
		Action:     models.MergeActionEdit,
		EditedText: "Key-person risk [F-14].",
	})
	require.NoError(t, err)

	v, err := s.Get("run-1", *out.Version)
	require.NoError(t, err)
	assert.Equal(t, []string{"F-14"}, v.AffectedFindings)
	sec, ok := v.Content.Section("risks")
	require.True(t, ok)
	assert.Equal(t, "Key-person risk [F-14].", sec.Text)
}

func TestProposeStaleWhileDrafting(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(modifyDraft("Pending rewrite."))
	pending, err := s.Propose(context.Background(), "run-1", "one")
	require.NoError(t, err)

	// another client merges while the next draft is being produced
	synth.queue(modifyDraft("Late rewrite."))
	synth.hook = func() {
		synth.hook = nil
		_, err := s.Merge("run-1", MergeRequest{ProposalID: pending.Proposal.ProposalID, Action: models.MergeActionMerge})
		assert.NoError(t, err)
	}
	_, err = s.Propose(context.Background(), "run-1", "two")
	assert.ErrorIs(t, err, models.ErrStaleWrite)
}

func TestMergeExpectedVersionMismatch(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(modifyDraft("Rewrite."))
	res, err := s.Propose(context.Background(), "run-1", "one")
	require.NoError(t, err)

	_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge, ExpectedVersion: 7})
	assert.ErrorIs(t, err, models.ErrStaleWrite)

	// the failed merge left the proposal resolvable
	_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge, ExpectedVersion: 1})
	assert.NoError(t, err)
}

func TestProposeValidation(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	_, err = s.Propose(context.Background(), "run-1", "   ")
	assert.ErrorIs(t, err, models.ErrInvalidResponse)

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.Propose(context.Background(), "run-1", string(long))
	assert.ErrorIs(t, err, models.ErrInvalidResponse)

	synth.queue(&Draft{Section: "appendix", ChangeType: models.ChangeModify, ProposedText: "x"})
	_, err = s.Propose(context.Background(), "run-1", "edit appendix")
	assert.ErrorIs(t, err, models.ErrInvalidResponse, "modify of a missing section")

	synth.err = errors.New("upstream unavailable")
	_, err = s.Propose(context.Background(), "run-1", "anything")
	assert.Error(t, err)

	_, err = s.Propose(context.Background(), "run-missing", "anything")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAddAndRemoveSections(t *testing.T) {
	synth := &fakeSynth{}
	s := newTestStore(t, t.TempDir(), synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	synth.queue(&Draft{Section: "recommendation", Title: "Recommendation", ChangeType: models.ChangeAdd, ProposedText: "Proceed."})
	res, err := s.Propose(context.Background(), "run-1", "add recommendation")
	require.NoError(t, err)
	_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge})
	require.NoError(t, err)

	synth.queue(&Draft{Section: "risks", ChangeType: models.ChangeRemove})
	res, err = s.Propose(context.Background(), "run-1", "drop risks")
	require.NoError(t, err)
	_, err = s.Merge("run-1", MergeRequest{ProposalID: res.Proposal.ProposalID, Action: models.MergeActionMerge})
	require.NoError(t, err)

	cmp, err := s.Compare("run-1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, cmp.TotalChanges)
	kinds := map[string]models.ChangeType{}
	for _, d := range cmp.Diffs {
		kinds[d.Section] = d.ChangeType
	}
	assert.Equal(t, models.ChangeAdd, kinds["recommendation"])
	assert.Equal(t, models.ChangeRemove, kinds["risks"])

	// comparing works in either direction and on historical versions
	back, err := s.Compare("run-1", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, back.TotalChanges)
	same, err := s.Compare("run-1", 2, 2)
	require.NoError(t, err)
	assert.Zero(t, same.TotalChanges)

	_, err = s.Compare("run-1", 1, 9)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestVersionsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{}
	s := newTestStore(t, dir, synth)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)
	mergeTo(t, s, synth, "run-1", 3)

	restarted := newTestStore(t, dir, synth)
	list, err := restarted.List("run-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[2].IsCurrent)
	assert.False(t, list[0].IsCurrent)
	assert.Equal(t, 1, currentCount(t, restarted, "run-1"))
}

func TestReturnedVersionIsACopy(t *testing.T) {
	s := newTestStore(t, t.TempDir(), nil)
	v, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)
	v.Content.Sections[0].Text = "tampered"

	got, err := s.Get("run-1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", got.Content.Sections[0].Text)
}

func TestDeleteArchivesRun(t *testing.T) {
	s := newTestStore(t, t.TempDir(), nil)
	_, err := s.CreateInitial("run-1", initialContent(), "")
	require.NoError(t, err)

	require.NoError(t, s.Delete("run-1"))
	_, err = s.Current("run-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
