package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lamim/ddreview/internal/reconcile"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

// Propose asks the synthesizer for one change against the current version and
// records it as the run's active proposal, superseding any earlier one.
// The synthesizer runs outside the run lock; if the current version moved in
// the meantime the proposal is rejected as stale.
func (s *Store) Propose(ctx context.Context, runID, prompt string) (*models.ProposeResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: refinement prompt is required", models.ErrInvalidResponse)
	}
	if utf8.RuneCountInString(prompt) > s.maxPromptLength {
		return nil, fmt.Errorf("%w: refinement prompt exceeds %d characters", models.ErrInvalidResponse, s.maxPromptLength)
	}
	if s.synth == nil {
		return nil, fmt.Errorf("%w: refinement synthesis is not configured", models.ErrInvalidTransition)
	}

	current, err := s.Current(runID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	draft, err := s.synth.Draft(ctx, DraftRequest{
		RunID:   runID,
		Version: current.Version,
		Content: current.Content.Clone(),
		Prompt:  prompt,
	})
	s.metrics.RecordSynthesisRequest(time.Since(start))
	if err != nil {
		s.metrics.RecordRefinement("failed")
		s.logger.Warn("Refinement draft failed", "run_id", runID, "error", err)
		return nil, fmt.Errorf("failed to draft refinement: %w", err)
	}
	if err := validateDraft(current.Content, draft); err != nil {
		s.metrics.RecordRefinement("failed")
		return nil, err
	}

	currentText := ""
	if sec, ok := current.Content.Section(draft.Section); ok {
		currentText = sec.Text
	}
	record := &proposalRecord{
		RefinementProposal: models.RefinementProposal{
			ProposalID:       uuid.New().String(),
			RunID:            runID,
			BaseVersion:      current.Version,
			Section:          draft.Section,
			ChangeType:       draft.ChangeType,
			CurrentText:      currentText,
			ProposedText:     draft.ProposedText,
			Reasoning:        draft.Reasoning,
			AffectedFindings: append([]string{}, draft.AffectedFindings...),
			UserPrompt:       prompt,
			ProposedAt:       s.now(),
		},
		Title: draft.Title,
		State: models.ProposalActive,
	}

	unlock := s.locks.Lock(runID)
	defer unlock()

	h, err := s.loadHead(runID)
	if err != nil {
		return nil, err
	}
	if h.Current != current.Version {
		s.metrics.RecordStaleWrite("report")
		return nil, fmt.Errorf("%w: version %d became current while drafting against %d", models.ErrStaleWrite, h.Current, current.Version)
	}

	if err := s.files.WriteJSON(proposalPath(runID, record.ProposalID), record); err != nil {
		return nil, fmt.Errorf("failed to persist proposal: %w", err)
	}
	previous := h.ActiveProposal
	next := *h
	next.ActiveProposal = record.ProposalID
	next.UpdatedAt = s.now()
	if err := s.commitHead(&next); err != nil {
		return nil, err
	}
	if previous != "" {
		s.markSuperseded(runID, previous)
	}

	s.metrics.RecordRefinement("proposed")
	s.logger.Info("Refinement proposed",
		"run_id", runID,
		"proposal_id", record.ProposalID,
		"section", record.Section,
		"change_type", record.ChangeType,
		"base_version", record.BaseVersion)
	return &models.ProposeResult{Proposal: record.RefinementProposal, CurrentVersion: current.Version}, nil
}

func validateDraft(content models.ReportContent, d *Draft) error {
	if d == nil {
		return fmt.Errorf("%w: synthesizer returned no draft", models.ErrInvalidResponse)
	}
	d.Section = strings.TrimSpace(d.Section)
	if d.Section == "" {
		return fmt.Errorf("%w: draft names no section", models.ErrInvalidResponse)
	}
	if !d.ChangeType.Valid() {
		return fmt.Errorf("%w: draft change type %q", models.ErrInvalidResponse, d.ChangeType)
	}
	if d.ChangeType != models.ChangeRemove && strings.TrimSpace(d.ProposedText) == "" {
		return fmt.Errorf("%w: draft has no proposed text", models.ErrInvalidResponse)
	}
	_, err := apply(content, d.Section, d.ChangeType, d.Title, d.ProposedText)
	return err
}

// markSuperseded records that a proposal can no longer be resolved. The head
// already no longer points at it, so a failure here is only logged.
func (s *Store) markSuperseded(runID, proposalID string) {
	var rec proposalRecord
	if err := s.files.ReadJSON(proposalPath(runID, proposalID), &rec); err != nil {
		s.logger.Warn("Failed to load superseded proposal", "proposal_id", proposalID, "error", err)
		return
	}
	if rec.State != models.ProposalActive {
		return
	}
	now := s.now()
	rec.State = models.ProposalSuperseded
	rec.ResolvedAt = &now
	if err := s.files.WriteJSON(proposalPath(runID, proposalID), &rec); err != nil {
		s.logger.Warn("Failed to mark proposal superseded", "proposal_id", proposalID, "error", err)
	}
}

// Proposal returns a proposal and its resolution state
func (s *Store) Proposal(runID, proposalID string) (*models.RefinementProposal, models.ProposalState, error) {
	rec, err := s.loadProposal(runID, proposalID)
	if err != nil {
		return nil, "", err
	}
	h, err := s.loadHead(runID)
	if err != nil {
		return nil, "", err
	}
	state := rec.State
	if state == models.ProposalActive && h.ActiveProposal != proposalID {
		state = models.ProposalSuperseded
	}
	p := rec.RefinementProposal
	p.AffectedFindings = append([]string{}, rec.AffectedFindings...)
	return &p, state, nil
}

func (s *Store) loadProposal(runID, proposalID string) (*proposalRecord, error) {
	if err := storage.ValidateKey("run", runID); err != nil {
		return nil, err
	}
	if err := storage.ValidateKey("proposal", proposalID); err != nil {
		return nil, err
	}
	var rec proposalRecord
	if err := s.files.ReadJSON(proposalPath(runID, proposalID), &rec); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: proposal %s", models.ErrNotFound, proposalID)
		}
		return nil, err
	}
	return &rec, nil
}

// Merge resolves the run's active proposal. discard consumes it without a new
// version; merge and edit commit a new current version. The head document is
// the single commit point, so a failed merge leaves the version set untouched.
func (s *Store) Merge(runID string, req MergeRequest) (*models.MergeResult, error) {
	switch req.Action {
	case models.MergeActionMerge, models.MergeActionEdit, models.MergeActionDiscard:
	default:
		return nil, fmt.Errorf("%w: unknown merge action %q", models.ErrInvalidResponse, req.Action)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "user"
	}

	unlock := s.locks.Lock(runID)
	defer unlock()

	rec, err := s.loadProposal(runID, req.ProposalID)
	if err != nil {
		return nil, err
	}
	h, err := s.loadHead(runID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.ProposalActive || h.ActiveProposal != req.ProposalID {
		s.metrics.RecordRefinement("rejected")
		state := rec.State
		if state == models.ProposalActive {
			state = models.ProposalSuperseded
		}
		return nil, fmt.Errorf("%w: proposal %s is %s", models.ErrProposalResolved, req.ProposalID, state)
	}

	if req.Action == models.MergeActionDiscard {
		next := *h
		next.ActiveProposal = ""
		next.UpdatedAt = s.now()
		if err := s.commitHead(&next); err != nil {
			return nil, err
		}
		s.finishProposal(rec, models.ProposalDiscarded, 0)
		s.metrics.RecordRefinement("discarded")
		s.logger.Info("Refinement discarded", "run_id", runID, "proposal_id", req.ProposalID)
		return &models.MergeResult{Status: string(models.ProposalDiscarded), Message: "proposal discarded"}, nil
	}

	if req.ExpectedVersion != 0 && req.ExpectedVersion != h.Current {
		s.metrics.RecordStaleWrite("report")
		return nil, fmt.Errorf("%w: current version is %d, caller presented %d", models.ErrStaleWrite, h.Current, req.ExpectedVersion)
	}
	if rec.BaseVersion != h.Current {
		s.metrics.RecordStaleWrite("report")
		return nil, fmt.Errorf("%w: proposal was made against version %d, current is %d", models.ErrStaleWrite, rec.BaseVersion, h.Current)
	}

	text := rec.ProposedText
	findings := append([]string{}, rec.AffectedFindings...)
	outcome := "merged"
	if req.Action == models.MergeActionEdit {
		if rec.ChangeType == models.ChangeRemove {
			return nil, fmt.Errorf("%w: a removal cannot be edited", models.ErrInvalidResponse)
		}
		if strings.TrimSpace(req.EditedText) == "" {
			return nil, fmt.Errorf("%w: edited text is required", models.ErrInvalidResponse)
		}
		text = req.EditedText
		findings = reconcile.RetainedFindings(text, rec.AffectedFindings)
		outcome = "edited"
	}

	base, err := s.loadVersion(runID, h.Current)
	if err != nil {
		return nil, err
	}
	content, err := apply(base.Content, rec.Section, rec.ChangeType, rec.Title, text)
	if err != nil {
		return nil, err
	}

	prompt := rec.UserPrompt
	v := &models.ReportVersion{
		VersionID:        uuid.New().String(),
		RunID:            runID,
		Version:          h.Current + 1,
		Content:          content,
		Changes:          Diff(base.Content, content),
		RefinementPrompt: &prompt,
		ProposalID:       rec.ProposalID,
		AffectedFindings: findings,
		CreatedAt:        s.now(),
		CreatedBy:        req.CreatedBy,
	}
	if err := s.writeVersion(v); err != nil {
		s.logger.Error("Failed to write report version", "run_id", runID, "version", v.Version, "error", err)
		return nil, err
	}
	next := &head{RunID: runID, Current: v.Version, UpdatedAt: v.CreatedAt}
	if err := s.commitHead(next); err != nil {
		s.logger.Error("Failed to commit report head", "run_id", runID, "version", v.Version, "error", err)
		return nil, err
	}
	s.cacheVersion(v)
	s.finishProposal(rec, models.ProposalMerged, v.Version)

	s.metrics.RecordRefinement(outcome)
	s.logger.Info("Refinement merged",
		"run_id", runID,
		"proposal_id", rec.ProposalID,
		"action", req.Action,
		"version", v.Version)

	version := v.Version
	isCurrent := true
	return &models.MergeResult{
		Version:   &version,
		IsCurrent: &isCurrent,
		Status:    string(models.ProposalMerged),
		Message:   fmt.Sprintf("version %d is now current", version),
	}, nil
}

// finishProposal records the resolution on the proposal document. The head
// commit already made the resolution final.
func (s *Store) finishProposal(rec *proposalRecord, state models.ProposalState, version int) {
	now := s.now()
	rec.State = state
	rec.ResolvedVersion = version
	rec.ResolvedAt = &now
	if err := s.files.WriteJSON(proposalPath(rec.RunID, rec.ProposalID), rec); err != nil {
		s.logger.Warn("Failed to record proposal resolution", "proposal_id", rec.ProposalID, "error", err)
	}
}
