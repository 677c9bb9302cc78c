// Package orchestrator composes the stage registry, pipeline store, checkpoint
// manager and report store into the review service every transport calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lamim/ddreview/internal/checkpoint"
	"github.com/lamim/ddreview/internal/notify"
	"github.com/lamim/ddreview/internal/pipeline"
	"github.com/lamim/ddreview/internal/report"
	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

// Pipeline actions accepted by Act
const (
	ActionAdvance      = "advance"
	ActionMarkComplete = "mark_complete"
	ActionResumeFrom   = "resume_from"
	ActionPause        = "pause"
	ActionUnpause      = "unpause"
	ActionCancel       = "cancel"
	ActionFail         = "fail"
)

// PipelineAction is an AdvanceOrResume request
type PipelineAction struct {
	Action           string         `json:"action"`
	Stage            models.StageID `json:"stage,omitempty"`
	ExpectedRevision int64          `json:"expected_revision"`
	Reason           string         `json:"reason,omitempty"` // fail only
}

// StageMetadata is the static catalogue
type StageMetadata struct {
	Stages []models.Stage     `json:"stages"`
	Phases []models.PhaseInfo `json:"phases"`
}

// CheckpointOutcome is returned by respond and skip
type CheckpointOutcome struct {
	models.CheckpointResult
	Checkpoint *models.Checkpoint `json:"checkpoint"`
	Pipeline   *models.Pipeline   `json:"pipeline,omitempty"`
}

// RegenerateOutcome is returned by summary regeneration
type RegenerateOutcome struct {
	models.RegenerateResult
	Checkpoint *models.Checkpoint `json:"checkpoint"`
}

// VersionList is returned by ListVersions
type VersionList struct {
	TotalVersions int                           `json:"total_versions"`
	Versions      []models.ReportVersionSummary `json:"versions"`
}

// SynthesisOutcome is returned by RecordSynthesis
type SynthesisOutcome struct {
	Version  *models.ReportVersion `json:"version"`
	Pipeline *models.Pipeline      `json:"pipeline"`
}

// runIndex maps a run back to its project
type runIndex struct {
	ProjectID string `json:"project_id"`
}

func runIndexPath(runID string) string {
	return "index/runs/" + runID + ".json"
}

// Service is the transport-agnostic review API. Every mutation returns the
// updated aggregate.
type Service struct {
	registry    *stage.Registry
	files       *storage.FileStore
	pipelines   *pipeline.Store
	checkpoints *checkpoint.Manager
	reports     *report.Store
	feed        *notify.ChangeFeed
	intervals   notify.Intervals
	logger      *slog.Logger
}

// New creates a service over already constructed components
func New(
	registry *stage.Registry,
	files *storage.FileStore,
	pipelines *pipeline.Store,
	checkpoints *checkpoint.Manager,
	reports *report.Store,
	feed *notify.ChangeFeed,
	intervals notify.Intervals,
	logger *slog.Logger,
) *Service {
	return &Service{
		registry:    registry,
		files:       files,
		pipelines:   pipelines,
		checkpoints: checkpoints,
		reports:     reports,
		feed:        feed,
		intervals:   intervals,
		logger:      logger,
	}
}

// Registry returns the stage catalogue
func (s *Service) Registry() *stage.Registry {
	return s.registry
}

// StartReview creates the pipeline for a project
func (s *Service) StartReview(projectID string, totalDocuments int) (*models.Pipeline, error) {
	if totalDocuments < 0 {
		return nil, fmt.Errorf("%w: total_documents must not be negative", models.ErrInvalidTransition)
	}
	p, err := s.pipelines.Start(projectID, totalDocuments)
	if err != nil {
		return nil, err
	}
	if err := s.files.WriteJSON(runIndexPath(p.RunID), runIndex{ProjectID: projectID}); err != nil {
		return nil, fmt.Errorf("failed to index run %s: %w", p.RunID, err)
	}
	return p, nil
}

// GetProgress returns the latest committed pipeline. ChangeSeq reflects every
// change to the project, including checkpoint and version changes.
func (s *Service) GetProgress(projectID string) (*models.Pipeline, error) {
	p, err := s.pipelines.Get(projectID)
	if err != nil {
		return nil, err
	}
	if seq := s.feed.Current(projectID); seq > p.ChangeSeq {
		p.ChangeSeq = seq
	}
	return p, nil
}

// WaitForChange blocks until the project's change counter passes since, then
// returns the fresh pipeline
func (s *Service) WaitForChange(ctx context.Context, projectID string, since uint64) (*models.Pipeline, error) {
	if _, err := s.pipelines.Get(projectID); err != nil {
		return nil, err
	}
	if _, err := s.feed.Wait(ctx, projectID, since); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return s.GetProgress(projectID)
}

// PollInterval returns the cadence a client should poll p at; zero means stop
func (s *Service) PollInterval(p *models.Pipeline) time.Duration {
	if p == nil {
		return s.intervals.Fast
	}
	phase, err := s.registry.PhaseOf(p.CurrentStage)
	if err != nil {
		phase = models.PhaseProcessing
	}
	return notify.PollInterval(p, phase, s.intervals)
}

// GetStageMetadata returns the static stage and phase catalogue
func (s *Service) GetStageMetadata() StageMetadata {
	return StageMetadata{Stages: s.registry.List(), Phases: s.registry.Phases()}
}

// Act applies one pipeline action
func (s *Service) Act(projectID string, a PipelineAction) (*models.Pipeline, error) {
	switch a.Action {
	case ActionAdvance:
		to := a.Stage
		if to == "" {
			p, err := s.pipelines.Get(projectID)
			if err != nil {
				return nil, err
			}
			next, ok, err := s.registry.Next(p.CurrentStage)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s is the last stage", models.ErrInvalidTransition, p.CurrentStage)
			}
			to = next.ID
		}
		return s.pipelines.Advance(projectID, to, a.ExpectedRevision)

	case ActionMarkComplete:
		st := a.Stage
		if st == "" {
			p, err := s.pipelines.Get(projectID)
			if err != nil {
				return nil, err
			}
			st = p.CurrentStage
		}
		return s.pipelines.MarkComplete(projectID, st, a.ExpectedRevision)

	case ActionResumeFrom:
		if a.Stage == "" {
			return nil, fmt.Errorf("%w: resume_from needs a stage", models.ErrInvalidTransition)
		}
		return s.resumeFrom(projectID, a.Stage, a.ExpectedRevision)

	case ActionPause:
		return s.pipelines.Pause(projectID, a.ExpectedRevision)
	case ActionUnpause:
		return s.pipelines.Unpause(projectID, a.ExpectedRevision)
	case ActionCancel:
		return s.pipelines.Cancel(projectID, a.ExpectedRevision)
	case ActionFail:
		return s.pipelines.Fail(projectID, a.Reason, a.ExpectedRevision)
	}
	return nil, fmt.Errorf("%w: unknown action %q", models.ErrInvalidTransition, a.Action)
}

// resumeFrom rewinds the pipeline and retires checkpoints from earlier epochs
func (s *Service) resumeFrom(projectID string, st models.StageID, expected int64) (*models.Pipeline, error) {
	p, err := s.pipelines.ResumeFrom(projectID, st, expected)
	if err != nil {
		return nil, err
	}
	superseded, err := s.checkpoints.SupersedeOpen(projectID, p.Epoch)
	if err != nil {
		// Gating is epoch-scoped, so a leftover open checkpoint cannot
		// satisfy the new epoch; it only lingers in pending until retried.
		s.logger.Error("Failed to supersede open checkpoints", "project_id", projectID, "epoch", p.Epoch, "error", err)
	} else if len(superseded) > 0 {
		s.logger.Info("Superseded open checkpoints on resume",
			"project_id", projectID,
			"count", len(superseded),
			"epoch", p.Epoch)
	}
	return p, nil
}

// UpdateProgress merges counters reported by the processing collaborator
func (s *Service) UpdateProgress(projectID string, update models.ProgressUpdate) (*models.Pipeline, error) {
	return s.pipelines.UpdateProgress(projectID, update)
}

// GetPendingCheckpoint returns the open checkpoint, or nil
func (s *Service) GetPendingCheckpoint(projectID string) (*models.Checkpoint, error) {
	if _, err := s.pipelines.Get(projectID); err != nil {
		return nil, err
	}
	return s.checkpoints.GetPending(projectID)
}

// ListCheckpoints returns every checkpoint of a project, oldest first
func (s *Service) ListCheckpoints(projectID string) ([]*models.Checkpoint, error) {
	if _, err := s.pipelines.Get(projectID); err != nil {
		return nil, err
	}
	return s.checkpoints.List(projectID)
}

// GetCheckpoint returns one checkpoint by id
func (s *Service) GetCheckpoint(id string) (*models.Checkpoint, error) {
	return s.checkpoints.Get(id)
}

// CreateCheckpoint opens a checkpoint for the stage the pipeline is waiting at
// and pauses the pipeline until it is resolved
func (s *Service) CreateCheckpoint(projectID, runID string, content models.CheckpointContent) (*models.Checkpoint, error) {
	p, err := s.pipelines.Get(projectID)
	if err != nil {
		return nil, err
	}
	if runID != "" && runID != p.RunID {
		return nil, fmt.Errorf("%w: run %s does not belong to project %s", models.ErrNotFound, runID, projectID)
	}
	if p.Status.IsTerminal() {
		return nil, terminalErr(p)
	}
	st, ok := s.registry.StageForCheckpoint(content.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown checkpoint type %q", models.ErrInvalidResponse, content.Type)
	}
	if p.CurrentStage != st.ID {
		return nil, fmt.Errorf("%w: %s checkpoints belong to %s, pipeline is at %s",
			models.ErrInvalidTransition, content.Type, st.ID, p.CurrentStage)
	}

	cp, err := s.checkpoints.Create(projectID, p.RunID, st, p.Epoch, content)
	if err != nil {
		return nil, err
	}

	paused, err := s.pipelines.Pause(projectID, pipeline.AnyRevision)
	if err != nil {
		s.logger.Warn("Failed to pause pipeline for checkpoint",
			"project_id", projectID,
			"checkpoint_id", cp.ID,
			"error", err)
		return cp, nil
	}
	if paused.Epoch != cp.Epoch {
		// A resume committed between the read and the create
		if _, err := s.checkpoints.SupersedeOpen(projectID, paused.Epoch); err != nil {
			s.logger.Error("Failed to supersede checkpoint from a previous epoch", "checkpoint_id", cp.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: pipeline was resumed while the checkpoint was created", models.ErrStaleWrite)
	}
	return cp, nil
}

// RespondToCheckpoint records the user's answers
func (s *Service) RespondToCheckpoint(id string, responses map[string]models.ItemResponse) (*CheckpointOutcome, error) {
	cp, result, err := s.checkpoints.Respond(id, responses)
	if err != nil {
		return nil, err
	}
	return s.resolved(cp, result), nil
}

// SkipCheckpoint resolves a checkpoint without answers
func (s *Service) SkipCheckpoint(id, reason string) (*CheckpointOutcome, error) {
	cp, result, err := s.checkpoints.Skip(id, reason)
	if err != nil {
		return nil, err
	}
	return s.resolved(cp, result), nil
}

// resolved unpauses the pipeline once its gating checkpoint is resolved
func (s *Service) resolved(cp *models.Checkpoint, result models.CheckpointResult) *CheckpointOutcome {
	out := &CheckpointOutcome{CheckpointResult: result, Checkpoint: cp}
	p, err := s.pipelines.Unpause(cp.ProjectID, pipeline.AnyRevision)
	if err != nil {
		if !errors.Is(err, models.ErrTerminalState) {
			s.logger.Warn("Failed to unpause pipeline after checkpoint",
				"project_id", cp.ProjectID,
				"checkpoint_id", cp.ID,
				"error", err)
		}
		s.feed.Publish(cp.ProjectID)
		return out
	}
	out.Pipeline = p
	return out
}

// RegenerateSummary applies corrections to a post-analysis summary
func (s *Service) RegenerateSummary(id string, corrections map[string]models.ItemResponse) (*RegenerateOutcome, error) {
	cp, result, err := s.checkpoints.RegenerateSummary(id, corrections)
	if err != nil {
		return nil, err
	}
	s.feed.Publish(cp.ProjectID)
	return &RegenerateOutcome{RegenerateResult: result, Checkpoint: cp}, nil
}

// projectOfRun resolves a run to its project's pipeline
func (s *Service) projectOfRun(runID string) (*models.Pipeline, error) {
	if err := storage.ValidateKey("run", runID); err != nil {
		return nil, err
	}
	var idx runIndex
	if err := s.files.ReadJSON(runIndexPath(runID), &idx); err != nil {
		return nil, err
	}
	p, err := s.pipelines.Get(idx.ProjectID)
	if err != nil {
		return nil, err
	}
	if p.RunID != runID {
		return nil, fmt.Errorf("%w: run %s", models.ErrNotFound, runID)
	}
	return p, nil
}

// RecordSynthesis stores the synthesized report as version 1 and completes the
// pipeline. Repeating it after a partial failure finishes the completion.
func (s *Service) RecordSynthesis(runID string, content models.ReportContent, createdBy string) (*SynthesisOutcome, error) {
	p, err := s.projectOfRun(runID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, terminalErr(p)
	}
	if p.CurrentStage != models.StageSynthesis {
		return nil, fmt.Errorf("%w: pipeline is at %s, not %s", models.ErrInvalidTransition, p.CurrentStage, models.StageSynthesis)
	}

	v, err := s.reports.CreateInitial(runID, content, createdBy)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
		// Version 1 was committed by an earlier attempt
		if v, err = s.reports.Get(runID, 1); err != nil {
			return nil, err
		}
	}

	p, err = s.pipelines.MarkComplete(p.ProjectID, models.StageSynthesis, pipeline.AnyRevision)
	if err != nil {
		return nil, err
	}
	p, err = s.pipelines.Advance(p.ProjectID, s.registry.Terminal().ID, p.Revision)
	if err != nil {
		return nil, err
	}
	return &SynthesisOutcome{Version: v, Pipeline: p}, nil
}

// ListVersions returns the version summaries of a run, oldest first
func (s *Service) ListVersions(runID string) (*VersionList, error) {
	versions, err := s.reports.List(runID)
	if err != nil {
		return nil, err
	}
	return &VersionList{TotalVersions: len(versions), Versions: versions}, nil
}

// GetVersion returns one version; version 0 means the current one
func (s *Service) GetVersion(runID string, version int) (*models.ReportVersion, error) {
	if version == 0 {
		return s.reports.Current(runID)
	}
	return s.reports.Get(runID, version)
}

// CompareVersions diffs two versions of a run
func (s *Service) CompareVersions(runID string, v1, v2 int) (*models.CompareResult, error) {
	return s.reports.Compare(runID, v1, v2)
}

// ProposeRefinement drafts a change against the current version
func (s *Service) ProposeRefinement(ctx context.Context, runID, prompt string) (*models.ProposeResult, error) {
	res, err := s.reports.Propose(ctx, runID, prompt)
	if err != nil {
		return nil, err
	}
	s.publishRun(runID)
	return res, nil
}

// MergeRefinement resolves a proposal
func (s *Service) MergeRefinement(runID string, req report.MergeRequest) (*models.MergeResult, error) {
	res, err := s.reports.Merge(runID, req)
	if err != nil {
		return nil, err
	}
	s.publishRun(runID)
	return res, nil
}

func (s *Service) publishRun(runID string) {
	var idx runIndex
	if err := s.files.ReadJSON(runIndexPath(runID), &idx); err != nil {
		s.logger.Debug("No project indexed for run", "run_id", runID, "error", err)
		return
	}
	s.feed.Publish(idx.ProjectID)
}

// DeleteProject archives the project's pipeline, checkpoints and report versions
func (s *Service) DeleteProject(projectID string) error {
	p, err := s.pipelines.Get(projectID)
	if err != nil {
		return err
	}
	if err := s.pipelines.Delete(projectID); err != nil {
		return err
	}
	s.checkpoints.Forget(projectID)
	if err := s.reports.Delete(p.RunID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to archive run %s: %w", p.RunID, err)
	}
	s.logger.Info("Project deleted", "project_id", projectID, "run_id", p.RunID)
	return nil
}

func terminalErr(p *models.Pipeline) error {
	msg := string(p.Status)
	if p.LastError != nil && strings.TrimSpace(*p.LastError) != "" {
		msg += ": " + *p.LastError
	}
	return fmt.Errorf("%w: pipeline is %s", models.ErrTerminalState, msg)
}
