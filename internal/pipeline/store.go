// Package pipeline owns the per-project review pipeline record and its
// stage-transition rules.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/stage"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

// AnyRevision skips the optimistic revision check. Only collaborator signals and
// internal bookkeeping use it; client-facing transitions must present a revision.
const AnyRevision int64 = -1

const pipelineFile = "pipeline.json"

// Gate answers whether the checkpoint gating a stage has been resolved
type Gate interface {
	CheckpointResolved(projectID string, checkpointType models.CheckpointType, epoch int) (bool, error)
}

// ChangePublisher is notified after every committed mutation
type ChangePublisher interface {
	Publish(projectID string) uint64
}

// Store manages pipeline records. Reads return copies of the last committed
// state; mutations are serialized per project and checked against the caller's
// revision before anything is written.
type Store struct {
	registry *stage.Registry
	files    *storage.FileStore
	gate     Gate
	changes  ChangePublisher
	metrics  *metrics.Collector
	logger   *slog.Logger
	locks    *storage.KeyedMutex
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*models.Pipeline
}

// NewStore creates a pipeline store. gate and changes may be nil.
func NewStore(
	registry *stage.Registry,
	files *storage.FileStore,
	gate Gate,
	changes ChangePublisher,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Store {
	return &Store{
		registry: registry,
		files:    files,
		gate:     gate,
		changes:  changes,
		metrics:  collector,
		logger:   logger,
		locks:    storage.NewKeyedMutex(),
		now:      time.Now,
		cache:    make(map[string]*models.Pipeline),
	}
}

func pipelinePath(projectID string) string {
	return "projects/" + projectID + "/" + pipelineFile
}

// Start creates the pipeline for a project at the first stage with a fresh run id
func (s *Store) Start(projectID string, totalDocuments int) (*models.Pipeline, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(projectID)
	defer unlock()

	if _, err := s.load(projectID); err == nil {
		return nil, fmt.Errorf("%w: pipeline for project %s already exists", models.ErrInvalidTransition, projectID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	p := &models.Pipeline{
		ProjectID:       projectID,
		RunID:           uuid.New().String(),
		CurrentStage:    s.registry.First().ID,
		Status:          models.StatusPending,
		CompletedStages: []models.StageID{},
		StageProgress:   map[string]int{},
		TotalDocuments:  totalDocuments,
		StartedAt:       now,
		LastUpdated:     now,
		Revision:        1,
	}
	if err := s.commit(p); err != nil {
		return nil, err
	}
	s.metrics.RecordTransition("start", "ok")
	s.logger.Info("Pipeline started", "project_id", projectID, "run_id", p.RunID, "stage", p.CurrentStage)
	return p.Clone(), nil
}

// Get returns the latest committed pipeline snapshot
func (s *Store) Get(projectID string) (*models.Pipeline, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	p, ok := s.cache[projectID]
	s.mu.RUnlock()
	if ok {
		return p.Clone(), nil
	}

	var loaded models.Pipeline
	if err := s.files.ReadJSON(pipelinePath(projectID), &loaded); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if cached, ok := s.cache[projectID]; ok {
		s.mu.Unlock()
		return cached.Clone(), nil
	}
	s.cache[projectID] = &loaded
	s.mu.Unlock()
	return loaded.Clone(), nil
}

// load returns the committed pipeline; callers must hold the project lock
func (s *Store) load(projectID string) (*models.Pipeline, error) {
	s.mu.RLock()
	p, ok := s.cache[projectID]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	var loaded models.Pipeline
	if err := s.files.ReadJSON(pipelinePath(projectID), &loaded); err != nil {
		return nil, err
	}
	if loaded.StageProgress == nil {
		loaded.StageProgress = map[string]int{}
	}
	s.mu.Lock()
	s.cache[projectID] = &loaded
	s.mu.Unlock()
	return &loaded, nil
}

// commit persists p and publishes it as the committed state
func (s *Store) commit(p *models.Pipeline) error {
	if err := s.files.WriteJSON(pipelinePath(p.ProjectID), p); err != nil {
		return fmt.Errorf("failed to persist pipeline: %w", err)
	}
	// Publish under the write lock: a woken waiter's Get blocks until p is visible
	s.mu.Lock()
	s.cache[p.ProjectID] = p
	if s.changes != nil {
		p.ChangeSeq = s.changes.Publish(p.ProjectID)
	}
	s.mu.Unlock()
	return nil
}

// mutate runs fn against a copy of the committed pipeline and commits the result.
// A non-nil error from fn, a revision mismatch or a failed write leaves the
// committed state untouched. fn returning errNoop commits nothing and succeeds.
func (s *Store) mutate(action, projectID string, expected int64, fn func(p *models.Pipeline) error) (*models.Pipeline, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(projectID)
	defer unlock()

	current, err := s.load(projectID)
	if err != nil {
		return nil, err
	}
	if expected != AnyRevision && expected != current.Revision {
		s.metrics.RecordTransition(action, "stale")
		s.metrics.RecordStaleWrite("pipeline")
		s.logger.Warn("Rejected stale pipeline write",
			"project_id", projectID,
			"action", action,
			"expected_revision", expected,
			"current_revision", current.Revision)
		return nil, fmt.Errorf("%w: pipeline revision is %d, caller presented %d", models.ErrStaleWrite, current.Revision, expected)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errNoop) {
			return current.Clone(), nil
		}
		s.metrics.RecordTransition(action, "rejected")
		return nil, err
	}
	next.Revision = current.Revision + 1
	next.LastUpdated = s.now()

	if err := s.commit(next); err != nil {
		s.metrics.RecordTransition(action, "error")
		s.logger.Error("Failed to commit pipeline", "project_id", projectID, "action", action, "error", err)
		return nil, err
	}
	s.metrics.RecordTransition(action, "ok")
	s.logger.Info("Pipeline updated",
		"project_id", projectID,
		"action", action,
		"stage", next.CurrentStage,
		"status", next.Status,
		"revision", next.Revision)
	return next.Clone(), nil
}

var errNoop = errors.New("no change")

// requireRevision rejects client transitions that did not present a revision
func requireRevision(expected int64) error {
	if expected == AnyRevision {
		return nil
	}
	if expected <= 0 {
		return fmt.Errorf("%w: a current revision is required", models.ErrStaleWrite)
	}
	return nil
}

func terminalErr(p *models.Pipeline) error {
	return fmt.Errorf("%w: pipeline is %s", models.ErrTerminalState, p.Status)
}

// checkGate fails when stage is a checkpoint whose checkpoint is unresolved for this epoch
func (s *Store) checkGate(p *models.Pipeline, st models.Stage) error {
	if !st.IsCheckpoint {
		return nil
	}
	if s.gate == nil {
		return fmt.Errorf("%w: no checkpoint gate configured for %s", models.ErrInvalidTransition, st.ID)
	}
	ok, err := s.gate.CheckpointResolved(p.ProjectID, st.CheckpointType, p.Epoch)
	if err != nil {
		return fmt.Errorf("failed to check checkpoint for %s: %w", st.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: checkpoint %s for stage %s is not resolved", models.ErrInvalidTransition, st.CheckpointType, st.ID)
	}
	return nil
}

// recordCompleted marks st complete, keeping CompletedStages ordered and free of duplicates
func recordCompleted(p *models.Pipeline, st models.Stage) {
	if !p.HasCompleted(st.ID) {
		p.CompletedStages = append(p.CompletedStages, st.ID)
	}
	p.StageProgress[string(st.ID)] = 100
}

// Advance moves the pipeline to the stage immediately after the current one
func (s *Store) Advance(projectID string, to models.StageID, expected int64) (*models.Pipeline, error) {
	if err := requireRevision(expected); err != nil {
		return nil, err
	}
	return s.mutate("advance", projectID, expected, func(p *models.Pipeline) error {
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		target, err := s.registry.Get(to)
		if err != nil {
			return err
		}
		current, err := s.registry.Get(p.CurrentStage)
		if err != nil {
			return err
		}
		if target.Order != current.Order+1 {
			return fmt.Errorf("%w: cannot advance from %s (order %d) to %s (order %d)",
				models.ErrInvalidTransition, current.ID, current.Order, target.ID, target.Order)
		}
		if err := s.checkGate(p, current); err != nil {
			return err
		}

		recordCompleted(p, current)
		p.CurrentStage = target.ID
		p.PausedAt = nil
		if target.Terminal {
			recordCompleted(p, target)
			p.Status = models.StatusCompleted
		} else {
			p.Status = models.StatusProcessing
		}
		return nil
	})
}

// MarkComplete records completion of the current stage. Completing an already
// completed stage is a no-op success.
func (s *Store) MarkComplete(projectID string, stageID models.StageID, expected int64) (*models.Pipeline, error) {
	if expected == 0 {
		expected = AnyRevision
	}
	target, err := s.registry.Get(stageID)
	if err != nil {
		return nil, err
	}
	return s.mutate("mark_complete", projectID, expected, func(p *models.Pipeline) error {
		if p.HasCompleted(stageID) {
			return errNoop
		}
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		if p.CurrentStage != stageID {
			return fmt.Errorf("%w: %s is not the current stage (%s)", models.ErrInvalidTransition, stageID, p.CurrentStage)
		}
		if err := s.checkGate(p, target); err != nil {
			return err
		}
		recordCompleted(p, target)
		if target.Terminal {
			p.Status = models.StatusCompleted
		} else if p.Status == models.StatusPending {
			p.Status = models.StatusProcessing
		}
		return nil
	})
}

// ResumeFrom rewinds the pipeline to a resumable stage so downstream stages re-run.
// The target must precede the current stage, or equal it when the pipeline is
// paused or failed.
func (s *Store) ResumeFrom(projectID string, stageID models.StageID, expected int64) (*models.Pipeline, error) {
	if err := requireRevision(expected); err != nil {
		return nil, err
	}
	target, err := s.registry.Get(stageID)
	if err != nil {
		return nil, err
	}
	return s.mutate("resume_from", projectID, expected, func(p *models.Pipeline) error {
		if p.Status == models.StatusCompleted || p.Cancelled {
			return terminalErr(p)
		}
		if !target.Resumable {
			return fmt.Errorf("%w: stage %s is not resumable", models.ErrInvalidTransition, stageID)
		}
		current, err := s.registry.Get(p.CurrentStage)
		if err != nil {
			return err
		}
		retryInPlace := target.Order == current.Order &&
			(p.Status == models.StatusFailed || p.Status == models.StatusPaused)
		if target.Order > current.Order || (target.Order == current.Order && !retryInPlace) {
			return fmt.Errorf("%w: cannot resume from %s while at %s", models.ErrInvalidTransition, stageID, p.CurrentStage)
		}

		kept := p.CompletedStages[:0]
		for _, id := range p.CompletedStages {
			st, err := s.registry.Get(id)
			if err != nil || st.Order < target.Order {
				kept = append(kept, id)
			}
		}
		p.CompletedStages = kept

		for key := range p.StageProgress {
			st, err := s.registry.Get(progressStage(key))
			if err == nil && st.Order >= target.Order {
				delete(p.StageProgress, key)
			}
		}

		p.CurrentStage = target.ID
		p.Status = models.StatusProcessing
		p.LastError = nil
		p.PausedAt = nil
		p.Epoch++
		return nil
	})
}

// progressStage extracts the stage id from a stage_progress key such as
// "pass_2_analyze" or "pass_2_analyze/doc-14"
func progressStage(key string) models.StageID {
	if i := strings.IndexAny(key, "/:"); i >= 0 {
		return models.StageID(key[:i])
	}
	return models.StageID(key)
}

// Pause sets status=paused, keeping the current stage for a later resume
func (s *Store) Pause(projectID string, expected int64) (*models.Pipeline, error) {
	if expected == 0 {
		expected = AnyRevision
	}
	return s.mutate("pause", projectID, expected, func(p *models.Pipeline) error {
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		if p.Status == models.StatusPaused {
			return errNoop
		}
		now := s.now()
		p.Status = models.StatusPaused
		p.PausedAt = &now
		return nil
	})
}

// Unpause returns a paused pipeline to processing without moving its stage
func (s *Store) Unpause(projectID string, expected int64) (*models.Pipeline, error) {
	if expected == 0 {
		expected = AnyRevision
	}
	return s.mutate("unpause", projectID, expected, func(p *models.Pipeline) error {
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		if p.Status != models.StatusPaused {
			return errNoop
		}
		p.Status = models.StatusProcessing
		p.PausedAt = nil
		return nil
	})
}

// Cancel fails the pipeline permanently on user request
func (s *Store) Cancel(projectID string, expected int64) (*models.Pipeline, error) {
	if expected == 0 {
		expected = AnyRevision
	}
	return s.mutate("cancel", projectID, expected, func(p *models.Pipeline) error {
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		msg := models.CancelledByUser
		p.Status = models.StatusFailed
		p.LastError = &msg
		p.Cancelled = true
		return nil
	})
}

// Fail records a fatal processing error reported by the collaborator
func (s *Store) Fail(projectID string, cause string, expected int64) (*models.Pipeline, error) {
	if expected == 0 {
		expected = AnyRevision
	}
	if strings.TrimSpace(cause) == "" {
		cause = "processing failed"
	}
	return s.mutate("fail", projectID, expected, func(p *models.Pipeline) error {
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		p.Status = models.StatusFailed
		p.LastError = &cause
		return nil
	})
}

// UpdateProgress merges counters reported by the processing collaborator
func (s *Store) UpdateProgress(projectID string, update models.ProgressUpdate) (*models.Pipeline, error) {
	for key, v := range update.StageProgress {
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("%w: progress for %s must be between 0 and 100 (got %d)", models.ErrInvalidTransition, key, v)
		}
		if _, err := s.registry.Get(progressStage(key)); err != nil {
			return nil, err
		}
	}
	return s.mutate("update_progress", projectID, AnyRevision, func(p *models.Pipeline) error {
		if p.Status.IsTerminal() {
			return terminalErr(p)
		}
		for key, v := range update.StageProgress {
			p.StageProgress[key] = v
		}
		if update.TotalDocuments != nil {
			p.TotalDocuments = *update.TotalDocuments
		}
		if update.DocumentsProcessed != nil {
			p.DocumentsProcessed = *update.DocumentsProcessed
		}
		if p.TotalDocuments > 0 && p.DocumentsProcessed > p.TotalDocuments {
			return fmt.Errorf("%w: documents_processed %d exceeds total_documents %d",
				models.ErrInvalidTransition, p.DocumentsProcessed, p.TotalDocuments)
		}
		if update.FindingsCounts != nil {
			p.FindingsCounts = *update.FindingsCounts
		}
		if p.Status == models.StatusPending {
			p.Status = models.StatusProcessing
		}
		return nil
	})
}

// Delete archives the project's records and forgets the cached pipeline
func (s *Store) Delete(projectID string) error {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return err
	}
	unlock := s.locks.Lock(projectID)
	defer unlock()

	if _, err := s.files.Archive("projects/" + projectID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, projectID)
	s.mu.Unlock()
	if s.changes != nil {
		s.changes.Publish(projectID)
	}
	s.logger.Info("Project archived", "project_id", projectID)
	return nil
}
