// Package checkpoint manages the human-input gates raised while a review runs.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/reconcile"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

const indexDir = "index/checkpoints"

// Manager handles checkpoint lifecycle and persistence. Every checkpoint is a
// JSON document under its project; an id index lets respond/skip find it.
type Manager struct {
	files   *storage.FileStore
	metrics *metrics.Collector
	logger  *slog.Logger
	locks   *storage.KeyedMutex // keyed by project
	now     func() time.Time

	mu       sync.RWMutex
	projects map[string]map[string]*models.Checkpoint // project -> id -> checkpoint
	owners   map[string]string                        // id -> project
}

type indexEntry struct {
	ProjectID string `json:"project_id"`
}

// NewManager creates a new checkpoint manager
func NewManager(files *storage.FileStore, collector *metrics.Collector, logger *slog.Logger) *Manager {
	return &Manager{
		files:    files,
		metrics:  collector,
		logger:   logger,
		locks:    storage.NewKeyedMutex(),
		now:      time.Now,
		projects: make(map[string]map[string]*models.Checkpoint),
		owners:   make(map[string]string),
	}
}

func checkpointDir(projectID string) string {
	return "projects/" + projectID + "/checkpoints"
}

func checkpointPath(projectID, id string) string {
	return checkpointDir(projectID) + "/" + id + ".json"
}

// ensureLoaded reads a project's checkpoints from disk on first use
func (m *Manager) ensureLoaded(projectID string) (map[string]*models.Checkpoint, error) {
	m.mu.RLock()
	cps, ok := m.projects[projectID]
	m.mu.RUnlock()
	if ok {
		return cps, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cps, ok := m.projects[projectID]; ok {
		return cps, nil
	}

	ids, err := m.files.List(checkpointDir(projectID))
	if err != nil {
		return nil, err
	}
	cps = make(map[string]*models.Checkpoint, len(ids))
	for _, id := range ids {
		var cp models.Checkpoint
		if err := m.files.ReadJSON(checkpointPath(projectID, id), &cp); err != nil {
			return nil, err
		}
		cps[cp.ID] = &cp
		m.owners[cp.ID] = projectID
	}
	m.projects[projectID] = cps
	return cps, nil
}

// ownerOf resolves the project a checkpoint id belongs to
func (m *Manager) ownerOf(id string) (string, error) {
	if err := storage.ValidateKey("checkpoint", id); err != nil {
		return "", err
	}
	m.mu.RLock()
	projectID, ok := m.owners[id]
	m.mu.RUnlock()
	if ok {
		return projectID, nil
	}

	var entry indexEntry
	if err := m.files.ReadJSON(indexDir+"/"+id+".json", &entry); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: checkpoint %s", models.ErrNotFound, id)
		}
		return "", err
	}
	return entry.ProjectID, nil
}

// lookup returns the committed checkpoint; callers must hold the project lock
// when they intend to modify it
func (m *Manager) lookup(projectID, id string) (*models.Checkpoint, error) {
	cps, err := m.ensureLoaded(projectID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	cp, ok := cps[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %s", models.ErrNotFound, id)
	}
	return cp, nil
}

// commit persists cp and publishes it to the cache
func (m *Manager) commit(cp *models.Checkpoint) error {
	if err := m.files.WriteJSON(checkpointPath(cp.ProjectID, cp.ID), cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	m.mu.Lock()
	cps, ok := m.projects[cp.ProjectID]
	if !ok {
		cps = make(map[string]*models.Checkpoint)
		m.projects[cp.ProjectID] = cps
	}
	cps[cp.ID] = cp
	m.owners[cp.ID] = cp.ProjectID
	m.mu.Unlock()
	return nil
}

// Create assembles a checkpoint for st, validates its content against the
// type schema and commits it directly as awaiting_user_input.
func (m *Manager) Create(projectID, runID string, st models.Stage, epoch int, content models.CheckpointContent) (*models.Checkpoint, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	if !st.IsCheckpoint {
		return nil, fmt.Errorf("%w: stage %s is not a checkpoint stage", models.ErrInvalidTransition, st.ID)
	}
	if content.Type == "" {
		content.Type = st.CheckpointType
	}
	if content.Type != st.CheckpointType {
		return nil, fmt.Errorf("%w: stage %s expects %s content, got %s",
			models.ErrInvalidResponse, st.ID, st.CheckpointType, content.Type)
	}
	if err := reconcile.ValidateContent(content); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(projectID)
	defer unlock()

	existing, err := m.snapshot(projectID)
	if err != nil {
		return nil, err
	}
	for _, cp := range existing {
		if !cp.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: checkpoint %s is still open", models.ErrInvalidTransition, cp.ID)
		}
		if cp.Type == content.Type && cp.Epoch == epoch {
			return nil, fmt.Errorf("%w: %s checkpoint already resolved for this run", models.ErrInvalidTransition, content.Type)
		}
	}

	cp := &models.Checkpoint{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		RunID:     runID,
		Type:      content.Type,
		Stage:     st.ID,
		Status:    models.CheckpointPending,
		Content:   content.Clone(),
		Epoch:     epoch,
		CreatedAt: m.now(),
	}
	cp.Content.OriginalSummary = ""
	// Only a fully assembled record becomes visible
	cp.Status = models.CheckpointAwaitingUserInput

	if err := m.files.WriteJSON(indexDir+"/"+cp.ID+".json", indexEntry{ProjectID: projectID}); err != nil {
		return nil, fmt.Errorf("failed to index checkpoint: %w", err)
	}
	if err := m.commit(cp); err != nil {
		m.logger.Error("Failed to create checkpoint", "project_id", projectID, "type", cp.Type, "error", err)
		if rmErr := m.files.Remove(indexDir + "/" + cp.ID + ".json"); rmErr != nil {
			m.logger.Error("Failed to remove checkpoint index entry", "checkpoint_id", cp.ID, "error", rmErr)
		}
		return nil, err
	}

	m.metrics.RecordCheckpoint(string(cp.Type), "created")
	m.logger.Info("Checkpoint created",
		"project_id", projectID,
		"checkpoint_id", cp.ID,
		"type", cp.Type,
		"mandatory_items", len(reconcile.MandatoryItems(cp.Content)))
	return cp.Clone(), nil
}

// snapshot returns copies of all checkpoints of a project ordered by creation time
func (m *Manager) snapshot(projectID string) ([]*models.Checkpoint, error) {
	cps, err := m.ensureLoaded(projectID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cp.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Get returns a checkpoint by id
func (m *Manager) Get(id string) (*models.Checkpoint, error) {
	projectID, err := m.ownerOf(id)
	if err != nil {
		return nil, err
	}
	cp, err := m.lookup(projectID, id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cp.Clone(), nil
}

// GetPending returns the project's open checkpoint, or nil when none is open
func (m *Manager) GetPending(projectID string) (*models.Checkpoint, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	cps, err := m.snapshot(projectID)
	if err != nil {
		return nil, err
	}
	for _, cp := range cps {
		if !cp.Status.IsTerminal() {
			return cp, nil
		}
	}
	return nil, nil
}

// List returns every checkpoint of a project, oldest first
func (m *Manager) List(projectID string) ([]*models.Checkpoint, error) {
	if err := storage.ValidateKey("project", projectID); err != nil {
		return nil, err
	}
	return m.snapshot(projectID)
}

// update runs fn against a copy of checkpoint id under its project lock and commits it
func (m *Manager) update(id string, fn func(cp *models.Checkpoint) error) (*models.Checkpoint, error) {
	projectID, err := m.ownerOf(id)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(projectID)
	defer unlock()

	current, err := m.lookup(projectID, id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	next := current.Clone()
	m.mu.RUnlock()

	if err := fn(next); err != nil {
		return nil, err
	}
	if err := m.commit(next); err != nil {
		m.logger.Error("Failed to update checkpoint", "checkpoint_id", id, "error", err)
		return nil, err
	}
	return next.Clone(), nil
}

func requireOpen(cp *models.Checkpoint) error {
	if cp.Status.IsTerminal() {
		return fmt.Errorf("%w: checkpoint %s is already %s", models.ErrTerminalState, cp.ID, cp.Status)
	}
	return nil
}

// Respond records the user's answers. The checkpoint completes only when every
// mandatory item has a valid answer; otherwise nothing is stored.
func (m *Manager) Respond(id string, responses map[string]models.ItemResponse) (*models.Checkpoint, models.CheckpointResult, error) {
	cp, err := m.update(id, func(cp *models.Checkpoint) error {
		if err := requireOpen(cp); err != nil {
			return err
		}
		normalized, err := reconcile.Reconcile(cp.Content, responses)
		if err != nil {
			if errors.Is(err, models.ErrIncompleteResponse) {
				m.metrics.RecordCheckpoint(string(cp.Type), "incomplete")
			}
			return err
		}
		now := m.now()
		cp.UserResponses = normalized
		cp.Status = models.CheckpointCompleted
		cp.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, models.CheckpointResult{}, err
	}

	m.metrics.RecordCheckpoint(string(cp.Type), "completed")
	m.logger.Info("Checkpoint completed", "project_id", cp.ProjectID, "checkpoint_id", id, "type", cp.Type)
	return cp, models.CheckpointResult{
		Status:     cp.Status,
		IsComplete: true,
		Message:    fmt.Sprintf("%d responses recorded", len(cp.UserResponses)),
	}, nil
}

// Skip resolves a checkpoint without answers
func (m *Manager) Skip(id, reason string) (*models.Checkpoint, models.CheckpointResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "skipped by user"
	}
	cp, err := m.update(id, func(cp *models.Checkpoint) error {
		if err := requireOpen(cp); err != nil {
			return err
		}
		now := m.now()
		cp.Status = models.CheckpointSkipped
		cp.SkipReason = reason
		cp.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, models.CheckpointResult{}, err
	}

	m.metrics.RecordCheckpoint(string(cp.Type), "skipped")
	m.logger.Info("Checkpoint skipped", "project_id", cp.ProjectID, "checkpoint_id", id, "reason", reason)
	return cp, models.CheckpointResult{
		Status:     cp.Status,
		IsComplete: true,
		Message:    "checkpoint skipped: " + reason,
	}, nil
}

// RegenerateSummary applies corrections to the preliminary summary of an open
// post_analysis checkpoint. Corrections accumulate across calls and the summary
// is always rebuilt from the original text, so repeated calls converge.
func (m *Manager) RegenerateSummary(id string, corrections map[string]models.ItemResponse) (*models.Checkpoint, models.RegenerateResult, error) {
	var rewrite reconcile.Rewrite
	cp, err := m.update(id, func(cp *models.Checkpoint) error {
		if err := requireOpen(cp); err != nil {
			return err
		}
		if cp.Type != models.CheckpointPostAnalysis {
			return fmt.Errorf("%w: %s checkpoints have no summary", models.ErrInvalidTransition, cp.Type)
		}
		valid, err := reconcile.ValidateCorrections(cp.Content, corrections)
		if err != nil {
			return err
		}

		if cp.Content.OriginalSummary == "" {
			cp.Content.OriginalSummary = cp.Content.PreliminarySummary
		}
		if cp.Corrections == nil {
			cp.Corrections = make(map[string]models.ItemResponse, len(valid))
		}
		for k, v := range valid {
			cp.Corrections[k] = v
		}

		rewrite = reconcile.ApplyCorrections(cp.Content.OriginalSummary, cp.Content, cp.Corrections)
		cp.Content.PreliminarySummary = rewrite.Summary
		cp.RegenerationCount++
		return nil
	})
	if err != nil {
		return nil, models.RegenerateResult{}, err
	}

	m.metrics.RecordCheckpoint(string(cp.Type), "regenerated")
	m.logger.Info("Summary regenerated",
		"checkpoint_id", id,
		"corrections", rewrite.Applied,
		"regeneration", cp.RegenerationCount)
	return cp, models.RegenerateResult{
		UpdatedSummary:     rewrite.Summary,
		CorrectionsApplied: rewrite.Applied,
		Message:            fmt.Sprintf("summary regenerated with %d corrections", rewrite.Applied),
	}, nil
}

// CheckpointResolved reports whether a checkpoint of the given type was
// completed or skipped during epoch
func (m *Manager) CheckpointResolved(projectID string, checkpointType models.CheckpointType, epoch int) (bool, error) {
	cps, err := m.ensureLoaded(projectID)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range cps {
		if cp.Type == checkpointType && cp.Epoch == epoch && cp.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// Forget drops cached checkpoints of an archived project
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.projects[projectID] {
		delete(m.owners, id)
	}
	delete(m.projects, projectID)
}
