// Package report keeps the immutable version chain of each run's synthesized
// report and the propose/merge/discard loop that extends it.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/storage"
	"github.com/lamim/ddreview/pkg/models"
)

const defaultMaxPromptLength = 4000

// Synthesizer drafts one refinement of the current report for a user prompt
type Synthesizer interface {
	Draft(ctx context.Context, req DraftRequest) (*Draft, error)
}

// DraftRequest is what the synthesizer sees
type DraftRequest struct {
	RunID   string
	Version int
	Content models.ReportContent
	Prompt  string
}

// Draft is the synthesizer's candidate change
type Draft struct {
	Section          string            `json:"section"`
	ChangeType       models.ChangeType `json:"change_type"`
	Title            string            `json:"title,omitempty"`
	ProposedText     string            `json:"proposed_text"`
	Reasoning        string            `json:"reasoning"`
	AffectedFindings []string          `json:"affected_findings"`
}

// head is the single commit point of a run: which version is current and
// which proposal may still be resolved
type head struct {
	RunID          string    `json:"run_id"`
	Current        int       `json:"current"`
	ActiveProposal string    `json:"active_proposal,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type proposalRecord struct {
	models.RefinementProposal
	Title           string               `json:"title,omitempty"`
	State           models.ProposalState `json:"state"`
	ResolvedVersion int                  `json:"resolved_version,omitempty"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
}

// MergeRequest resolves a proposal
type MergeRequest struct {
	ProposalID string
	Action     models.MergeAction
	EditedText string
	// ExpectedVersion, when non-zero, must equal the current version
	ExpectedVersion int
	CreatedBy       string
}

// Store manages report versions and refinement proposals per run
type Store struct {
	files           *storage.FileStore
	synth           Synthesizer
	metrics         *metrics.Collector
	logger          *slog.Logger
	locks           *storage.KeyedMutex // keyed by run
	maxPromptLength int
	now             func() time.Time

	mu       sync.RWMutex
	heads    map[string]*head
	versions map[string]map[int]*models.ReportVersion
}

// NewStore creates a version store. synth may be nil, in which case Propose fails.
func NewStore(files *storage.FileStore, synth Synthesizer, maxPromptLength int, collector *metrics.Collector, logger *slog.Logger) *Store {
	if maxPromptLength <= 0 {
		maxPromptLength = defaultMaxPromptLength
	}
	return &Store{
		files:           files,
		synth:           synth,
		metrics:         collector,
		logger:          logger,
		locks:           storage.NewKeyedMutex(),
		maxPromptLength: maxPromptLength,
		now:             time.Now,
		heads:           make(map[string]*head),
		versions:        make(map[string]map[int]*models.ReportVersion),
	}
}

func runDir(runID string) string { return "runs/" + runID }
func headPath(runID string) string { return runDir(runID) + "/head.json" }
func versionPath(runID string, n int) string { return runDir(runID) + "/versions/" + strconv.Itoa(n) + ".json" }
func proposalPath(runID, id string) string { return runDir(runID) + "/proposals/" + id + ".json" }

func (s *Store) loadHead(runID string) (*head, error) {
	if err := storage.ValidateKey("run", runID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	h, ok := s.heads[runID]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}
	var loaded head
	if err := s.files.ReadJSON(headPath(runID), &loaded); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: no report versions for run %s", models.ErrNotFound, runID)
		}
		return nil, err
	}
	s.mu.Lock()
	if cached, ok := s.heads[runID]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.heads[runID] = &loaded
	s.mu.Unlock()
	return &loaded, nil
}

func (s *Store) commitHead(h *head) error {
	if err := s.files.WriteJSON(headPath(h.RunID), h); err != nil {
		return fmt.Errorf("failed to persist report head: %w", err)
	}
	s.mu.Lock()
	s.heads[h.RunID] = h
	s.mu.Unlock()
	return nil
}

// loadVersion returns the stored version without the is_current flag applied
func (s *Store) loadVersion(runID string, n int) (*models.ReportVersion, error) {
	s.mu.RLock()
	v, ok := s.versions[runID][n]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}
	var loaded models.ReportVersion
	if err := s.files.ReadJSON(versionPath(runID, n), &loaded); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: version %d of run %s", models.ErrNotFound, n, runID)
		}
		return nil, err
	}
	s.cacheVersion(&loaded)
	return &loaded, nil
}

func (s *Store) cacheVersion(v *models.ReportVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.versions[v.RunID] == nil {
		s.versions[v.RunID] = make(map[int]*models.ReportVersion)
	}
	s.versions[v.RunID][v.Version] = v
}

// writeVersion stores an immutable version document. It only becomes visible
// once a head pointing at it is committed.
func (s *Store) writeVersion(v *models.ReportVersion) error {
	stored := *v
	stored.IsCurrent = false
	if err := s.files.WriteJSON(versionPath(v.RunID, v.Version), &stored); err != nil {
		return fmt.Errorf("failed to persist report version: %w", err)
	}
	return nil
}

func view(v *models.ReportVersion, h *head) *models.ReportVersion {
	out := *v
	out.Content = v.Content.Clone()
	out.Changes = append([]models.SectionDiff{}, v.Changes...)
	out.AffectedFindings = append([]string(nil), v.AffectedFindings...)
	out.IsCurrent = v.Version == h.Current
	return &out
}

// CreateInitial records version 1 of a run's report
func (s *Store) CreateInitial(runID string, content models.ReportContent, createdBy string) (*models.ReportVersion, error) {
	if err := storage.ValidateKey("run", runID); err != nil {
		return nil, err
	}
	if len(content.Sections) == 0 {
		return nil, fmt.Errorf("%w: report has no sections", models.ErrInvalidResponse)
	}
	if err := validateSections(content); err != nil {
		return nil, err
	}
	if createdBy == "" {
		createdBy = "synthesis"
	}

	unlock := s.locks.Lock(runID)
	defer unlock()

	if _, err := s.loadHead(runID); err == nil {
		return nil, fmt.Errorf("%w: run %s already has a report", models.ErrInvalidTransition, runID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	v := &models.ReportVersion{
		VersionID: uuid.New().String(),
		RunID:     runID,
		Version:   1,
		Content:   content.Clone(),
		Changes:   Diff(models.ReportContent{}, content),
		CreatedAt: s.now(),
		CreatedBy: createdBy,
	}
	if err := s.writeVersion(v); err != nil {
		return nil, err
	}
	h := &head{RunID: runID, Current: 1, UpdatedAt: v.CreatedAt}
	if err := s.commitHead(h); err != nil {
		return nil, err
	}
	s.cacheVersion(v)

	s.logger.Info("Initial report version created", "run_id", runID, "sections", len(content.Sections))
	return view(v, h), nil
}

func validateSections(content models.ReportContent) error {
	seen := make(map[string]bool, len(content.Sections))
	for _, sec := range content.Sections {
		if strings.TrimSpace(sec.Key) == "" {
			return fmt.Errorf("%w: report section without key", models.ErrInvalidResponse)
		}
		if seen[sec.Key] {
			return fmt.Errorf("%w: duplicate report section %q", models.ErrInvalidResponse, sec.Key)
		}
		seen[sec.Key] = true
	}
	return nil
}

// Current returns the current version of a run
func (s *Store) Current(runID string) (*models.ReportVersion, error) {
	h, err := s.loadHead(runID)
	if err != nil {
		return nil, err
	}
	v, err := s.loadVersion(runID, h.Current)
	if err != nil {
		return nil, err
	}
	return view(v, h), nil
}

// Get returns one version of a run
func (s *Store) Get(runID string, version int) (*models.ReportVersion, error) {
	h, err := s.loadHead(runID)
	if err != nil {
		return nil, err
	}
	if version < 1 || version > h.Current {
		return nil, fmt.Errorf("%w: version %d of run %s", models.ErrNotFound, version, runID)
	}
	v, err := s.loadVersion(runID, version)
	if err != nil {
		return nil, err
	}
	return view(v, h), nil
}

// List returns summaries of every version of a run, oldest first
func (s *Store) List(runID string) ([]models.ReportVersionSummary, error) {
	h, err := s.loadHead(runID)
	if err != nil {
		return nil, err
	}
	// Versions above head are uncommitted leftovers of a failed merge
	summaries := make([]models.ReportVersionSummary, 0, h.Current)
	for n := 1; n <= h.Current; n++ {
		v, err := s.loadVersion(runID, n)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, models.ReportVersionSummary{
			VersionID:        v.VersionID,
			Version:          v.Version,
			IsCurrent:        v.Version == h.Current,
			ChangeCount:      len(v.Changes),
			RefinementPrompt: v.RefinementPrompt,
			CreatedAt:        v.CreatedAt,
			CreatedBy:        v.CreatedBy,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Version < summaries[j].Version })
	return summaries, nil
}

// Compare diffs any two committed versions of a run
func (s *Store) Compare(runID string, v1, v2 int) (*models.CompareResult, error) {
	a, err := s.Get(runID, v1)
	if err != nil {
		return nil, err
	}
	b, err := s.Get(runID, v2)
	if err != nil {
		return nil, err
	}
	diffs := Diff(a.Content, b.Content)
	return &models.CompareResult{V1: v1, V2: v2, TotalChanges: len(diffs), Diffs: diffs}, nil
}

// Delete archives a run's versions and proposals
func (s *Store) Delete(runID string) error {
	if err := storage.ValidateKey("run", runID); err != nil {
		return err
	}
	unlock := s.locks.Lock(runID)
	defer unlock()

	if _, err := s.files.Archive(runDir(runID)); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.heads, runID)
	delete(s.versions, runID)
	s.mu.Unlock()
	s.logger.Info("Run archived", "run_id", runID)
	return nil
}
