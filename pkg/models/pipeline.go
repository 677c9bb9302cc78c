package models

import "time"

// PipelineStatus is the coarse lifecycle state of a review pipeline
type PipelineStatus string

const (
	StatusPending    PipelineStatus = "pending"
	StatusProcessing PipelineStatus = "processing"
	StatusPaused     PipelineStatus = "paused"
	StatusCompleted  PipelineStatus = "completed"
	StatusFailed     PipelineStatus = "failed"
)

// IsTerminal reports whether no further advance is permitted from this status
func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CancelledByUser is the last_error recorded by a user cancellation
const CancelledByUser = "cancelled by user"

// FindingsCounts tallies findings by severity as reported by the analysis passes
type FindingsCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Total returns the number of findings across all severities
func (f FindingsCounts) Total() int {
	return f.Critical + f.High + f.Medium + f.Low + f.Info
}

// Pipeline is the per-project mutable record of review progress
type Pipeline struct {
	ProjectID          string         `json:"project_id"`
	RunID              string         `json:"run_id"`
	CurrentStage       StageID        `json:"current_stage"`
	Status             PipelineStatus `json:"status"`
	CompletedStages    []StageID      `json:"completed_stages"`
	StageProgress      map[string]int `json:"stage_progress"`
	DocumentsProcessed int            `json:"documents_processed"`
	TotalDocuments     int            `json:"total_documents"`
	FindingsCounts     FindingsCounts `json:"findings_counts"`
	LastError          *string        `json:"last_error"`
	StartedAt          time.Time      `json:"started_at"`
	LastUpdated        time.Time      `json:"last_updated"`
	PausedAt           *time.Time     `json:"paused_at"`

	// Revision is the optimistic concurrency token; every committed mutation increments it
	Revision int64 `json:"revision"`
	// Epoch increments on every resume and scopes which checkpoints gate progression
	Epoch     int    `json:"epoch"`
	Cancelled bool   `json:"cancelled,omitempty"`
	ChangeSeq uint64 `json:"change_seq"`
}

// HasCompleted reports whether stage is recorded in CompletedStages
func (p *Pipeline) HasCompleted(stage StageID) bool {
	for _, s := range p.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	cp := *p
	cp.CompletedStages = append([]StageID{}, p.CompletedStages...)
	cp.StageProgress = make(map[string]int, len(p.StageProgress))
	for k, v := range p.StageProgress {
		cp.StageProgress[k] = v
	}
	if p.LastError != nil {
		e := *p.LastError
		cp.LastError = &e
	}
	if p.PausedAt != nil {
		t := *p.PausedAt
		cp.PausedAt = &t
	}
	return &cp
}

// ProgressUpdate carries counters reported by the external processing collaborator
type ProgressUpdate struct {
	StageProgress      map[string]int  `json:"stage_progress,omitempty"`
	DocumentsProcessed *int            `json:"documents_processed,omitempty"`
	TotalDocuments     *int            `json:"total_documents,omitempty"`
	FindingsCounts     *FindingsCounts `json:"findings_counts,omitempty"`
}
