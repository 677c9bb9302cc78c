package models

import "time"

// ChangeType is the kind of section-level edit
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeRemove ChangeType = "remove"
	ChangeModify ChangeType = "modify"
)

// Valid reports whether c is a known change type
func (c ChangeType) Valid() bool {
	return c == ChangeAdd || c == ChangeRemove || c == ChangeModify
}

// ReportSection is one keyed section of the synthesized report
type ReportSection struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// ReportContent is a full synthesis snapshot
type ReportContent struct {
	Title    string          `json:"title,omitempty"`
	Sections []ReportSection `json:"sections"`
}

// Section returns the section with key, if present
func (r ReportContent) Section(key string) (ReportSection, bool) {
	for _, s := range r.Sections {
		if s.Key == key {
			return s, true
		}
	}
	return ReportSection{}, false
}

// Clone returns a deep copy of the content
func (r ReportContent) Clone() ReportContent {
	return ReportContent{
		Title:    r.Title,
		Sections: append([]ReportSection{}, r.Sections...),
	}
}

// SectionDiff describes how one section differs between two versions
type SectionDiff struct {
	Section     string     `json:"section"`
	ChangeType  ChangeType `json:"change_type"`
	OldText     string     `json:"old_text,omitempty"`
	NewText     string     `json:"new_text,omitempty"`
	UnifiedDiff string     `json:"unified_diff,omitempty"`
}

// ReportVersion is an immutable snapshot of the synthesized output
type ReportVersion struct {
	VersionID        string        `json:"version_id"`
	RunID            string        `json:"run_id"`
	Version          int           `json:"version"`
	IsCurrent        bool          `json:"is_current"`
	Content          ReportContent `json:"content"`
	Changes          []SectionDiff `json:"changes"`
	RefinementPrompt *string       `json:"refinement_prompt"`
	ProposalID       string        `json:"proposal_id,omitempty"`
	AffectedFindings []string      `json:"affected_findings,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CreatedBy        string        `json:"created_by"`
}

// ReportVersionSummary is the list view of a version
type ReportVersionSummary struct {
	VersionID        string    `json:"version_id"`
	Version          int       `json:"version"`
	IsCurrent        bool      `json:"is_current"`
	ChangeCount      int       `json:"change_count"`
	RefinementPrompt *string   `json:"refinement_prompt"`
	CreatedAt        time.Time `json:"created_at"`
	CreatedBy        string    `json:"created_by"`
}

// RefinementProposal is a candidate edit against the current version
type RefinementProposal struct {
	ProposalID       string     `json:"proposal_id"`
	RunID            string     `json:"run_id"`
	BaseVersion      int        `json:"base_version"`
	Section          string     `json:"section"`
	ChangeType       ChangeType `json:"change_type"`
	CurrentText      string     `json:"current_text"`
	ProposedText     string     `json:"proposed_text"`
	Reasoning        string     `json:"reasoning"`
	AffectedFindings []string   `json:"affected_findings"`
	UserPrompt       string     `json:"user_prompt"`
	ProposedAt       time.Time  `json:"proposed_at"`
}

// ProposalState tracks how a proposal was resolved
type ProposalState string

const (
	ProposalActive     ProposalState = "active"
	ProposalMerged     ProposalState = "merged"
	ProposalDiscarded  ProposalState = "discarded"
	ProposalSuperseded ProposalState = "superseded"
)

// MergeAction resolves a proposal
type MergeAction string

const (
	MergeActionMerge   MergeAction = "merge"
	MergeActionEdit    MergeAction = "edit"
	MergeActionDiscard MergeAction = "discard"
)

// MergeResult is returned by merge
type MergeResult struct {
	Version   *int   `json:"version,omitempty"`
	IsCurrent *bool  `json:"is_current,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// ProposeResult pairs a proposal with the version it was made against
type ProposeResult struct {
	Proposal       RefinementProposal `json:"proposal"`
	CurrentVersion int                `json:"current_version"`
}

// CompareResult lists the section diffs between two versions
type CompareResult struct {
	V1           int           `json:"v1"`
	V2           int           `json:"v2"`
	TotalChanges int           `json:"total_changes"`
	Diffs        []SectionDiff `json:"diffs"`
}
