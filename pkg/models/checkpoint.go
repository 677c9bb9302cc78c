package models

import "time"

// CheckpointType selects the content schema of a checkpoint
type CheckpointType string

const (
	CheckpointMissingDocs        CheckpointType = "missing_docs"
	CheckpointPostAnalysis       CheckpointType = "post_analysis"
	CheckpointEntityConfirmation CheckpointType = "entity_confirmation"
)

// Valid reports whether t is a known checkpoint type
func (t CheckpointType) Valid() bool {
	switch t {
	case CheckpointMissingDocs, CheckpointPostAnalysis, CheckpointEntityConfirmation:
		return true
	}
	return false
}

// CheckpointStatus moves pending -> awaiting_user_input -> {completed, skipped}
type CheckpointStatus string

const (
	CheckpointPending           CheckpointStatus = "pending"
	CheckpointAwaitingUserInput CheckpointStatus = "awaiting_user_input"
	CheckpointCompleted         CheckpointStatus = "completed"
	CheckpointSkipped           CheckpointStatus = "skipped"
)

// IsTerminal reports whether the checkpoint is resolved and immutable
func (s CheckpointStatus) IsTerminal() bool {
	return s == CheckpointCompleted || s == CheckpointSkipped
}

// UnderstandingQuestion asks the user to confirm how the analysis read the deal
type UnderstandingQuestion struct {
	ID                   string `json:"id"`
	Question             string `json:"question"`
	CurrentUnderstanding string `json:"current_understanding,omitempty"`
	Context              string `json:"context,omitempty"`
	Optional             bool   `json:"optional,omitempty"`
}

// FinancialConfirmation is one extracted figure the user must confirm
type FinancialConfirmation struct {
	ID             string `json:"id"`
	Metric         string `json:"metric"`
	Value          string `json:"value"`
	Period         string `json:"period,omitempty"`
	SourceDocument string `json:"source_document,omitempty"`
}

// MissingDocument is an expected document not found in the upload
type MissingDocument struct {
	ID           string `json:"id"`
	DocumentType string `json:"document_type"`
	Description  string `json:"description,omitempty"`
	Importance   string `json:"importance,omitempty"`
}

// EntityQuestion asks how a discovered entity relates to the target
type EntityQuestion struct {
	ID                    string   `json:"id"`
	EntityName            string   `json:"entity_name"`
	Question              string   `json:"question"`
	SuggestedRelationship string   `json:"suggested_relationship,omitempty"`
	Options               []string `json:"options,omitempty"`
}

// CheckpointContent is a tagged union keyed by Type. Only the sections legal for
// the tag may be populated; post_analysis may carry several at once.
type CheckpointContent struct {
	Type                   CheckpointType          `json:"type"`
	PreliminarySummary     string                  `json:"preliminary_summary,omitempty"`
	OriginalSummary        string                  `json:"original_summary,omitempty"`
	UnderstandingQuestions []UnderstandingQuestion `json:"understanding_questions,omitempty"`
	FinancialConfirmations []FinancialConfirmation `json:"financial_confirmations,omitempty"`
	MissingDocuments       []MissingDocument       `json:"missing_documents,omitempty"`
	EntityQuestions        []EntityQuestion        `json:"entity_questions,omitempty"`
}

// Clone returns a deep copy of the content
func (c CheckpointContent) Clone() CheckpointContent {
	cp := c
	cp.UnderstandingQuestions = append([]UnderstandingQuestion(nil), c.UnderstandingQuestions...)
	cp.FinancialConfirmations = append([]FinancialConfirmation(nil), c.FinancialConfirmations...)
	cp.MissingDocuments = append([]MissingDocument(nil), c.MissingDocuments...)
	cp.EntityQuestions = make([]EntityQuestion, len(c.EntityQuestions))
	for i, q := range c.EntityQuestions {
		q.Options = append([]string(nil), q.Options...)
		cp.EntityQuestions[i] = q
	}
	if c.EntityQuestions == nil {
		cp.EntityQuestions = nil
	}
	return cp
}

// ItemResponse is the user's answer to one content item. Which fields are
// meaningful depends on the item kind the key refers to.
type ItemResponse struct {
	// understanding questions
	Decision string `json:"decision,omitempty"`
	Comment  string `json:"comment,omitempty"`
	// financial confirmations
	Status         string `json:"status,omitempty"`
	CorrectedValue string `json:"corrected_value,omitempty"`
	// missing documents
	Action        string `json:"action,omitempty"`
	UploadedDocID string `json:"uploaded_doc_id,omitempty"`
	// entity questions
	Relationship string `json:"relationship,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Checkpoint is a mandatory human-input gate attached to a stage
type Checkpoint struct {
	ID                string                  `json:"id"`
	ProjectID         string                  `json:"project_id"`
	RunID             string                  `json:"run_id"`
	Type              CheckpointType          `json:"type"`
	Stage             StageID                 `json:"stage"`
	Status            CheckpointStatus        `json:"status"`
	Content           CheckpointContent       `json:"content"`
	UserResponses     map[string]ItemResponse `json:"user_responses,omitempty"`
	Corrections       map[string]ItemResponse `json:"corrections,omitempty"`
	SkipReason        string                  `json:"skip_reason,omitempty"`
	Epoch             int                     `json:"epoch"`
	RegenerationCount int                     `json:"regeneration_count"`
	CreatedAt         time.Time               `json:"created_at"`
	ResolvedAt        *time.Time              `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Content = c.Content.Clone()
	if c.UserResponses != nil {
		cp.UserResponses = make(map[string]ItemResponse, len(c.UserResponses))
		for k, v := range c.UserResponses {
			cp.UserResponses[k] = v
		}
	}
	if c.Corrections != nil {
		cp.Corrections = make(map[string]ItemResponse, len(c.Corrections))
		for k, v := range c.Corrections {
			cp.Corrections[k] = v
		}
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CheckpointResult is returned by respond and skip
type CheckpointResult struct {
	Status     CheckpointStatus `json:"status"`
	IsComplete bool             `json:"is_complete"`
	Message    string           `json:"message"`
}

// RegenerateResult is returned by summary regeneration
type RegenerateResult struct {
	UpdatedSummary     string `json:"updated_summary"`
	CorrectionsApplied int    `json:"corrections_applied"`
	Message            string `json:"message"`
}
