package models

// StageID identifies a step in the review pipeline
type StageID string

const (
	StageDocumentUpload     StageID = "document_upload"
	StageClassification     StageID = "classification"
	StageEntityMapping      StageID = "entity_mapping"
	StageEntityConfirmation StageID = "entity_confirmation"
	StageReadabilityCheck   StageID = "readability_check"
	StageMissingDocsCheck   StageID = "missing_docs_check"
	StagePass1Extract       StageID = "pass_1_extract"
	StagePass2Analyze       StageID = "pass_2_analyze"
	StagePass3Crossdoc      StageID = "pass_3_crossdoc"
	StagePass4Aggregate     StageID = "pass_4_aggregate"
	StagePostAnalysis       StageID = "post_analysis"
	StagePass5Verify        StageID = "pass_5_verify"
	StageSynthesis          StageID = "synthesis"
	StageCompleted          StageID = "completed"
)

// Phase groups stages for display and polling cadence
type Phase string

const (
	PhasePreProcessing  Phase = "pre_processing"
	PhaseProcessing     Phase = "processing"
	PhasePostProcessing Phase = "post_processing"
)

// Stage is the immutable registry metadata for one pipeline step
type Stage struct {
	ID                StageID        `json:"id" yaml:"id"`
	Label             string         `json:"label" yaml:"label"`
	Phase             Phase          `json:"phase" yaml:"phase"`
	Order             int            `json:"order" yaml:"order"`
	IsCheckpoint      bool           `json:"is_checkpoint" yaml:"is_checkpoint"`
	CheckpointType    CheckpointType `json:"checkpoint_type,omitempty" yaml:"checkpoint_type"`
	RequiresUserInput bool           `json:"requires_user_input" yaml:"requires_user_input"`
	Resumable         bool           `json:"resumable" yaml:"resumable"`
	Terminal          bool           `json:"terminal,omitempty" yaml:"terminal"`
}

// PhaseInfo describes a phase and the stage range it covers
type PhaseInfo struct {
	ID         Phase     `json:"id" yaml:"id"`
	Label      string    `json:"label" yaml:"label"`
	FirstOrder int       `json:"first_order"`
	LastOrder  int       `json:"last_order"`
	Stages     []StageID `json:"stages"`
}
