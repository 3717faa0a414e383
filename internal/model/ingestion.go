package model

import "time"

// IngestionSourceType tags where pasted context came from.
type IngestionSourceType string

const (
	SourceTypeCallNotes     IngestionSourceType = "call_notes"
	SourceTypeSlackPaste    IngestionSourceType = "slack"
	SourceTypeEmailPaste    IngestionSourceType = "email"
	SourceTypeDoc           IngestionSourceType = "doc"
	SourceTypePastedContext IngestionSourceType = "pasted_context"
	SourceTypeOther         IngestionSourceType = "other"
)

// RunStatus is the ingestion run state machine. A run transitions exactly
// once from processing to a terminal state.
type RunStatus string

const (
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// IngestionRun records one submitted context blob and its extraction outcome.
// RawContextEnc holds the encrypted raw text; plaintext is never persisted.
type IngestionRun struct {
	ID            string              `json:"id"`
	DealID        string              `json:"dealId"`
	SubmittedBy   string              `json:"submittedBy"`
	SourceType    IngestionSourceType `json:"sourceType"`
	RawContextEnc string              `json:"-"`
	Status        RunStatus           `json:"status"`
	Model         string              `json:"model"`
	ErrorMessage  string              `json:"errorMessage,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	DeltaCount    int                 `json:"deltaCount"`
}

// ExtractionField is the proposed answer for one template question produced
// by a single extraction call.
type ExtractionField struct {
	QuestionID       string   `json:"questionId"`
	ProposedAnswer   string   `json:"proposedAnswer"`
	Confidence       float64  `json:"confidence"`
	EvidenceSnippets []string `json:"evidenceSnippets"`
	Reasoning        string   `json:"reasoning"`
}

// ExtractionResult is the full 24-field output of one extraction call.
type ExtractionResult struct {
	Model  string            `json:"model"`
	Fields []ExtractionField `json:"fields"`
}

// IngestionSnapshot captures the complete extraction payload for audit.
// Versions increment monotonically per deal; rows are append-only.
type IngestionSnapshot struct {
	ID        string                     `json:"id"`
	RunID     string                     `json:"runId"`
	DealID    string                     `json:"dealId"`
	Version   int                        `json:"version"`
	Fields    map[string]ExtractionField `json:"fields"`
	CreatedAt time.Time                  `json:"createdAt"`
}

// DeltaStatus is the review state of a proposed answer change. A delta
// transitions exactly once from pending to a terminal status.
type DeltaStatus string

const (
	DeltaPending        DeltaStatus = "pending"
	DeltaAccepted       DeltaStatus = "accepted"
	DeltaEditedAccepted DeltaStatus = "edited_accepted"
	DeltaRejected       DeltaStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s DeltaStatus) Terminal() bool {
	return s == DeltaAccepted || s == DeltaEditedAccepted || s == DeltaRejected
}

// IngestionDelta is one proposed change to a TAS answer, pending human
// review. OldValue snapshots the answer at proposal time.
type IngestionDelta struct {
	ID               string      `json:"id"`
	RunID            string      `json:"runId"`
	DealID           string      `json:"dealId"`
	QuestionID       string      `json:"questionId"`
	OldValue         string      `json:"oldValue,omitempty"`
	ProposedValue    string      `json:"proposedValue"`
	Confidence       float64     `json:"confidence"`
	EvidenceSnippets []string    `json:"evidenceSnippets"`
	Reasoning        string      `json:"reasoning"`
	Status           DeltaStatus `json:"status"`
	DecidedBy        string      `json:"decidedBy,omitempty"`
	DecidedAt        *time.Time  `json:"decidedAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// DeltaView is a delta joined with its question prompt for display.
type DeltaView struct {
	IngestionDelta
	QuestionPrompt string `json:"questionPrompt"`
}
