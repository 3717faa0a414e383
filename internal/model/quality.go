package model

import "time"

// QualityVerdict is the per-question judgment of the quality engine.
type QualityVerdict string

const (
	VerdictConfirmed    QualityVerdict = "confirmed"
	VerdictNotConfirmed QualityVerdict = "not_confirmed"
)

// QuestionQuality scores one question's answer.
type QuestionQuality struct {
	QuestionID string         `json:"questionId"`
	Confidence float64        `json:"confidence"`
	Verdict    QualityVerdict `json:"verdict"`
	Rationale  string         `json:"rationale"`
}

// SectionQuality scores one template section.
type SectionQuality struct {
	SectionID        string   `json:"sectionId"`
	Confidence       float64  `json:"confidence"`
	Rationale        string   `json:"rationale"`
	OutstandingItems []string `json:"outstandingItems"`
}

// TasQualityReport is the full quality evaluation for one deal. Ephemeral;
// cached with a short TTL keyed by a content fingerprint.
type TasQualityReport struct {
	OverallConfidence float64           `json:"overallConfidence"`
	CriticalFlags     []string          `json:"criticalFlags"`
	SectionQuality    []SectionQuality  `json:"sectionQuality"`
	QuestionQuality   []QuestionQuality `json:"questionQuality"`
	GeneratedAt       time.Time         `json:"generatedAt"`
}
