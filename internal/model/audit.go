package model

import "time"

// AuditFindingType classifies an audit finding.
type AuditFindingType string

const (
	FindingCriticalGap    AuditFindingType = "critical_gap"
	FindingContradiction  AuditFindingType = "contradiction"
	FindingStale          AuditFindingType = "stale"
	FindingRecommendation AuditFindingType = "recommendation"
)

// RecommendedCommitment is a suggested follow-up action for a gap.
type RecommendedCommitment struct {
	Title   string    `json:"title"`
	Owner   string    `json:"owner"`
	DueDate time.Time `json:"dueDate"`
}

// AuditFinding is one issue surfaced by the audit calculator.
type AuditFinding struct {
	ID                    string                 `json:"id"`
	Type                  AuditFindingType       `json:"type"`
	Severity              RiskSeverity           `json:"severity"`
	Message               string                 `json:"message"`
	QuestionID            string                 `json:"questionId,omitempty"`
	RecommendedCommitment *RecommendedCommitment `json:"recommendedCommitment,omitempty"`
}

// AuditResult is the stage-gated completion and evidence audit for one deal.
type AuditResult struct {
	OpportunityID             string         `json:"opportunityId"`
	Stage                     string         `json:"stage"`
	CompletionBySection       map[string]int `json:"completionBySection"`
	EvidenceCoverageBySection map[string]int `json:"evidenceCoverageBySection"`
	CompletionOverall         int            `json:"completionOverall"`
	EvidenceCoverageOverall   int            `json:"evidenceCoverageOverall"`
	CriticalGaps              []AuditFinding `json:"criticalGaps"`
	Contradictions            []AuditFinding `json:"contradictions"`
	StaleFlags                []AuditFinding `json:"staleFlags"`
	Recommendations           []AuditFinding `json:"recommendations"`
}
