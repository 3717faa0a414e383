package model

import "time"

// UserRole identifies the viewer's role for visibility decisions.
type UserRole string

const (
	RoleAD      UserRole = "AD"
	RoleSE      UserRole = "SE"
	RoleSA      UserRole = "SA"
	RoleManager UserRole = "MANAGER"
)

// SourceSystem tags which external system produced a signal.
type SourceSystem string

const (
	SourceGmail    SourceSystem = "gmail"
	SourceSlack    SourceSystem = "slack"
	SourceGong     SourceSystem = "gong"
	SourceGTMAgent SourceSystem = "gtm_agent"
)

// SignalVisibility marks whether a signal carries raw content or a
// manager-facing summary.
type SignalVisibility string

const (
	VisibilityOwnerOnly      SignalVisibility = "owner_only"
	VisibilityManagerSummary SignalVisibility = "manager_summary"
)

// SignalOwner marks whether the signal content originated with the viewer.
type SignalOwner string

const (
	OwnerSelf  SignalOwner = "self"
	OwnerOther SignalOwner = "other"
)

// DealSignal is a normalized evidence bundle from one external source for one
// deal. Ephemeral: cached in process, never persisted.
type DealSignal struct {
	Source       SourceSystem     `json:"source"`
	TotalMatches int              `json:"totalMatches"`
	Highlights   []string         `json:"highlights"`
	DeepLinks    []string         `json:"deepLinks"`
	LastActivity *time.Time       `json:"lastActivityAt,omitempty"`
	SourceOwner  SignalOwner      `json:"sourceOwner,omitempty"`
	Visibility   SignalVisibility `json:"visibility,omitempty"`
}

// InsightCategory classifies a consolidated insight.
type InsightCategory string

const (
	CategorySignerPath    InsightCategory = "signer_path"
	CategoryEconomicValue InsightCategory = "economic_value"
	CategoryCompetition   InsightCategory = "competition"
	CategoryTimeline      InsightCategory = "timeline"
	CategoryRisk          InsightCategory = "risk"
	CategoryGeneral       InsightCategory = "general"
)

// ConsolidatedInsight is a deduplicated cluster of near-identical signal
// highlights from one or more sources. Derived on each consolidation call.
type ConsolidatedInsight struct {
	ID                string          `json:"id"`
	Category          InsightCategory `json:"category"`
	Summary           string          `json:"summary"`
	NormalizedSummary string          `json:"normalizedSummary"`
	Sources           []SourceSystem  `json:"sources"`
	EvidenceLinks     []string        `json:"evidenceLinks"`
	Occurrences       int             `json:"occurrences"`
	LastActivity      *time.Time      `json:"lastActivityAt,omitempty"`
}

// ProbeResult reports whether a source connector is reachable with its
// configured credentials.
type ProbeResult struct {
	Connected bool   `json:"connected"`
	Mode      string `json:"mode,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SignalQuery scopes a signal fetch to one deal.
type SignalQuery struct {
	OpportunityID   string `json:"opportunityId,omitempty"`
	AccountName     string `json:"accountName"`
	OpportunityName string `json:"opportunityName"`
	OwnerEmail      string `json:"ownerEmail,omitempty"`
	ViewerUserID    string `json:"viewerUserId,omitempty"`
}

// TasStatus tracks how an answer entered its current state.
type TasStatus string

const (
	TasEmpty         TasStatus = "empty"
	TasManual        TasStatus = "manual"
	TasSuggested     TasStatus = "suggested"
	TasConfirmed     TasStatus = "confirmed"
	TasStale         TasStatus = "stale"
	TasContradiction TasStatus = "contradiction"
)

// EvidenceChip is one evidence reference attached to an answer.
type EvidenceChip struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	DeepLink   string `json:"deepLink"`
	SourceType string `json:"sourceType"`
}

// TasAnswerState is the live answer for one (deal, question) pair. Exactly
// one live state exists per pair; it is overwritten, never deleted.
type TasAnswerState struct {
	QuestionID    string         `json:"questionId"`
	Status        TasStatus      `json:"status"`
	Answer        string         `json:"answer,omitempty"`
	LastUpdatedAt *time.Time     `json:"lastUpdatedAt,omitempty"`
	LastUpdatedBy string         `json:"lastUpdatedBy,omitempty"`
	Evidence      []EvidenceChip `json:"evidence"`
}

// RiskSeverity buckets inferred deal risk.
type RiskSeverity string

const (
	RiskLow      RiskSeverity = "low"
	RiskMedium   RiskSeverity = "medium"
	RiskHigh     RiskSeverity = "high"
	RiskCritical RiskSeverity = "critical"
)

// DealRisk summarizes inferred risk for a deal card.
type DealRisk struct {
	Count    int          `json:"count"`
	Severity RiskSeverity `json:"severity"`
}

// Progress is an x-of-y counter.
type Progress struct {
	Answered int `json:"answered"`
	Total    int `json:"total"`
}

// Coverage tracks evidence backing across the template.
type Coverage struct {
	Backed int `json:"backed"`
	Total  int `json:"total"`
}

// DealOrigin distinguishes CRM-sourced deals from deals entered by hand.
type DealOrigin string

const (
	OriginSalesforce DealOrigin = "salesforce"
	OriginManual     DealOrigin = "manual"
)

// DealCard is the aggregated view of one opportunity.
type DealCard struct {
	OpportunityID        string                `json:"opportunityId"`
	SourceOpportunityID  string                `json:"sourceOpportunityId,omitempty"`
	Origin               DealOrigin            `json:"origin"`
	AccountName          string                `json:"accountName"`
	OpportunityName      string                `json:"opportunityName"`
	Stage                string                `json:"stage"`
	Amount               float64               `json:"amount"`
	CloseDate            time.Time             `json:"closeDate"`
	OwnerName            string                `json:"ownerName,omitempty"`
	OwnerEmail           string                `json:"ownerEmail,omitempty"`
	TasProgress          Progress              `json:"tasProgress"`
	EvidenceCoverage     Coverage              `json:"evidenceCoverage"`
	Risk                 DealRisk              `json:"risk"`
	NeedsReviewCount     int                   `json:"needsReviewCount"`
	TopGaps              []string              `json:"topGaps"`
	SourceSignals        []DealSignal          `json:"sourceSignals"`
	ConsolidatedInsights []ConsolidatedInsight `json:"consolidatedInsights"`
}

// DealDetail is a card plus its question states and audit.
type DealDetail struct {
	Deal      DealCard         `json:"deal"`
	Questions []TasAnswerState `json:"questions"`
	Audit     AuditResult      `json:"audit"`
}

// ManualDealDraft is the payload for creating a deal by hand.
type ManualDealDraft struct {
	AccountName     string    `json:"accountName"`
	OpportunityName string    `json:"opportunityName"`
	Stage           string    `json:"stage"`
	Amount          float64   `json:"amount"`
	CloseDate       time.Time `json:"closeDate"`
	OwnerName       string    `json:"ownerName"`
	OwnerEmail      string    `json:"ownerEmail"`
}
