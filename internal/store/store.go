package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/dealdesk/internal/model"
)

// Sentinel errors surfaced to the HTTP layer for status mapping.
var (
	// ErrNotFound means the requested row does not exist or is not visible
	// to the requesting user.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyDecided means a review decision was attempted on a delta
	// that already reached a terminal status.
	ErrAlreadyDecided = errors.New("store: delta already decided")
)

// AnswerUpsert is one write to the live answer state for a (deal, question)
// pair.
type AnswerUpsert struct {
	DealID        string
	UserID        string
	QuestionID    string
	Answer        string
	Status        model.TasStatus
	UpdatedBy     string
	EvidenceLinks []string
}

// DeltaDecision records the outcome of reviewing one delta. FinalValue is the
// answer actually applied; for edited acceptances it differs from the
// proposed value.
type DeltaDecision struct {
	Status     model.DeltaStatus
	DecidedBy  string
	DecidedAt  time.Time
	FinalValue string
}

// DeltaFilter narrows bulk decisions to a confidence band.
type DeltaFilter struct {
	MinConfidence float64
}

// Store defines the persistence interface for the deal command center.
type Store interface {
	// Manual deals
	CreateManualDeal(ctx context.Context, userID string, draft model.ManualDealDraft, sourceOpportunityID string) (*model.DealCard, error)
	GetManualDeal(ctx context.Context, userID, opportunityID string) (*model.DealCard, error)
	ListManualDeals(ctx context.Context, userID, ownerEmail string) ([]model.DealCard, error)

	// Live answer states
	ListAnswers(ctx context.Context, dealID, userID string) ([]model.TasAnswerState, error)
	UpsertAnswer(ctx context.Context, upsert AnswerUpsert) error

	// Ingestion runs
	CreateIngestionRun(ctx context.Context, run *model.IngestionRun) error
	CompleteIngestionRun(ctx context.Context, runID, modelID string) error
	FailIngestionRun(ctx context.Context, runID, errorMessage string) error
	GetIngestionRun(ctx context.Context, runID, userID string) (*model.IngestionRun, error)
	ListIngestionRuns(ctx context.Context, dealID, userID string) ([]model.IngestionRun, error)

	// Extraction snapshots (append-only)
	NextSnapshotVersion(ctx context.Context, dealID string) (int, error)
	CreateSnapshot(ctx context.Context, snap *model.IngestionSnapshot) error

	// Review deltas
	InsertDeltas(ctx context.Context, deltas []model.IngestionDelta) error
	GetDelta(ctx context.Context, deltaID, userID string) (*model.IngestionDelta, error)
	ListDeltas(ctx context.Context, dealID, userID string) ([]model.IngestionDelta, error)
	ListPendingDeltas(ctx context.Context, dealID, userID string, filter DeltaFilter) ([]model.IngestionDelta, error)
	CountPendingDeltas(ctx context.Context, dealID string) (int, error)

	// ApplyDecision marks the delta decided and, when answer is non-nil,
	// upserts the live answer in the same transaction.
	ApplyDecision(ctx context.Context, deltaID string, decision DeltaDecision, answer *AnswerUpsert) error

	// ApplyBulkDecision decides every listed delta atomically; answers are
	// applied in the same transaction. Either all succeed or none do.
	ApplyBulkDecision(ctx context.Context, deltaIDs []string, decision DeltaDecision, answers []AnswerUpsert) error

	// Slack channel updates
	UpsertSlackUpdate(ctx context.Context, update model.SlackDealUpdate) error
	FindSlackThreadRoot(ctx context.Context, channelID, threadTS, userID string) (*model.SlackDealUpdate, error)
	ListSlackUpdates(ctx context.Context, query model.SignalQuery, restrictToUser string) ([]model.SlackDealUpdate, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// evidenceChips expands stored deep links into display chips.
func evidenceChips(questionID string, links []string) []model.EvidenceChip {
	chips := make([]model.EvidenceChip, 0, len(links))
	for i, link := range links {
		chips = append(chips, model.EvidenceChip{
			ID:         fmt.Sprintf("%s-%d", questionID, i),
			Label:      fmt.Sprintf("Evidence %d", i+1),
			DeepLink:   link,
			SourceType: "doc",
		})
	}
	return chips
}

// deltaStatusRank orders review queues: pending work first, then decided
// items by decision kind.
func deltaStatusRank(s model.DeltaStatus) int {
	switch s {
	case model.DeltaPending:
		return 0
	case model.DeltaAccepted:
		return 1
	case model.DeltaEditedAccepted:
		return 2
	case model.DeltaRejected:
		return 3
	default:
		return 10
	}
}

// manualDealCard builds the card returned right after creating a manual deal,
// before any aggregation has run against it.
func manualDealCard(id, sourceOpportunityID string, draft model.ManualDealDraft) model.DealCard {
	card := model.DealCard{
		OpportunityID:       id,
		SourceOpportunityID: sourceOpportunityID,
		Origin:              model.OriginManual,
		AccountName:         draft.AccountName,
		OpportunityName:     draft.OpportunityName,
		Stage:               draft.Stage,
		Amount:              draft.Amount,
		CloseDate:           draft.CloseDate,
		OwnerName:           draft.OwnerName,
		OwnerEmail:          draft.OwnerEmail,
	}
	applyEmptyCardDefaults(&card)
	return card
}

// applyEmptyCardDefaults fills the aggregate slices so callers never see nil
// JSON arrays on a freshly loaded card.
func applyEmptyCardDefaults(card *model.DealCard) {
	card.TasProgress = model.Progress{Total: len(model.AllQuestions())}
	card.EvidenceCoverage = model.Coverage{Total: len(model.AllQuestions())}
	card.Risk = model.DealRisk{Severity: model.RiskLow}
	if card.TopGaps == nil {
		card.TopGaps = []string{}
	}
	if card.SourceSignals == nil {
		card.SourceSignals = []model.DealSignal{}
	}
	if card.ConsolidatedInsights == nil {
		card.ConsolidatedInsights = []model.ConsolidatedInsight{}
	}
}

// normalizeToken lowercases and trims a match token before it is used in a
// substring comparison against stored Slack traffic.
func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
