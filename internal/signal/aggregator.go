package signal

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/audit"
	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/store"
	"github.com/sells-group/dealdesk/pkg/salesforce"
)

// Viewer identifies who is asking for deal data. Role and ownership drive
// the redaction path; UserID scopes manual deals and Slack captures.
type Viewer struct {
	UserID string
	Email  string
	Role   model.UserRole
}

// ListOptions tunes a deal listing.
type ListOptions struct {
	OwnerEmail  string
	WithSignals bool
}

// Aggregator assembles hydrated deal cards from the CRM, the manual deal
// store, the TAS answer state, and the signal providers.
type Aggregator struct {
	SF        salesforce.Client
	TasConfig salesforce.TasConfig
	Store     store.Store
	Collector *Collector
	Cache     *Cache
	AuthMode  string
}

// ListDeals merges CRM opportunities with manual deals, dedupes by source
// opportunity id (a manual deal wins over its CRM twin), hydrates each card
// and returns them ordered by close date ascending.
func (a *Aggregator) ListDeals(ctx context.Context, viewer Viewer, opts ListOptions) ([]model.DealCard, error) {
	var crmDeals []model.DealCard
	if a.SF != nil {
		fetched, err := salesforce.FetchOpenOpportunities(ctx, a.SF, opts.OwnerEmail)
		if err != nil {
			zap.L().Warn("crm opportunity fetch failed", zap.Error(err))
		} else {
			crmDeals = fetched
		}
	}

	manualDeals, err := a.Store.ListManualDeals(ctx, viewer.UserID, opts.OwnerEmail)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: list manual deals")
	}

	combined := append(append([]model.DealCard{}, manualDeals...), crmDeals...)
	seen := make(map[string]int, len(combined))
	unique := combined[:0]
	for _, deal := range combined {
		key := deal.SourceOpportunityID
		if key == "" {
			key = deal.OpportunityID
		}
		if idx, ok := seen[key]; ok {
			// Manual deals come first in combined, so the entry already
			// present wins unless it is the CRM copy.
			if unique[idx].Origin != model.OriginManual {
				unique[idx] = deal
			}
			continue
		}
		seen[key] = len(unique)
		unique = append(unique, deal)
	}

	hydrated := make([]model.DealCard, len(unique))
	for i := range unique {
		hydrated[i] = a.hydrate(ctx, unique[i], viewer, opts.WithSignals)
	}

	sort.SliceStable(hydrated, func(i, j int) bool {
		return hydrated[i].CloseDate.Before(hydrated[j].CloseDate)
	})
	return hydrated, nil
}

// GetDeal returns the hydrated detail for one deal, matching by card id or
// by source opportunity id, and running the audit over its question states.
func (a *Aggregator) GetDeal(ctx context.Context, viewer Viewer, opportunityID string, opts ListOptions) (*model.DealDetail, error) {
	deals, err := a.ListDeals(ctx, viewer, opts)
	if err != nil {
		return nil, err
	}

	var deal *model.DealCard
	for i := range deals {
		if deals[i].OpportunityID == opportunityID {
			deal = &deals[i]
			break
		}
	}
	if deal == nil {
		for i := range deals {
			if deals[i].SourceOpportunityID == opportunityID {
				deal = &deals[i]
				break
			}
		}
	}
	if deal == nil {
		manual, err := a.Store.GetManualDeal(ctx, viewer.UserID, opportunityID)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, eris.Wrap(err, "aggregator: get manual deal")
		}
		hydrated := a.hydrate(ctx, *manual, viewer, opts.WithSignals)
		deal = &hydrated
	}

	questions, err := a.questionStates(ctx, *deal, viewer)
	if err != nil {
		return nil, err
	}

	auditID := deal.SourceOpportunityID
	if auditID == "" {
		auditID = deal.OpportunityID
	}

	return &model.DealDetail{
		Deal:      *deal,
		Questions: questions,
		Audit:     audit.Calculate(auditID, deal.Stage, questions),
	}, nil
}

// CreateDeal records a manual deal, optionally mirroring it into the CRM
// first, and returns the hydrated card.
func (a *Aggregator) CreateDeal(ctx context.Context, viewer Viewer, draft model.ManualDealDraft, createInCRM bool) (*model.DealCard, error) {
	sourceID := ""
	if createInCRM && a.SF != nil {
		id, err := salesforce.CreateOpportunity(ctx, a.SF, draft, "")
		if err != nil {
			return nil, eris.Wrap(err, "aggregator: create crm opportunity")
		}
		sourceID = id
	}

	card, err := a.Store.CreateManualDeal(ctx, viewer.UserID, draft, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: create manual deal")
	}

	hydrated := a.hydrate(ctx, *card, viewer, true)
	return &hydrated, nil
}

// InvalidateSignals evicts cached signal bundles touching the given tokens.
func (a *Aggregator) InvalidateSignals(criteria InvalidateCriteria) {
	if a.Cache != nil {
		a.Cache.Invalidate(criteria)
	}
}

func (a *Aggregator) hydrate(ctx context.Context, base model.DealCard, viewer Viewer, withSignals bool) model.DealCard {
	questions, err := a.questionStates(ctx, base, viewer)
	if err != nil {
		zap.L().Warn("question state load failed",
			zap.String("deal", base.OpportunityID),
			zap.Error(err))
		questions = nil
	}

	signals := a.collectSignals(ctx, base, viewer, withSignals)

	summary := summarizeTas(base.Stage, questions)
	base.TasProgress = model.Progress{Answered: summary.answered, Total: model.TasTotalQuestions}
	base.EvidenceCoverage = model.Coverage{Backed: summary.evidenceBacked, Total: model.TasTotalQuestions}
	base.TopGaps = summary.topGaps
	if len(base.TopGaps) == 0 {
		base.TopGaps = []string{"No critical TAS gaps detected"}
	}
	base.Risk = inferRisk(summary.criticalGapCount, signals)

	pending, err := a.Store.CountPendingDeltas(ctx, dealKey(base))
	if err != nil {
		zap.L().Warn("pending delta count failed",
			zap.String("deal", base.OpportunityID),
			zap.Error(err))
		pending = 0
	}
	base.NeedsReviewCount = pending

	base.SourceSignals = signals
	base.ConsolidatedInsights = Consolidate(signals)
	if base.SourceSignals == nil {
		base.SourceSignals = []model.DealSignal{}
	}
	if base.ConsolidatedInsights == nil {
		base.ConsolidatedInsights = []model.ConsolidatedInsight{}
	}
	return base
}

// dealKey returns the id TAS answers and deltas are stored under: the CRM id
// when the deal is mirrored there, else the manual card id.
func dealKey(deal model.DealCard) string {
	if deal.SourceOpportunityID != "" {
		return deal.SourceOpportunityID
	}
	return deal.OpportunityID
}

func (a *Aggregator) questionStates(ctx context.Context, deal model.DealCard, viewer Viewer) ([]model.TasAnswerState, error) {
	// CRM-backed deals read TAS state from the blueprint object; local-only
	// deals read the answer store.
	if a.SF != nil && (deal.Origin == model.OriginSalesforce || deal.SourceOpportunityID != "") {
		states, err := salesforce.FetchTasState(ctx, a.SF, a.TasConfig, dealKey(deal))
		if err != nil {
			return nil, eris.Wrap(err, "aggregator: fetch tas state")
		}
		if states != nil {
			return mergeLocalAnswers(ctx, a.Store, states, dealKey(deal), viewer.UserID)
		}
	}

	stored, err := a.Store.ListAnswers(ctx, dealKey(deal), viewer.UserID)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: list answers")
	}
	return fillTemplate(stored), nil
}

// mergeLocalAnswers overlays locally confirmed answers on top of the CRM
// snapshot; the local store is authoritative for anything reviewed here.
func mergeLocalAnswers(ctx context.Context, st store.Store, crmStates []model.TasAnswerState, dealID, userID string) ([]model.TasAnswerState, error) {
	local, err := st.ListAnswers(ctx, dealID, userID)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: overlay answers")
	}
	byID := make(map[string]model.TasAnswerState, len(local))
	for _, state := range local {
		byID[state.QuestionID] = state
	}
	for i := range crmStates {
		if override, ok := byID[crmStates[i].QuestionID]; ok {
			crmStates[i] = override
		}
	}
	return crmStates, nil
}

// fillTemplate expands a sparse answer list to the full template, marking
// missing questions empty.
func fillTemplate(stored []model.TasAnswerState) []model.TasAnswerState {
	byID := make(map[string]model.TasAnswerState, len(stored))
	for _, state := range stored {
		byID[state.QuestionID] = state
	}

	out := make([]model.TasAnswerState, 0, model.TasTotalQuestions)
	for _, question := range model.AllQuestions() {
		if state, ok := byID[question.ID]; ok {
			out = append(out, state)
			continue
		}
		out = append(out, model.TasAnswerState{
			QuestionID: question.ID,
			Status:     model.TasEmpty,
			Evidence:   []model.EvidenceChip{},
		})
	}
	return out
}

func (a *Aggregator) collectSignals(ctx context.Context, deal model.DealCard, viewer Viewer, withSignals bool) []model.DealSignal {
	if !withSignals || a.Collector == nil {
		return nil
	}

	query := model.SignalQuery{
		OpportunityID:   dealKey(deal),
		AccountName:     deal.AccountName,
		OpportunityName: deal.OpportunityName,
		OwnerEmail:      deal.OwnerEmail,
		ViewerUserID:    viewer.UserID,
	}

	producer := func(ctx context.Context) ([]model.DealSignal, error) {
		return a.Collector.Collect(ctx, query, viewer.Role), nil
	}

	var signals []model.DealSignal
	if a.Cache != nil {
		key := Key(a.AuthMode, viewer.UserID, deal.AccountName, deal.OpportunityName)
		cached, err := a.Cache.GetOrFetch(ctx, key, producer)
		if err == nil {
			signals = cached
		}
	} else {
		signals, _ = producer(ctx)
	}

	ownsDeal := viewer.Email != "" && deal.OwnerEmail != "" &&
		strings.EqualFold(viewer.Email, deal.OwnerEmail)
	return Redact(signals, viewer.Role, ownsDeal)
}

type tasSummary struct {
	answered         int
	evidenceBacked   int
	topGaps          []string
	criticalGapCount int
}

const topGapCap = 2

// summarizeTas counts answered and evidence-backed questions and surfaces
// the stage-critical gaps for the deal's current gate.
func summarizeTas(stage string, states []model.TasAnswerState) tasSummary {
	gate := model.StageFromCRM(stage)
	byID := make(map[string]model.TasAnswerState, len(states))
	for _, state := range states {
		byID[state.QuestionID] = state
	}

	summary := tasSummary{}
	for _, state := range states {
		if state.Status != model.TasEmpty {
			summary.answered++
		}
		if len(state.Evidence) > 0 {
			summary.evidenceBacked++
		}
	}

	for _, question := range model.AllQuestions() {
		if question.StageCriticalAt.Rank() > gate.Rank() {
			continue
		}
		state, ok := byID[question.ID]
		if !ok || state.Status == model.TasEmpty {
			summary.criticalGapCount++
			if len(summary.topGaps) < topGapCap {
				summary.topGaps = append(summary.topGaps, question.Prompt)
			}
		}
	}
	return summary
}

// inferRisk scores a deal by its stage-critical gaps plus a penalty when no
// external signals exist at all.
func inferRisk(criticalGaps int, signals []model.DealSignal) model.DealRisk {
	score := criticalGaps
	if len(signals) == 0 {
		score++
	}

	severity := model.RiskLow
	switch {
	case score >= 6:
		severity = model.RiskCritical
	case score >= 4:
		severity = model.RiskHigh
	case score >= 2:
		severity = model.RiskMedium
	}
	return model.DealRisk{Count: score, Severity: severity}
}
