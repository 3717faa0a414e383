package ingest

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/secrets"
	"github.com/sells-group/dealdesk/internal/store"
)

const (
	// DefaultConfidenceFloor is the minimum extraction confidence for a
	// proposal to enter the review queue.
	DefaultConfidenceFloor = 0.65

	// DefaultMaxDeltasPerRun caps how many proposals one run may produce.
	DefaultMaxDeltasPerRun = 12

	// DefaultMinContextLength rejects submissions too short to extract from.
	DefaultMinContextLength = 20
)

// ErrInvalidInput marks caller mistakes (short context, tiny edits, unknown
// actions) so transports can distinguish them from pipeline failures.
var ErrInvalidInput = eris.New("ingest: invalid input")

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// SubmitInput is one pasted-context submission.
type SubmitInput struct {
	DealID     string
	UserID     string
	SourceType model.IngestionSourceType
	RawContext string
}

// SubmitResult reports what a completed run produced.
type SubmitResult struct {
	RunID      string `json:"runId"`
	DeltaCount int    `json:"deltaCount"`
}

// Orchestrator drives a submission end to end: encrypt, extract, snapshot,
// diff, queue. Zero-valued tuning fields fall back to the package defaults.
type Orchestrator struct {
	Store     store.Store
	Extractor FieldExtractor
	Secrets   *secrets.Encryptor

	ConfidenceFloor  float64
	MaxDeltasPerRun  int
	MinContextLength int
}

// SubmitContext processes one pasted blob. The run row is created first in
// processing state; any downstream failure marks it failed with the message
// and returns the error, so a run never sticks in processing.
func (o *Orchestrator) SubmitContext(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	raw := strings.TrimSpace(input.RawContext)
	if len(raw) < o.minContextLength() {
		return nil, eris.Wrapf(ErrInvalidInput, "ingest: context too short, need at least %d characters", o.minContextLength())
	}

	if _, err := o.Store.GetManualDeal(ctx, input.UserID, input.DealID); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, eris.Wrap(store.ErrNotFound, "ingest: deal not accessible")
		}
		return nil, eris.Wrap(err, "ingest: verify deal")
	}

	encrypted, err := o.Secrets.Encrypt(raw)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: encrypt context")
	}

	run := &model.IngestionRun{
		DealID:        input.DealID,
		SubmittedBy:   input.UserID,
		SourceType:    input.SourceType,
		RawContextEnc: encrypted,
		Status:        model.RunProcessing,
	}
	if err := o.Store.CreateIngestionRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "ingest: create run")
	}

	result, err := o.process(ctx, run, raw)
	if err != nil {
		if failErr := o.Store.FailIngestionRun(ctx, run.ID, err.Error()); failErr != nil {
			zap.L().Error("mark run failed",
				zap.String("run_id", run.ID),
				zap.Error(failErr))
		}
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) process(ctx context.Context, run *model.IngestionRun, raw string) (*SubmitResult, error) {
	extraction, err := o.Extractor.Extract(ctx, raw)
	if err != nil {
		return nil, err
	}

	current, err := o.Store.ListAnswers(ctx, run.DealID, run.SubmittedBy)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: load current answers")
	}
	currentByQuestion := make(map[string]string, len(current))
	for _, state := range current {
		currentByQuestion[state.QuestionID] = state.Answer
	}

	version, err := o.Store.NextSnapshotVersion(ctx, run.DealID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: snapshot version")
	}

	fields := make(map[string]model.ExtractionField, len(extraction.Fields))
	for _, field := range extraction.Fields {
		fields[field.QuestionID] = field
	}
	if err := o.Store.CreateSnapshot(ctx, &model.IngestionSnapshot{
		RunID:   run.ID,
		DealID:  run.DealID,
		Version: version,
		Fields:  fields,
	}); err != nil {
		return nil, eris.Wrap(err, "ingest: write snapshot")
	}

	candidates := make([]model.ExtractionField, 0, len(extraction.Fields))
	for _, field := range extraction.Fields {
		if field.Confidence < o.confidenceFloor() {
			continue
		}
		if semanticallyEqual(currentByQuestion[field.QuestionID], field.ProposedAnswer) {
			continue
		}
		candidates = append(candidates, field)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if limit := o.maxDeltasPerRun(); len(candidates) > limit {
		candidates = candidates[:limit]
	}

	if len(candidates) > 0 {
		deltas := make([]model.IngestionDelta, 0, len(candidates))
		for _, field := range candidates {
			deltas = append(deltas, model.IngestionDelta{
				RunID:            run.ID,
				DealID:           run.DealID,
				QuestionID:       field.QuestionID,
				OldValue:         currentByQuestion[field.QuestionID],
				ProposedValue:    field.ProposedAnswer,
				Confidence:       field.Confidence,
				EvidenceSnippets: field.EvidenceSnippets,
				Reasoning:        field.Reasoning,
				Status:           model.DeltaPending,
			})
		}
		if err := o.Store.InsertDeltas(ctx, deltas); err != nil {
			return nil, eris.Wrap(err, "ingest: queue deltas")
		}
	}

	if err := o.Store.CompleteIngestionRun(ctx, run.ID, extraction.Model); err != nil {
		return nil, eris.Wrap(err, "ingest: complete run")
	}

	zap.L().Info("ingestion run completed",
		zap.String("run_id", run.ID),
		zap.String("deal_id", run.DealID),
		zap.Int("snapshot_version", version),
		zap.Int("delta_count", len(candidates)))

	return &SubmitResult{RunID: run.ID, DeltaCount: len(candidates)}, nil
}

// ListRuns returns the viewer's runs for a deal, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, dealID, userID string) ([]model.IngestionRun, error) {
	return o.Store.ListIngestionRuns(ctx, dealID, userID)
}

// ReviewQueue returns the deal's deltas joined with their question prompts,
// pending first, then accepted, edited, rejected; newest first within each.
func (o *Orchestrator) ReviewQueue(ctx context.Context, dealID, userID string) ([]model.DeltaView, error) {
	deltas, err := o.Store.ListDeltas(ctx, dealID, userID)
	if err != nil {
		return nil, err
	}

	views := make([]model.DeltaView, 0, len(deltas))
	for _, delta := range deltas {
		views = append(views, model.DeltaView{
			IngestionDelta: delta,
			QuestionPrompt: model.QuestionPrompt(delta.QuestionID),
		})
	}
	return views, nil
}

// DecryptedContext returns the plaintext a run was submitted with, scoped to
// the submitting owner.
func (o *Orchestrator) DecryptedContext(ctx context.Context, runID, userID string) (string, error) {
	run, err := o.Store.GetIngestionRun(ctx, runID, userID)
	if err != nil {
		return "", err
	}
	plaintext, err := o.Secrets.Decrypt(run.RawContextEnc)
	if err != nil {
		return "", eris.Wrap(err, "ingest: decrypt context")
	}
	return plaintext, nil
}

func (o *Orchestrator) confidenceFloor() float64 {
	if o.ConfidenceFloor > 0 {
		return o.ConfidenceFloor
	}
	return DefaultConfidenceFloor
}

func (o *Orchestrator) maxDeltasPerRun() int {
	if o.MaxDeltasPerRun > 0 {
		return o.MaxDeltasPerRun
	}
	return DefaultMaxDeltasPerRun
}

func (o *Orchestrator) minContextLength() int {
	if o.MinContextLength > 0 {
		return o.MinContextLength
	}
	return DefaultMinContextLength
}

// semanticallyEqual compares two answers after lowercasing and collapsing
// non-alphanumeric runs. Two empty answers are equal.
func semanticallyEqual(left, right string) bool {
	if left == "" && right == "" {
		return true
	}
	return normalizeAnswer(left) == normalizeAnswer(right)
}

func normalizeAnswer(s string) string {
	return strings.TrimSpace(nonAlnumRun.ReplaceAllString(strings.ToLower(s), " "))
}
