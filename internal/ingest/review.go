package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/store"
)

// ReviewAction is what a reviewer chose to do with a proposed delta.
type ReviewAction string

const (
	ActionAccept ReviewAction = "accept"
	ActionEdit   ReviewAction = "edit_then_accept"
	ActionReject ReviewAction = "reject"
)

// minEditedChars rejects edits too short to be a real answer.
const minEditedChars = 3

// DecideInput is one review decision.
type DecideInput struct {
	DeltaID      string
	UserID       string
	UserName     string
	Action       ReviewAction
	EditedAnswer string
}

// BulkInput decides every pending delta on a deal at once, optionally only
// those above a confidence floor.
type BulkInput struct {
	DealID        string
	UserID        string
	UserName      string
	Action        ReviewAction
	MinConfidence float64
}

// Reviewer applies human decisions to queued deltas. Accepted answers land in
// the live TAS state in the same transaction as the status transition.
type Reviewer struct {
	Store store.Store
}

// Decide applies one decision. A delta decides exactly once: a terminal delta
// returns store.ErrAlreadyDecided rather than silently absorbing the retry.
func (r *Reviewer) Decide(ctx context.Context, input DecideInput) (*model.IngestionDelta, error) {
	delta, err := r.Store.GetDelta(ctx, input.DeltaID, input.UserID)
	if err != nil {
		return nil, err
	}

	decision := store.DeltaDecision{
		DecidedBy: input.UserID,
		DecidedAt: time.Now().UTC(),
	}

	switch input.Action {
	case ActionReject:
		decision.Status = model.DeltaRejected
		if err := r.Store.ApplyDecision(ctx, input.DeltaID, decision, nil); err != nil {
			return nil, err
		}

	case ActionAccept, ActionEdit:
		answer := delta.ProposedValue
		if input.Action == ActionEdit {
			edited := strings.TrimSpace(input.EditedAnswer)
			if len(edited) < minEditedChars {
				return nil, eris.Wrapf(ErrInvalidInput, "ingest: edited answer must be at least %d characters", minEditedChars)
			}
			answer = edited
			decision.Status = model.DeltaEditedAccepted
		} else {
			decision.Status = model.DeltaAccepted
		}
		decision.FinalValue = answer

		upsert := answerFromDelta(*delta, answer, input.UserID, input.UserName)
		if err := r.Store.ApplyDecision(ctx, input.DeltaID, decision, &upsert); err != nil {
			return nil, err
		}

	default:
		return nil, eris.Wrapf(ErrInvalidInput, "ingest: unknown review action %q", input.Action)
	}

	return r.Store.GetDelta(ctx, input.DeltaID, input.UserID)
}

// DecideBulk accepts or rejects every matching pending delta in one
// transaction. Returns the number of deltas decided; zero matches is not an
// error.
func (r *Reviewer) DecideBulk(ctx context.Context, input BulkInput) (int, error) {
	if input.Action != ActionAccept && input.Action != ActionReject {
		return 0, eris.Wrapf(ErrInvalidInput, "ingest: bulk review supports accept or reject, got %q", input.Action)
	}

	pending, err := r.Store.ListPendingDeltas(ctx, input.DealID, input.UserID,
		store.DeltaFilter{MinConfidence: input.MinConfidence})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	decision := store.DeltaDecision{
		Status:    model.DeltaAccepted,
		DecidedBy: input.UserID,
		DecidedAt: time.Now().UTC(),
	}

	ids := make([]string, 0, len(pending))
	var answers []store.AnswerUpsert
	for _, delta := range pending {
		ids = append(ids, delta.ID)
		if input.Action == ActionAccept {
			answers = append(answers, answerFromDelta(delta, delta.ProposedValue, input.UserID, input.UserName))
		}
	}
	if input.Action == ActionReject {
		decision.Status = model.DeltaRejected
	}

	if err := r.Store.ApplyBulkDecision(ctx, ids, decision, answers); err != nil {
		return 0, err
	}
	return len(pending), nil
}

func answerFromDelta(delta model.IngestionDelta, answer, userID, userName string) store.AnswerUpsert {
	updatedBy := userName
	if updatedBy == "" {
		updatedBy = userID
	}
	return store.AnswerUpsert{
		DealID:        delta.DealID,
		UserID:        userID,
		QuestionID:    delta.QuestionID,
		Answer:        answer,
		Status:        model.TasConfirmed,
		UpdatedBy:     updatedBy,
		EvidenceLinks: delta.EvidenceSnippets,
	}
}
