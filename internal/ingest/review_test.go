package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/store"
)

func newTestReviewer(t *testing.T) (*Reviewer, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return &Reviewer{Store: st}, st
}

func seedPendingDelta(t *testing.T, st store.Store, dealID, userID, questionID string, confidence float64) string {
	t.Helper()
	ctx := context.Background()

	run := &model.IngestionRun{
		DealID:        dealID,
		SubmittedBy:   userID,
		SourceType:    model.SourceTypeCallNotes,
		RawContextEnc: "v1.n.t.c",
	}
	require.NoError(t, st.CreateIngestionRun(ctx, run))

	deltas := []model.IngestionDelta{{
		RunID:            run.ID,
		DealID:           dealID,
		QuestionID:       questionID,
		ProposedValue:    "Proposed answer for " + questionID,
		Confidence:       confidence,
		EvidenceSnippets: []string{"evidence quote"},
		Reasoning:        "stated in context",
		CreatedAt:        time.Now().UTC(),
	}}
	require.NoError(t, st.InsertDeltas(ctx, deltas))
	return deltas[0].ID
}

func TestDecideAcceptAppliesAnswer(t *testing.T) {
	ctx := context.Background()
	rev, st := newTestReviewer(t)
	deltaID := seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	decided, err := rev.Decide(ctx, DecideInput{
		DeltaID: deltaID, UserID: "user-1", UserName: "Jordan", Action: ActionAccept,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeltaAccepted, decided.Status)
	assert.Equal(t, "user-1", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)

	answers, err := st.ListAnswers(ctx, "deal-1", "user-1")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "Proposed answer for q1", answers[0].Answer)
	assert.Equal(t, model.TasConfirmed, answers[0].Status)
	require.Len(t, answers[0].Evidence, 1)
	assert.Equal(t, "evidence quote", answers[0].Evidence[0].DeepLink)
}

func TestDecideEditReplacesProposedValue(t *testing.T) {
	ctx := context.Background()
	rev, st := newTestReviewer(t)
	deltaID := seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	decided, err := rev.Decide(ctx, DecideInput{
		DeltaID: deltaID, UserID: "user-1", Action: ActionEdit,
		EditedAnswer: "Reviewer-corrected answer",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeltaEditedAccepted, decided.Status)
	assert.Equal(t, "Reviewer-corrected answer", decided.ProposedValue)

	answers, err := st.ListAnswers(ctx, "deal-1", "user-1")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "Reviewer-corrected answer", answers[0].Answer)
}

func TestDecideEditRejectsTinyAnswer(t *testing.T) {
	rev, st := newTestReviewer(t)
	deltaID := seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	_, err := rev.Decide(context.Background(), DecideInput{
		DeltaID: deltaID, UserID: "user-1", Action: ActionEdit, EditedAnswer: " no ",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 3 characters")

	// The delta stays pending.
	delta, err := st.GetDelta(context.Background(), deltaID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeltaPending, delta.Status)
}

func TestDecideRejectLeavesAnswersUntouched(t *testing.T) {
	ctx := context.Background()
	rev, st := newTestReviewer(t)
	deltaID := seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	decided, err := rev.Decide(ctx, DecideInput{
		DeltaID: deltaID, UserID: "user-1", Action: ActionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeltaRejected, decided.Status)
	assert.Equal(t, "Proposed answer for q1", decided.ProposedValue)

	answers, err := st.ListAnswers(ctx, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Empty(t, answers)
}

func TestDecideTwiceFails(t *testing.T) {
	rev, st := newTestReviewer(t)
	deltaID := seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	_, err := rev.Decide(context.Background(), DecideInput{
		DeltaID: deltaID, UserID: "user-1", Action: ActionAccept,
	})
	require.NoError(t, err)

	_, err = rev.Decide(context.Background(), DecideInput{
		DeltaID: deltaID, UserID: "user-1", Action: ActionReject,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyDecided)
}

func TestDecideScopedToSubmitter(t *testing.T) {
	rev, st := newTestReviewer(t)
	deltaID := seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	_, err := rev.Decide(context.Background(), DecideInput{
		DeltaID: deltaID, UserID: "user-2", Action: ActionAccept,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDecideBulkAcceptWithFloor(t *testing.T) {
	ctx := context.Background()
	rev, st := newTestReviewer(t)
	seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.92)
	seedPendingDelta(t, st, "deal-1", "user-1", "q2", 0.81)
	seedPendingDelta(t, st, "deal-1", "user-1", "q3", 0.66)

	affected, err := rev.DecideBulk(ctx, BulkInput{
		DealID: "deal-1", UserID: "user-1", Action: ActionAccept, MinConfidence: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, affected)

	answers, err := st.ListAnswers(ctx, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Len(t, answers, 2)

	remaining, err := st.CountPendingDeltas(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestDecideBulkRejectWritesNoAnswers(t *testing.T) {
	ctx := context.Background()
	rev, st := newTestReviewer(t)
	seedPendingDelta(t, st, "deal-1", "user-1", "q1", 0.9)

	affected, err := rev.DecideBulk(ctx, BulkInput{
		DealID: "deal-1", UserID: "user-1", Action: ActionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, affected)

	answers, err := st.ListAnswers(ctx, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Empty(t, answers)
}

func TestDecideBulkNoMatches(t *testing.T) {
	rev, _ := newTestReviewer(t)

	affected, err := rev.DecideBulk(context.Background(), BulkInput{
		DealID: "deal-1", UserID: "user-1", Action: ActionAccept,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, affected)
}

func TestDecideBulkRejectsUnknownAction(t *testing.T) {
	rev, _ := newTestReviewer(t)

	_, err := rev.DecideBulk(context.Background(), BulkInput{
		DealID: "deal-1", UserID: "user-1", Action: ActionEdit,
	})
	assert.Error(t, err)
}
