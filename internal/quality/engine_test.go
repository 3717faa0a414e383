package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/pkg/anthropic"
)

type fakeAI struct {
	text  string
	err   error
	calls int
}

func (f *fakeAI) CreateMessage(context.Context, anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Model:   "claude-haiku-4-5-20251001",
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

var testDeal = model.DealCard{
	OpportunityID:   "deal-1",
	AccountName:     "Acme Corp",
	OpportunityName: "Acme Expansion",
	Stage:           "Solutioning",
}

const strongAnswer = "CFO Jordan Halloway signs after the security review completes in September."

// validatorJSON blesses q1 with high confidence and scores its section high.
const validatorJSON = `{
	"overallConfidence": 0.8,
	"criticalFlags": ["Competitive section is unsupported."],
	"sectionQuality": [
		{"sectionId": "strategic-initiative", "confidence": 0.9,
		 "rationale": "Well grounded.", "outstandingItems": []}
	],
	"questionQuality": [
		{"questionId": "q1", "confidence": 0.95, "verdict": "confirmed", "rationale": "Directly evidenced."}
	]
}`

func TestEvaluateWithoutProviderUsesHeuristic(t *testing.T) {
	engine := &Engine{}
	report := engine.Evaluate(context.Background(), testDeal, fullStates(nil), "key")
	assert.Zero(t, report.OverallConfidence)
	assert.Len(t, report.QuestionQuality, model.TasTotalQuestions)
}

func TestEvaluateBlendsModelJudgment(t *testing.T) {
	ai := &fakeAI{text: validatorJSON}
	engine := &Engine{AI: ai, Model: "claude-haiku-4-5-20251001"}

	states := fullStates(map[string]model.TasAnswerState{
		"q1": state("q1", model.TasConfirmed, strongAnswer, 2),
	})
	report := engine.Evaluate(context.Background(), testDeal, states, "key")

	var q1 model.QuestionQuality
	for _, qq := range report.QuestionQuality {
		if qq.QuestionID == "q1" {
			q1 = qq
		}
	}
	assert.InDelta(t, 0.95, q1.Confidence, 1e-9)
	assert.Equal(t, model.VerdictConfirmed, q1.Verdict)
	assert.Equal(t, "Directly evidenced.", q1.Rationale)

	assert.Equal(t, []string{"Competitive section is unsupported."}, report.CriticalFlags)
}

func TestEvaluateModelCannotBlessPlaceholders(t *testing.T) {
	// Model claims high confidence for a low-value answer.
	ai := &fakeAI{text: `{
		"overallConfidence": 0.9, "criticalFlags": [],
		"sectionQuality": [],
		"questionQuality": [{"questionId": "q1", "confidence": 0.97, "verdict": "confirmed", "rationale": "sure"}]
	}`}
	engine := &Engine{AI: ai, Model: "claude-haiku-4-5-20251001"}

	states := fullStates(map[string]model.TasAnswerState{
		"q1": state("q1", model.TasConfirmed, "Economic buyer is unknown for now, still digging", 3),
	})
	report := engine.Evaluate(context.Background(), testDeal, states, "key")

	var q1 model.QuestionQuality
	for _, qq := range report.QuestionQuality {
		if qq.QuestionID == "q1" {
			q1 = qq
		}
	}
	assert.LessOrEqual(t, q1.Confidence, lowValueCap)
	assert.Equal(t, model.VerdictNotConfirmed, q1.Verdict)
}

func TestEvaluateSectionPenalizesUnresolved(t *testing.T) {
	ai := &fakeAI{text: validatorJSON}
	engine := &Engine{AI: ai, Model: "claude-haiku-4-5-20251001"}

	states := fullStates(map[string]model.TasAnswerState{
		"q1": state("q1", model.TasConfirmed, strongAnswer, 2),
	})
	report := engine.Evaluate(context.Background(), testDeal, states, "key")

	first := report.SectionQuality[0]
	require.Equal(t, "strategic-initiative", first.SectionID)
	// Four of five questions unresolved drags the model's 0.9 well down and
	// the derived outstanding items cap it.
	assert.LessOrEqual(t, first.Confidence, outstandingCap)
	assert.NotEmpty(t, first.OutstandingItems)
	assert.LessOrEqual(t, len(first.OutstandingItems), outstandingMerged)
}

func TestEvaluateProviderFailureFallsBack(t *testing.T) {
	ai := &fakeAI{err: assert.AnError}
	engine := &Engine{AI: ai, Model: "claude-haiku-4-5-20251001"}

	report := engine.Evaluate(context.Background(), testDeal, fullStates(nil), "key")
	assert.Zero(t, report.OverallConfidence)
	assert.Len(t, report.SectionQuality, len(model.TasTemplate))
}

func TestEvaluateMalformedOutputFallsBack(t *testing.T) {
	ai := &fakeAI{text: "not json at all"}
	engine := &Engine{AI: ai, Model: "claude-haiku-4-5-20251001"}

	report := engine.Evaluate(context.Background(), testDeal, fullStates(nil), "key")
	assert.Len(t, report.QuestionQuality, model.TasTotalQuestions)
}

func TestEvaluateUsesCache(t *testing.T) {
	ai := &fakeAI{text: validatorJSON}
	engine := &Engine{AI: ai, Model: "claude-haiku-4-5-20251001", Cache: NewReportCache(time.Minute)}

	states := fullStates(nil)
	key := Fingerprint("user-1", "deal-1", "Solutioning", states)

	engine.Evaluate(context.Background(), testDeal, states, key)
	engine.Evaluate(context.Background(), testDeal, states, key)
	assert.Equal(t, 1, ai.calls)
}

func TestFingerprintChangesWithContent(t *testing.T) {
	states := fullStates(nil)
	base := Fingerprint("user-1", "deal-1", "Discovery", states)

	assert.NotEqual(t, base, Fingerprint("user-2", "deal-1", "Discovery", states))
	assert.NotEqual(t, base, Fingerprint("user-1", "deal-1", "Commit", states))

	edited := fullStates(map[string]model.TasAnswerState{
		"q1": state("q1", model.TasManual, "new answer", 0),
	})
	assert.NotEqual(t, base, Fingerprint("user-1", "deal-1", "Discovery", edited))

	assert.Equal(t, base, Fingerprint("user-1", "deal-1", "Discovery", fullStates(nil)))
}

func TestReportCacheExpiry(t *testing.T) {
	cache := NewReportCache(time.Minute)
	cache.Put("k", model.TasQualityReport{OverallConfidence: 0.5})

	report, ok := cache.Get("k")
	require.True(t, ok)
	assert.InDelta(t, 0.5, report.OverallConfidence, 1e-9)

	cache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok = cache.Get("k")
	assert.False(t, ok)
}
