package salesforce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealdesk/internal/model"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Query(ctx context.Context, soql string, out any) error {
	args := m.Called(ctx, soql, out)
	return args.Error(0)
}

func (m *MockClient) InsertOne(ctx context.Context, sObjectName string, record map[string]any) (string, error) {
	args := m.Called(ctx, sObjectName, record)
	return args.String(0), args.Error(1)
}

func (m *MockClient) UpdateOne(ctx context.Context, sObjectName string, id string, fields map[string]any) error {
	args := m.Called(ctx, sObjectName, id, fields)
	return args.Error(0)
}

func testTasConfig() TasConfig {
	return TasConfig{
		Object:           "Opportunity_Blueprint__c",
		OpportunityField: "Opportunity__c",
		FieldMap: map[string]string{
			"q1": "Problem_Statement__c",
			"q2": "Budget_Status__c",
		},
	}
}

func TestFetchOpenOpportunities(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("Query", ctx, mock.MatchedBy(func(soql string) bool {
		return assert.Contains(t, soql, "FROM Opportunity WHERE IsClosed = false") &&
			assert.Contains(t, soql, "Owner.Email = 'ad@sells-group.com'")
	}), mock.Anything).Run(func(args mock.Arguments) {
		out := args.Get(2).(*[]Opportunity)
		var opp Opportunity
		opp.ID = "006xx0001"
		opp.Name = "Acme Renewal"
		opp.StageName = "Solutioning"
		opp.Amount = 250000
		opp.CloseDate = "2026-10-31"
		opp.Account.Name = "Acme Corp"
		opp.Owner.Name = "Jordan Diaz"
		opp.Owner.Email = "ad@sells-group.com"
		*out = []Opportunity{opp}
	}).Return(nil)

	cards, err := FetchOpenOpportunities(ctx, mc, "ad@sells-group.com")
	require.NoError(t, err)
	require.Len(t, cards, 1)

	card := cards[0]
	assert.Equal(t, "006xx0001", card.OpportunityID)
	assert.Equal(t, "006xx0001", card.SourceOpportunityID)
	assert.Equal(t, model.OriginSalesforce, card.Origin)
	assert.Equal(t, "Acme Corp", card.AccountName)
	assert.Equal(t, "Solutioning", card.Stage)
	assert.Equal(t, 250000.0, card.Amount)
	assert.Equal(t, time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC), card.CloseDate)
	mc.AssertExpectations(t)
}

func TestFetchOpenOpportunities_MissingFields(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("Query", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		out := args.Get(2).(*[]Opportunity)
		var opp Opportunity
		opp.ID = "006xx0002"
		opp.Name = "Orphan Deal"
		*out = []Opportunity{opp}
	}).Return(nil)

	cards, err := FetchOpenOpportunities(ctx, mc, "")
	require.NoError(t, err)
	require.Len(t, cards, 1)

	assert.Equal(t, "Unknown Account", cards[0].AccountName)
	assert.Equal(t, "Discovery", cards[0].Stage)
	assert.False(t, cards[0].CloseDate.IsZero(), "missing close dates get a default horizon")
}

func TestCreateOpportunity(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	draft := model.ManualDealDraft{
		OpportunityName: "Acme Expansion",
		Stage:           "Discovery",
		Amount:          90000,
		CloseDate:       time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC),
	}

	mc.On("InsertOne", ctx, "Opportunity", map[string]any{
		"Name":      "Acme Expansion",
		"StageName": "Discovery",
		"CloseDate": "2026-12-15",
		"Amount":    90000.0,
		"AccountId": "001xx0009",
	}).Return("006xx0003", nil)

	id, err := CreateOpportunity(ctx, mc, draft, "001xx0009")
	require.NoError(t, err)
	assert.Equal(t, "006xx0003", id)
	mc.AssertExpectations(t)
}

func TestFetchTasState(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("Query", ctx, mock.MatchedBy(func(soql string) bool {
		return assert.Contains(t, soql, "FROM Opportunity_Blueprint__c") &&
			assert.Contains(t, soql, "Opportunity__c = '006xx0001'")
	}), mock.Anything).Run(func(args mock.Arguments) {
		out := args.Get(2).(*[]map[string]any)
		*out = []map[string]any{{
			"Id":                   "a01xx0001",
			"LastModifiedDate":     "2026-08-20T14:30:00Z",
			"LastModifiedBy":       map[string]any{"Name": "Jordan Diaz"},
			"Problem_Statement__c": "Legacy tooling slows onboarding",
		}}
	}).Return(nil)

	states, err := FetchTasState(ctx, mc, testTasConfig(), "006xx0001")
	require.NoError(t, err)
	require.Len(t, states, model.TasTotalQuestions)

	byID := make(map[string]model.TasAnswerState, len(states))
	for _, s := range states {
		byID[s.QuestionID] = s
	}

	q1 := byID["q1"]
	assert.Equal(t, model.TasManual, q1.Status)
	assert.Equal(t, "Legacy tooling slows onboarding", q1.Answer)
	assert.Equal(t, "Jordan Diaz", q1.LastUpdatedBy)
	require.NotNil(t, q1.LastUpdatedAt)

	// Mapped but unanswered field stays empty, as do unmapped questions.
	assert.Equal(t, model.TasEmpty, byID["q2"].Status)
	assert.Equal(t, model.TasEmpty, byID["q3"].Status)
}

func TestFetchTasState_NoFieldMap(t *testing.T) {
	mc := new(MockClient)
	states, err := FetchTasState(context.Background(), mc, TasConfig{Object: "Opportunity_Blueprint__c"}, "006xx0001")
	require.NoError(t, err)
	assert.Nil(t, states)
	mc.AssertNotCalled(t, "Query")
}

func TestWriteTasAnswer_UpdatesExistingRecord(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("Query", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		out := args.Get(2).(*[]struct {
			ID string `json:"Id"`
		})
		*out = []struct {
			ID string `json:"Id"`
		}{{ID: "a01xx0001"}}
	}).Return(nil)

	mc.On("UpdateOne", ctx, "Opportunity_Blueprint__c", "a01xx0001", map[string]any{
		"Budget_Status__c": "CFO approved $250k",
	}).Return(nil)

	err := WriteTasAnswer(ctx, mc, testTasConfig(), "006xx0001", "q2", "CFO approved $250k")
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestWriteTasAnswer_CreatesRecordWhenMissing(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	mc.On("Query", ctx, mock.Anything, mock.Anything).Return(nil)
	mc.On("InsertOne", ctx, "Opportunity_Blueprint__c", map[string]any{
		"Opportunity__c":       "006xx0001",
		"Problem_Statement__c": "Manual process breaks at scale",
	}).Return("a01xx0002", nil)

	err := WriteTasAnswer(ctx, mc, testTasConfig(), "006xx0001", "q1", "Manual process breaks at scale")
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestWriteTasAnswer_UnmappedQuestion(t *testing.T) {
	mc := new(MockClient)
	err := WriteTasAnswer(context.Background(), mc, testTasConfig(), "006xx0001", "q9", "answer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no field mapping for question q9")
	mc.AssertNotCalled(t, "Query")
}

func TestEscapeSoql(t *testing.T) {
	assert.Equal(t, `O\'Brien Media`, escapeSoql("O'Brien Media"))
	assert.Equal(t, "plain", escapeSoql("plain"))
}
