package salesforce

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/model"
)

// TasConfig describes where the questionnaire lives in the Salesforce schema.
// FieldMap translates question IDs (q1..q24) to custom field API names on the
// blueprint object; questions without a mapping are never read or written.
type TasConfig struct {
	Object           string            // e.g. "Opportunity_Blueprint__c"
	OpportunityField string            // lookup field back to the Opportunity
	FieldMap         map[string]string // question ID → field API name
}

// Opportunity is the subset of the Opportunity SObject the aggregator reads.
type Opportunity struct {
	ID        string  `json:"Id"`
	Name      string  `json:"Name"`
	StageName string  `json:"StageName"`
	Amount    float64 `json:"Amount"`
	CloseDate string  `json:"CloseDate"`
	Account   struct {
		Name string `json:"Name"`
	} `json:"Account"`
	Owner struct {
		Name  string `json:"Name"`
		Email string `json:"Email"`
	} `json:"Owner"`
}

// FetchOpenOpportunities lists open opportunities as deal cards, soonest
// close date first. An ownerEmail narrows the list to one rep's book.
func FetchOpenOpportunities(ctx context.Context, c Client, ownerEmail string) ([]model.DealCard, error) {
	ownerFilter := ""
	if ownerEmail != "" {
		ownerFilter = fmt.Sprintf(" AND Owner.Email = '%s'", escapeSoql(ownerEmail))
	}

	soql := fmt.Sprintf(
		"SELECT Id, Name, StageName, Amount, CloseDate, Account.Name, Owner.Name, Owner.Email "+
			"FROM Opportunity WHERE IsClosed = false%s ORDER BY CloseDate ASC LIMIT 100",
		ownerFilter,
	)

	var records []Opportunity
	if err := c.Query(ctx, soql, &records); err != nil {
		return nil, eris.Wrap(err, "sf: fetch open opportunities")
	}

	cards := make([]model.DealCard, 0, len(records))
	for _, rec := range records {
		card := model.DealCard{
			OpportunityID:       rec.ID,
			SourceOpportunityID: rec.ID,
			Origin:              model.OriginSalesforce,
			AccountName:         rec.Account.Name,
			OpportunityName:     rec.Name,
			Stage:               rec.StageName,
			Amount:              rec.Amount,
			OwnerName:           rec.Owner.Name,
			OwnerEmail:          rec.Owner.Email,
		}
		if card.AccountName == "" {
			card.AccountName = "Unknown Account"
		}
		if card.Stage == "" {
			card.Stage = "Discovery"
		}
		if t, err := time.Parse("2006-01-02", rec.CloseDate); err == nil {
			card.CloseDate = t
		} else {
			// No close date on the record: assume a 30-day horizon so the
			// card still sorts sensibly.
			card.CloseDate = time.Now().AddDate(0, 0, 30).UTC().Truncate(24 * time.Hour)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// CreateOpportunity creates an Opportunity record from a manual draft and
// returns the new record ID.
func CreateOpportunity(ctx context.Context, c Client, draft model.ManualDealDraft, accountID string) (string, error) {
	record := map[string]any{
		"Name":      draft.OpportunityName,
		"StageName": draft.Stage,
		"CloseDate": draft.CloseDate.Format("2006-01-02"),
		"Amount":    draft.Amount,
	}
	if accountID != "" {
		record["AccountId"] = accountID
	}

	id, err := c.InsertOne(ctx, "Opportunity", record)
	if err != nil {
		return "", eris.Wrap(err, "sf: create opportunity")
	}
	return id, nil
}

// FetchTasState reads the latest blueprint record for an opportunity and
// expands it into one answer state per template question. Returns nil when no
// field map is configured or no record exists.
func FetchTasState(ctx context.Context, c Client, cfg TasConfig, opportunityID string) ([]model.TasAnswerState, error) {
	if len(cfg.FieldMap) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(cfg.FieldMap))
	seen := make(map[string]bool, len(cfg.FieldMap))
	for _, q := range model.AllQuestions() {
		name, ok := cfg.FieldMap[q.ID]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		fields = append(fields, name)
	}

	soql := fmt.Sprintf(
		"SELECT Id, LastModifiedDate, LastModifiedBy.Name, %s FROM %s WHERE %s = '%s' "+
			"ORDER BY LastModifiedDate DESC LIMIT 1",
		strings.Join(fields, ", "), cfg.Object, cfg.OpportunityField, escapeSoql(opportunityID),
	)

	var rows []map[string]any
	if err := c.Query(ctx, soql, &rows); err != nil {
		return nil, eris.Wrap(err, "sf: fetch tas state")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]

	var updatedAt *time.Time
	if raw, ok := row["LastModifiedDate"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			updatedAt = &t
		}
	}
	updatedBy := "Salesforce"
	if by, ok := row["LastModifiedBy"].(map[string]any); ok {
		if name, ok := by["Name"].(string); ok && name != "" {
			updatedBy = name
		}
	}

	states := make([]model.TasAnswerState, 0, model.TasTotalQuestions)
	for _, q := range model.AllQuestions() {
		state := model.TasAnswerState{
			QuestionID: q.ID,
			Status:     model.TasEmpty,
			Evidence:   []model.EvidenceChip{},
		}
		if fieldName, ok := cfg.FieldMap[q.ID]; ok {
			if raw, ok := row[fieldName]; ok && raw != nil {
				if answer := fmt.Sprintf("%v", raw); answer != "" {
					state.Status = model.TasManual
					state.Answer = answer
					state.LastUpdatedAt = updatedAt
					state.LastUpdatedBy = updatedBy
				}
			}
		}
		states = append(states, state)
	}
	return states, nil
}

// WriteTasAnswer writes one answer to the blueprint record for an
// opportunity, creating the record if none exists yet.
func WriteTasAnswer(ctx context.Context, c Client, cfg TasConfig, opportunityID, questionID, answer string) error {
	fieldName, ok := cfg.FieldMap[questionID]
	if !ok {
		return eris.Errorf("sf: no field mapping for question %s", questionID)
	}

	soql := fmt.Sprintf(
		"SELECT Id FROM %s WHERE %s = '%s' ORDER BY LastModifiedDate DESC LIMIT 1",
		cfg.Object, cfg.OpportunityField, escapeSoql(opportunityID),
	)

	var rows []struct {
		ID string `json:"Id"`
	}
	if err := c.Query(ctx, soql, &rows); err != nil {
		return eris.Wrap(err, "sf: find tas record")
	}

	if len(rows) > 0 {
		return c.UpdateOne(ctx, cfg.Object, rows[0].ID, map[string]any{fieldName: answer})
	}

	_, err := c.InsertOne(ctx, cfg.Object, map[string]any{
		cfg.OpportunityField: opportunityID,
		fieldName:            answer,
	})
	return err
}
