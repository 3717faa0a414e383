// Package audit computes the stage-gated TAS completion audit for a deal:
// which critical questions are missing for the current pipeline gate, which
// answers have gone stale, and what to do about the worst gaps.
package audit

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sells-group/dealdesk/internal/model"
)

const (
	staleAfterDays    = 30
	recommendationCap = 3
	commitmentLead    = 72 * time.Hour
)

// Calculate runs the audit for one deal. states may be sparse; questions
// without a state count as empty.
func Calculate(opportunityID, stage string, states []model.TasAnswerState) model.AuditResult {
	gate := model.StageFromCRM(stage)
	byQuestion := make(map[string]model.TasAnswerState, len(states))
	for _, st := range states {
		byQuestion[st.QuestionID] = st
	}

	result := model.AuditResult{
		OpportunityID:             opportunityID,
		Stage:                     stage,
		CompletionBySection:       make(map[string]int, len(model.TasTemplate)),
		EvidenceCoverageBySection: make(map[string]int, len(model.TasTemplate)),
	}

	totalAnswered := 0
	totalBacked := 0
	now := time.Now()

	for _, section := range model.TasTemplate {
		answered := 0
		backed := 0

		for _, question := range section.Questions {
			state, ok := byQuestion[question.ID]
			if ok && state.Status != model.TasEmpty {
				answered++
			}
			if ok && len(state.Evidence) > 0 {
				backed++
			}

			if !ok || state.Status == model.TasEmpty {
				if gate.Rank() >= question.StageCriticalAt.Rank() {
					severity := model.RiskHigh
					if gate == model.StageCommit {
						severity = model.RiskCritical
					}
					result.CriticalGaps = append(result.CriticalGaps, model.AuditFinding{
						ID:         "gap-" + question.ID,
						Type:       model.FindingCriticalGap,
						Severity:   severity,
						Message:    "Missing required TAS answer: " + question.Prompt,
						QuestionID: question.ID,
					})
				}
			}

			if ok && state.LastUpdatedAt != nil && gate.Rank() > model.StageDiscovery.Rank() {
				ageDays := int(now.Sub(*state.LastUpdatedAt).Hours() / 24)
				if ageDays > staleAfterDays {
					result.StaleFlags = append(result.StaleFlags, model.AuditFinding{
						ID:         "stale-" + question.ID,
						Type:       model.FindingStale,
						Severity:   model.RiskMedium,
						Message:    fmt.Sprintf("Answer for %s is stale (%d days old).", question.ID, ageDays),
						QuestionID: question.ID,
					})
				}
			}
		}

		totalAnswered += answered
		totalBacked += backed
		result.CompletionBySection[section.Title] = percent(answered, len(section.Questions))
		result.EvidenceCoverageBySection[section.Title] = percent(backed, len(section.Questions))
	}

	result.CompletionOverall = percent(totalAnswered, model.TasTotalQuestions)
	result.EvidenceCoverageOverall = percent(totalBacked, model.TasTotalQuestions)
	result.Contradictions = detectContradictions(states)

	for i, gap := range result.CriticalGaps {
		if i == recommendationCap {
			break
		}
		due := now.Add(commitmentLead)
		result.Recommendations = append(result.Recommendations, model.AuditFinding{
			ID:       "rec-" + gap.ID,
			Type:     model.FindingRecommendation,
			Severity: gap.Severity,
			Message:  "Create commitment to resolve: " + gap.Message,
			RecommendedCommitment: &model.RecommendedCommitment{
				Title:   "Resolve TAS gap " + gap.QuestionID,
				Owner:   "Deal Owner",
				DueDate: due,
			},
		})
	}

	return result
}

func percent(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(whole) * 100))
}

// detectContradictions flags questions where multiple distinct non-empty
// answer variants coexist in the provided states.
func detectContradictions(states []model.TasAnswerState) []model.AuditFinding {
	variants := make(map[string]map[string]struct{})
	order := make([]string, 0, len(states))

	for _, st := range states {
		answer := strings.TrimSpace(st.Answer)
		if answer == "" {
			continue
		}
		set, ok := variants[st.QuestionID]
		if !ok {
			set = make(map[string]struct{})
			variants[st.QuestionID] = set
			order = append(order, st.QuestionID)
		}
		set[answer] = struct{}{}
	}

	var findings []model.AuditFinding
	for _, questionID := range order {
		if len(variants[questionID]) > 1 {
			findings = append(findings, model.AuditFinding{
				ID:         "con-" + questionID,
				Type:       model.FindingContradiction,
				Severity:   model.RiskMedium,
				Message:    "Conflicting answer variants detected for " + questionID,
				QuestionID: questionID,
			})
		}
	}
	return findings
}
