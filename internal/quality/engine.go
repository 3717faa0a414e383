package quality

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/pkg/anthropic"
)

const (
	qualityMaxTokens  = 4096
	modelFlagCap      = 6
	outstandingMerged = 4
	derivedPerSection = 2
)

// qualityPrompt is the system prompt for the validator call.
const qualityPrompt = `You are a TAS quality validator. Be strict. Mark answers not_confirmed when they are generic, speculative, contradictory, unresolved, or unsupported. Never assign high confidence to unknown placeholders.

Respond with ONLY valid JSON, no other text:
{"overallConfidence": 0.0, "criticalFlags": ["..."], "sectionQuality": [{"sectionId": "...", "confidence": 0.0, "rationale": "...", "outstandingItems": ["..."]}], "questionQuality": [{"questionId": "...", "confidence": 0.0, "verdict": "confirmed|not_confirmed", "rationale": "..."}]}`

type llmSectionQuality struct {
	SectionID        string   `json:"sectionId"`
	Confidence       *float64 `json:"confidence"`
	Rationale        string   `json:"rationale"`
	OutstandingItems []string `json:"outstandingItems"`
}

type llmQuestionQuality struct {
	QuestionID string   `json:"questionId"`
	Confidence *float64 `json:"confidence"`
	Verdict    string   `json:"verdict"`
	Rationale  string   `json:"rationale"`
}

type llmReport struct {
	OverallConfidence *float64             `json:"overallConfidence"`
	CriticalFlags     []string             `json:"criticalFlags"`
	SectionQuality    []llmSectionQuality  `json:"sectionQuality"`
	QuestionQuality   []llmQuestionQuality `json:"questionQuality"`
}

// sectionPayload is what the validator sees per section.
type sectionPayload struct {
	SectionID string            `json:"sectionId"`
	Title     string            `json:"title"`
	Questions []questionPayload `json:"questions"`
}

type questionPayload struct {
	QuestionID    string `json:"questionId"`
	Prompt        string `json:"prompt"`
	Answer        string `json:"answer"`
	Status        string `json:"status"`
	EvidenceCount int    `json:"evidenceCount"`
}

// Engine runs the quality check. With no AI client configured it always
// produces the heuristic report; with one it blends the model's judgment with
// the deterministic guardrails, and every failure degrades to the heuristic
// tier rather than an error.
type Engine struct {
	AI    anthropic.Client
	Model string
	Cache *ReportCache
}

// Evaluate produces the quality report for one deal's question states.
func (e *Engine) Evaluate(ctx context.Context, deal model.DealCard, states []model.TasAnswerState, cacheKey string) model.TasQualityReport {
	if e.Cache != nil {
		if report, ok := e.Cache.Get(cacheKey); ok {
			return report
		}
	}

	report := e.compute(ctx, deal, states)

	if e.Cache != nil {
		e.Cache.Put(cacheKey, report)
	}
	return report
}

func (e *Engine) compute(ctx context.Context, deal model.DealCard, states []model.TasAnswerState) model.TasQualityReport {
	if e.AI == nil {
		return HeuristicReport(states)
	}

	report, err := e.modelReport(ctx, deal, states)
	if err != nil {
		zap.L().Warn("quality model tier failed, using heuristic report",
			zap.String("deal", deal.OpportunityID),
			zap.Error(err))
		return HeuristicReport(states)
	}
	return *report
}

func (e *Engine) modelReport(ctx context.Context, deal model.DealCard, states []model.TasAnswerState) (*model.TasQualityReport, error) {
	payload, err := json.MarshalIndent(buildSectionsPayload(states), "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "quality: marshal sections")
	}
	dealJSON, err := json.MarshalIndent(map[string]string{
		"account":     deal.AccountName,
		"opportunity": deal.OpportunityName,
		"stage":       deal.Stage,
	}, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "quality: marshal deal")
	}

	resp, err := e.AI.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.Model,
		MaxTokens: qualityMaxTokens,
		System:    []anthropic.SystemBlock{{Text: qualityPrompt}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "Evaluate this TAS blueprint.\nDeal:\n" + string(dealJSON) + "\n\nSections:\n" + string(payload),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "quality: validator request")
	}
	resp.Usage.LogCost(resp.Model, "quality")

	parsed, err := parseQualityJSON(resp.Text())
	if err != nil {
		return nil, err
	}

	return blendReport(parsed, states), nil
}

func buildSectionsPayload(states []model.TasAnswerState) []sectionPayload {
	byID := make(map[string]model.TasAnswerState, len(states))
	for _, state := range states {
		byID[state.QuestionID] = state
	}

	sections := make([]sectionPayload, 0, len(model.TasTemplate))
	for _, section := range model.TasTemplate {
		questions := make([]questionPayload, 0, len(section.Questions))
		for _, question := range section.Questions {
			state, ok := byID[question.ID]
			status := string(model.TasEmpty)
			if ok && state.Status != "" {
				status = string(state.Status)
			}
			questions = append(questions, questionPayload{
				QuestionID:    question.ID,
				Prompt:        question.Prompt,
				Answer:        state.Answer,
				Status:        status,
				EvidenceCount: len(state.Evidence),
			})
		}
		sections = append(sections, sectionPayload{
			SectionID: section.ID,
			Title:     section.Title,
			Questions: questions,
		})
	}
	return sections
}

func parseQualityJSON(text string) (*llmReport, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, eris.New("quality: empty validator response")
	}

	var parsed llmReport
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return &parsed, nil
	}

	first := strings.Index(trimmed, "{")
	last := strings.LastIndex(trimmed, "}")
	if first < 0 || last <= first {
		return nil, eris.New("quality: no JSON object in validator response")
	}
	if err := json.Unmarshal([]byte(trimmed[first:last+1]), &parsed); err != nil {
		return nil, eris.Wrap(err, "quality: parse validator response")
	}
	return &parsed, nil
}

// blendReport re-applies the deterministic guardrails on top of the model's
// judgment so a permissive model cannot bless placeholder answers.
func blendReport(parsed *llmReport, states []model.TasAnswerState) *model.TasQualityReport {
	modelQuestions := make(map[string]llmQuestionQuality, len(parsed.QuestionQuality))
	for _, row := range parsed.QuestionQuality {
		modelQuestions[row.QuestionID] = row
	}

	questionQuality := make([]model.QuestionQuality, 0, len(states))
	verdictByID := make(map[string]model.QualityVerdict, len(states))
	for _, state := range states {
		fallback := heuristicQuestionQuality(state)
		answer := strings.TrimSpace(state.Answer)
		lowValue := isLowValueAnswer(answer)
		hedged := hasHedgedLanguage(answer)

		row, hasRow := modelQuestions[state.QuestionID]
		confidence := fallback.Confidence
		if hasRow && row.Confidence != nil {
			confidence = clamp(*row.Confidence)
		}
		if lowValue || hedged {
			confidence = min(confidence, lowValueCap)
		}
		if answer == "" {
			confidence = 0
		}
		if len(state.Evidence) == 0 && len(answer) < 40 {
			confidence = min(confidence, thinAnswerCap)
		}

		verdict := model.VerdictConfirmed
		if answer == "" || lowValue || confidence < confirmedVerdict ||
			(hasRow && row.Verdict == string(model.VerdictNotConfirmed)) {
			verdict = model.VerdictNotConfirmed
		}

		rationale := fallback.Rationale
		if hasRow && strings.TrimSpace(row.Rationale) != "" {
			rationale = row.Rationale
		}

		questionQuality = append(questionQuality, model.QuestionQuality{
			QuestionID: state.QuestionID,
			Confidence: confidence,
			Verdict:    verdict,
			Rationale:  rationale,
		})
		verdictByID[state.QuestionID] = verdict
	}

	stateByID := make(map[string]model.TasAnswerState, len(states))
	for _, state := range states {
		stateByID[state.QuestionID] = state
	}
	modelSections := make(map[string]llmSectionQuality, len(parsed.SectionQuality))
	for _, row := range parsed.SectionQuality {
		modelSections[row.SectionID] = row
	}

	sectionQuality := make([]model.SectionQuality, 0, len(model.TasTemplate))
	for _, section := range model.TasTemplate {
		lowValueCount := 0
		evidenceCount := 0
		notConfirmedCount := 0
		unansweredCount := 0
		var derived []string

		for _, question := range section.Questions {
			state := stateByID[question.ID]
			if isLowValueAnswer(state.Answer) {
				lowValueCount++
			}
			if len(state.Evidence) > 0 {
				evidenceCount++
			}
			if verdictByID[question.ID] == model.VerdictNotConfirmed {
				notConfirmedCount++
				if len(derived) < derivedPerSection {
					derived = append(derived, "Clarify: "+question.Prompt)
				}
			}
			if state.Status == model.TasEmpty || strings.TrimSpace(state.Answer) == "" {
				unansweredCount++
			}
		}

		total := float64(len(section.Questions))
		unresolvedRatio := float64(lowValueCount+unansweredCount+notConfirmedCount) / total
		evidenceRatio := float64(evidenceCount) / total

		row, hasRow := modelSections[section.ID]
		llmConfidence := 0.0
		if hasRow && row.Confidence != nil {
			llmConfidence = clamp(*row.Confidence)
		}
		confidence := clamp(llmConfidence - unresolvedRatio*0.55 + evidenceRatio*0.15)

		outstanding := make([]string, 0, outstandingMerged)
		if hasRow {
			for _, item := range row.OutstandingItems {
				if len(outstanding) == outstandingMerged {
					break
				}
				outstanding = append(outstanding, item)
			}
		}
		for _, item := range derived {
			if len(outstanding) == outstandingMerged {
				break
			}
			outstanding = append(outstanding, item)
		}
		if len(outstanding) > 0 {
			confidence = min(confidence, outstandingCap)
		}

		rationale := "No rationale provided."
		if hasRow && row.Rationale != "" {
			rationale = row.Rationale
		}

		sectionQuality = append(sectionQuality, model.SectionQuality{
			SectionID:        section.ID,
			Confidence:       confidence,
			Rationale:        rationale,
			OutstandingItems: outstanding,
		})
	}

	notConfirmed := 0
	for _, qq := range questionQuality {
		if qq.Verdict == model.VerdictNotConfirmed {
			notConfirmed++
		}
	}
	notConfirmedRatio := 0.0
	if len(questionQuality) > 0 {
		notConfirmedRatio = float64(notConfirmed) / float64(len(questionQuality))
	}

	modelOverall := 0.0
	if parsed.OverallConfidence != nil {
		modelOverall = clamp(*parsed.OverallConfidence)
	}
	overall := modelOverall*0.45 + meanSectionConfidence(sectionQuality)*0.55
	overall = clamp(overall - notConfirmedRatio*0.25)

	flags := []string{}
	for _, flag := range parsed.CriticalFlags {
		if len(flags) == modelFlagCap {
			break
		}
		flags = append(flags, flag)
	}

	return &model.TasQualityReport{
		OverallConfidence: overall,
		CriticalFlags:     flags,
		SectionQuality:    sectionQuality,
		QuestionQuality:   questionQuality,
		GeneratedAt:       time.Now().UTC(),
	}
}
