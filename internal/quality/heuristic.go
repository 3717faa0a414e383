// Package quality scores how trustworthy the captured TAS answers are: a
// deterministic heuristic tier that always works, and an LLM tier that blends
// a model's judgment with the same deterministic guardrails. Low-value
// placeholder answers can never score as confirmed on either tier.
package quality

import (
	"regexp"
	"strings"
	"time"

	"github.com/sells-group/dealdesk/internal/model"
)

const (
	baselineConfidence = 0.62
	confirmedVerdict   = 0.72
	lowValueCap        = 0.64
	thinAnswerCap      = 0.58
	outstandingCap     = 0.69
	criticalSection    = 0.55
	criticalFlagCap    = 4
	outstandingPerSect = 3
)

var (
	lowValuePattern = regexp.MustCompile(`unknown|not identified|not defined|tbd|unclear|no named|no explicit|not yet defined|not yet identified`)
	hedgedPattern   = regexp.MustCompile(`(?i)maybe|likely|probably|possibly|seems|appears|uncertain|assume|guess`)
)

// isLowValueAnswer flags placeholder answers that carry no real information.
func isLowValueAnswer(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return true
	}
	return lowValuePattern.MatchString(strings.ToLower(trimmed)) || len(trimmed) < 24
}

func hasHedgedLanguage(answer string) bool {
	if answer == "" {
		return false
	}
	return hedgedPattern.MatchString(answer)
}

// heuristicQuestionQuality scores a single answer without any model call.
func heuristicQuestionQuality(state model.TasAnswerState) model.QuestionQuality {
	answer := strings.TrimSpace(state.Answer)
	if answer == "" {
		return model.QuestionQuality{
			QuestionID: state.QuestionID,
			Confidence: 0,
			Verdict:    model.VerdictNotConfirmed,
			Rationale:  "No answer is currently captured.",
		}
	}

	lowValue := isLowValueAnswer(answer)
	hedged := hasHedgedLanguage(answer)
	evidenceCount := len(state.Evidence)

	confidence := baselineConfidence
	if state.Status == model.TasConfirmed {
		confidence += 0.12
	}
	if state.Status == model.TasManual {
		confidence += 0.06
	}
	if evidenceCount > 0 {
		boost := float64(evidenceCount) * 0.08
		if boost > 0.22 {
			boost = 0.22
		}
		confidence += boost
	}
	if len(answer) >= 80 {
		confidence += 0.08
	}
	if lowValue {
		confidence -= 0.45
	}
	if hedged {
		confidence -= 0.18
	}
	if evidenceCount == 0 {
		confidence -= 0.1
	}

	confidence = clamp(confidence)
	if lowValue || hedged {
		confidence = min(confidence, lowValueCap)
	}
	if evidenceCount == 0 && len(answer) < 40 {
		confidence = min(confidence, thinAnswerCap)
	}

	verdict := model.VerdictNotConfirmed
	rationale := "Answer is weak, unresolved, or lacks enough support."
	if confidence >= confirmedVerdict && !lowValue {
		verdict = model.VerdictConfirmed
		rationale = "Answer appears specific and sufficiently grounded."
	}

	return model.QuestionQuality{
		QuestionID: state.QuestionID,
		Confidence: confidence,
		Verdict:    verdict,
		Rationale:  rationale,
	}
}

// HeuristicReport builds a full quality report deterministically. It is both
// the no-provider path and the fallback when the LLM tier fails.
func HeuristicReport(states []model.TasAnswerState) model.TasQualityReport {
	byID := make(map[string]model.TasAnswerState, len(states))
	questionQuality := make([]model.QuestionQuality, 0, len(states))
	verdictByID := make(map[string]model.QualityVerdict, len(states))
	for _, state := range states {
		byID[state.QuestionID] = state
		qq := heuristicQuestionQuality(state)
		questionQuality = append(questionQuality, qq)
		verdictByID[state.QuestionID] = qq.Verdict
	}

	sectionQuality := make([]model.SectionQuality, 0, len(model.TasTemplate))
	for _, section := range model.TasTemplate {
		answered := 0
		evidenced := 0
		notConfirmed := 0
		var outstanding []string

		for _, question := range section.Questions {
			state := byID[question.ID]
			if state.Status != model.TasEmpty && strings.TrimSpace(state.Answer) != "" {
				answered++
			}
			if len(state.Evidence) > 0 {
				evidenced++
			}
			if verdictByID[question.ID] == model.VerdictNotConfirmed {
				notConfirmed++
			}
			if state.Status == model.TasEmpty || verdictByID[question.ID] == model.VerdictNotConfirmed {
				if len(outstanding) < outstandingPerSect {
					outstanding = append(outstanding, "Clarify: "+question.Prompt)
				}
			}
		}

		total := float64(len(section.Questions))
		confidence := clamp(float64(answered)/total +
			float64(evidenced)/total*0.2 -
			float64(notConfirmed)/total*0.35)

		rationale := "Section appears complete with no obvious unresolved placeholders."
		if len(outstanding) > 0 {
			confidence = min(confidence, outstandingCap)
			rationale = "Section has unresolved or weakly supported answers."
		}

		sectionQuality = append(sectionQuality, model.SectionQuality{
			SectionID:        section.ID,
			Confidence:       confidence,
			Rationale:        rationale,
			OutstandingItems: nonNilStrings(outstanding),
		})
	}

	return model.TasQualityReport{
		OverallConfidence: meanSectionConfidence(sectionQuality),
		CriticalFlags:     lowConfidenceFlags(sectionQuality),
		SectionQuality:    sectionQuality,
		QuestionQuality:   questionQuality,
		GeneratedAt:       time.Now().UTC(),
	}
}

func meanSectionConfidence(sections []model.SectionQuality) float64 {
	if len(sections) == 0 {
		return 0
	}
	sum := 0.0
	for _, section := range sections {
		sum += section.Confidence
	}
	return sum / float64(len(sections))
}

func lowConfidenceFlags(sections []model.SectionQuality) []string {
	flags := []string{}
	for _, section := range sections {
		if section.Confidence >= criticalSection {
			continue
		}
		if title, ok := sectionTitle(section.SectionID); ok {
			flags = append(flags, title+" has low confidence and needs validation.")
		}
		if len(flags) == criticalFlagCap {
			break
		}
	}
	return flags
}

func sectionTitle(sectionID string) (string, bool) {
	for _, section := range model.TasTemplate {
		if section.ID == sectionID {
			return section.Title, true
		}
	}
	return sectionID, true
}

func clamp(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
