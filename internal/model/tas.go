package model

import "strings"

// Stage is a deal pipeline phase. Stages are ordered: a question critical at
// Discovery is also critical at every later stage.
type Stage string

const (
	StageDiscovery   Stage = "Discovery"
	StageSolutioning Stage = "Solutioning"
	StageCommit      Stage = "Commit"
)

// Rank returns the ordering of a stage. Unknown stages rank as Discovery.
func (s Stage) Rank() int {
	switch s {
	case StageCommit:
		return 3
	case StageSolutioning:
		return 2
	default:
		return 1
	}
}

// StageFromCRM maps a free-form CRM stage string to a pipeline gate.
func StageFromCRM(stage string) Stage {
	normalized := strings.ToLower(stage)
	if strings.Contains(normalized, "commit") || strings.Contains(normalized, "closed") {
		return StageCommit
	}
	if strings.Contains(normalized, "solution") {
		return StageSolutioning
	}
	return StageDiscovery
}

// TasQuestion is one question from the fixed TAS template.
type TasQuestion struct {
	ID              string `json:"id"`
	SectionID       string `json:"sectionId"`
	Prompt          string `json:"prompt"`
	StageCriticalAt Stage  `json:"stageCriticalAt"`
	AutopopPriority string `json:"autopopPriority"`
}

// TasSection groups template questions.
type TasSection struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Questions []TasQuestion `json:"questions"`
}

// TasTotalQuestions is the size of the fixed template.
const TasTotalQuestions = 24

// TasTemplate is the fixed 24-question questionnaire tracked per deal.
// Reference data; never mutated at runtime.
var TasTemplate = []TasSection{
	{ID: "strategic-initiative", Title: "Strategic Initiative & CEO Priority", Questions: []TasQuestion{
		{ID: "q1", SectionID: "strategic-initiative", Prompt: "What is the strategic initiative tied to this deal?", StageCriticalAt: StageDiscovery, AutopopPriority: "medium"},
		{ID: "q2", SectionID: "strategic-initiative", Prompt: "What CEO-level priority does this initiative serve?", StageCriticalAt: StageDiscovery, AutopopPriority: "medium"},
		{ID: "q3", SectionID: "strategic-initiative", Prompt: "What board-level pressure is influencing urgency?", StageCriticalAt: StageSolutioning, AutopopPriority: "low"},
		{ID: "q4", SectionID: "strategic-initiative", Prompt: "What outcome must happen this quarter?", StageCriticalAt: StageSolutioning, AutopopPriority: "medium"},
		{ID: "q5", SectionID: "strategic-initiative", Prompt: "What happens if this initiative slips?", StageCriticalAt: StageCommit, AutopopPriority: "medium"},
	}},
	{ID: "economic-value", Title: "Economic Value & Consequences", Questions: []TasQuestion{
		{ID: "q6", SectionID: "economic-value", Prompt: "What is the primary metric this deal moves?", StageCriticalAt: StageDiscovery, AutopopPriority: "high"},
		{ID: "q7", SectionID: "economic-value", Prompt: "What is the baseline value today?", StageCriticalAt: StageSolutioning, AutopopPriority: "high"},
		{ID: "q8", SectionID: "economic-value", Prompt: "What is the projected value at success?", StageCriticalAt: StageSolutioning, AutopopPriority: "high"},
		{ID: "q9", SectionID: "economic-value", Prompt: "What is the quantified cost of inaction?", StageCriticalAt: StageCommit, AutopopPriority: "high"},
		{ID: "q10", SectionID: "economic-value", Prompt: "Who validates the value model?", StageCriticalAt: StageCommit, AutopopPriority: "medium"},
		{ID: "q11", SectionID: "economic-value", Prompt: "What financial risk remains unresolved?", StageCriticalAt: StageCommit, AutopopPriority: "medium"},
	}},
	{ID: "power-politics", Title: "Power, Politics, Signature & Partners", Questions: []TasQuestion{
		{ID: "q12", SectionID: "power-politics", Prompt: "Who is the economic buyer?", StageCriticalAt: StageDiscovery, AutopopPriority: "high"},
		{ID: "q13", SectionID: "power-politics", Prompt: "Who signs and what is the signature path?", StageCriticalAt: StageCommit, AutopopPriority: "high"},
		{ID: "q14", SectionID: "power-politics", Prompt: "Who can block this deal internally?", StageCriticalAt: StageSolutioning, AutopopPriority: "high"},
		{ID: "q15", SectionID: "power-politics", Prompt: "Who champions this deal and why?", StageCriticalAt: StageDiscovery, AutopopPriority: "medium"},
		{ID: "q16", SectionID: "power-politics", Prompt: "Who influences technical selection?", StageCriticalAt: StageSolutioning, AutopopPriority: "medium"},
		{ID: "q17", SectionID: "power-politics", Prompt: "Which procurement constraints matter?", StageCriticalAt: StageSolutioning, AutopopPriority: "medium"},
		{ID: "q18", SectionID: "power-politics", Prompt: "Which legal/security approvers are required?", StageCriticalAt: StageCommit, AutopopPriority: "high"},
		{ID: "q19", SectionID: "power-politics", Prompt: "What partner dependencies affect close?", StageCriticalAt: StageCommit, AutopopPriority: "medium"},
	}},
	{ID: "vision-alignment", Title: "Vision Alignment", Questions: []TasQuestion{
		{ID: "q20", SectionID: "vision-alignment", Prompt: "What future-state vision did customer confirm?", StageCriticalAt: StageSolutioning, AutopopPriority: "medium"},
		{ID: "q21", SectionID: "vision-alignment", Prompt: "What proof points made the vision credible?", StageCriticalAt: StageCommit, AutopopPriority: "medium"},
	}},
	{ID: "differentiation", Title: "Product Differentiation", Questions: []TasQuestion{
		{ID: "q22", SectionID: "differentiation", Prompt: "Which differentiator matters most for this deal?", StageCriticalAt: StageSolutioning, AutopopPriority: "medium"},
		{ID: "q23", SectionID: "differentiation", Prompt: "How is differentiation proven in customer context?", StageCriticalAt: StageCommit, AutopopPriority: "medium"},
	}},
	{ID: "competitive-reality", Title: "Competitive Reality", Questions: []TasQuestion{
		{ID: "q24", SectionID: "competitive-reality", Prompt: "Who are active competitors and why could they win?", StageCriticalAt: StageCommit, AutopopPriority: "high"},
	}},
}

// AllQuestions returns the template questions flattened in template order.
func AllQuestions() []TasQuestion {
	out := make([]TasQuestion, 0, TasTotalQuestions)
	for _, section := range TasTemplate {
		out = append(out, section.Questions...)
	}
	return out
}

// QuestionByID looks up a template question. The second return is false for
// ids outside the template.
func QuestionByID(id string) (TasQuestion, bool) {
	for _, section := range TasTemplate {
		for _, q := range section.Questions {
			if q.ID == id {
				return q, true
			}
		}
	}
	return TasQuestion{}, false
}

// QuestionPrompt returns the prompt for a question id, or the id itself when
// the id is not in the template.
func QuestionPrompt(id string) string {
	if q, ok := QuestionByID(id); ok {
		return q.Prompt
	}
	return id
}

// SectionByID looks up a template section.
func SectionByID(id string) (TasSection, bool) {
	for _, section := range TasTemplate {
		if section.ID == id {
			return section, true
		}
	}
	return TasSection{}, false
}
