// Package ingest runs the paste-to-review pipeline: raw deal context goes
// through one structured extraction call, becomes a versioned snapshot plus a
// capped set of high-confidence answer deltas, and every delta waits for a
// human decision before it touches the live TAS state.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/pkg/anthropic"
)

const (
	fallbackConfidence  = 0.4
	fallbackAnswer      = "Insufficient explicit evidence in provided context."
	excerptLimit        = 220
	evidenceSnippetCap  = 3
	extractionMaxTokens = 4096
)

// extractionPrompt is the system prompt for the TAS extraction call.
const extractionPrompt = `You extract TAS answers from raw deal context. Return concise factual outputs. Do not invent facts.

Respond with ONLY valid JSON, no other text: one object keyed by question id, each value an object with "proposedAnswer" (string), "confidence" (number 0.0-1.0), "evidenceSnippets" (array of short verbatim quotes from the context), and "reasoning" (string).`

// fieldPayload mirrors the per-question JSON shape the model returns. Loose
// types so a partially malformed field degrades instead of failing the run.
type fieldPayload struct {
	ProposedAnswer   string   `json:"proposedAnswer"`
	Confidence       *float64 `json:"confidence"`
	EvidenceSnippets []string `json:"evidenceSnippets"`
	Reasoning        string   `json:"reasoning"`
}

// FieldExtractor produces proposed answers for every template question from
// one blob of raw context.
type FieldExtractor interface {
	Extract(ctx context.Context, rawContext string) (*model.ExtractionResult, error)
}

// Extractor implements FieldExtractor on the Anthropic messages API.
type Extractor struct {
	AI    anthropic.Client
	Model string
}

// Extract sends one structured-output request covering all template questions.
// A provider failure is an error; malformed output is not, it degrades to
// per-question fallback fields so the run still completes.
func (e *Extractor) Extract(ctx context.Context, rawContext string) (*model.ExtractionResult, error) {
	if e.AI == nil {
		return nil, eris.New("ingest: no extraction model configured")
	}
	questions := model.AllQuestions()

	var sb strings.Builder
	sb.WriteString("Return ALL TAS question fields as JSON.\nQuestions:\n")
	for _, q := range questions {
		fmt.Fprintf(&sb, "%s: %s\n", q.ID, q.Prompt)
	}
	sb.WriteString("\nContext:\n")
	sb.WriteString(rawContext)

	resp, err := e.AI.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.Model,
		MaxTokens: extractionMaxTokens,
		System:    []anthropic.SystemBlock{{Text: extractionPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: extraction request")
	}
	resp.Usage.LogCost(resp.Model, "extraction")

	parsed := parseFieldObject(resp.Text())
	if parsed == nil {
		zap.L().Warn("extraction output unparseable, synthesizing fallback fields",
			zap.String("model", resp.Model))
	}

	fields := make([]model.ExtractionField, 0, len(questions))
	for _, q := range questions {
		fields = append(fields, resolveField(q, parsed[q.ID], rawContext))
	}

	return &model.ExtractionResult{Model: resp.Model, Fields: fields}, nil
}

// parseFieldObject parses the model output as a JSON object keyed by question
// id. On failure it re-slices from the first "{" to the last "}" and retries;
// nil means both attempts failed.
func parseFieldObject(text string) map[string]fieldPayload {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var payload map[string]fieldPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		return payload
	}

	first := strings.Index(trimmed, "{")
	last := strings.LastIndex(trimmed, "}")
	if first < 0 || last <= first {
		return nil
	}
	if err := json.Unmarshal([]byte(trimmed[first:last+1]), &payload); err != nil {
		return nil
	}
	return payload
}

// resolveField merges one parsed payload with the fallback synthesis rules.
func resolveField(question model.TasQuestion, field fieldPayload, rawContext string) model.ExtractionField {
	out := model.ExtractionField{
		QuestionID:       question.ID,
		ProposedAnswer:   fallbackAnswer,
		Confidence:       fallbackConfidence,
		EvidenceSnippets: fallbackEvidence(rawContext),
		Reasoning:        "No reliable statement found for: " + question.Prompt,
	}

	if answer := strings.TrimSpace(field.ProposedAnswer); answer != "" {
		out.ProposedAnswer = answer
	}
	if field.Confidence != nil {
		out.Confidence = clampConfidence(*field.Confidence)
	}
	if field.EvidenceSnippets != nil {
		snippets := make([]string, 0, evidenceSnippetCap)
		for _, s := range field.EvidenceSnippets {
			if strings.TrimSpace(s) == "" {
				continue
			}
			snippets = append(snippets, s)
			if len(snippets) == evidenceSnippetCap {
				break
			}
		}
		out.EvidenceSnippets = snippets
	}
	if reasoning := strings.TrimSpace(field.Reasoning); reasoning != "" {
		out.Reasoning = reasoning
	}
	return out
}

func fallbackEvidence(rawContext string) []string {
	excerpt := strings.TrimSpace(rawContext)
	if excerpt == "" {
		return []string{}
	}
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[:excerptLimit]
	}
	return []string{excerpt}
}

func clampConfidence(v float64) float64 {
	switch {
	case v != v: // NaN
		return fallbackConfidence
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
