// Package assistant is the Formula Assistant enrichment component: a
// Gemini-backed natural-language-to-formula suggester. It is strictly
// advisory — it never runs on the mutation path (spec.md's Non-goals
// exclude a custom query language; this package only ever proposes a
// formula string for a human to review and apply through the normal
// formula-column command path).
//
// Grounded on the teacher's internal/database/rag/engine.go: model
// registry keyed by a short name, getModel() building a configured
// *genai.GenerativeModel per call, prompt-then-parse structure.
package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"github.com/cleanslate/engine/internal/formula"
)

// ModelConfig mirrors the teacher's per-model generation settings.
type ModelConfig struct {
	Name        string
	Temperature float32
	TopP        float32
	TopK        int32
}

// AvailableModels is the same flash/pro/experimental registry shape the
// teacher's rag package carries, reused here rather than invented
// fresh — the formula assistant has no reason to need a different set
// of Gemini models than the teacher's own GraphRAG engine.
var AvailableModels = map[string]ModelConfig{
	"flash": {Name: "gemini-flash-latest", Temperature: 0.3, TopP: 0.9, TopK: 32},
	"pro":   {Name: "gemini-pro-latest", Temperature: 0.3, TopP: 0.9, TopK: 32},
}

// Suggestion is one candidate formula the assistant proposes, never
// applied automatically.
type Suggestion struct {
	Formula     string `json:"formula"`
	Explanation string `json:"explanation"`
}

// Assistant proposes formulas for a described transformation, given
// the target table's column names.
type Assistant struct {
	client    *genai.Client
	modelName string
	config    ModelConfig
}

// New wraps client. modelKey selects from AvailableModels, defaulting
// to "flash" for latency (advisory suggestions should not stall the
// editor) when empty or unrecognized.
func New(client *genai.Client, modelKey string) *Assistant {
	if modelKey == "" {
		modelKey = "flash"
	}
	config, ok := AvailableModels[modelKey]
	if !ok {
		config = AvailableModels["flash"]
	}
	return &Assistant{client: client, modelName: config.Name, config: config}
}

func (a *Assistant) model() *genai.GenerativeModel {
	model := a.client.GenerativeModel(a.modelName)
	model.SetTemperature(a.config.Temperature)
	model.SetTopP(a.config.TopP)
	model.SetTopK(a.config.TopK)
	return model
}

// Suggest asks the model for a formula implementing description over a
// table with the given columns, then validates the model's answer
// against the real formula grammar before returning it — an invalid
// suggestion is a returned error, never silently handed to the caller
// as if it were trustworthy SQL-ready output.
func (a *Assistant) Suggest(ctx context.Context, description string, columns []string) (*Suggestion, error) {
	prompt := buildPrompt(description, columns)

	resp, err := a.model().GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("assistant: generate content: %w", err)
	}

	text := extractText(resp)
	suggestion, err := parseSuggestion(text)
	if err != nil {
		return nil, fmt.Errorf("assistant: parse model response: %w", err)
	}

	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}
	expr, err := formula.Parse(suggestion.Formula)
	if err != nil {
		return nil, fmt.Errorf("assistant: suggested formula does not parse: %w", err)
	}
	result := formula.Validate(expr, known)
	if !result.IsValid {
		return nil, fmt.Errorf("assistant: suggested formula failed validation: %+v", result.Errors)
	}

	return suggestion, nil
}

func buildPrompt(description string, columns []string) string {
	return fmt.Sprintf(`You write formulas in a closed spreadsheet-style formula grammar for a data-cleaning tool.

Grammar rules:
- Column references: @name or @[Bracketed Name]
- Literals: "string", number, TRUE, FALSE
- Operators: + - * / (arithmetic), & (string concat), = <> < > <= >= (comparison), AND OR NOT
- Closed function set only: IF, IFERROR, LEN, UPPER, LOWER, LEFT, RIGHT, MID, TRIM, CONCAT,
  SUBSTITUTE, PROPER, SPLIT, ROUND, ABS, CEILING, FLOOR, MOD, POWER, SQRT, AND, OR, NOT,
  COALESCE, ISBLANK, CONTAINS, ICONTAINS, STARTSWITH, ENDSWITH, LIKE, ILIKE, REGEX,
  REGEXEXTRACT, BETWEEN, YEAR, MONTH, DAY, DATEDIFF

Table columns available: %s

Task: %s

Respond with ONLY a JSON object: {"formula": "...", "explanation": "..."}. No other text.`,
		strings.Join(columns, ", "), description)
}

func extractText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}

func parseSuggestion(text string) (*Suggestion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var s Suggestion
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("not a JSON suggestion object: %w", err)
	}
	if s.Formula == "" {
		return nil, fmt.Errorf("model returned an empty formula")
	}
	return &s, nil
}
