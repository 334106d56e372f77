package assistant

import (
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
)

func TestBuildPromptIncludesColumnsAndDescription(t *testing.T) {
	prompt := buildPrompt("flag rows where amount is negative", []string{"amount", "status"})
	if !strings.Contains(prompt, "amount, status") {
		t.Fatalf("expected column list in prompt, got %q", prompt)
	}
	if !strings.Contains(prompt, "flag rows where amount is negative") {
		t.Fatalf("expected description in prompt")
	}
	if !strings.Contains(prompt, "IFERROR") {
		t.Fatalf("expected the closed function set to be listed in the prompt")
	}
}

func TestParseSuggestionStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"formula\": \"IF(@amount < 0, \\\"negative\\\", \\\"ok\\\")\", \"explanation\": \"checks sign\"}\n```"
	s, err := parseSuggestion(raw)
	if err != nil {
		t.Fatalf("parseSuggestion: %v", err)
	}
	if s.Formula != `IF(@amount < 0, "negative", "ok")` {
		t.Fatalf("unexpected formula %q", s.Formula)
	}
	if s.Explanation != "checks sign" {
		t.Fatalf("unexpected explanation %q", s.Explanation)
	}
}

func TestParseSuggestionRejectsNonJSON(t *testing.T) {
	if _, err := parseSuggestion("sure, here's a formula: @a + @b"); err == nil {
		t.Fatalf("expected an error for a non-JSON response")
	}
}

func TestParseSuggestionRejectsEmptyFormula(t *testing.T) {
	if _, err := parseSuggestion(`{"formula": "", "explanation": "n/a"}`); err == nil {
		t.Fatalf("expected an error for an empty formula field")
	}
}

func TestExtractTextConcatenatesTextParts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"formula":`), genai.Text(` "@a"}`)}}},
		},
	}
	got := extractText(resp)
	if got != `{"formula": "@a"}` {
		t.Fatalf("unexpected extracted text %q", got)
	}
}

func TestExtractTextHandlesNilResponse(t *testing.T) {
	if got := extractText(nil); got != "" {
		t.Fatalf("expected empty string for nil response, got %q", got)
	}
}

func TestNewDefaultsToFlashModelOnUnknownKey(t *testing.T) {
	a := New(nil, "nonsense")
	if a.modelName != AvailableModels["flash"].Name {
		t.Fatalf("expected fallback to flash model, got %q", a.modelName)
	}
}
