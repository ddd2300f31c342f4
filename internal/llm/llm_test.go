package llm

import (
	"errors"
	"testing"
)

func TestSuffixBoundsHistory(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
	}
	if got := Suffix(history, 2); len(got) != 2 || got[0].Content != "b" {
		t.Fatalf("Suffix() = %#v", got)
	}
	if got := Suffix(history, 10); len(got) != 3 {
		t.Fatalf("Suffix() len = %d", len(got))
	}
	if got := Suffix(history, 0); got != nil {
		t.Fatalf("Suffix(0) = %#v", got)
	}
}

func TestRenderHistorySkipsBlankTurns(t *testing.T) {
	got := RenderHistory([]Turn{
		{Role: RoleUser, Content: " how many permits? "},
		{Role: RoleAssistant, Content: ""},
		{Role: RoleAssistant, Content: "42"},
	})
	if got != "user: how many permits?\nassistant: 42" {
		t.Fatalf("RenderHistory() = %q", got)
	}
}

func TestPromptValidate(t *testing.T) {
	if err := UserPrompt("sys", "q").Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := (Prompt{}).Validate(); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	p := Prompt{Turns: []Turn{{Role: RoleAssistant, Content: "x"}}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for prompt ending with assistant turn")
	}
}

func TestNewServiceErrorDoesNotDoubleWrap(t *testing.T) {
	base := errors.New("boom")
	err := NewServiceError("openai", base)
	wrapped := NewServiceError("anthropic", err)
	var svc *ServiceError
	if !errors.As(wrapped, &svc) || svc.Provider != "openai" {
		t.Fatalf("NewServiceError() = %v", wrapped)
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected wrapped error to unwrap to base")
	}
	if NewServiceError("x", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}
