package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/askmesh/askmesh/internal/llm"
)

func TestComposeRowsCapsPromptAndHidesSQL(t *testing.T) {
	generator := &stubGenerator{reply: "There were 3 pothole complaints in March."}
	composer := New(generator, Options{RowLimit: 2, HistoryTurns: 1})

	rows := [][]any{{"Pothole", int64(3)}, {"Graffiti", int64(2)}, {"Noise", int64(1)}}
	got := composer.Compose(context.Background(), Input{
		Question: "How many pothole complaints in March?",
		History:  []llm.Turn{{Role: llm.RoleUser, Content: "earlier"}, {Role: llm.RoleAssistant, Content: "latest"}},
		SQL:      "SELECT category, count(*) FROM requests GROUP BY 1",
		Status:   StatusRows,
		Columns:  []string{"category", "count"},
		Rows:     rows,
	})
	if got != "There were 3 pothole complaints in March." {
		t.Fatalf("Compose() = %q", got)
	}

	user := generator.user
	if !strings.Contains(user, "Graffiti | 2") || strings.Contains(user, "Noise") {
		t.Fatalf("prompt should include only the first two rows:\n%s", user)
	}
	if !strings.Contains(user, "3 rows, first 2 shown") {
		t.Fatalf("prompt missing row count:\n%s", user)
	}
	if strings.Contains(strings.ToLower(user), "select") {
		t.Fatalf("prompt must not contain SQL:\n%s", user)
	}
	if strings.Contains(user, "earlier") || !strings.Contains(user, "assistant: latest") {
		t.Fatalf("prompt history suffix wrong:\n%s", user)
	}
}

func TestComposeEmptyWithSuggestions(t *testing.T) {
	generator := &stubGenerator{reply: "Nothing matched. Try Pothole or Graffiti."}
	composer := New(generator, Options{})

	got := composer.Compose(context.Background(), Input{
		Question:    "How many pot hole complaints?",
		Status:      StatusEmpty,
		Suggestions: []Suggestion{{Column: "request_type", Values: []string{"Pothole", "Graffiti"}}},
	})
	if got != "Nothing matched. Try Pothole or Graffiti." {
		t.Fatalf("Compose() = %q", got)
	}
	if !strings.Contains(generator.user, "- request type: Pothole, Graffiti") {
		t.Fatalf("prompt missing suggestions:\n%s", generator.user)
	}
}

func TestComposeFailedNeverLeaksError(t *testing.T) {
	generator := &stubGenerator{reply: "I could not find matching data."}
	composer := New(generator, Options{})

	composer.Compose(context.Background(), Input{
		Question: "q",
		SQL:      "SELECT missing FROM requests",
		Status:   StatusFailed,
	})
	if strings.Contains(generator.user, "missing") {
		t.Fatalf("prompt must not contain SQL or error details:\n%s", generator.user)
	}
	if !strings.Contains(generator.user, "No matching data could be found") {
		t.Fatalf("prompt missing failure marker:\n%s", generator.user)
	}
}

func TestComposeFallsBack(t *testing.T) {
	in := Input{
		Question: "How many?",
		SQL:      "SELECT count(*) FROM requests",
		Status:   StatusRows,
		Columns:  []string{"count"},
		Rows:     [][]any{{int64(42)}},
	}

	tests := []struct {
		name      string
		generator llm.Generator
	}{
		{name: "no generator", generator: nil},
		{name: "generator error", generator: &stubGenerator{err: errors.New("unavailable")}},
		{name: "empty reply", generator: &stubGenerator{reply: "  "}},
		{name: "echoes sql", generator: &stubGenerator{reply: "I ran select COUNT(*)   from requests and got 42."}},
		{name: "code fence", generator: &stubGenerator{reply: "```\n42\n```"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := New(tc.generator, Options{}).Compose(context.Background(), in)
			if got != "The answer is 42." {
				t.Fatalf("Compose() = %q", got)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want string
	}{
		{
			name: "many rows",
			in:   Input{Status: StatusRows, Rows: [][]any{{1, 2}, {3, 4}}},
			want: "I found 2 matching records.",
		},
		{
			name: "empty with suggestions",
			in:   Input{Status: StatusEmpty, Suggestions: []Suggestion{{Column: "status", Values: []string{"open", "closed"}}}},
			want: "I could not find any records matching that question. Values that do exist include status: open, closed. Try asking again with one of them.",
		},
		{
			name: "empty without suggestions",
			in:   Input{Status: StatusEmpty},
			want: "I could not find any data matching that question. Try rephrasing it or narrowing it to a specific category or time period.",
		},
		{
			name: "failed",
			in:   Input{Status: StatusFailed},
			want: "I could not find any data matching that question. Try rephrasing it or narrowing it to a specific category or time period.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Fallback(tc.in); got != tc.want {
				t.Fatalf("Fallback() = %q, want %q", got, tc.want)
			}
		})
	}
}

type stubGenerator struct {
	reply string
	err   error
	user  string
}

func (s *stubGenerator) Generate(_ context.Context, prompt llm.Prompt, _ float64) (string, error) {
	s.user = prompt.Turns[len(prompt.Turns)-1].Content
	return s.reply, s.err
}
