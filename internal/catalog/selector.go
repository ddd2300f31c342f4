package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/observability"
)

const selectionSystemPrompt = `You choose which database tables are needed to answer a question.
Reply with a JSON array of table names taken from the list, for example ["requests"].
Choose the smallest set that can answer the question. Reply [] when no table fits.`

// Selector asks the model which catalog tables a question needs.
type Selector struct {
	generator llm.Generator
}

func NewSelector(generator llm.Generator) *Selector {
	return &Selector{generator: generator}
}

// Select returns the chosen table names in catalog order. Names the model
// invents are dropped.
func (s *Selector) Select(ctx context.Context, question string, entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if s.generator == nil {
		return nil, llm.ErrNotConfigured
	}

	user := fmt.Sprintf("Tables:\n%s\n\nQuestion: %s", RenderEntries(entries), strings.TrimSpace(question))
	raw, err := s.generator.Generate(ctx, llm.UserPrompt(selectionSystemPrompt, user), 0)
	observability.ObserveLLMCall("select", err)
	if err != nil {
		return nil, fmt.Errorf("select tables: %w", err)
	}
	return ParseSelection(raw, entries), nil
}

// ParseSelection accepts a JSON array or a newline/comma separated list.
func ParseSelection(raw string, entries []Entry) []string {
	candidates := parseJSONArray(raw)
	if candidates == nil {
		candidates = parseList(raw)
	}

	wanted := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		wanted[strings.ToLower(strings.TrimSpace(candidate))] = struct{}{}
	}

	selected := make([]string, 0, len(wanted))
	for _, entry := range entries {
		if _, ok := wanted[strings.ToLower(entry.Table)]; ok {
			selected = append(selected, entry.Table)
			delete(wanted, strings.ToLower(entry.Table))
		}
	}
	return selected
}

func parseJSONArray(raw string) []string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &names); err != nil {
		return nil
	}
	if names == nil {
		names = []string{}
	}
	return names
}

func parseList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ','
	})
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		field = strings.TrimLeft(field, "-*•0123456789.) ")
		field = strings.Trim(field, "`\"' ")
		if field != "" && !strings.HasPrefix(field, "```") {
			names = append(names, field)
		}
	}
	return names
}
