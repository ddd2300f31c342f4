package answer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/query"
)

const defaultRowLimit = 20

const systemPrompt = `You answer questions about a dataset for a non-technical reader.
Rules:
- Answer in a few plain sentences using only the data provided.
- Never mention SQL, queries, databases, tables or internal components.
- Never repeat error messages or technical details.
- When no data matched, say so briefly and suggest how to rephrase the question.`

type Status string

const (
	StatusRows   Status = "rows"
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// Suggestion lists values that exist in a column the question probably
// filtered on.
type Suggestion struct {
	Column string
	Values []string
}

// Input is the final state of one question. SQL is carried for provenance
// only and is never placed in the prompt.
type Input struct {
	Question    string
	History     []llm.Turn
	SQL         string
	Status      Status
	Columns     []string
	Rows        [][]any
	Suggestions []Suggestion
}

type Options struct {
	RowLimit     int
	HistoryTurns int
	Temperature  float64
}

type Composer struct {
	generator    llm.Generator
	rowLimit     int
	historyTurns int
	temperature  float64
}

func New(generator llm.Generator, opts Options) *Composer {
	rowLimit := opts.RowLimit
	if rowLimit <= 0 {
		rowLimit = defaultRowLimit
	}
	return &Composer{
		generator:    generator,
		rowLimit:     rowLimit,
		historyTurns: opts.HistoryTurns,
		temperature:  opts.Temperature,
	}
}

// Compose never fails: when the model is unavailable or its reply leaks the
// statement, the deterministic Fallback text is returned instead.
func (c *Composer) Compose(ctx context.Context, in Input) string {
	fallback := Fallback(in)
	if c == nil || c.generator == nil {
		return fallback
	}

	prompt := llm.UserPrompt(systemPrompt, c.userPrompt(in))
	text, err := c.generator.Generate(ctx, prompt, c.temperature)
	observability.ObserveLLMCall("answer", err)
	if err != nil {
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" || echoesSQL(text, in.SQL) {
		return fallback
	}
	return text
}

func (c *Composer) userPrompt(in Input) string {
	var b strings.Builder
	if history := llm.RenderHistory(llm.Suffix(in.History, c.historyTurns)); history != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", history)
	}
	fmt.Fprintf(&b, "Question: %s\n\n", strings.TrimSpace(in.Question))

	switch in.Status {
	case StatusRows:
		shown := len(in.Rows)
		if shown > c.rowLimit {
			shown = c.rowLimit
		}
		fmt.Fprintf(&b, "Matching data (%d rows", len(in.Rows))
		if shown < len(in.Rows) {
			fmt.Fprintf(&b, ", first %d shown", shown)
		}
		b.WriteString("):\n")
		b.WriteString(strings.Join(in.Columns, " | "))
		b.WriteByte('\n')
		for _, row := range in.Rows[:shown] {
			b.WriteString(formatRow(row))
			b.WriteByte('\n')
		}
		b.WriteString("\nAnswer the question from this data.")
	case StatusEmpty:
		b.WriteString("No records matched the question.\n")
		if len(in.Suggestions) > 0 {
			b.WriteString("Values that exist in the data:\n")
			for _, suggestion := range in.Suggestions {
				fmt.Fprintf(&b, "- %s: %s\n", humanize(suggestion.Column), strings.Join(suggestion.Values, ", "))
			}
			b.WriteString("\nSay that nothing matched and suggest asking again with one of these values.")
		} else {
			b.WriteString("\nSay that nothing matched and suggest how to rephrase the question.")
		}
	default:
		b.WriteString("No matching data could be found for this question.\n\nSay so briefly and suggest how to rephrase the question.")
	}
	return b.String()
}

// Fallback is the deterministic answer used when the model cannot be asked.
func Fallback(in Input) string {
	switch in.Status {
	case StatusRows:
		if len(in.Rows) == 1 && len(in.Rows[0]) == 1 {
			return fmt.Sprintf("The answer is %s.", formatValue(in.Rows[0][0]))
		}
		if len(in.Rows) == 1 {
			return "I found 1 matching record."
		}
		return fmt.Sprintf("I found %d matching records.", len(in.Rows))
	case StatusEmpty:
		if len(in.Suggestions) == 0 {
			break
		}
		parts := make([]string, 0, len(in.Suggestions))
		for _, suggestion := range in.Suggestions {
			parts = append(parts, humanize(suggestion.Column)+": "+strings.Join(suggestion.Values, ", "))
		}
		return "I could not find any records matching that question. Values that do exist include " +
			strings.Join(parts, "; ") + ". Try asking again with one of them."
	}
	return "I could not find any data matching that question. Try rephrasing it or narrowing it to a specific category or time period."
}

func echoesSQL(text, sqlText string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	normalized := query.NormalizeSQL(sqlText)
	if normalized == "" {
		return false
	}
	return strings.Contains(query.NormalizeSQL(text), normalized)
}

func formatRow(row []any) string {
	values := make([]string, 0, len(row))
	for _, value := range row {
		values = append(values, formatValue(value))
	}
	return strings.Join(values, " | ")
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(typed)
	case time.Time:
		if typed.Hour() == 0 && typed.Minute() == 0 && typed.Second() == 0 && typed.Nanosecond() == 0 {
			return typed.Format(time.DateOnly)
		}
		return typed.Format(time.DateTime)
	default:
		return fmt.Sprint(typed)
	}
}

func humanize(column string) string {
	return strings.ReplaceAll(column, "_", " ")
}
