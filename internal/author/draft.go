package author

import (
	"regexp"
	"strings"
)

// Draft is what the model produced for one authoring call: either a
// statement ready for execution or raw text that holds no statement.
type Draft interface {
	isDraft()
}

type ParsedSQL struct {
	Text string
}

type Unparseable struct {
	Raw    string
	Reason string
}

func (ParsedSQL) isDraft()   {}
func (Unparseable) isDraft() {}

var (
	fencePattern   = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_-]*[ \t]*\r?\n)?(.*?)```")
	lineStart      = regexp.MustCompile(`(?im)^[ \t]*(select|with|values)\b`)
	selectAnywhere = regexp.MustCompile(`(?i)\bselect\b`)
	withClause     = regexp.MustCompile(`(?is)^\s+(?:recursive\b|(?:"[^"]+"|[a-z_][\w$]*)\s*(?:\([^)]*\))?\s+as\s*(?:(?:not\s+)?materialized\s*)?\()`)
	valuesList     = regexp.MustCompile(`^\s*\(`)
	proseMarkers   = []string{"this ", "note", "the ", "explanation", "here ", "i ", "it ", "these ", "assuming"}
)

// Extract turns raw model output into a Draft. It only rearranges text:
// fences and language tags are dropped, prose before the first statement
// keyword is cut, and anything after the statement terminator or a
// trailing prose paragraph is cut.
func Extract(raw string) Draft {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Unparseable{Raw: raw, Reason: "empty response"}
	}

	if match := fencePattern.FindStringSubmatch(text); match != nil {
		text = strings.TrimSpace(match[1])
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimSpace(strings.Trim(strings.TrimPrefix(text, "```sql"), "`"))
	}

	start := statementStart(text)
	if start < 0 {
		if loc := selectAnywhere.FindStringIndex(text); loc != nil {
			start = loc[0]
		}
	}
	if start < 0 {
		return Unparseable{Raw: raw, Reason: "no SELECT or WITH statement found"}
	}
	text = text[start:]

	if end := terminatorIndex(text); end >= 0 {
		text = text[:end]
	} else {
		text = cutTrailingProse(text)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Unparseable{Raw: raw, Reason: "statement is empty"}
	}
	return ParsedSQL{Text: text}
}

// statementStart returns the offset of the first line that opens a statement.
// WITH only counts when a common table expression follows and VALUES only
// when a row list follows, so prose such as "With the schema above" is skipped.
func statementStart(text string) int {
	for _, loc := range lineStart.FindAllStringSubmatchIndex(text, -1) {
		rest := text[loc[3]:]
		switch strings.ToLower(text[loc[2]:loc[3]]) {
		case "select":
			return loc[2]
		case "with":
			if withClause.MatchString(rest) {
				return loc[2]
			}
		case "values":
			if valuesList.MatchString(rest) {
				return loc[2]
			}
		}
	}
	return -1
}

// terminatorIndex returns the index of the first semicolon outside quotes.
func terminatorIndex(text string) int {
	var quote rune
	for i, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			return i
		}
	}
	return -1
}

func cutTrailingProse(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	for i := 1; i < len(paragraphs); i++ {
		lower := strings.ToLower(strings.TrimSpace(paragraphs[i]))
		for _, marker := range proseMarkers {
			if strings.HasPrefix(lower, marker) {
				return strings.Join(paragraphs[:i], "\n\n")
			}
		}
	}
	return text
}
