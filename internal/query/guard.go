package query

import (
	"fmt"
	"strings"
	"unicode"
)

var allowedLeading = map[string]struct{}{
	"select": {},
	"with":   {},
	"values": {},
}

var mutatingKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "merge": {}, "upsert": {},
	"create": {}, "drop": {}, "alter": {}, "truncate": {}, "rename": {},
	"grant": {}, "revoke": {}, "copy": {}, "into": {},
	"attach": {}, "detach": {}, "install": {}, "pragma": {},
	"call": {}, "export": {}, "import": {}, "vacuum": {},
	"set": {}, "reset": {}, "lock": {}, "checkpoint": {},
	"begin": {}, "commit": {}, "rollback": {},
}

// CheckReadOnly rejects anything other than a single SELECT, WITH or VALUES
// statement. Keywords inside string literals, quoted identifiers and
// comments are ignored. A violation is returned as a read_only_violation
// ExecutionError.
func CheckReadOnly(sqlText string) error {
	stmt := StripTrailingSemicolons(sqlText)
	if stmt == "" {
		return &ExecutionError{Kind: KindReadOnlyViolation, Message: "empty statement"}
	}

	words, semicolons := scanWords(stmt)
	if semicolons > 0 {
		return &ExecutionError{Kind: KindReadOnlyViolation, Message: "multiple statements are not allowed"}
	}
	if len(words) == 0 {
		return &ExecutionError{Kind: KindReadOnlyViolation, Message: "statement has no keywords"}
	}
	if _, ok := allowedLeading[words[0]]; !ok {
		return &ExecutionError{
			Kind:    KindReadOnlyViolation,
			Message: fmt.Sprintf("statement must start with SELECT, WITH or VALUES, got %s", strings.ToUpper(words[0])),
		}
	}
	for _, word := range words[1:] {
		if _, ok := mutatingKeywords[word]; ok {
			return &ExecutionError{
				Kind:    KindReadOnlyViolation,
				Message: fmt.Sprintf("keyword %s is not allowed in a read-only query", strings.ToUpper(word)),
			}
		}
	}
	return nil
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// WrapLimit caps the statement's result size without rewriting it.
func WrapLimit(sqlText string, rowLimit int) string {
	stmt := StripTrailingSemicolons(sqlText)
	if rowLimit <= 0 {
		return stmt
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", stmt, rowLimit)
}

// scanWords returns the lowercased bare words of stmt outside literals,
// quoted identifiers and comments, plus the number of statement separators.
func scanWords(stmt string) ([]string, int) {
	words := make([]string, 0)
	semicolons := 0
	runes := []rune(stmt)
	n := len(runes)

	for i := 0; i < n; {
		r := runes[i]
		switch {
		case r == '\'':
			i = skipQuoted(runes, i, '\'')
		case r == '"':
			i = skipQuoted(runes, i, '"')
		case r == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i += 2
		case r == '$':
			if end, ok := skipDollarQuoted(runes, i); ok {
				i = end
			} else {
				i++
			}
		case r == ';':
			semicolons++
			i++
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			words = append(words, strings.ToLower(string(runes[start:i])))
		default:
			i++
		}
	}
	return words, semicolons
}

func skipQuoted(runes []rune, start int, quote rune) int {
	i := start + 1
	for i < len(runes) {
		if runes[i] == quote {
			if i+1 < len(runes) && runes[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// skipDollarQuoted handles $$...$$ and $tag$...$tag$ bodies. Positional
// parameters like $1 are not quotes.
func skipDollarQuoted(runes []rune, start int) (int, bool) {
	end := start + 1
	for end < len(runes) && (unicode.IsLetter(runes[end]) || runes[end] == '_') {
		end++
	}
	if end >= len(runes) || runes[end] != '$' {
		return 0, false
	}
	tag := string(runes[start : end+1])
	rest := string(runes[end+1:])
	idx := strings.Index(rest, tag)
	if idx < 0 {
		return len(runes), true
	}
	return end + 1 + len([]rune(rest[:idx])) + len([]rune(tag)), true
}
