package query

import (
	"regexp"
	"strings"
	"unicode"
)

// NormalizeSQL folds case and whitespace outside single-quoted literals so
// that cosmetically different drafts of the same statement compare equal.
func NormalizeSQL(sqlText string) string {
	stmt := StripTrailingSemicolons(sqlText)
	var b strings.Builder
	inLiteral := false
	pendingSpace := false
	runes := []rune(stmt)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if inLiteral {
			b.WriteRune(r)
			if r == '\'' {
				if i+1 < len(runes) && runes[i+1] == '\'' {
					b.WriteRune(runes[i+1])
					i++
					continue
				}
				inLiteral = false
			}
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		if r == '\'' {
			inLiteral = true
			b.WriteRune(r)
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

var (
	statementContextPattern  = regexp.MustCompile(`(?s)\s*\bLINE \d+:.*$`)
	characterPositionPattern = regexp.MustCompile(`(?i)\s*\bat character \d+`)
	sqlStatePattern          = regexp.MustCompile(`(?i)\s*\(SQLSTATE [0-9A-Z]+\)`)
)

// NormalizeMessage reduces an engine error message to a stable detail string.
// The echoed statement context ("LINE n: ..." with its caret), character
// positions and SQLSTATE suffixes are removed; the rest is lowercased with
// whitespace collapsed. Digits in identifiers and literals are kept.
func NormalizeMessage(message string) string {
	message = statementContextPattern.ReplaceAllString(message, "")
	message = characterPositionPattern.ReplaceAllString(message, "")
	message = sqlStatePattern.ReplaceAllString(message, "")
	return strings.ToLower(strings.Join(strings.Fields(message), " "))
}
