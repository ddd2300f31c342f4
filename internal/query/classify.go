package query

import "strings"

type messagePattern struct {
	kind    ErrorKind
	needles []string
}

// Order matters: "operator does not exist" must be checked before the
// generic "does not exist".
var messagePatterns = []messagePattern{
	{KindTimeout, []string{"statement timeout", "canceling statement", "interrupt", "deadline exceeded", "timed out"}},
	{KindReadOnlyViolation, []string{"read-only", "read only"}},
	{KindConnection, []string{"connection refused", "bad connection", "broken pipe", "connection reset", "no connection", "server closed the connection"}},
	{KindTypeMismatch, []string{
		"operator does not exist", "invalid input syntax", "conversion error", "could not convert",
		"cannot compare", "type mismatch", "no function matches", "datatype mismatch", "cannot cast",
		"invalid date", "invalid timestamp", "date/time field value out of range",
	}},
	{KindSyntax, []string{"syntax error", "parser error", "unterminated"}},
	{KindUnknownIdentifier, []string{"does not exist", "not found", "referenced column", "unknown", "ambiguous"}},
}

// ClassifyMessage is the fallback classifier used when the driver error
// carries no structured code.
func ClassifyMessage(message string) ErrorKind {
	lower := strings.ToLower(message)
	for _, pattern := range messagePatterns {
		for _, needle := range pattern.needles {
			if strings.Contains(lower, needle) {
				return pattern.kind
			}
		}
	}
	return KindUnknown
}
