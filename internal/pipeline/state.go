package pipeline

import (
	"github.com/askmesh/askmesh/internal/query"
)

type State string

const (
	StateStart       State = "start"
	StateExecute     State = "execute"
	StateSuccess     State = "success"
	StateEmptyRepair State = "empty_repair"
	StateErrorRepair State = "error_repair"
	StateGiveUp      State = "give_up"
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateGiveUp
}

type HaltReason string

const (
	HaltNone           HaltReason = ""
	HaltDuplicateSQL   HaltReason = "duplicate_sql"
	HaltDuplicateError HaltReason = "duplicate_error"
	HaltMaxAttempts    HaltReason = "max_attempts"
)

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeEmpty   OutcomeKind = "empty"
	OutcomeError   OutcomeKind = "error"
)

// Outcome is what one attempt produced: rows, no rows, or a classified error.
type Outcome struct {
	Kind   OutcomeKind
	Result query.Result
	Err    *query.ExecutionError
}

func outcomeOf(result query.Result, err *query.ExecutionError) Outcome {
	switch {
	case err != nil:
		return Outcome{Kind: OutcomeError, Err: err}
	case result.Empty():
		return Outcome{Kind: OutcomeEmpty, Result: result}
	default:
		return Outcome{Kind: OutcomeSuccess, Result: result}
	}
}

// Attempt is one counted statement. SQL is empty when the author produced
// nothing executable.
type Attempt struct {
	Index   int
	SQL     string
	Outcome Outcome
}

// ErrorSignature identifies "the same failure" across attempts. The detail
// is the normalized message, so positions and literals in the engine text do
// not hide a repeat.
type ErrorSignature struct {
	Kind   query.ErrorKind
	Detail string
}

func signatureOf(err *query.ExecutionError) ErrorSignature {
	return ErrorSignature{Kind: err.Kind, Detail: query.NormalizeMessage(err.Message)}
}

// Trail records the attempts of one question.
type Trail struct {
	attempts   []Attempt
	seenSQL    map[string]struct{}
	seenErrors map[ErrorSignature]struct{}
}

func NewTrail() *Trail {
	return &Trail{
		seenSQL:    make(map[string]struct{}),
		seenErrors: make(map[ErrorSignature]struct{}),
	}
}

func (t *Trail) Len() int {
	return len(t.attempts)
}

func (t *Trail) Attempts() []Attempt {
	out := make([]Attempt, len(t.attempts))
	copy(out, t.attempts)
	return out
}

func (t *Trail) Last() (Attempt, bool) {
	if len(t.attempts) == 0 {
		return Attempt{}, false
	}
	return t.attempts[len(t.attempts)-1], true
}

func (t *Trail) SeenSQL(sqlText string) bool {
	_, ok := t.seenSQL[query.NormalizeSQL(sqlText)]
	return ok
}

func (t *Trail) SeenError(err *query.ExecutionError) bool {
	_, ok := t.seenErrors[signatureOf(err)]
	return ok
}

// Tried lists the distinct statements already executed, oldest first.
func (t *Trail) Tried() []string {
	out := make([]string, 0, len(t.attempts))
	for _, attempt := range t.attempts {
		if attempt.SQL != "" {
			out = append(out, attempt.SQL)
		}
	}
	return out
}

func (t *Trail) Record(attempt Attempt) {
	t.attempts = append(t.attempts, attempt)
	if attempt.SQL != "" {
		t.seenSQL[query.NormalizeSQL(attempt.SQL)] = struct{}{}
	}
	if attempt.Outcome.Err != nil {
		t.seenErrors[signatureOf(attempt.Outcome.Err)] = struct{}{}
	}
}

type Transition struct {
	Next State
	Halt HaltReason
}

// afterExecute decides what follows an attempt. The trail must not yet
// contain the attempt being judged.
func afterExecute(trail *Trail, attempt Attempt, maxAttempts int) Transition {
	switch attempt.Outcome.Kind {
	case OutcomeSuccess:
		return Transition{Next: StateSuccess}
	case OutcomeEmpty:
		if attempt.Index >= maxAttempts {
			return Transition{Next: StateGiveUp, Halt: HaltMaxAttempts}
		}
		return Transition{Next: StateEmptyRepair}
	default:
		if trail.SeenError(attempt.Outcome.Err) {
			return Transition{Next: StateGiveUp, Halt: HaltDuplicateError}
		}
		if attempt.Index >= maxAttempts {
			return Transition{Next: StateGiveUp, Halt: HaltMaxAttempts}
		}
		return Transition{Next: StateErrorRepair}
	}
}

// afterRefine stops the loop when the author proposes a statement that was
// already executed.
func afterRefine(trail *Trail, sqlText string) Transition {
	if sqlText != "" && trail.SeenSQL(sqlText) {
		return Transition{Next: StateGiveUp, Halt: HaltDuplicateSQL}
	}
	return Transition{Next: StateExecute}
}
