package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/askmesh/askmesh/internal/answer"
	"github.com/askmesh/askmesh/internal/author"
	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/history"
	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/query"
	"github.com/askmesh/askmesh/internal/schema"
)

const (
	defaultMaxAttempts   = 2
	defaultSampleColumns = 2
	defaultSampleValues  = 10
	recordTimeout        = 5 * time.Second
)

var (
	// ErrInfrastructure marks failures that prevent answering at all, as
	// opposed to questions that found no data.
	ErrInfrastructure = errors.New("infrastructure unavailable")
	ErrEmptyQuestion  = errors.New("question is required")
)

type SchemaSource interface {
	Introspect(ctx context.Context) (schema.Snapshot, error)
}

type CatalogReader interface {
	Entries() []catalog.Entry
	Metadata(ctx context.Context, tables []string) ([]catalog.TableMetadata, error)
}

type TableSelector interface {
	Select(ctx context.Context, question string, entries []catalog.Entry) ([]string, error)
}

type SQLAuthor interface {
	Generate(ctx context.Context, req author.Request) (author.Draft, error)
	Refine(ctx context.Context, req author.Request, refinement author.Refinement) (author.Draft, error)
}

type Composer interface {
	Compose(ctx context.Context, in answer.Input) string
}

// Dependencies wires the pipeline. Catalog, Selector, Composer and Recorder
// are optional.
type Dependencies struct {
	Schema   SchemaSource
	Catalog  CatalogReader
	Selector TableSelector
	Author   SQLAuthor
	Engine   query.Engine
	Composer Composer
	Recorder history.Recorder
}

type Options struct {
	MaxAttempts      int
	SampleColumns    int
	SampleValues     int
	RowLimit         int
	StatementTimeout time.Duration
	Logger           *slog.Logger
}

type Question struct {
	Text    string     `json:"question"`
	History []llm.Turn `json:"conversation_history,omitempty"`
}

// Result is either the final rows or the final error, never both.
type Result struct {
	Columns []string
	Rows    [][]any
	Error   string
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	columns, rows := r.Columns, r.Rows
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]any{}
	}
	return json.Marshal(struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}{columns, rows})
}

// Answer is the caller-facing response. SQL and Result are for logging and
// provenance; Answer is the text meant for the end user.
type Answer struct {
	Answer   string `json:"answer"`
	SQL      string `json:"sql"`
	Result   Result `json:"result"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
}

const (
	OutcomeNameSuccess = "success"
	OutcomeNameEmpty   = "empty"
	OutcomeNameError   = "error"
	OutcomeNameHalted  = "halted"
)

type Pipeline struct {
	schema   SchemaSource
	catalog  CatalogReader
	selector TableSelector
	author   SQLAuthor
	engine   query.Engine
	composer Composer
	recorder history.Recorder

	maxAttempts      int
	sampleColumns    int
	sampleValues     int
	rowLimit         int
	statementTimeout time.Duration
	logger           *slog.Logger
}

func New(deps Dependencies, opts Options) (*Pipeline, error) {
	if deps.Schema == nil {
		return nil, fmt.Errorf("schema source is required")
	}
	if deps.Author == nil {
		return nil, fmt.Errorf("sql author is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	p := &Pipeline{
		schema:           deps.Schema,
		catalog:          deps.Catalog,
		selector:         deps.Selector,
		author:           deps.Author,
		engine:           deps.Engine,
		composer:         deps.Composer,
		recorder:         deps.Recorder,
		maxAttempts:      opts.MaxAttempts,
		sampleColumns:    opts.SampleColumns,
		sampleValues:     opts.SampleValues,
		rowLimit:         opts.RowLimit,
		statementTimeout: opts.StatementTimeout,
		logger:           opts.Logger,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.sampleColumns <= 0 {
		p.sampleColumns = defaultSampleColumns
	}
	if p.sampleValues <= 0 {
		p.sampleValues = defaultSampleValues
	}
	if p.logger == nil {
		p.logger = observability.DiscardLogger()
	}
	return p, nil
}

type pendingDraft struct {
	sql     string
	failure *query.ExecutionError
}

// run is the request-scoped state of one question.
type run struct {
	p       *Pipeline
	logger  *slog.Logger
	request author.Request
	trail   *Trail
	pending pendingDraft
	samples []author.Sample
	sampled bool
	halt    HaltReason
}

// Ask answers one question. Only cancellation, an empty question and
// ErrInfrastructure are returned as errors; every other failure becomes a
// graceful answer.
func (p *Pipeline) Ask(ctx context.Context, question Question) (Answer, error) {
	started := time.Now()
	text := strings.TrimSpace(question.Text)
	if text == "" {
		return Answer{}, ErrEmptyQuestion
	}
	ctx = observability.ContextWithQuestionID(ctx, observability.NewID())
	logger := p.logger.With(observability.RequestAttrs(ctx)...)

	snapshot, err := p.schema.Introspect(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Answer{}, ctxErr
		}
		logger.Error("introspect schema failed", "error", err)
		observability.ObserveQuestion("infrastructure", 0, time.Since(started))
		return Answer{}, fmt.Errorf("%w: introspect schema: %w", ErrInfrastructure, err)
	}

	metadata, err := p.selectMetadata(ctx, logger, text)
	if err != nil {
		return Answer{}, p.fatal(ctx, logger, started, err)
	}

	r := &run{
		p:      p,
		logger: logger,
		request: author.Request{
			Question: text,
			History:  question.History,
			Snapshot: snapshot,
			Metadata: metadata,
		},
		trail: NewTrail(),
	}

	state := StateStart
	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			return Answer{}, err
		}
		next, err := r.step(ctx, state)
		if err != nil {
			return Answer{}, p.fatal(ctx, logger, started, err)
		}
		logger.Debug("pipeline transition", "from", string(state), "to", string(next), "attempts", r.trail.Len())
		state = next
	}
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}

	out, in := r.finish(state, question.History)
	if out.Outcome != OutcomeNameSuccess {
		logger.Info("question given up",
			"outcome", out.Outcome,
			"halt_reason", string(r.halt),
			"attempts", out.Attempts,
		)
	}
	if r.halt != HaltNone {
		observability.IncrementConvergenceHalt(string(r.halt))
	}
	if p.composer != nil {
		out.Answer = p.composer.Compose(ctx, in)
	} else {
		out.Answer = answer.Fallback(in)
	}

	elapsed := time.Since(started)
	observability.ObserveQuestion(out.Outcome, out.Attempts, elapsed)
	p.record(ctx, logger, r, out, elapsed)
	return out, nil
}

func (p *Pipeline) fatal(ctx context.Context, logger *slog.Logger, started time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrInfrastructure) {
		logger.Error("question failed", "error", err)
		observability.ObserveQuestion("infrastructure", 0, time.Since(started))
	}
	return err
}

// selectMetadata narrows the catalog to the tables the question needs.
// Anything short of an unconfigured model or cancellation degrades to
// schema-only context.
func (p *Pipeline) selectMetadata(ctx context.Context, logger *slog.Logger, question string) ([]catalog.TableMetadata, error) {
	if p.catalog == nil || p.selector == nil {
		return nil, nil
	}
	entries := p.catalog.Entries()
	if len(entries) == 0 {
		return nil, nil
	}

	tables, err := p.selector.Select(ctx, question, entries)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return nil, fmt.Errorf("%w: %w", ErrInfrastructure, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("table selection failed; continuing with schema only", "error", err)
		return nil, nil
	}
	if len(tables) == 0 {
		logger.Warn("table selection returned no tables; continuing with schema only")
		return nil, nil
	}

	metadata, err := p.catalog.Metadata(ctx, tables)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("load table metadata failed", "tables", tables, "error", err)
	}
	return metadata, nil
}

func (p *Pipeline) execute(ctx context.Context, req query.Request) (query.Result, error) {
	started := time.Now()
	result, err := p.engine.Execute(ctx, req)
	observability.ObserveExecution(string(req.Purpose), time.Since(started))
	return result, err
}

func (r *run) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateStart:
		draft, err := r.p.author.Generate(ctx, r.request)
		if err := r.stage(ctx, draft, err); err != nil {
			return "", err
		}
		return StateExecute, nil
	case StateExecute:
		return r.executeAttempt(ctx)
	case StateErrorRepair:
		last, _ := r.trail.Last()
		if last.SQL == "" {
			draft, err := r.p.author.Generate(ctx, r.request)
			return r.afterDraft(ctx, draft, err)
		}
		draft, err := r.p.author.Refine(ctx, r.request, author.Refinement{
			Reason:       author.ReasonError,
			PreviousSQL:  last.SQL,
			ErrorKind:    last.Outcome.Err.Kind,
			ErrorMessage: last.Outcome.Err.Message,
			Hints:        errorHints(r.request.Snapshot, last.Outcome.Err),
			Tried:        r.trail.Tried(),
		})
		return r.afterDraft(ctx, draft, err)
	case StateEmptyRepair:
		last, _ := r.trail.Last()
		samples, err := r.sampleValues(ctx, last.SQL)
		if err != nil {
			return "", err
		}
		r.samples = samples
		draft, err := r.p.author.Refine(ctx, r.request, author.Refinement{
			Reason:      author.ReasonEmpty,
			PreviousSQL: last.SQL,
			Samples:     samples,
			Tried:       r.trail.Tried(),
		})
		return r.afterDraft(ctx, draft, err)
	default:
		return "", fmt.Errorf("no transition from state %q", state)
	}
}

// stage keeps the author's output for the next Execute. Model failures and
// unparseable replies become service errors that count as an attempt.
func (r *run) stage(ctx context.Context, draft author.Draft, err error) error {
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return fmt.Errorf("%w: %w", ErrInfrastructure, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.pending = pendingDraft{failure: query.NewExecutionError(query.KindService, err)}
		return nil
	}
	switch d := draft.(type) {
	case author.ParsedSQL:
		r.pending = pendingDraft{sql: d.Text}
	case author.Unparseable:
		r.pending = pendingDraft{failure: &query.ExecutionError{Kind: query.KindService, Message: "unparseable response: " + d.Reason}}
	default:
		r.pending = pendingDraft{failure: &query.ExecutionError{Kind: query.KindService, Message: "no response"}}
	}
	return nil
}

func (r *run) afterDraft(ctx context.Context, draft author.Draft, err error) (State, error) {
	if err := r.stage(ctx, draft, err); err != nil {
		return "", err
	}
	if r.pending.failure != nil {
		return StateExecute, nil
	}
	transition := afterRefine(r.trail, r.pending.sql)
	r.halt = transition.Halt
	return transition.Next, nil
}

func (r *run) executeAttempt(ctx context.Context) (State, error) {
	attempt := Attempt{Index: r.trail.Len() + 1, SQL: r.pending.sql}
	if r.pending.failure != nil {
		attempt.Outcome = outcomeOf(query.Result{}, r.pending.failure)
	} else {
		result, err := r.p.execute(ctx, query.Request{
			SQL:      attempt.SQL,
			RowLimit: r.p.rowLimit,
			Timeout:  r.p.statementTimeout,
			Purpose:  query.PurposeAttempt,
		})
		if err != nil {
			execErr, ok := query.AsExecutionError(err)
			if !ok {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				execErr = query.NewExecutionError(query.KindUnknown, err)
			}
			attempt.Outcome = outcomeOf(query.Result{}, execErr)
		} else {
			attempt.Outcome = outcomeOf(result, nil)
		}
	}
	if attempt.Outcome.Err != nil {
		observability.IncrementExecutionError(string(attempt.Outcome.Err.Kind))
		r.logger.Debug("attempt failed",
			"attempt", attempt.Index,
			"error_kind", string(attempt.Outcome.Err.Kind),
			"error", attempt.Outcome.Err.Message,
		)
	}

	transition := afterExecute(r.trail, attempt, r.p.maxAttempts)
	r.trail.Record(attempt)
	r.pending = pendingDraft{}
	r.halt = transition.Halt
	return transition.Next, nil
}

// finish packages the terminal state for the caller and the composer.
func (r *run) finish(state State, turns []llm.Turn) (Answer, answer.Input) {
	last, _ := r.trail.Last()
	out := Answer{SQL: r.finalSQL(), Attempts: r.trail.Len()}
	in := answer.Input{Question: r.request.Question, History: turns, SQL: out.SQL}

	switch {
	case state == StateSuccess:
		out.Outcome = OutcomeNameSuccess
		out.Result = Result{Columns: last.Outcome.Result.Columns, Rows: last.Outcome.Result.Rows}
		in.Status = answer.StatusRows
		in.Columns = last.Outcome.Result.Columns
		in.Rows = last.Outcome.Result.Rows
	case last.Outcome.Kind == OutcomeEmpty:
		out.Outcome = OutcomeNameEmpty
		out.Result = Result{Columns: last.Outcome.Result.Columns}
		in.Status = answer.StatusEmpty
		for _, sample := range r.samples {
			in.Suggestions = append(in.Suggestions, answer.Suggestion{Column: sample.Column, Values: sample.Values})
		}
	default:
		out.Outcome = OutcomeNameError
		if last.Outcome.Err != nil {
			out.Result = Result{Error: last.Outcome.Err.Error()}
		}
		in.Status = answer.StatusFailed
	}
	if r.halt == HaltDuplicateSQL || r.halt == HaltDuplicateError {
		out.Outcome = OutcomeNameHalted
	}
	return out, in
}

// finalSQL is the most recent statement that was executed.
func (r *run) finalSQL() string {
	tried := r.trail.Tried()
	if len(tried) == 0 {
		return ""
	}
	return tried[len(tried)-1]
}

func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, r *run, out Answer, elapsed time.Duration) {
	if p.recorder == nil {
		return
	}
	entry := history.Entry{
		TraceID:  observability.TraceIDFromContext(ctx),
		Question: r.request.Question,
		SQL:      out.SQL,
		Outcome:  out.Outcome,
		Attempts: out.Attempts,
		RowCount: len(out.Result.Rows),
		Duration: elapsed,
	}
	if last, ok := r.trail.Last(); ok && last.Outcome.Err != nil {
		entry.ErrorKind = string(last.Outcome.Err.Kind)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := p.recorder.Record(recordCtx, entry); err != nil {
		logger.Warn("record question history failed", "error", err)
	}
}
