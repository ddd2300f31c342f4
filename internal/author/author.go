package author

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/query"
	"github.com/askmesh/askmesh/internal/schema"
)

type Options struct {
	Dialect      string
	Temperature  float64
	HistoryTurns int
	DefaultScope string
	Templates    *Templates
}

// Author writes and repairs SQL with one model call per operation.
type Author struct {
	generator    llm.Generator
	templates    *Templates
	dialect      string
	temperature  float64
	historyTurns int
	defaultScope string
}

func New(generator llm.Generator, opts Options) (*Author, error) {
	templates := opts.Templates
	if templates == nil {
		var err error
		templates, err = loadTemplatesFS(nil)
		if err != nil {
			return nil, err
		}
	}
	dialect := strings.TrimSpace(opts.Dialect)
	if dialect == "" {
		dialect = "PostgreSQL"
	}
	return &Author{
		generator:    generator,
		templates:    templates,
		dialect:      dialect,
		temperature:  opts.Temperature,
		historyTurns: opts.HistoryTurns,
		defaultScope: strings.TrimSpace(opts.DefaultScope),
	}, nil
}

// Request is the context shared by every authoring call for one question.
type Request struct {
	Question string
	History  []llm.Turn
	Snapshot schema.Snapshot
	Metadata []catalog.TableMetadata
}

type RefinementReason string

const (
	ReasonError RefinementReason = "error"
	ReasonEmpty RefinementReason = "empty"
)

type Sample struct {
	Table  string
	Column string
	Values []string
}

// Refinement describes why the previous statement needs repair.
type Refinement struct {
	Reason       RefinementReason
	PreviousSQL  string
	ErrorKind    query.ErrorKind
	ErrorMessage string
	Hints        []string
	Samples      []Sample
	Tried        []string
}

type promptData struct {
	Dialect      string
	DefaultScope string
	Schema       string
	Metadata     string
	History      string
	Question     string
	Reason       RefinementReason
	PreviousSQL  string
	ErrorKind    query.ErrorKind
	ErrorMessage string
	Hints        []string
	Samples      []Sample
	Tried        []string
}

func (a *Author) Generate(ctx context.Context, req Request) (Draft, error) {
	data := a.baseData(req)
	return a.call(ctx, "generate", a.templates.generate, data)
}

func (a *Author) Refine(ctx context.Context, req Request, refinement Refinement) (Draft, error) {
	data := a.baseData(req)
	data.Reason = refinement.Reason
	data.PreviousSQL = refinement.PreviousSQL
	data.ErrorKind = refinement.ErrorKind
	data.ErrorMessage = refinement.ErrorMessage
	data.Hints = refinement.Hints
	data.Samples = refinement.Samples
	data.Tried = refinement.Tried
	return a.call(ctx, "refine", a.templates.refine, data)
}

func (a *Author) baseData(req Request) promptData {
	return promptData{
		Dialect:      a.dialect,
		DefaultScope: a.defaultScope,
		Schema:       req.Snapshot.Render(),
		Metadata:     catalog.RenderMetadata(req.Metadata),
		History:      llm.RenderHistory(llm.Suffix(req.History, a.historyTurns)),
		Question:     strings.TrimSpace(req.Question),
	}
}

func (a *Author) call(ctx context.Context, site string, tmpl *template.Template, data promptData) (Draft, error) {
	if a.generator == nil {
		return nil, llm.ErrNotConfigured
	}
	system, err := render(a.templates.system, data)
	if err != nil {
		return nil, err
	}
	user, err := render(tmpl, data)
	if err != nil {
		return nil, err
	}

	raw, err := a.generator.Generate(ctx, llm.UserPrompt(system, user), a.temperature)
	observability.ObserveLLMCall(site, err)
	if err != nil {
		return nil, fmt.Errorf("%s sql: %w", site, err)
	}
	return Extract(raw), nil
}
