package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_questions_total",
			Help: "Total number of answered questions by terminal outcome.",
		},
		[]string{"outcome"},
	)
	questionAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askmesh_question_attempts",
			Help:    "Number of query attempts spent per question.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	questionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askmesh_question_latency_ms",
			Help:    "End-to-end question latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 20000, 40000, 90000},
		},
	)
	convergenceHaltsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_convergence_halts_total",
			Help: "Total number of repair loops halted early by reason.",
		},
		[]string{"reason"},
	)
	executionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_execution_errors_total",
			Help: "Total number of failed query attempts by error kind.",
		},
		[]string{"kind"},
	)
	executionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askmesh_execution_latency_ms",
			Help:    "Query execution latency in milliseconds by purpose.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
		[]string{"purpose"},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_llm_calls_total",
			Help: "Total number of LLM calls by call site and status.",
		},
		[]string{"site", "status"},
	)
	catalogRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askmesh_catalog_refresh_total",
			Help: "Total number of catalog refreshes by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		questionAttempts,
		questionLatencyMs,
		convergenceHaltsTotal,
		executionErrorsTotal,
		executionLatencyMs,
		llmCallsTotal,
		catalogRefreshTotal,
	)
}

func ObserveQuestion(outcome string, attempts int, elapsed time.Duration) {
	questionsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		questionAttempts.Observe(float64(attempts))
	}
	questionLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementConvergenceHalt(reason string) {
	convergenceHaltsTotal.WithLabelValues(reason).Inc()
}

func IncrementExecutionError(kind string) {
	executionErrorsTotal.WithLabelValues(kind).Inc()
}

func ObserveExecution(purpose string, elapsed time.Duration) {
	executionLatencyMs.WithLabelValues(purpose).Observe(float64(elapsed.Milliseconds()))
}

func ObserveLLMCall(site string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	llmCallsTotal.WithLabelValues(site, status).Inc()
}

func ObserveCatalogRefresh(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	catalogRefreshTotal.WithLabelValues(status).Inc()
}
