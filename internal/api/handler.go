package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askmesh/askmesh/internal/auth"
	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/config"
	"github.com/askmesh/askmesh/internal/history"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/pipeline"
)

type ReadinessCheck func(ctx context.Context) error

type Asker interface {
	Ask(ctx context.Context, question pipeline.Question) (pipeline.Answer, error)
}

type CatalogService interface {
	Entries() []catalog.Entry
	LoadedAt() time.Time
	Refresh(ctx context.Context) error
}

type HistoryReader interface {
	ListRecent(ctx context.Context, filter history.ListFilter) ([]history.Entry, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Asker             Asker
	AskTimeout        time.Duration
	Catalog           CatalogService
	History           HistoryReader
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := []struct {
		pattern string
		role    string
		handler http.HandlerFunc
	}{
		{"POST /v1/ask", auth.RoleAsker, func(w http.ResponseWriter, r *http.Request) { handleAsk(deps, w, r) }},
		{"GET /v1/catalog", auth.RoleAsker, func(w http.ResponseWriter, r *http.Request) { handleListCatalog(deps, w, r) }},
		{"POST /v1/catalog/refresh", auth.RoleCatalogAdmin, func(w http.ResponseWriter, r *http.Request) { handleRefreshCatalog(deps, w, r) }},
		{"GET /v1/history", auth.RoleCatalogAdmin, func(w http.ResponseWriter, r *http.Request) { handleListHistory(deps, w, r) }},
	}

	protected := http.NewServeMux()
	for _, route := range routes {
		protected.Handle(route.pattern, auth.RequireRole(route.role, route.handler))
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, route := range routes {
		mux.Handle(route.pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckCatalogLoaded fails until the first catalog refresh succeeded.
func CheckCatalogLoaded(c interface{ Ready() bool }) ReadinessCheck {
	return func(_ context.Context) error {
		if !c.Ready() {
			return errors.New("catalog has not been loaded")
		}
		return nil
	}
}

func CheckAIConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.Provider == "" || cfg.AI.Model == "" {
			return errors.New("llm provider is not configured")
		}
		if cfg.AI.APIKey == "" && cfg.AI.BaseURL == "" {
			return errors.New("llm api key is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
