package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askmesh/askmesh/internal/auth"
	"github.com/askmesh/askmesh/internal/config"
)

func TestHealthEndpoint(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"service":"askmesh-api"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg := loadTestConfig(t, nil)

	h := NewHandler(cfg, Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewHandler(loadTestConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "askmesh_question_attempts") {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRoutesRequireAuthAndRole(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"ASKMESH_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("app:dashboard:asker,ops:oncall:asker|catalog_admin")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Catalog:        &fakeCatalog{},
	})

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{name: "no key", method: http.MethodGet, path: "/v1/catalog", want: http.StatusUnauthorized},
		{name: "asker reads catalog", method: http.MethodGet, path: "/v1/catalog", key: "app", want: http.StatusOK},
		{name: "asker cannot refresh", method: http.MethodPost, path: "/v1/catalog/refresh", key: "app", want: http.StatusForbidden},
		{name: "admin refreshes", method: http.MethodPost, path: "/v1/catalog/refresh", key: "ops", want: http.StatusOK},
		{name: "asker cannot read history", method: http.MethodGet, path: "/v1/history", key: "app", want: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d, body = %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg := loadTestConfig(t, map[string]string{"ASKMESH_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Catalog: &fakeCatalog{}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/catalog", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestReadinessChecks(t *testing.T) {
	cat := &fakeCatalog{}
	if err := CheckCatalogLoaded(cat)(context.Background()); err == nil {
		t.Fatal("expected error before first refresh")
	}
	cat.ready = true
	if err := CheckCatalogLoaded(cat)(context.Background()); err != nil {
		t.Fatalf("CheckCatalogLoaded() error = %v", err)
	}

	cfg := loadTestConfig(t, nil)
	if err := CheckAIConfig(cfg)(context.Background()); err != nil {
		t.Fatalf("CheckAIConfig() error = %v", err)
	}
	cfg.AI.APIKey, cfg.AI.BaseURL = "", ""
	if err := CheckAIConfig(cfg)(context.Background()); err == nil {
		t.Fatal("expected error without key or base url")
	}
}

func loadTestConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("askmesh-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
