package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("askmesh-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Fatalf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Database.StatementTimeout != 15*time.Second {
		t.Fatalf("Database.StatementTimeout = %s", cfg.Database.StatementTimeout)
	}
	if cfg.Pipeline.MaxAttempts != 2 {
		t.Fatalf("Pipeline.MaxAttempts = %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.SampleColumns != 2 || cfg.Pipeline.SampleValues != 10 {
		t.Fatalf("Pipeline samples = %d/%d", cfg.Pipeline.SampleColumns, cfg.Pipeline.SampleValues)
	}
	if cfg.AI.Provider != ProviderOpenAI {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.AI.Temperature != 0 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.Catalog.Source != CatalogSourceFile {
		t.Fatalf("Catalog.Source = %q", cfg.Catalog.Source)
	}
	if cfg.History.Enabled {
		t.Fatal("History.Enabled should default to false")
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("askmesh-api", mapLookup(map[string]string{"ASKMESH_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	cfg, err := Load("askmesh-api", mapLookup(map[string]string{
		"ASKMESH_PROFILE":                   "test",
		"ASKMESH_HTTP_ADDR":                 ":9999",
		"ASKMESH_SERVICE_NAME":              "askmesh-custom",
		"ASKMESH_DB_DRIVER":                 "DuckDB",
		"ASKMESH_DB_DSN":                    "/data/city.duckdb",
		"ASKMESH_DB_INCLUDE_TABLES":         "requests, permits ,,",
		"ASKMESH_DB_STATEMENT_TIMEOUT":      "4s",
		"ASKMESH_DB_ROW_LIMIT":              "250",
		"ASKMESH_CATALOG_SOURCE":            "s3",
		"ASKMESH_CATALOG_LOCATION":          "catalog/v3",
		"ASKMESH_CATALOG_REFRESH_INTERVAL":  "10m",
		"ASKMESH_PIPELINE_MAX_ATTEMPTS":     "3",
		"ASKMESH_PIPELINE_DEFAULT_SCOPE":    "Limit results to the city of Springfield unless asked otherwise.",
		"ASKMESH_PIPELINE_QUESTION_BUDGET":  "45s",
		"ASKMESH_AI_PROVIDER":               "anthropic",
		"ASKMESH_AI_MODEL":                  "claude-haiku-4-5",
		"ASKMESH_AI_TEMPERATURE":            "0.2",
		"ASKMESH_AI_TIMEOUT":                "21s",
		"ASKMESH_AI_MAX_TOKENS":             "1024",
		"ASKMESH_HISTORY_ENABLED":           "true",
		"ASKMESH_HISTORY_DSN":               "postgres://history",
		"ASKMESH_LOG_LEVEL":                 "error",
		"ASKMESH_AUTH_REQUIRED":             "true",
		"ASKMESH_AUTH_STATIC_KEYS":          "k1:ops:asker",
		"ASKMESH_CATALOG_MAX_UNIQUE_VALUES": "12",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "askmesh-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Database.Driver != DriverDuckDB {
		t.Fatalf("Database.Driver = %q", cfg.Database.Driver)
	}
	if cfg.Database.SchemaOrDefault() != "main" {
		t.Fatalf("SchemaOrDefault() = %q", cfg.Database.SchemaOrDefault())
	}
	if len(cfg.Database.IncludeTables) != 2 || cfg.Database.IncludeTables[1] != "permits" {
		t.Fatalf("Database.IncludeTables = %#v", cfg.Database.IncludeTables)
	}
	if cfg.Database.StatementTimeout != 4*time.Second {
		t.Fatalf("Database.StatementTimeout = %s", cfg.Database.StatementTimeout)
	}
	if cfg.Database.RowLimit != 250 {
		t.Fatalf("Database.RowLimit = %d", cfg.Database.RowLimit)
	}
	if cfg.Catalog.Source != CatalogSourceS3 || cfg.Catalog.Location != "catalog/v3" {
		t.Fatalf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.Catalog.RefreshInterval != 10*time.Minute {
		t.Fatalf("Catalog.RefreshInterval = %s", cfg.Catalog.RefreshInterval)
	}
	if cfg.Catalog.MaxUniqueValues != 12 {
		t.Fatalf("Catalog.MaxUniqueValues = %d", cfg.Catalog.MaxUniqueValues)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("Pipeline.MaxAttempts = %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.QuestionBudget != 45*time.Second {
		t.Fatalf("Pipeline.QuestionBudget = %s", cfg.Pipeline.QuestionBudget)
	}
	if cfg.Pipeline.DefaultScope == "" {
		t.Fatal("Pipeline.DefaultScope should be set")
	}
	if cfg.AI.Provider != ProviderAnthropic || cfg.AI.Model != "claude-haiku-4-5" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Temperature != 0.2 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.AI.Timeout != 21*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.AI.MaxTokens != 1024 {
		t.Fatalf("AI.MaxTokens = %d", cfg.AI.MaxTokens)
	}
	if !cfg.History.Enabled || cfg.History.DSN != "postgres://history" {
		t.Fatalf("History = %+v", cfg.History)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:ops:asker" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"ASKMESH_PROFILE": "oops"},
		{"ASKMESH_HTTP_READ_TIMEOUT": "NaN"},
		{"ASKMESH_DB_MAX_OPEN_CONNS": "oops"},
		{"ASKMESH_DB_DRIVER": "mysql"},
		{"ASKMESH_CATALOG_SOURCE": "gcs"},
		{"ASKMESH_AI_PROVIDER": "cohere"},
		{"ASKMESH_AI_TEMPERATURE": "bad"},
		{"ASKMESH_PIPELINE_MAX_ATTEMPTS": "0"},
		{"ASKMESH_PIPELINE_SAMPLE_VALUES": "-1"},
		{"ASKMESH_HISTORY_ENABLED": "true"},
		{"ASKMESH_AUTH_REQUIRED": "not-bool"},
		{"ASKMESH_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("askmesh-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
