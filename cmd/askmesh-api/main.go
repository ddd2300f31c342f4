package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askmesh/askmesh/internal/answer"
	"github.com/askmesh/askmesh/internal/api"
	"github.com/askmesh/askmesh/internal/auth"
	"github.com/askmesh/askmesh/internal/author"
	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/config"
	"github.com/askmesh/askmesh/internal/history"
	historypostgres "github.com/askmesh/askmesh/internal/history/postgres"
	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/llm/anthropic"
	"github.com/askmesh/askmesh/internal/llm/gemini"
	"github.com/askmesh/askmesh/internal/llm/openai"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/pipeline"
	"github.com/askmesh/askmesh/internal/query"
	duckdbengine "github.com/askmesh/askmesh/internal/query/duckdb"
	postgresengine "github.com/askmesh/askmesh/internal/query/postgres"
	"github.com/askmesh/askmesh/internal/schema"
	"github.com/askmesh/askmesh/internal/storage"
	"github.com/askmesh/askmesh/internal/storage/local"
	s3store "github.com/askmesh/askmesh/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("askmesh-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openObjectStore(cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	if closer, ok := store.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	engine, introspectDB, closeEngine, dialect, err := openEngine(ctx, cfg, store)
	if err != nil {
		logger.Error("failed to open query engine", slog.Any("error", err), slog.String("driver", cfg.Database.Driver))
		os.Exit(1)
	}
	defer closeEngine()

	generator, err := newGenerator(ctx, cfg.AI)
	if err != nil {
		logger.Error("failed to initialize llm client", slog.Any("error", err), slog.String("provider", cfg.AI.Provider))
		os.Exit(1)
	}

	source, err := catalog.NewStoreSource(store, cfg.Catalog.CatalogKey)
	if err != nil {
		logger.Error("failed to initialize catalog source", slog.Any("error", err))
		os.Exit(1)
	}
	metadataCatalog := catalog.New(source, cfg.Catalog.MaxUniqueValues, logger)
	refreshErr := metadataCatalog.Refresh(ctx)
	observability.ObserveCatalogRefresh(refreshErr)
	if refreshErr != nil {
		logger.Warn("initial catalog load failed; questions run without catalog metadata until refresh succeeds", slog.Any("error", refreshErr))
	}
	go metadataCatalog.RunRefreshLoop(ctx, cfg.Catalog.RefreshInterval, observability.ObserveCatalogRefresh)

	templates, err := author.LoadTemplates(cfg.Pipeline.PromptDir)
	if err != nil {
		logger.Error("failed to load prompt templates", slog.Any("error", err))
		os.Exit(1)
	}
	sqlAuthor, err := author.New(generator, author.Options{
		Dialect:      dialect,
		Temperature:  cfg.AI.Temperature,
		HistoryTurns: cfg.Pipeline.HistoryTurns,
		DefaultScope: cfg.Pipeline.DefaultScope,
		Templates:    templates,
	})
	if err != nil {
		logger.Error("failed to initialize sql author", slog.Any("error", err))
		os.Exit(1)
	}

	deps := pipeline.Dependencies{
		Schema:   schema.NewIntrospector(introspectDB, cfg.Database.SchemaOrDefault(), cfg.Database.IncludeTables),
		Catalog:  metadataCatalog,
		Selector: catalog.NewSelector(generator),
		Author:   sqlAuthor,
		Engine:   engine,
		Composer: answer.New(generator, answer.Options{
			RowLimit:     cfg.Pipeline.AnswerRowLimit,
			HistoryTurns: cfg.Pipeline.HistoryTurns,
			Temperature:  cfg.AI.Temperature,
		}),
	}

	apiDeps := api.Dependencies{
		Logger:            logger,
		DependencyTimeout: time.Second,
		Catalog:           metadataCatalog,
		AskTimeout:        cfg.Pipeline.QuestionBudget,
	}
	readiness := []api.ReadinessCheck{
		api.CheckCatalogLoaded(metadataCatalog),
		api.CheckAIConfig(cfg),
	}
	if checker, ok := store.(interface{ HealthCheck(context.Context) error }); ok {
		readiness = append(readiness, checker.HealthCheck)
	}

	if cfg.History.Enabled {
		historyDB, err := historypostgres.Open(ctx, historypostgres.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()

		var repo history.Repository = historypostgres.NewRepository(historyDB)
		deps.Recorder = repo
		apiDeps.History = repo
		readiness = append(readiness, repo.HealthCheck)
	}

	asker, err := pipeline.New(deps, pipeline.Options{
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		SampleColumns:    cfg.Pipeline.SampleColumns,
		SampleValues:     cfg.Pipeline.SampleValues,
		RowLimit:         cfg.Database.RowLimit,
		StatementTimeout: cfg.Database.StatementTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	apiDeps.Asker = asker
	apiDeps.Readiness = api.CombineReadinessChecks(readiness...)

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		apiDeps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, apiDeps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("driver", cfg.Database.Driver),
			slog.String("provider", cfg.AI.Provider),
			slog.Int("max_attempts", cfg.Pipeline.MaxAttempts),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openObjectStore(cfg config.Config) (storage.ObjectReader, error) {
	switch cfg.Catalog.Source {
	case config.CatalogSourceS3:
		store, err := s3store.New(s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			Bucket:          cfg.ObjectStore.Bucket,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UseSSL:          cfg.ObjectStore.UseSSL,
			Prefix:          cfg.ObjectStore.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := local.New(cfg.Catalog.Location)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func openEngine(ctx context.Context, cfg config.Config, store storage.ObjectReader) (query.Engine, schema.Queryer, func(), string, error) {
	if cfg.Database.Driver == config.DriverDuckDB {
		views, err := duckdbengine.ParseViews(cfg.Database.ParquetViews)
		if err != nil {
			return nil, nil, nil, "", err
		}
		engine, err := duckdbengine.Open(ctx, duckdbengine.Config{
			Path:           cfg.Database.DSN,
			Views:          views,
			Store:          store,
			DefaultTimeout: cfg.Database.StatementTimeout,
		})
		if err != nil {
			return nil, nil, nil, "", err
		}
		return engine, engine.DB(), func() { _ = engine.Close() }, "DuckDB", nil
	}

	db, err := postgresengine.Open(ctx, cfg.Database.DSN, postgresengine.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, "", err
	}
	return postgresengine.NewEngine(db, cfg.Database.StatementTimeout), db, func() { _ = db.Close() }, "PostgreSQL", nil
}

func newGenerator(ctx context.Context, cfg config.AIConfig) (llm.Generator, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.New(anthropic.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout,
			MaxTokens: cfg.MaxTokens,
		})
	case config.ProviderGemini:
		return gemini.New(ctx, gemini.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout,
			MaxTokens: cfg.MaxTokens,
		})
	case config.ProviderOpenAI:
		return openai.New(openai.Config{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Timeout:   cfg.Timeout,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
