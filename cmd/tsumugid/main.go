package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/tsumugi/internal/config"
	"github.com/ashita-ai/tsumugi/internal/extract"
	"github.com/ashita-ai/tsumugi/internal/ingest"
	"github.com/ashita-ai/tsumugi/internal/notify"
	"github.com/ashita-ai/tsumugi/internal/pipeline"
	"github.com/ashita-ai/tsumugi/internal/search"
	"github.com/ashita-ai/tsumugi/internal/service/embedding"
	"github.com/ashita-ai/tsumugi/internal/service/extraction"
	"github.com/ashita-ai/tsumugi/internal/service/review"
	"github.com/ashita-ai/tsumugi/internal/service/runs"
	"github.com/ashita-ai/tsumugi/internal/storage"
	"github.com/ashita-ai/tsumugi/internal/telemetry"
	"github.com/ashita-ai/tsumugi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TSUMUGI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("tsumugi starting", "version", version, "cycle_interval", cfg.CycleInterval)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// Run embedded migrations. The runner tracks applied files in
	// schema_migrations and skips duplicates, so errors here are real.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration. If the pgvector extension
	// failed to create, later migrations fail silently and the daemon starts
	// with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'runs')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("critical table 'runs' does not exist after migration, check that the pgvector extension is installed")
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Initialize Qdrant similarity index (optional, disabled if QDRANT_URL is empty).
	var searcher search.Searcher = search.Noop{}
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Create extraction oracle.
	oracle := newOracle(cfg, logger)

	// Open the local ingest spool (optional, disabled if TSUMUGI_SPOOL_PATH is empty).
	var spool *ingest.Spool
	if cfg.SpoolPath != "" {
		spool, err = ingest.Open(cfg.SpoolPath)
		if err != nil {
			return fmt.Errorf("spool: %w", err)
		}
		defer func() { _ = spool.Close() }()
		logger.Info("ingest spool: enabled", "path", cfg.SpoolPath)
	} else {
		logger.Info("ingest spool: disabled (no TSUMUGI_SPOOL_PATH)")
	}

	// Create the event publisher and fan-out broker (requires LISTEN/NOTIFY
	// connection).
	publisher := notify.NewPublisher(db, logger)
	if db.HasNotifyConn() {
		broker := notify.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("event broker: disabled (no notify connection)")
	}

	// Wire services and the pipeline.
	runSvc := runs.New(db, publisher, logger)
	coordinator := extraction.New(db, oracle, embedder, searcher, logger)
	reviewSvc := review.New(db, publisher, logger)

	// Backfill embeddings for entities stored without one (e.g. when the
	// provider was previously noop). Runs once at startup, non-fatal.
	if n, err := coordinator.BackfillEmbeddings(ctx, 500); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill complete", "count", n)
	}

	p := pipeline.New(db, spool, runSvc, coordinator, reviewSvc, publisher,
		cfg.RunConfig(),
		pipeline.Config{
			Lookback:         cfg.WindowLookback,
			BatchConcurrency: cfg.BatchConcurrency,
		},
		logger)

	p.Run(ctx, cfg.CycleInterval)

	slog.Info("tsumugi stopped")
	return nil
}

// newOracle creates the extraction oracle based on configuration.
// "static" yields empty extractions; useful for pipeline dry runs.
func newOracle(cfg config.Config, logger *slog.Logger) extract.Oracle {
	switch cfg.OracleProvider {
	case "ollama":
		logger.Info("oracle: ollama", "url", cfg.OllamaURL, "model", cfg.OracleModel)
		return extract.NewHTTPOracle(cfg.OllamaURL+"/v1", "", logger)
	case "static":
		logger.Warn("oracle: static (no extraction will happen)")
		return extract.Static{}
	default:
		logger.Info("oracle: openai-compatible", "model", cfg.OracleModel)
		return extract.NewHTTPOracle(cfg.OracleBaseURL, cfg.OracleAPIKey, logger)
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when TSUMUGI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (similarity hints disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider("", cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (similarity hints disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
