// Recalld is the memory retrieval and learning daemon.
//
// It stores tiered memories in SQLite, keeps a semantic index caught up
// in the background, serves hybrid search with outcome-driven ranking,
// and exposes everything over a small HTTP API.
//
// Usage:
//
//	# Start with defaults (embedded index, deterministic embedder)
//	recalld serve
//
//	# Start with a config file; environment variables override it
//	recalld serve --config /etc/recalld/config.yaml
//	RECALLD_SERVER_ADDR=:9000 recalld serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/gating"
	"github.com/fyrsmithlabs/recalld/internal/graph"
	"github.com/fyrsmithlabs/recalld/internal/index"
	"github.com/fyrsmithlabs/recalld/internal/ingest"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/outcome"
	"github.com/fyrsmithlabs/recalld/internal/reranker"
	"github.com/fyrsmithlabs/recalld/internal/resilience"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "recalld",
	Short:   "Memory retrieval and learning daemon",
	Version: fmt.Sprintf("%s (%s)", version, gitCommit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recalld HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run wires the full engine and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("recalld starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("index_backend", cfg.Index.Backend),
		zap.String("embeddings_provider", cfg.Embeddings.Provider))

	store, err := memory.Open(filepath.Join(cfg.Storage.DataDir, "items.db"), logger)
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}
	defer store.Close()

	graphStore, err := graph.OpenGraph(filepath.Join(cfg.Storage.DataDir, "graph.db"), logger)
	if err != nil {
		return fmt.Errorf("opening graph store: %w", err)
	}
	defer graphStore.Close()

	graphSvc, err := graph.NewService(graphConfig(cfg), graphStore, logger)
	if err != nil {
		return fmt.Errorf("creating graph service: %w", err)
	}
	defer graphSvc.Close()

	// The deterministic embedder always exists at the configured
	// dimension: it is the fallback when the HTTP provider is down, and
	// the primary when no provider is configured.
	fallback, err := embeddings.NewDeterministic(cfg.Embeddings.Dimension)
	if err != nil {
		return fmt.Errorf("creating fallback embedder: %w", err)
	}

	embedder, err := buildEmbedder(cfg, fallback, logger)
	if err != nil {
		return err
	}
	defer embedder.Close()

	semantic, err := buildIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := resilience.NewBreaker("semantic-index", resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger)
	resilient := index.NewResilient(semantic, breaker, logger)
	defer resilient.Close()

	rr, err := buildReranker(cfg, logger)
	if err != nil {
		return err
	}

	ingester, err := ingest.NewService(ingest.Config{
		ErrorBuffer:     cfg.Ingest.ErrorBuffer,
		IndexTimeout:    cfg.Ingest.IndexTimeout,
		ReindexBatch:    cfg.Ingest.ReindexBatch,
		ReindexInterval: cfg.Ingest.ReindexInterval,
		EmbedsPerSecond: cfg.Ingest.EmbedsPerSecond,
		TierCapacities:  tierCapacities(cfg),
	}, store, resilient, embedder, fallback, logger)
	if err != nil {
		return fmt.Errorf("creating ingest service: %w", err)
	}
	defer ingester.Close()
	go ingester.Run(ctx)

	engine, err := search.NewEngine(search.Config{
		DefaultLimit:   cfg.Search.DefaultLimit,
		CandidateK:     cfg.Search.CandidateK,
		RRFK:           cfg.Search.RRFK,
		RRFKSharp:      cfg.Search.RRFKSharp,
		SharpTermLimit: cfg.Search.SharpTermLimit,
		RerankTopN:     cfg.Search.RerankTopN,
		HighThreshold:  cfg.Search.HighThreshold,
		HighMinResults: cfg.Search.HighMinResults,
		Deadline:       cfg.Search.Deadline,
	}, store, resilient, embedder, fallback, rr, ingester.Trigger, logger)
	if err != nil {
		return fmt.Errorf("creating search engine: %w", err)
	}

	outcomes, err := outcome.NewService(store, logger)
	if err != nil {
		return fmt.Errorf("creating outcome service: %w", err)
	}

	tools := make([]gating.Tool, len(cfg.Gating.Tools))
	for i, t := range cfg.Gating.Tools {
		tools[i] = gating.Tool{Name: t.Name, Essential: t.Essential, Priority: t.Priority}
	}
	gate := gating.NewEngine(gating.NewToolTable(tools))

	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, engine, outcomes, ingester, gate, graphSvc, resilient, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return nil
}

func buildEmbedder(cfg *config.Config, fallback embeddings.Provider, logger *zap.Logger) (embeddings.Provider, error) {
	switch cfg.Embeddings.Provider {
	case "http":
		provider, err := embeddings.NewHTTPProvider(embeddings.HTTPConfig{
			BaseURL:   cfg.Embeddings.BaseURL,
			Model:     cfg.Embeddings.Model,
			Dimension: cfg.Embeddings.Dimension,
			Timeout:   cfg.Embeddings.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		return provider, nil
	default:
		return fallback, nil
	}
}

func buildIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (index.SemanticIndex, error) {
	switch cfg.Index.Backend {
	case "qdrant":
		idx, err := index.NewQdrantIndex(ctx, index.QdrantConfig{
			Host:       cfg.Index.QdrantHost,
			Port:       cfg.Index.QdrantPort,
			APIKey:     cfg.Index.QdrantAPIKey,
			UseTLS:     cfg.Index.QdrantUseTLS,
			Collection: cfg.Index.Collection,
			Dimension:  cfg.Embeddings.Dimension,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		return idx, nil
	default:
		idx, err := index.NewChromemIndex(index.ChromemConfig{
			Path:       filepath.Join(cfg.Storage.DataDir, "vectors"),
			Collection: cfg.Index.Collection,
			Compress:   cfg.Index.Compress,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening embedded index: %w", err)
		}
		return idx, nil
	}
}

func buildReranker(cfg *config.Config, logger *zap.Logger) (reranker.Reranker, error) {
	switch cfg.Reranker.Provider {
	case "http":
		rr, err := reranker.NewHTTP(reranker.HTTPConfig{
			BaseURL: cfg.Reranker.BaseURL,
			Model:   cfg.Reranker.Model,
			Timeout: cfg.Reranker.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating reranker: %w", err)
		}
		return rr, nil
	default:
		return reranker.NewOverlap(), nil
	}
}

func graphConfig(cfg *config.Config) graph.Config {
	caps := make(map[graph.NodeType]int, len(cfg.Graph.SampleCaps))
	for typ, n := range cfg.Graph.SampleCaps {
		caps[graph.NodeType(typ)] = n
	}
	return graph.Config{
		Debounce:       cfg.Graph.Debounce,
		FlushThreshold: cfg.Graph.FlushThreshold,
		SampleCaps:     caps,
	}
}

func tierCapacities(cfg *config.Config) map[memory.Tier]int {
	if len(cfg.Tiers.Capacities) == 0 {
		return nil
	}
	caps := make(map[memory.Tier]int, len(cfg.Tiers.Capacities))
	for tier, n := range cfg.Tiers.Capacities {
		caps[memory.Tier(tier)] = n
	}
	return caps
}
