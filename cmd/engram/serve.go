package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/aggregator"
	"github.com/engramdev/engram/internal/archive"
	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/dedup"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/hub"
	"github.com/engramdev/engram/internal/indexer"
	"github.com/engramdev/engram/internal/infra"
	"github.com/engramdev/engram/internal/memory"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/search"
	"github.com/engramdev/engram/internal/server"
	"github.com/engramdev/engram/internal/vector"
	"github.com/engramdev/engram/pkg/models"
)

const rerankHTTPTimeout = 10 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Engram server",
		Long: `Start the full ingestion, aggregation, indexing, and retrieval pipeline.

The server will:
1. Load configuration from the given file plus environment overrides
2. Connect the graph store, vector store, and message bus
3. Start the turn aggregator, hybrid indexer, and fan-out hub
4. Serve the HTTP API with ingest, search, memory, and WebSocket endpoints

Backends left unconfigured fall back to in-process doubles, which is
useful for local development but loses data on restart.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  engram serve

  # Start against local backends with debug logging
  engram serve --config engram.local.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := infra.NewShutdownCoordinator(10*time.Second, log.Slog())

	_, stopTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	shutdown.Register("tracing", stopTracing)

	// Backends. Empty or "memory" endpoints select the in-process doubles.
	store, err := openGraphStore(cfg, log)
	if err != nil {
		return err
	}
	shutdown.Register("graph", func(context.Context) error { return store.Close() })

	b, err := openBus(cfg, log, metrics)
	if err != nil {
		return err
	}
	shutdown.Register("bus", func(context.Context) error { return b.Close() })

	vstore, err := openVectorStore(cfg, log)
	if err != nil {
		return err
	}

	dense, sparse, colbert := buildEmbedders(cfg)

	// Pipeline.
	d := dedup.NewEngine(dedup.Config{
		TTL:             cfg.Dedup.TTL,
		MaxEntries:      cfg.Dedup.MaxEntries,
		CleanupInterval: cfg.Dedup.CleanupInterval,
	}, log, metrics)
	shutdown.Register("dedup", func(context.Context) error { d.Close(); return nil })

	agg := aggregator.New(store, b, d, aggregator.DefaultOptions(), log, metrics)
	agg.Start()
	shutdown.Register("aggregator", func(context.Context) error { agg.Close(); return nil })

	idx := indexer.New(b, vstore, dense, sparse, colbert, cfg.Indexer, log, metrics)
	if err := idx.Start(ctx); err != nil {
		return err
	}
	shutdown.Register("indexer", func(sctx context.Context) error { idx.Stop(sctx); return nil })

	engine := search.NewEngine(vstore, store, dense, sparse, cfg.Search, log, metrics)
	registerRerankers(engine, cfg.Search, log)

	mem := memory.NewService(store, engine, b, log, metrics)

	h := hub.New(store, b, cfg.Hub, log, metrics)
	h.Start(ctx)
	shutdown.Register("hub", func(context.Context) error { h.Stop(); return nil })

	if cfg.Pruner.Enabled {
		var archiver graph.Archiver
		if cfg.Pruner.ArchiveBucket != "" {
			archiver, err = archive.NewS3Archiver(ctx, archive.Config{
				Bucket: cfg.Pruner.ArchiveBucket,
				Prefix: cfg.Pruner.ArchivePrefix,
			}, log)
			if err != nil {
				return err
			}
		}
		pruner := graph.NewPruner(store, archiver, cfg.Graph.Retention, cfg.Pruner, log)
		if err := pruner.Start(); err != nil {
			return err
		}
		shutdown.Register("pruner", func(context.Context) error { pruner.Stop(); return nil })
	}

	srv := server.New(cfg.Server, agg, engine, mem, h, store, log, metrics)
	if err := srv.Start(); err != nil {
		return err
	}
	shutdown.Register("http", srv.Shutdown)

	log.Info("engram is running", "addr", srv.Addr(), "graph", cfg.Graph.Driver)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	shutdown.Shutdown(shutdownCtx)
	return nil
}

func openGraphStore(cfg *config.Config, log *observability.Logger) (graph.Store, error) {
	if cfg.Graph.URL == "" || cfg.Graph.URL == "memory" {
		log.Warn("no graph url configured, using in-memory store")
		return graph.NewMemoryStore(), nil
	}
	s, err := graph.NewSQLStore(cfg.Graph)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openBus(cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) (bus.Bus, error) {
	if cfg.Bus.URL == "" || cfg.Bus.URL == "memory" {
		log.Warn("no bus url configured, using in-process bus")
		b := bus.NewMemoryBus()
		b.RegisterGroup(models.TopicNodesCreated, cfg.Indexer.Group)
		return b, nil
	}
	rb, err := bus.NewRedisBus(cfg.Bus, log, metrics)
	if err != nil {
		return nil, err
	}
	return rb, nil
}

func openVectorStore(cfg *config.Config, log *observability.Logger) (vector.Store, error) {
	if cfg.Vector.URL == "" || cfg.Vector.URL == "memory" {
		log.Warn("no vector store url configured, using in-memory store")
		return vector.NewMemoryStore(), nil
	}
	qs, err := vector.NewQdrantStore(cfg.Vector, log)
	if err != nil {
		return nil, err
	}
	return qs, nil
}

func buildEmbedders(cfg *config.Config) (embeddings.DenseEmbedder, embeddings.SparseEmbedder, embeddings.ColbertEmbedder) {
	var dense embeddings.DenseEmbedder
	if cfg.Embeddings.Provider == "hashing" || cfg.Embeddings.BaseURL == "" && cfg.Embeddings.APIKey == "" {
		dense = embeddings.NewHashingDense(cfg.Vector.DenseDim)
	} else {
		dense = embeddings.NewOpenAIDense(cfg.Embeddings)
	}

	var sparse embeddings.SparseEmbedder = embeddings.HashingSparse{}
	if cfg.Embeddings.SparseURL != "" {
		sparse = embeddings.NewHTTPSparse(cfg.Embeddings.SparseURL, rerankHTTPTimeout)
	}

	var colbert embeddings.ColbertEmbedder
	if cfg.Vector.EnableColbert && cfg.Embeddings.ColbertURL != "" {
		colbert = embeddings.NewHTTPColbert(cfg.Embeddings.ColbertURL, rerankHTTPTimeout)
	}
	return dense, sparse, colbert
}

func registerRerankers(engine *search.Engine, cfg config.SearchConfig, log *observability.Logger) {
	for tier, url := range map[models.RerankTier]string{
		models.RerankFast:     cfg.RerankFastURL,
		models.RerankAccurate: cfg.RerankAccurateURL,
		models.RerankCode:     cfg.RerankCodeURL,
	} {
		if url != "" {
			engine.RegisterReranker(tier, search.NewHTTPReranker(url, rerankHTTPTimeout))
		}
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		llm, err := search.NewLLMReranker(key, cfg.LLMRerankModel, cfg.RerankMaxConcurrency)
		if err != nil {
			log.Warn("llm reranker unavailable", "error", err)
			return
		}
		engine.RegisterReranker(models.RerankLLM, llm)
	}
}
