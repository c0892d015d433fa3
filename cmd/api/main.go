package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kbpipeline/internal/columnar"
	"kbpipeline/internal/config"
	"kbpipeline/internal/contextutil"
	"kbpipeline/internal/dedup"
	"kbpipeline/internal/embedding"
	"kbpipeline/internal/http"
	"kbpipeline/internal/indexer"
	"kbpipeline/internal/kb"
	"kbpipeline/internal/scheduler"
	"kbpipeline/internal/sources/docs"
	"kbpipeline/internal/sources/rss"
	"kbpipeline/internal/storage"
	"kbpipeline/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	db, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := storage.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Database initialized", "path", cfg.DBPath)

	stagedRepo := storage.NewStagedDocRepo(db)
	checkpointRepo := storage.NewCheckpointRepo(db)
	pageRepo := storage.NewIndexedPageRepo(db)
	jobRepo := storage.NewJobRepo(db)
	columnarStore := columnar.NewSQLiteStore(db)

	ctx := contextutil.WithLogger(context.Background(), logger)

	vectorStore, err := vectorstore.NewQdrantStore(cfg.QdrantURL)
	if err != nil {
		log.Fatalf("Failed to create Qdrant client: %v", err)
	}

	// Validate embedding client vector size (fail-fast)
	embedder := embedding.NewClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.VectorSize)
	probe, err := embedder.EmbedText(ctx, "startup probe")
	if err != nil {
		log.Fatalf("Failed to validate embedding client: %v", err)
	}
	if len(probe) != cfg.VectorSize {
		log.Fatalf("Embedding vector size mismatch: expected %d, got %d", cfg.VectorSize, len(probe))
	}
	slog.Info("Embedding client validated", "model", cfg.EmbeddingModel, "vector_size", cfg.VectorSize)

	kbWriter := kb.NewWriter(cfg.KBBaseURL, cfg.KBToken)
	if kbWriter != nil {
		slog.Info("Knowledge base mirror enabled", "base_url", cfg.KBBaseURL)
	}

	registry := indexer.NewRegistry()
	sched := scheduler.New(checkpointRepo, stagedRepo, func(ctx context.Context, namespace string) (dedup.Store, error) {
		return dedup.NewSQLiteStore(ctx, db, namespace)
	})

	var collections []string
	for name, feedURL := range cfg.RSSFeeds {
		source := rss.New(name, feedURL)
		collection := "rss_" + name
		collections = append(collections, collection)
		registry.Register(collection, source)
		sched.Register(scheduler.SourceSpec{
			Source:     source,
			Collection: collection,
			Interval:   cfg.ResyncInterval,
			RetryDelay: cfg.RetryDelay,
			BatchSize:  cfg.StageBatchSize,
		})
		slog.Info("Registered RSS source", "source", name, "collection", collection)
	}
	if cfg.DocsPath != "" {
		source := docs.New("docs", cfg.DocsPath)
		collections = append(collections, "docs")
		registry.Register("docs", source)
		sched.Register(scheduler.SourceSpec{
			Source:        source,
			Collection:    "docs",
			NeedsChunking: true,
			Interval:      cfg.ResyncInterval,
			RetryDelay:    cfg.RetryDelay,
			BatchSize:     cfg.StageBatchSize,
		})
		slog.Info("Registered docs source", "path", cfg.DocsPath)
	}

	for _, collection := range collections {
		if err := vectorStore.EnsureCollection(ctx, collection, cfg.VectorSize); err != nil {
			log.Fatalf("Failed to ensure Qdrant collection %s: %v", collection, err)
		}
		if err := columnarStore.EnsureTable(ctx, collection); err != nil {
			log.Fatalf("Failed to ensure columnar table for %s: %v", collection, err)
		}
	}
	slog.Info("Collections ready", "collections", collections, "vector_size", cfg.VectorSize)

	ix := indexer.NewIndexer(
		registry,
		pageRepo,
		jobRepo,
		embedder,
		vectorStore,
		columnarStore,
		kbWriter,
		cfg.VectorSize,
		indexer.Config{
			BatchSize:        cfg.IndexBatchSize,
			WriteConcurrency: cfg.WriteConcurrency,
			EmbeddingVersion: cfg.EmbeddingModel,
		},
	)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		sched.Start(runCtx)
	}()
	slog.Info("Scheduler started", "sources", len(collections))

	router := http.NewRouter(&http.Deps{
		DB:          db,
		Qdrant:      vectorStore,
		Embedder:    embedder,
		Indexer:     ix,
		Scheduler:   sched,
		Jobs:        jobRepo,
		Collections: collections,
	})

	server := &nethttp.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}
	go func() {
		slog.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	<-runCtx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
	<-schedulerDone
	slog.Info("Shutdown complete")
}
