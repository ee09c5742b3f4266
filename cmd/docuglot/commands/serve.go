package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docuglot/docuglot/internal/api"
	"github.com/docuglot/docuglot/internal/converter"
	"github.com/docuglot/docuglot/internal/embedding"
	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/ingest"
	"github.com/docuglot/docuglot/internal/llm"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/orchestrator"
	"github.com/docuglot/docuglot/internal/pipeline"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/scheduler"
	"github.com/docuglot/docuglot/internal/search"
	"github.com/docuglot/docuglot/internal/storage"
	"github.com/docuglot/docuglot/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docuglot API server and processing pipeline",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "docuglot",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, storage.PostgresConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	repos := storage.NewRepositories(db)

	var bus events.Bus
	switch cfg.Events.Driver {
	case "redis":
		bus, err = events.NewRedisBus(ctx, events.RedisConfig{
			Addr:     cfg.Events.Redis.Addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		}, logger)
		if err != nil {
			return fmt.Errorf("redis connection: %w", err)
		}
	default:
		bus = events.NewMemoryBus()
	}
	defer bus.Close()

	breaker := resilience.NewBreaker(logger)
	breaker.Register(pipeline.ResourceLLM, resilience.BreakerConfig{
		Threshold: cfg.Breakers.LLM.Threshold,
		Window:    cfg.Breakers.LLM.Window,
		Cooldown:  cfg.Breakers.LLM.Cooldown,
	})
	breaker.Register(pipeline.ResourceEmbedding, resilience.BreakerConfig{
		Threshold: cfg.Breakers.Embedding.Threshold,
		Window:    cfg.Breakers.Embedding.Window,
		Cooldown:  cfg.Breakers.Embedding.Cooldown,
	})

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		VisionModel: cfg.LLM.VisionModel,
		TextModel:   cfg.LLM.TextModel,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	embedder, err := embedding.NewClient(embedding.Config{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}

	orch := orchestrator.New(repos.Documents, repos.Pages, bus, logger)

	embedWorker := pipeline.NewEmbedWorker(repos.Pages, embedder, breaker, bus, logger,
		cfg.Pipeline.EmbedQueueSize)

	processor := pipeline.NewProcessor(repos.Pages, repos.Documents, orch, llmClient,
		breaker, embedWorker, bus, logger, pipeline.Config{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Backoff: resilience.BackoffConfig{
				Base:       cfg.Pipeline.BackoffBase,
				Max:        cfg.Pipeline.BackoffMax,
				Multiplier: resilience.DefaultBackoff().Multiplier,
				Jitter:     cfg.Pipeline.BackoffJitter,
			},
			Vision: llm.ModelOptions{Model: cfg.LLM.VisionModel, Temperature: cfg.LLM.Temperature},
			Text:   llm.ModelOptions{Model: cfg.LLM.TextModel, Temperature: cfg.LLM.Temperature},
		})

	sched := scheduler.New(processor, repos.Pages, repos.Documents, orch, bus, logger,
		scheduler.Config{TaskTimeout: cfg.Pipeline.TaskTimeout})

	conv := converter.New(converter.Config{
		JPEGQuality:   cfg.Storage.JPEGQuality,
		SofficeBinary: cfg.Storage.Soffice,
	}, logger)

	ingestor := ingest.New(conv, repos.Pages, repos.Documents, orch, sched, logger,
		ingest.Config{WorkDir: cfg.Storage.WorkDir})

	searchSvc := search.New(repos.Search, embedder, breaker, logger, search.Config{
		RRFK:           cfg.Search.RRFK,
		MinScore:       cfg.Search.MinScore,
		CandidateLimit: cfg.Search.CandidateLimit,
		SnippetLength:  cfg.Search.SnippetLength,
	})

	// Probes let the sweeper close an open breaker as soon as the
	// dependency answers again.
	probes := map[string]sweeper.Probe{
		pipeline.ResourceEmbedding: func(ctx context.Context) error {
			_, err := embedder.EmbedSingle(ctx, "ping")
			return err
		},
		pipeline.ResourceLLM: func(ctx context.Context) error {
			_, err := llmClient.Translate(ctx, "ping", "en",
				llm.ModelOptions{Model: cfg.LLM.TextModel, Temperature: 0})
			return err
		},
	}
	sweep := sweeper.New(breaker, probes, repos.Documents, logger, sweeper.Config{
		HealthInterval: cfg.Sweeper.HealthInterval,
		OrphanInterval: cfg.Sweeper.OrphanInterval,
		WorkDir:        cfg.Storage.WorkDir,
	})

	if err := sched.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted documents: %w", err)
	}
	go sched.Run(ctx)
	go embedWorker.Run(ctx)
	go sweep.Run(ctx)

	handler := api.NewHandler(orch, ingestor, sched, searchSvc, repos.Documents, repos.Pages,
		logger, api.Config{
			UploadDir:      cfg.Storage.UploadDir,
			WorkDir:        cfg.Storage.WorkDir,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
		})
	router := api.NewRouter(handler, db, logger, cfg.Server.WriteTimeout)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	// Stop background loops, then drain HTTP connections.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
	return nil
}
