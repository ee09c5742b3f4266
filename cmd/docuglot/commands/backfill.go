package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/docuglot/docuglot/internal/embedding"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/storage"
)

var backfillBatchSize int

var backfillCmd = &cobra.Command{
	Use:   "backfill-embeddings",
	Short: "Embed extracted pages that are missing a vector",
	Long: `Scans for pages whose extraction completed but whose embedding is
missing (dropped under load, or failed while the embedding API was down)
and embeds them one by one.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 500, "pages fetched per round")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: "console",
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.Open(ctx, storage.PostgresConfig{DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer db.Close()
	pages := storage.NewPageRepository(db)

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

	var embedded, failed int
	for {
		batch, err := pages.ListMissingEmbeddings(ctx, backfillBatchSize)
		if err != nil {
			return fmt.Errorf("list pages: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		bar := progressbar.NewOptions(len(batch),
			progressbar.OptionSetDescription("embedding pages"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
		)

		roundEmbedded := 0
		for _, page := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			vector, err := embedder.EmbedSingle(ctx, *page.OriginalMarkdown)
			if err != nil {
				failed++
				logger.Warn().Err(err).
					Str("page_id", page.ID.String()).
					Int("page_number", page.PageNumber).
					Msg("embedding failed")
				if err := pages.SetEmbedding(ctx, page.ID, nil, storage.EmbeddingError); err != nil {
					return fmt.Errorf("record embedding failure: %w", err)
				}
				bar.Add(1)
				continue
			}
			if err := pages.SetEmbedding(ctx, page.ID, vector, storage.EmbeddingCompleted); err != nil {
				return fmt.Errorf("store embedding: %w", err)
			}
			embedded++
			roundEmbedded++
			bar.Add(1)
		}
		bar.Finish()

		// Failed pages stay selectable; a round with no progress means
		// the embedding API is down, so stop instead of spinning.
		if len(batch) < backfillBatchSize || roundEmbedded == 0 {
			break
		}
	}

	fmt.Printf("backfill done: %d embedded, %d failed\n", embedded, failed)
	return nil
}
