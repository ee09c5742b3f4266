package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/docuglot/docuglot/internal/embedding"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/pipeline"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/search"
	"github.com/docuglot/docuglot/internal/storage"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a hybrid search against processed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if noColor {
		color.NoColor = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := storage.Open(ctx, storage.PostgresConfig{DSN: cfg.Database.DSN})
	if err != nil {
		return fmt.Errorf("database connection: %w", err)
	}
	defer db.Close()

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

	logger := observability.NopLogger()
	breaker := resilience.NewBreaker(logger)
	breaker.Register(pipeline.ResourceEmbedding, resilience.BreakerConfig{
		Threshold: cfg.Breakers.Embedding.Threshold,
		Window:    cfg.Breakers.Embedding.Window,
		Cooldown:  cfg.Breakers.Embedding.Cooldown,
	})

	svc := search.New(storage.NewSearchRepository(db), embedder, breaker, logger, search.Config{
		RRFK:           cfg.Search.RRFK,
		MinScore:       cfg.Search.MinScore,
		CandidateLimit: cfg.Search.CandidateLimit,
		SnippetLength:  cfg.Search.SnippetLength,
	})

	query := strings.Join(args, " ")
	results, err := svc.Search(ctx, query, searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		color.New(color.FgYellow).Println("no results")
		return nil
	}

	for i, res := range results {
		color.New(color.FgCyan, color.Bold).Printf("%d. %s", i+1, res.DocumentTitle)
		fmt.Printf(" (page %d, score %.4f)\n", res.PageNumber, res.Score)
		if res.Snippet != "" {
			fmt.Printf("   %s\n", res.Snippet)
		}
	}
	return nil
}
