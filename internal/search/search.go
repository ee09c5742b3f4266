// Package search provides hybrid retrieval over processed pages: a
// semantic ranking by embedding distance and a lexical full-text ranking,
// fused with Reciprocal Rank Fusion.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/embedding"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/pipeline"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/storage"
)

// Store runs the two ranked retrieval queries.
type Store interface {
	SemanticRank(ctx context.Context, vector []float32, n int) ([]*storage.RankedPage, error)
	LexicalRank(ctx context.Context, queryText string, n int) ([]*storage.RankedPage, error)
}

// Result is one fused search hit.
type Result struct {
	PageID        uuid.UUID `json:"page_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	DocumentTitle string    `json:"document_title"`
	PageNumber    int       `json:"page_number"`
	Score         float64   `json:"score"`
	Snippet       string    `json:"snippet"`
}

// Config holds retrieval tuning.
type Config struct {
	// RRFK is the rank-fusion constant; default 60.
	RRFK int
	// MinScore filters fused noise; default 0.01, low enough that a
	// rank-1 hit in a single list survives.
	MinScore float64
	// CandidateLimit is how many rows each ranking contributes; default 50.
	CandidateLimit int
	// SnippetLength caps result snippets in runes; default 200.
	SnippetLength int
}

// Service fuses semantic and lexical rankings.
type Service struct {
	store    Store
	embedder embedding.Embedder
	breaker  *resilience.Breaker
	logger   *observability.Logger
	cfg      Config
}

// New creates a search service with defaults filled in.
func New(store Store, embedder embedding.Embedder, breaker *resilience.Breaker,
	logger *observability.Logger, cfg Config) *Service {
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.01
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = 200
	}
	return &Service{
		store:    store,
		embedder: embedder,
		breaker:  breaker,
		logger:   logger.WithComponent("search"),
		cfg:      cfg,
	}
}

// Search returns up to limit fused results for the query. An empty query
// yields an empty result set without touching the embedder. An embedding
// failure is a search error: without a query vector the fusion is
// meaningless, so there is no lexical-only fallback.
func (s *Service) Search(ctx context.Context, queryText string, limit int) ([]Result, error) {
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var vector []float32
	err := s.breaker.Call(ctx, pipeline.ResourceEmbedding, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = s.embedder.EmbedSingle(ctx, queryText)
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	semantic, err := s.store.SemanticRank(ctx, vector, s.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("semantic rank: %w", err)
	}
	lexical, err := s.store.LexicalRank(ctx, queryText, s.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("lexical rank: %w", err)
	}

	fused := s.fuse(semantic, lexical)
	if len(fused) > limit {
		fused = fused[:limit]
	}

	s.logger.Debug().
		Int("semantic", len(semantic)).
		Int("lexical", len(lexical)).
		Int("results", len(fused)).
		Msg("search complete")
	return fused, nil
}

// fuse combines the two rankings: each list contributes 1/(k+rank) per
// page, ranks starting at 1; absence from a list contributes nothing.
func (s *Service) fuse(semantic, lexical []*storage.RankedPage) []Result {
	type candidate struct {
		page  *storage.RankedPage
		score float64
	}
	candidates := make(map[uuid.UUID]*candidate)

	for _, list := range [][]*storage.RankedPage{semantic, lexical} {
		for i, page := range list {
			contribution := 1.0 / float64(s.cfg.RRFK+i+1)
			if c, ok := candidates[page.PageID]; ok {
				c.score += contribution
			} else {
				candidates[page.PageID] = &candidate{page: page, score: contribution}
			}
		}
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.score < s.cfg.MinScore {
			continue
		}
		results = append(results, Result{
			PageID:        c.page.PageID,
			DocumentID:    c.page.DocumentID,
			DocumentTitle: c.page.DocumentTitle,
			PageNumber:    c.page.PageNumber,
			Score:         c.score,
			Snippet:       s.snippet(c.page),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		// Stable order for equal scores.
		return results[i].PageID.String() < results[j].PageID.String()
	})
	return results
}

// snippet builds a display excerpt from translated text, falling back to
// the original, whitespace-normalized and length-capped.
func (s *Service) snippet(page *storage.RankedPage) string {
	text := ""
	if page.TranslatedMarkdown != nil && *page.TranslatedMarkdown != "" {
		text = *page.TranslatedMarkdown
	} else if page.OriginalMarkdown != nil {
		text = *page.OriginalMarkdown
	}

	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= s.cfg.SnippetLength {
		return text
	}
	return strings.TrimSpace(string(runes[:s.cfg.SnippetLength])) + "..."
}
