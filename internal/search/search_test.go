package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuglot/docuglot/internal/embedding"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/pipeline"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/storage"
)

type fakeRanks struct {
	semantic []*storage.RankedPage
	lexical  []*storage.RankedPage
}

func (f *fakeRanks) SemanticRank(context.Context, []float32, int) ([]*storage.RankedPage, error) {
	return f.semantic, nil
}

func (f *fakeRanks) LexicalRank(context.Context, string, int) ([]*storage.RankedPage, error) {
	return f.lexical, nil
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedSingle(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding service unavailable")
}
func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service unavailable")
}
func (failingEmbedder) Model() string  { return "fail" }
func (failingEmbedder) Dimension() int { return 0 }

func rankedPage(snippet string) *storage.RankedPage {
	return &storage.RankedPage{
		PageID:             storage.NewDocumentID(),
		DocumentID:         storage.NewDocumentID(),
		DocumentTitle:      "Quarterly Report",
		PageNumber:         1,
		TranslatedMarkdown: &snippet,
	}
}

func newService(store Store, embedder embedding.Embedder) *Service {
	breaker := resilience.NewBreaker(observability.NopLogger())
	breaker.Register(pipeline.ResourceEmbedding, resilience.BreakerConfig{
		Threshold: 3, Window: 30 * time.Second, Cooldown: 15 * time.Second,
	})
	return New(store, embedder, breaker, observability.NopLogger(), Config{})
}

func TestSearchFusesBothRankings(t *testing.T) {
	shared := rankedPage("appears in both rankings")
	semOnly := rankedPage("semantic only")
	lexOnly := rankedPage("lexical only")

	ranks := &fakeRanks{
		semantic: []*storage.RankedPage{shared, semOnly},
		lexical:  []*storage.RankedPage{shared, lexOnly},
	}
	svc := newService(ranks, embedding.NewMockClient(8))

	results, err := svc.Search(context.Background(), "quarterly revenue", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Rank 1 in both lists: 1/61 + 1/61.
	assert.Equal(t, shared.PageID, results[0].PageID)
	assert.InDelta(t, 2.0/61.0, results[0].Score, 1e-9)
	// Rank 2 in a single list: 1/62.
	assert.InDelta(t, 1.0/62.0, results[1].Score, 1e-9)
	assert.InDelta(t, 1.0/62.0, results[2].Score, 1e-9)
}

func TestSearchSingleListRankOneSurvivesThreshold(t *testing.T) {
	only := rankedPage("lone hit")
	svc := newService(&fakeRanks{lexical: []*storage.RankedPage{only}}, embedding.NewMockClient(8))

	results, err := svc.Search(context.Background(), "lone", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// 1/61 ~ 0.0164 clears the 0.01 floor.
	assert.InDelta(t, 1.0/61.0, results[0].Score, 1e-9)
}

func TestSearchThresholdFiltersDeepSingleListHits(t *testing.T) {
	// 45 pages in one list: rank 40 scores 1/100 = 0.01 (kept, boundary),
	// rank 41 scores 1/101 < 0.01 (dropped).
	var list []*storage.RankedPage
	for i := 0; i < 45; i++ {
		list = append(list, rankedPage("page"))
	}
	svc := newService(&fakeRanks{semantic: list}, embedding.NewMockClient(8))

	results, err := svc.Search(context.Background(), "page", 100)
	require.NoError(t, err)
	assert.Len(t, results, 40)
	assert.InDelta(t, 0.01, results[len(results)-1].Score, 1e-9)
}

func TestSearchEmptyQuerySkipsEmbedder(t *testing.T) {
	embedder := embedding.NewMockClient(8)
	svc := newService(&fakeRanks{}, embedder)

	for _, q := range []string{"", "   ", "\n\t"} {
		results, err := svc.Search(context.Background(), q, 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	}
	assert.Zero(t, embedder.Calls())
}

func TestSearchEmbeddingFailurePropagates(t *testing.T) {
	svc := newService(&fakeRanks{lexical: []*storage.RankedPage{rankedPage("hit")}}, failingEmbedder{})

	_, err := svc.Search(context.Background(), "query", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestSearchLimitTruncates(t *testing.T) {
	var list []*storage.RankedPage
	for i := 0; i < 10; i++ {
		list = append(list, rankedPage("page"))
	}
	svc := newService(&fakeRanks{semantic: list, lexical: list}, embedding.NewMockClient(8))

	results, err := svc.Search(context.Background(), "page", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSnippetNormalizationAndFallback(t *testing.T) {
	svc := newService(&fakeRanks{}, embedding.NewMockClient(8))

	original := "line one\n\n  line   two"
	page := &storage.RankedPage{OriginalMarkdown: &original}
	assert.Equal(t, "line one line two", svc.snippet(page))

	translated := "translated text"
	page.TranslatedMarkdown = &translated
	assert.Equal(t, "translated text", svc.snippet(page))

	long := strings.Repeat("word ", 100)
	page.TranslatedMarkdown = &long
	snippet := svc.snippet(page)
	assert.True(t, strings.HasSuffix(snippet, "..."))
	assert.LessOrEqual(t, len([]rune(snippet)), 203)
}

func TestSearchResultsSortedByScore(t *testing.T) {
	a := rankedPage("a")
	b := rankedPage("b")
	c := rankedPage("c")
	ranks := &fakeRanks{
		semantic: []*storage.RankedPage{a, b, c},
		lexical:  []*storage.RankedPage{c, a},
	}
	svc := newService(ranks, embedding.NewMockClient(8))

	results, err := svc.Search(context.Background(), "x", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}
