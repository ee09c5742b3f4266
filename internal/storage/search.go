package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RankedPage is one row of a ranked retrieval query: the page identity
// plus the text fields needed to build a result snippet.
type RankedPage struct {
	PageID             uuid.UUID
	DocumentID         uuid.UUID
	DocumentTitle      string
	PageNumber         int
	OriginalMarkdown   *string
	TranslatedMarkdown *string
}

// SearchRepository runs the two raw ranked queries that feed rank fusion.
// Both restrict to completed documents with completed, embedded pages so
// half-processed content never surfaces.
type SearchRepository struct {
	db DB
}

// NewSearchRepository creates a new search repository.
func NewSearchRepository(db DB) *SearchRepository {
	return &SearchRepository{db: db}
}

const searchFilter = `
	d.status = 'completed'
	AND p.extraction_status = 'completed'
	AND p.embedding IS NOT NULL`

// SemanticRank returns the top-n pages by cosine distance to the query
// vector, nearest first.
func (r *SearchRepository) SemanticRank(ctx context.Context, vector []float32, n int) ([]*RankedPage, error) {
	query := `
		SELECT p.id, p.document_id, d.title, p.page_number, p.original_markdown, p.translated_markdown
		FROM pages p
		JOIN documents d ON d.id = p.document_id
		WHERE ` + searchFilter + `
		ORDER BY p.embedding <=> $1
		LIMIT $2`
	return r.queryRanked(ctx, query, EncodeVector(vector), n)
}

// LexicalRank returns the top-n pages by full-text relevance against the
// query string, best first. Original markdown is matched with the simple
// config; translated markdown uses the text search config of each
// document's target language.
func (r *SearchRepository) LexicalRank(ctx context.Context, queryText string, n int) ([]*RankedPage, error) {
	query := `
		SELECT p.id, p.document_id, d.title, p.page_number, p.original_markdown, p.translated_markdown
		FROM pages p
		JOIN documents d ON d.id = p.document_id
		CROSS JOIN LATERAL (
			SELECT ts_rank(to_tsvector('simple', coalesce(p.original_markdown, '')),
			               plainto_tsquery('simple', $1))
			     + ts_rank(to_tsvector(` + tsConfigExpr + `, coalesce(p.translated_markdown, '')),
			               plainto_tsquery(` + tsConfigExpr + `, $1)) AS rank
		) ranked
		WHERE ` + searchFilter + `
		  AND ranked.rank > 0
		ORDER BY ranked.rank DESC
		LIMIT $2`
	return r.queryRanked(ctx, query, queryText, n)
}

// tsConfigExpr maps a document's ISO target language to a built-in
// Postgres text search configuration, built from tsLanguageConfigs at init.
var tsConfigExpr = buildTSConfigExpr()

var tsLanguageConfigs = []struct{ code, config string }{
	{"da", "danish"},
	{"de", "german"},
	{"en", "english"},
	{"es", "spanish"},
	{"fi", "finnish"},
	{"fr", "french"},
	{"hu", "hungarian"},
	{"it", "italian"},
	{"nl", "dutch"},
	{"no", "norwegian"},
	{"pt", "portuguese"},
	{"ru", "russian"},
	{"sv", "swedish"},
	{"tr", "turkish"},
}

func buildTSConfigExpr() string {
	var b strings.Builder
	b.WriteString("(CASE d.target_language")
	for _, lc := range tsLanguageConfigs {
		fmt.Fprintf(&b, " WHEN '%s' THEN '%s'", lc.code, lc.config)
	}
	b.WriteString(" ELSE 'simple' END)::regconfig")
	return b.String()
}

// TSConfigForLanguage returns the text search configuration used for a
// target language, falling back to simple for unknown codes.
func TSConfigForLanguage(code string) string {
	for _, lc := range tsLanguageConfigs {
		if lc.code == code {
			return lc.config
		}
	}
	return "simple"
}

func (r *SearchRepository) queryRanked(ctx context.Context, query string, args ...interface{}) ([]*RankedPage, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ranked query: %w", err)
	}
	defer rows.Close()

	var results []*RankedPage
	for rows.Next() {
		rp := &RankedPage{}
		if err := rows.Scan(&rp.PageID, &rp.DocumentID, &rp.DocumentTitle, &rp.PageNumber,
			&rp.OriginalMarkdown, &rp.TranslatedMarkdown); err != nil {
			return nil, err
		}
		results = append(results, rp)
	}
	return results, rows.Err()
}
