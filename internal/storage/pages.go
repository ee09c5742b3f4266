package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PageRepository handles page CRUD, stage updates, and embedding storage.
type PageRepository struct {
	db DB
}

// NewPageRepository creates a new page repository.
func NewPageRepository(db DB) *PageRepository {
	return &PageRepository{db: db}
}

const pageColumns = `id, document_id, page_number, image_path, original_markdown, translated_markdown,
	extraction_status, translation_status, embedding, embedding_status, created_at`

// CreateBatch inserts pages one per rendered image, all stages pending.
func (r *PageRepository) CreateBatch(ctx context.Context, pages []*Page) error {
	if len(pages) == 0 {
		return nil
	}

	query := `
		INSERT INTO pages (id, document_id, page_number, image_path,
			extraction_status, translation_status, embedding_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, p := range pages {
		if p.ID == uuid.Nil {
			p.ID = NewDocumentID()
		}
		if p.ExtractionStatus == "" {
			p.ExtractionStatus = StepPending
		}
		if p.TranslationStatus == "" {
			p.TranslationStatus = StepPending
		}
		if p.EmbeddingStatus == "" {
			p.EmbeddingStatus = EmbeddingPending
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		_, err := r.db.ExecContext(ctx, query,
			p.ID, p.DocumentID, p.PageNumber, p.ImagePath,
			p.ExtractionStatus, p.TranslationStatus, p.EmbeddingStatus, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
		}
	}
	return nil
}

// GetByID retrieves a single page.
func (r *PageRepository) GetByID(ctx context.Context, id uuid.UUID) (*Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	page, err := scanPage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return page, err
}

// ListByDocument returns all pages of a document in page order.
func (r *PageRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE document_id = $1 ORDER BY page_number`
	return r.queryPages(ctx, query, documentID)
}

// ListPending returns the pages of a document that still need pipeline
// work, in page order. A page is pending when extraction has not reached a
// terminal state, or extraction succeeded but translation has not.
func (r *PageRepository) ListPending(ctx context.Context, documentID uuid.UUID) ([]*Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages
		WHERE document_id = $1
		  AND (extraction_status NOT IN ('completed', 'error')
		       OR (extraction_status = 'completed' AND translation_status NOT IN ('completed', 'error')))
		ORDER BY page_number`
	return r.queryPages(ctx, query, documentID)
}

// UpdateExtraction records the extraction outcome for a page. The markdown
// pointer may be nil on failure.
func (r *PageRepository) UpdateExtraction(ctx context.Context, id uuid.UUID, status StepStatus, markdown *string) error {
	query := `UPDATE pages SET extraction_status = $1, original_markdown = COALESCE($2, original_markdown) WHERE id = $3`
	return r.execOne(ctx, query, status, markdown, id)
}

// UpdateTranslation records the translation outcome for a page.
func (r *PageRepository) UpdateTranslation(ctx context.Context, id uuid.UUID, status StepStatus, markdown *string) error {
	query := `UPDATE pages SET translation_status = $1, translated_markdown = COALESCE($2, translated_markdown) WHERE id = $3`
	return r.execOne(ctx, query, status, markdown, id)
}

// SetStageStatus updates just the status of one stage without touching
// content. stage must be "extraction" or "translation".
func (r *PageRepository) SetStageStatus(ctx context.Context, id uuid.UUID, stage string, status StepStatus) error {
	var query string
	switch stage {
	case "extraction":
		query = `UPDATE pages SET extraction_status = $1 WHERE id = $2`
	case "translation":
		query = `UPDATE pages SET translation_status = $1 WHERE id = $2`
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	return r.execOne(ctx, query, status, id)
}

// SetEmbedding stores the page embedding and marks it completed. A nil
// vector with a non-completed status records an embedding failure.
func (r *PageRepository) SetEmbedding(ctx context.Context, id uuid.UUID, vector []float32, status EmbeddingStatus) error {
	var encoded interface{}
	if vector != nil {
		encoded = EncodeVector(vector)
	}
	query := `UPDATE pages SET embedding = $1, embedding_status = $2 WHERE id = $3`
	return r.execOne(ctx, query, encoded, status, id)
}

// ListMissingEmbeddings returns pages whose extraction succeeded with
// content but whose embedding is absent, across all documents. Used by
// the backfill command.
func (r *PageRepository) ListMissingEmbeddings(ctx context.Context, limit int) ([]*Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages
		WHERE extraction_status = 'completed'
		  AND original_markdown IS NOT NULL
		  AND original_markdown <> ''
		  AND embedding IS NULL
		ORDER BY document_id, page_number`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return r.queryPages(ctx, query, args...)
}

// ResetForReprocess returns every page of the document to its initial
// state, clearing content and embeddings.
func (r *PageRepository) ResetForReprocess(ctx context.Context, documentID uuid.UUID) error {
	query := `UPDATE pages SET
		original_markdown = NULL,
		translated_markdown = NULL,
		extraction_status = 'pending',
		translation_status = 'pending',
		embedding = NULL,
		embedding_status = 'pending'
		WHERE document_id = $1`
	_, err := r.db.ExecContext(ctx, query, documentID)
	return err
}

// FailStalledStage marks the in-flight stage of a page as errored after a
// processing deadline expires. If extraction has not completed it takes the
// error, otherwise translation does.
func (r *PageRepository) FailStalledStage(ctx context.Context, id uuid.UUID) error {
	page, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if page.ExtractionStatus != StepCompleted {
		return r.SetStageStatus(ctx, id, "extraction", StepError)
	}
	return r.SetStageStatus(ctx, id, "translation", StepError)
}

// DeleteByDocument removes all pages of a document. Normally the schema
// cascade handles this; the explicit form exists for storage cleanup paths.
func (r *PageRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pages WHERE document_id = $1`, documentID)
	return err
}

func (r *PageRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PageRepository) queryPages(ctx context.Context, query string, args ...interface{}) ([]*Page, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		page, err := scanPage(rows.Scan)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func scanPage(scan func(dest ...interface{}) error) (*Page, error) {
	page := &Page{}
	var embedding sql.NullString
	err := scan(
		&page.ID, &page.DocumentID, &page.PageNumber, &page.ImagePath,
		&page.OriginalMarkdown, &page.TranslatedMarkdown,
		&page.ExtractionStatus, &page.TranslationStatus,
		&embedding, &page.EmbeddingStatus, &page.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if embedding.Valid {
		vec, err := DecodeVector(embedding.String)
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", page.ID, err)
		}
		page.Embedding = vec
	}
	return page, nil
}
