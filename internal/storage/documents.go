package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DocumentRepository handles document CRUD and status transitions.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, title, original_filename, total_pages, status, target_language, error_message, created_at`

// Create inserts a new document. A zero ID is replaced with a fresh
// time-sortable one.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = NewDocumentID()
	}
	if doc.Status == "" {
		doc.Status = DocumentUploading
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO documents (id, title, original_filename, total_pages, status, target_language, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.Title, doc.OriginalFilename, doc.TotalPages,
		doc.Status, doc.TargetLanguage, doc.ErrorMessage, doc.CreatedAt,
	)
	return err
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Title, &doc.OriginalFilename, &doc.TotalPages,
		&doc.Status, &doc.TargetLanguage, &doc.ErrorMessage, &doc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// List returns all documents, newest first.
func (r *DocumentRepository) List(ctx context.Context) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC`
	return r.queryDocuments(ctx, query)
}

// ListByStatus returns documents in any of the given statuses, ordered by
// insertion (ID is time-sortable). Used by scheduler startup recovery.
func (r *DocumentRepository) ListByStatus(ctx context.Context, statuses ...DocumentStatus) ([]*Document, error) {
	set := make([]string, len(statuses))
	for i, s := range statuses {
		set[i] = string(s)
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = ANY($1) ORDER BY id`
	return r.queryDocuments(ctx, query, pq.Array(set))
}

// UpdateStatus moves the document to next only if its current status is one
// of from (atomic compare-and-set). Returns ErrInvalidTransition when no
// row matched, ErrNotFound when the document does not exist.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, next DocumentStatus, from ...DocumentStatus) error {
	set := make([]string, len(from))
	for i, s := range from {
		set[i] = string(s)
	}

	query := `UPDATE documents SET status = $1 WHERE id = $2 AND status = ANY($3)`
	result, err := r.db.ExecContext(ctx, query, next, id, pq.Array(set))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}
	return nil
}

// SetError marks the document as errored with a human-readable message.
func (r *DocumentRepository) SetError(ctx context.Context, id uuid.UUID, message string) error {
	query := `UPDATE documents SET status = $1, error_message = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, DocumentError, message, id)
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

// ClearError wipes the error message, used when resetting a document.
func (r *DocumentRepository) ClearError(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE documents SET error_message = NULL WHERE id = $1`, id)
	return err
}

// SetTotalPages records the page count once known.
func (r *DocumentRepository) SetTotalPages(ctx context.Context, id uuid.UUID, total int) error {
	result, err := r.db.ExecContext(ctx, `UPDATE documents SET total_pages = $1 WHERE id = $2`, total, id)
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

// Delete removes the document; pages cascade at the schema level.
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
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

func (r *DocumentRepository) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(
			&doc.ID, &doc.Title, &doc.OriginalFilename, &doc.TotalPages,
			&doc.Status, &doc.TargetLanguage, &doc.ErrorMessage, &doc.CreatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
