// Package orchestrator owns the document-level state machine. All
// document status writes go through it (or the scheduler) as guarded
// transitions, so concurrent actors cannot regress a document's state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/storage"
)

// Typed precondition failures. Expected control flow, never panics.
var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrAlreadyProcessing    = errors.New("document is already processing")
	ErrAlreadyCompleted     = errors.New("document is already completed")
	ErrInvalidStatus        = errors.New("document status does not allow this operation")
	ErrCannotResetCompleted = errors.New("completed documents cannot be reset")
)

// DocumentStore is the slice of document persistence the orchestrator uses.
type DocumentStore interface {
	Create(ctx context.Context, doc *storage.Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next storage.DocumentStatus, from ...storage.DocumentStatus) error
	SetError(ctx context.Context, id uuid.UUID, message string) error
	ClearError(ctx context.Context, id uuid.UUID) error
}

// PageStore is the slice of page persistence the orchestrator uses.
type PageStore interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*storage.Page, error)
	ResetForReprocess(ctx context.Context, documentID uuid.UUID) error
}

// Orchestrator drives document status transitions and completion checks.
type Orchestrator struct {
	documents DocumentStore
	pages     PageStore
	publisher events.Publisher
	logger    *observability.Logger
}

// New creates a document orchestrator.
func New(documents DocumentStore, pages PageStore, publisher events.Publisher, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		documents: documents,
		pages:     pages,
		publisher: publisher,
		logger:    logger.WithComponent("orchestrator"),
	}
}

// Create registers a freshly uploaded document in the uploading state.
func (o *Orchestrator) Create(ctx context.Context, title, originalFilename, targetLanguage string) (*storage.Document, error) {
	doc := &storage.Document{
		Title:            title,
		OriginalFilename: originalFilename,
		TargetLanguage:   targetLanguage,
		Status:           storage.DocumentUploading,
	}
	if err := o.documents.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	o.broadcast(ctx, doc.ID, storage.DocumentUploading, "")
	return doc, nil
}

// Get retrieves a document, mapping missing rows to the typed error.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*storage.Document, error) {
	doc, err := o.documents.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	return doc, err
}

// MarkProcessing moves the document into processing. Documents already
// processing or completed are left alone (idempotent no-op).
func (o *Orchestrator) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	err := o.documents.UpdateStatus(ctx, id, storage.DocumentProcessing,
		storage.DocumentUploading, storage.DocumentExtracting, storage.DocumentQueued)
	if errors.Is(err, storage.ErrInvalidTransition) {
		doc, getErr := o.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		// Already at or past processing: the caller's intent is satisfied.
		if doc.Status == storage.DocumentProcessing || doc.Status == storage.DocumentCompleted {
			return nil
		}
		return ErrInvalidStatus
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}

	o.broadcast(ctx, id, storage.DocumentProcessing, "")
	return nil
}

// MarkQueued parks the document behind the currently active one.
func (o *Orchestrator) MarkQueued(ctx context.Context, id uuid.UUID) error {
	err := o.documents.UpdateStatus(ctx, id, storage.DocumentQueued,
		storage.DocumentUploading, storage.DocumentExtracting)
	if errors.Is(err, storage.ErrInvalidTransition) {
		doc, getErr := o.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		// Already queued or past it: nothing to do.
		if doc.Status == storage.DocumentQueued || doc.Status == storage.DocumentProcessing ||
			doc.Status == storage.DocumentCompleted {
			return nil
		}
		return ErrInvalidStatus
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}

	o.broadcast(ctx, id, storage.DocumentQueued, "")
	return nil
}

// MarkExtracting records that page images are being generated.
func (o *Orchestrator) MarkExtracting(ctx context.Context, id uuid.UUID) error {
	err := o.documents.UpdateStatus(ctx, id, storage.DocumentExtracting,
		storage.DocumentUploading, storage.DocumentQueued)
	if errors.Is(err, storage.ErrInvalidTransition) {
		return ErrInvalidStatus
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}

	o.broadcast(ctx, id, storage.DocumentExtracting, "")
	return nil
}

// CheckCompletion reports whether every page of the document is resolved,
// marking the document completed when so. Pages whose extraction failed
// terminally count as resolved rather than blocking forever.
func (o *Orchestrator) CheckCompletion(ctx context.Context, id uuid.UUID) (bool, error) {
	pages, err := o.pages.ListByDocument(ctx, id)
	if err != nil {
		return false, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return false, nil
	}

	for _, p := range pages {
		if !p.Resolved() {
			return false, nil
		}
	}

	err = o.documents.UpdateStatus(ctx, id, storage.DocumentCompleted, storage.DocumentProcessing)
	if errors.Is(err, storage.ErrInvalidTransition) {
		doc, getErr := o.Get(ctx, id)
		if getErr != nil {
			return false, getErr
		}
		// A concurrent check may have completed it first.
		return doc.Status == storage.DocumentCompleted, nil
	}
	if err != nil {
		return false, err
	}

	o.logger.WithDocument(id.String()).Info().Msg("document completed")
	o.broadcast(ctx, id, storage.DocumentCompleted, "")
	return true, nil
}

// Fail marks the document as errored with a human-readable message and
// broadcasts the failure. Completed documents are immutable.
func (o *Orchestrator) Fail(ctx context.Context, id uuid.UUID, message string) error {
	doc, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status == storage.DocumentCompleted {
		return ErrAlreadyCompleted
	}

	if err := o.documents.SetError(ctx, id, message); err != nil {
		return err
	}

	o.logger.WithDocument(id.String()).Error().Str("reason", message).Msg("document failed")
	o.broadcast(ctx, id, storage.DocumentError, message)
	return nil
}

// Reset returns an errored document to queued with all its pages back to
// pending, ready for reprocessing.
func (o *Orchestrator) Reset(ctx context.Context, id uuid.UUID) error {
	doc, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	switch doc.Status {
	case storage.DocumentCompleted:
		return ErrCannotResetCompleted
	case storage.DocumentProcessing:
		return ErrAlreadyProcessing
	case storage.DocumentError:
	default:
		return ErrInvalidStatus
	}

	if err := o.pages.ResetForReprocess(ctx, id); err != nil {
		return fmt.Errorf("reset pages: %w", err)
	}
	if err := o.documents.UpdateStatus(ctx, id, storage.DocumentQueued, storage.DocumentError); err != nil {
		return err
	}
	if err := o.documents.ClearError(ctx, id); err != nil {
		return err
	}

	o.logger.WithDocument(id.String()).Info().Msg("document reset for reprocessing")
	o.broadcast(ctx, id, storage.DocumentQueued, "")
	return nil
}

// Progress returns completion as a percentage. Each page contributes two
// sub-steps (extraction, translation); a terminal extraction error
// resolves both.
func (o *Orchestrator) Progress(ctx context.Context, id uuid.UUID) (float64, error) {
	pages, err := o.pages.ListByDocument(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return 0, nil
	}

	total := len(pages) * 2
	done := 0
	for _, p := range pages {
		switch {
		case p.ExtractionStatus == storage.StepError:
			done += 2
		default:
			if p.ExtractionStatus == storage.StepCompleted {
				done++
			}
			if p.TranslationStatus == storage.StepCompleted || p.TranslationStatus == storage.StepError {
				done++
			}
		}
	}

	return float64(done) / float64(total) * 100, nil
}

func (o *Orchestrator) broadcast(ctx context.Context, id uuid.UUID, status storage.DocumentStatus, errMsg string) {
	o.publisher.Publish(ctx, events.Event{
		Topic:      events.TopicDocuments,
		DocumentID: id.String(),
		Status:     string(status),
		Error:      errMsg,
	})
}
