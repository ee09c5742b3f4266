// Package ingest turns an uploaded file into pages ready for the
// pipeline: office formats are converted to PDF, pages are rendered to
// images, persisted, and handed to the scheduler in page order.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/converter"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/storage"
)

// Converter renders uploaded documents into page images.
type Converter interface {
	ConvertToPDF(ctx context.Context, inputPath, outDir string) (string, error)
	RenderPages(ctx context.Context, pdfPath, outDir string) ([]converter.PageImage, error)
}

// PageStore is the slice of page persistence ingestion uses.
type PageStore interface {
	CreateBatch(ctx context.Context, pages []*storage.Page) error
}

// DocumentControl is the slice of the orchestrator ingestion uses.
type DocumentControl interface {
	MarkExtracting(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

// TotalSetter records the page count once known.
type TotalSetter interface {
	SetTotalPages(ctx context.Context, id uuid.UUID, total int) error
}

// Enqueuer receives pages for processing.
type Enqueuer interface {
	EnqueuePage(pageID uuid.UUID)
}

// Config holds ingestion paths.
type Config struct {
	// WorkDir is the root under which per-document page images and
	// intermediate PDFs are written.
	WorkDir string
}

// Ingestor runs the extraction phase of the document lifecycle.
type Ingestor struct {
	conv      Converter
	pages     PageStore
	documents TotalSetter
	control   DocumentControl
	queue     Enqueuer
	logger    *observability.Logger
	cfg       Config
}

// New creates an ingestor.
func New(conv Converter, pages PageStore, documents TotalSetter, control DocumentControl,
	queue Enqueuer, logger *observability.Logger, cfg Config) *Ingestor {
	return &Ingestor{
		conv:      conv,
		pages:     pages,
		documents: documents,
		control:   control,
		queue:     queue,
		logger:    logger.WithComponent("ingest"),
		cfg:       cfg,
	}
}

// IngestDocument renders the uploaded file into page images and enqueues
// every page in page-number order. Any failure marks the document errored
// with a human-readable message; no pages are enqueued in that case.
func (i *Ingestor) IngestDocument(ctx context.Context, doc *storage.Document, uploadPath string) error {
	docDir := filepath.Join(i.cfg.WorkDir, doc.ID.String())

	pdfPath := uploadPath
	if converter.NeedsPDFConversion(uploadPath) {
		converted, err := i.conv.ConvertToPDF(ctx, uploadPath, docDir)
		if err != nil {
			return i.fail(ctx, doc.ID, fmt.Sprintf("document conversion failed: %v", err))
		}
		pdfPath = converted
	}

	if err := i.control.MarkExtracting(ctx, doc.ID); err != nil {
		return fmt.Errorf("mark extracting: %w", err)
	}

	images, err := i.conv.RenderPages(ctx, pdfPath, filepath.Join(docDir, "pages"))
	if err != nil {
		return i.fail(ctx, doc.ID, fmt.Sprintf("page rendering failed: %v", err))
	}
	if len(images) == 0 {
		return i.fail(ctx, doc.ID, "document has no extractable pages")
	}

	pages := make([]*storage.Page, 0, len(images))
	for _, img := range images {
		pages = append(pages, &storage.Page{
			DocumentID: doc.ID,
			PageNumber: img.PageNumber,
			ImagePath:  img.ImagePath,
		})
	}
	if err := i.pages.CreateBatch(ctx, pages); err != nil {
		return i.fail(ctx, doc.ID, fmt.Sprintf("page persistence failed: %v", err))
	}
	if err := i.documents.SetTotalPages(ctx, doc.ID, len(pages)); err != nil {
		return fmt.Errorf("set total pages: %w", err)
	}

	i.logger.WithDocument(doc.ID.String()).Info().
		Int("pages", len(pages)).
		Msg("document ingested")

	for _, page := range pages {
		i.queue.EnqueuePage(page.ID)
	}
	return nil
}

func (i *Ingestor) fail(ctx context.Context, docID uuid.UUID, message string) error {
	if err := i.control.Fail(ctx, docID, message); err != nil {
		i.logger.Error().Err(err).Str("document_id", docID.String()).Msg("failed to record document error")
	}
	return fmt.Errorf("%s", message)
}
