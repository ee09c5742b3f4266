package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/orchestrator"
	"github.com/docuglot/docuglot/internal/search"
	"github.com/docuglot/docuglot/internal/storage"
)

// allowedExtensions lists upload formats the converter understands.
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".doc":  true,
	".docx": true,
	".odt":  true,
	".rtf":  true,
	".ppt":  true,
	".pptx": true,
	".odp":  true,
}

// Scheduler is the slice of the work queue the API uses.
type Scheduler interface {
	EnqueuePage(pageID uuid.UUID)
	CancelDocument(id uuid.UUID)
}

// Searcher runs fused queries.
type Searcher interface {
	Search(ctx context.Context, queryText string, limit int) ([]search.Result, error)
}

// Ingestor runs the extraction phase for an uploaded file.
type Ingestor interface {
	IngestDocument(ctx context.Context, doc *storage.Document, uploadPath string) error
}

// DocumentLister is the slice of document persistence the API uses
// directly, beyond what the orchestrator covers.
type DocumentLister interface {
	List(ctx context.Context) ([]*storage.Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// PageLister is the slice of page persistence the API uses.
type PageLister interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*storage.Page, error)
	ListPending(ctx context.Context, documentID uuid.UUID) ([]*storage.Page, error)
}

// Config holds handler settings.
type Config struct {
	UploadDir      string
	WorkDir        string
	MaxUploadBytes int64
}

// Handler implements the document and search endpoints.
type Handler struct {
	orch      *orchestrator.Orchestrator
	ingestor  Ingestor
	scheduler Scheduler
	searcher  Searcher
	documents DocumentLister
	pages     PageLister
	logger    *observability.Logger
	cfg       Config
}

// NewHandler creates the API handler.
func NewHandler(orch *orchestrator.Orchestrator, ingestor Ingestor, scheduler Scheduler,
	searcher Searcher, documents DocumentLister, pages PageLister,
	logger *observability.Logger, cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	return &Handler{
		orch:      orch,
		ingestor:  ingestor,
		scheduler: scheduler,
		searcher:  searcher,
		documents: documents,
		pages:     pages,
		logger:    logger.WithComponent("api"),
		cfg:       cfg,
	}
}

// DocumentDTO is the API shape of a document.
type DocumentDTO struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	OriginalFilename string    `json:"original_filename"`
	TotalPages       *int      `json:"total_pages"`
	Status           string    `json:"status"`
	TargetLanguage   string    `json:"target_language"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	Progress         float64   `json:"progress"`
	CreatedAt        time.Time `json:"created_at"`
}

// PageDTO is the API shape of a page.
type PageDTO struct {
	ID                 string  `json:"id"`
	PageNumber         int     `json:"page_number"`
	ExtractionStatus   string  `json:"extraction_status"`
	TranslationStatus  string  `json:"translation_status"`
	EmbeddingStatus    string  `json:"embedding_status"`
	OriginalMarkdown   *string `json:"original_markdown,omitempty"`
	TranslatedMarkdown *string `json:"translated_markdown,omitempty"`
}

// UploadDocument accepts a multipart upload and starts ingestion in the
// background. Responds 202 with the created document.
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		h.writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported file type %q", ext))
		return
	}

	targetLanguage := r.FormValue("target_language")
	if targetLanguage == "" {
		h.writeError(w, http.StatusBadRequest, "target_language is required")
		return
	}
	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(header.Filename, ext)
	}

	doc, err := h.orch.Create(r.Context(), title, header.Filename, targetLanguage)
	if err != nil {
		h.logger.Error().Err(err).Msg("document create failed")
		h.writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}

	uploadPath := filepath.Join(h.cfg.UploadDir, doc.ID.String()+ext)
	if err := saveUpload(file, uploadPath); err != nil {
		h.logger.Error().Err(err).Msg("upload save failed")
		if failErr := h.orch.Fail(r.Context(), doc.ID, "failed to store uploaded file"); failErr != nil {
			h.logger.Error().Err(failErr).Msg("failed to record upload error")
		}
		h.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	// Ingestion runs detached from the request; failures end up on the
	// document's error_message.
	go func() {
		ctx := context.Background()
		if err := h.ingestor.IngestDocument(ctx, doc, uploadPath); err != nil {
			h.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("ingestion failed")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, h.documentDTO(r.Context(), doc))
}

// ListDocuments returns all documents, newest first.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.documents.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("document list failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	out := make([]DocumentDTO, 0, len(docs))
	for _, doc := range docs {
		out = append(out, h.documentDTO(r.Context(), doc))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"documents": out})
}

// GetDocument returns one document with its pages.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	doc, err := h.orch.Get(r.Context(), id)
	if err != nil {
		h.orchError(w, err)
		return
	}
	pages, err := h.pages.ListByDocument(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Msg("page list failed")
		h.writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}

	pageDTOs := make([]PageDTO, 0, len(pages))
	for _, p := range pages {
		pageDTOs = append(pageDTOs, PageDTO{
			ID:                 p.ID.String(),
			PageNumber:         p.PageNumber,
			ExtractionStatus:   string(p.ExtractionStatus),
			TranslationStatus:  string(p.TranslationStatus),
			EmbeddingStatus:    string(p.EmbeddingStatus),
			OriginalMarkdown:   p.OriginalMarkdown,
			TranslatedMarkdown: p.TranslatedMarkdown,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": h.documentDTO(r.Context(), doc),
		"pages":    pageDTOs,
	})
}

// DeleteDocument cancels any in-flight work and removes the document, its
// pages, and its files.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	h.scheduler.CancelDocument(id)

	if err := h.documents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "document not found")
			return
		}
		h.logger.Error().Err(err).Msg("document delete failed")
		h.writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}

	// Files are best effort; the sweeper catches leftovers.
	if h.cfg.WorkDir != "" {
		os.RemoveAll(filepath.Join(h.cfg.WorkDir, id.String()))
	}
	if h.cfg.UploadDir != "" {
		matches, _ := filepath.Glob(filepath.Join(h.cfg.UploadDir, id.String()+".*"))
		for _, m := range matches {
			os.Remove(m)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// ReprocessDocument resets an errored document and requeues its pages.
func (h *Handler) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}

	if err := h.orch.Reset(r.Context(), id); err != nil {
		h.orchError(w, err)
		return
	}

	pending, err := h.pages.ListPending(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Msg("pending page list failed")
		h.writeError(w, http.StatusInternalServerError, "failed to requeue pages")
		return
	}
	for _, p := range pending {
		h.scheduler.EnqueuePage(p.ID)
	}

	doc, err := h.orch.Get(r.Context(), id)
	if err != nil {
		h.orchError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, h.documentDTO(r.Context(), doc))
}

// Search runs a fused query. Parameters: q (query text), limit.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 100")
			return
		}
		limit = parsed
	}

	results, err := h.searcher.Search(r.Context(), query, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("search failed")
		h.writeError(w, http.StatusBadGateway, "search unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
	})
}

func (h *Handler) documentDTO(ctx context.Context, doc *storage.Document) DocumentDTO {
	progress, err := h.orch.Progress(ctx, doc.ID)
	if err != nil {
		h.logger.Debug().Err(err).Str("document_id", doc.ID.String()).Msg("progress lookup failed")
	}
	if doc.Status == storage.DocumentCompleted {
		progress = 100
	}
	return DocumentDTO{
		ID:               doc.ID.String(),
		Title:            doc.Title,
		OriginalFilename: doc.OriginalFilename,
		TotalPages:       doc.TotalPages,
		Status:           string(doc.Status),
		TargetLanguage:   doc.TargetLanguage,
		ErrorMessage:     doc.ErrorMessage,
		Progress:         progress,
		CreatedAt:        doc.CreatedAt,
	}
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "documentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}

// orchError maps orchestrator precondition failures to HTTP statuses.
func (h *Handler) orchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrDocumentNotFound):
		h.writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, orchestrator.ErrAlreadyProcessing),
		errors.Is(err, orchestrator.ErrAlreadyCompleted),
		errors.Is(err, orchestrator.ErrCannotResetCompleted),
		errors.Is(err, orchestrator.ErrInvalidStatus):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg("document operation failed")
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func saveUpload(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create upload directory: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return fmt.Errorf("write upload: %w", err)
	}
	return nil
}
