package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/embedding"
	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/storage"
)

// EmbedStore is the slice of page persistence the embed worker uses.
type EmbedStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Page, error)
	SetEmbedding(ctx context.Context, id uuid.UUID, vector []float32, status storage.EmbeddingStatus) error
}

// EmbedWorker consumes extracted pages and persists their embeddings. It
// runs supervised in the background so embedding latency never blocks the
// page pipeline.
type EmbedWorker struct {
	pages     EmbedStore
	embedder  embedding.Embedder
	breaker   *resilience.Breaker
	publisher events.Publisher
	logger    *observability.Logger
	queue     chan uuid.UUID
}

// NewEmbedWorker creates a worker with a buffered queue.
func NewEmbedWorker(pages EmbedStore, embedder embedding.Embedder, breaker *resilience.Breaker,
	publisher events.Publisher, logger *observability.Logger, queueSize int) *EmbedWorker {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &EmbedWorker{
		pages:     pages,
		embedder:  embedder,
		breaker:   breaker,
		publisher: publisher,
		logger:    logger.WithComponent("embed_worker"),
		queue:     make(chan uuid.UUID, queueSize),
	}
}

// Enqueue submits a page for embedding. A full queue drops the job with a
// warning; the backfill command recovers any page left without a vector.
func (w *EmbedWorker) Enqueue(pageID uuid.UUID) {
	select {
	case w.queue <- pageID:
	default:
		w.logger.Warn().Str("page_id", pageID.String()).Msg("embed queue full, dropping job")
	}
}

// Run processes the queue until ctx ends. Intended as a goroutine.
func (w *EmbedWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pageID := <-w.queue:
			w.process(ctx, pageID)
		}
	}
}

func (w *EmbedWorker) process(ctx context.Context, pageID uuid.UUID) {
	page, err := w.pages.GetByID(ctx, pageID)
	if err != nil {
		w.logger.Error().Err(err).Str("page_id", pageID.String()).Msg("embed job: page load failed")
		return
	}
	if page.OriginalMarkdown == nil || *page.OriginalMarkdown == "" {
		return
	}

	var vector []float32
	err = w.breaker.Call(ctx, ResourceEmbedding, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = w.embedder.EmbedSingle(ctx, *page.OriginalMarkdown)
		return embedErr
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("page_id", pageID.String()).Msg("embedding failed")
		if setErr := w.pages.SetEmbedding(ctx, pageID, nil, storage.EmbeddingError); setErr != nil {
			w.logger.Error().Err(setErr).Msg("failed to persist embedding error")
		}
		w.broadcastEmbedding(ctx, page, storage.EmbeddingError, err.Error())
		return
	}

	if err := w.pages.SetEmbedding(ctx, pageID, vector, storage.EmbeddingCompleted); err != nil {
		w.logger.Error().Err(err).Str("page_id", pageID.String()).Msg("failed to persist embedding")
		return
	}
	w.broadcastEmbedding(ctx, page, storage.EmbeddingCompleted, "")
}

func (w *EmbedWorker) broadcastEmbedding(ctx context.Context, page *storage.Page, status storage.EmbeddingStatus, errMsg string) {
	w.publisher.Publish(ctx, events.Event{
		Topic:      events.TopicPages,
		DocumentID: page.DocumentID.String(),
		PageID:     page.ID.String(),
		Stage:      "embedding",
		Status:     string(status),
		Error:      errMsg,
	})
}
