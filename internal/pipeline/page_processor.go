// Package pipeline runs the per-page extraction and translation stages,
// applying the retry, backoff, and circuit-breaker policy around every
// model call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/llm"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/storage"
)

// Breaker resource names.
const (
	ResourceLLM       = "llm_api"
	ResourceEmbedding = "embedding_api"
)

const (
	stageExtraction  = "extraction"
	stageTranslation = "translation"
)

// LLMClient is the slice of the model client the processor uses.
type LLMClient interface {
	ExtractMarkdown(ctx context.Context, image []byte, opts llm.ModelOptions) (string, error)
	Translate(ctx context.Context, markdown, targetLanguage string, opts llm.ModelOptions) (string, error)
}

// PageStore is the slice of page persistence the processor uses.
type PageStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Page, error)
	UpdateExtraction(ctx context.Context, id uuid.UUID, status storage.StepStatus, markdown *string) error
	UpdateTranslation(ctx context.Context, id uuid.UUID, status storage.StepStatus, markdown *string) error
	SetStageStatus(ctx context.Context, id uuid.UUID, stage string, status storage.StepStatus) error
}

// DocumentLookup resolves a page's document for target language and
// completion checks.
type DocumentLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Document, error)
}

// CompletionChecker marks a document completed once all pages resolve.
type CompletionChecker interface {
	CheckCompletion(ctx context.Context, id uuid.UUID) (bool, error)
}

// EmbedQueue accepts pages whose extracted text is ready for embedding.
type EmbedQueue interface {
	Enqueue(pageID uuid.UUID)
}

// Config holds processor tuning.
type Config struct {
	MaxAttempts int // total model calls per stage, default 3
	Backoff     resilience.BackoffConfig
	Vision      llm.ModelOptions
	Text        llm.ModelOptions
}

// Processor executes the two per-page stages in order.
type Processor struct {
	pages     PageStore
	documents DocumentLookup
	checker   CompletionChecker
	client    LLMClient
	breaker   *resilience.Breaker
	embeds    EmbedQueue
	publisher events.Publisher
	logger    *observability.Logger
	cfg       Config

	// test seams
	sleep     func(ctx context.Context, d time.Duration) error
	readImage func(path string) ([]byte, error)
}

// NewProcessor creates a page processor with defaults filled in.
func NewProcessor(pages PageStore, documents DocumentLookup, checker CompletionChecker,
	client LLMClient, breaker *resilience.Breaker, embeds EmbedQueue,
	publisher events.Publisher, logger *observability.Logger, cfg Config) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = resilience.DefaultBackoff()
	}
	return &Processor{
		pages:     pages,
		documents: documents,
		checker:   checker,
		client:    client,
		breaker:   breaker,
		embeds:    embeds,
		publisher: publisher,
		logger:    logger.WithComponent("pipeline"),
		cfg:       cfg,
		sleep:     sleepCtx,
		readImage: os.ReadFile,
	}
}

// ProcessPage advances a page through whichever stage is pending. The
// cancelled predicate makes cancellation cooperative: a cancelled
// document's pages are skipped without side effects. Re-invoking on a
// finished page is a no-op success.
func (p *Processor) ProcessPage(ctx context.Context, pageID uuid.UUID, cancelled func(uuid.UUID) bool) error {
	page, err := p.pages.GetByID(ctx, pageID)
	if err != nil {
		return fmt.Errorf("load page: %w", err)
	}
	if cancelled != nil && cancelled(page.DocumentID) {
		p.logger.Debug().Str("page_id", pageID.String()).Msg("skipping page of cancelled document")
		return nil
	}

	if page.ExtractionStatus == storage.StepPending {
		if err := p.runExtraction(ctx, page); err != nil {
			return err
		}
		// Reload so the translation stage sees the fresh markdown.
		page, err = p.pages.GetByID(ctx, pageID)
		if err != nil {
			return fmt.Errorf("reload page: %w", err)
		}
	}

	if page.ExtractionStatus == storage.StepCompleted && page.TranslationStatus == storage.StepPending {
		if page.OriginalMarkdown == nil || *page.OriginalMarkdown == "" {
			// Nothing to translate; resolve the page directly.
			if err := p.pages.SetStageStatus(ctx, page.ID, stageTranslation, storage.StepCompleted); err != nil {
				return err
			}
			p.broadcast(ctx, page, stageTranslation, storage.StepCompleted, "")
			if _, err := p.checker.CheckCompletion(ctx, page.DocumentID); err != nil {
				p.logger.Warn().Err(err).Msg("completion check failed")
			}
			return nil
		}
		return p.runTranslation(ctx, page)
	}

	return nil
}

func (p *Processor) runExtraction(ctx context.Context, page *storage.Page) error {
	if err := p.pages.SetStageStatus(ctx, page.ID, stageExtraction, storage.StepProcessing); err != nil {
		return err
	}
	p.broadcast(ctx, page, stageExtraction, storage.StepProcessing, "")

	image, err := p.readImage(page.ImagePath)
	if err != nil {
		failErr := fmt.Errorf("read page image: %w", err)
		p.failStage(ctx, page, stageExtraction, failErr)
		return failErr
	}

	markdown, err := p.callWithRetry(ctx, func(ctx context.Context) (string, error) {
		return p.client.ExtractMarkdown(ctx, image, p.cfg.Vision)
	})
	if err != nil {
		p.failStage(ctx, page, stageExtraction, err)
		return err
	}

	if err := p.pages.UpdateExtraction(ctx, page.ID, storage.StepCompleted, &markdown); err != nil {
		return err
	}
	p.broadcast(ctx, page, stageExtraction, storage.StepCompleted, "")

	if markdown != "" && p.embeds != nil {
		p.embeds.Enqueue(page.ID)
	}
	return nil
}

func (p *Processor) runTranslation(ctx context.Context, page *storage.Page) error {
	doc, err := p.documents.GetByID(ctx, page.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	if err := p.pages.SetStageStatus(ctx, page.ID, stageTranslation, storage.StepProcessing); err != nil {
		return err
	}
	p.broadcast(ctx, page, stageTranslation, storage.StepProcessing, "")

	translated, err := p.callWithRetry(ctx, func(ctx context.Context) (string, error) {
		return p.client.Translate(ctx, *page.OriginalMarkdown, doc.TargetLanguage, p.cfg.Text)
	})
	if err != nil {
		p.failStage(ctx, page, stageTranslation, err)
		return err
	}

	if err := p.pages.UpdateTranslation(ctx, page.ID, storage.StepCompleted, &translated); err != nil {
		return err
	}
	p.broadcast(ctx, page, stageTranslation, storage.StepCompleted, "")

	if _, err := p.checker.CheckCompletion(ctx, page.DocumentID); err != nil {
		p.logger.Warn().Err(err).Msg("completion check failed")
	}
	return nil
}

// callWithRetry invokes fn through the LLM circuit breaker, retrying
// transient failures with exponential backoff. Circuit-open and permanent
// failures terminate immediately.
func (p *Processor) callWithRetry(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	var result string
	for attempt := 0; ; attempt++ {
		err := p.breaker.Call(ctx, ResourceLLM, func(ctx context.Context) error {
			var callErr error
			result, callErr = fn(ctx)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return "", err
		}
		if resilience.IsPermanent(err) {
			return "", err
		}
		if attempt+1 >= p.cfg.MaxAttempts {
			return "", fmt.Errorf("retries exhausted after %d attempts: %w", p.cfg.MaxAttempts, err)
		}

		delay := p.cfg.Backoff.Delay(attempt)
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("retrying model call")
		if err := p.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (p *Processor) failStage(ctx context.Context, page *storage.Page, stage string, cause error) {
	if err := p.pages.SetStageStatus(ctx, page.ID, stage, storage.StepError); err != nil {
		p.logger.Error().Err(err).Str("page_id", page.ID.String()).Msg("failed to persist stage error")
	}
	p.logger.WithDocument(page.DocumentID.String()).Error().
		Err(cause).
		Str("stage", stage).
		Int("page", page.PageNumber).
		Msg("page stage failed")
	p.broadcast(ctx, page, stage, storage.StepError, cause.Error())
}

func (p *Processor) broadcast(ctx context.Context, page *storage.Page, stage string, status storage.StepStatus, errMsg string) {
	p.publisher.Publish(ctx, events.Event{
		Topic:      events.TopicPages,
		DocumentID: page.DocumentID.String(),
		PageID:     page.ID.String(),
		Stage:      stage,
		Status:     string(status),
		Error:      errMsg,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
