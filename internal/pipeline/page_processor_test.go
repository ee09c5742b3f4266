package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/llm"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/storage"
)

// fakeStore is an in-memory page and document store for processor tests.
type fakeStore struct {
	mu    sync.Mutex
	pages map[uuid.UUID]*storage.Page
	docs  map[uuid.UUID]*storage.Document
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages: make(map[uuid.UUID]*storage.Page),
		docs:  make(map[uuid.UUID]*storage.Document),
	}
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*storage.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *page
	return &copied, nil
}

func (s *fakeStore) UpdateExtraction(_ context.Context, id uuid.UUID, status storage.StepStatus, markdown *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.pages[id]
	page.ExtractionStatus = status
	if markdown != nil {
		page.OriginalMarkdown = markdown
	}
	return nil
}

func (s *fakeStore) UpdateTranslation(_ context.Context, id uuid.UUID, status storage.StepStatus, markdown *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.pages[id]
	page.TranslationStatus = status
	if markdown != nil {
		page.TranslatedMarkdown = markdown
	}
	return nil
}

func (s *fakeStore) SetStageStatus(_ context.Context, id uuid.UUID, stage string, status storage.StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.pages[id]
	if stage == "extraction" {
		page.ExtractionStatus = status
	} else {
		page.TranslationStatus = status
	}
	return nil
}

func (s *fakeStore) SetEmbedding(_ context.Context, id uuid.UUID, vector []float32, status storage.EmbeddingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.pages[id]
	page.Embedding = vector
	page.EmbeddingStatus = status
	return nil
}

// documentLookup half of the fake.
type fakeDocs struct{ store *fakeStore }

func (d fakeDocs) GetByID(_ context.Context, id uuid.UUID) (*storage.Document, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	doc, ok := d.store.docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

type fakeChecker struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeChecker) CheckCompletion(context.Context, uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return false, nil
}

func (c *fakeChecker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *fakeQueue) Enqueue(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
}

// scriptedLLM returns canned responses or errors and counts calls.
type scriptedLLM struct {
	mu             sync.Mutex
	extractCalls   int
	translateCalls int
	extractErr     error
	translateErr   error
	markdown       string
	translated     string
}

func (l *scriptedLLM) ExtractMarkdown(context.Context, []byte, llm.ModelOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extractCalls++
	if l.extractErr != nil {
		return "", l.extractErr
	}
	return l.markdown, nil
}

func (l *scriptedLLM) Translate(_ context.Context, _ string, lang string, _ llm.ModelOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.translateCalls++
	if l.translateErr != nil {
		return "", l.translateErr
	}
	return l.translated + " (" + lang + ")", nil
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "bad request" }
func (permanentErr) HTTPStatus() int { return 400 }

type retryableErr struct{}

func (retryableErr) Error() string   { return "service unavailable" }
func (retryableErr) HTTPStatus() int { return 503 }

type testBed struct {
	store   *fakeStore
	checker *fakeChecker
	queue   *fakeQueue
	client  *scriptedLLM
	breaker *resilience.Breaker
	proc    *Processor
	slept   *[]time.Duration
}

func newTestBed(t *testing.T) *testBed {
	t.Helper()
	store := newFakeStore()
	checker := &fakeChecker{}
	queue := &fakeQueue{}
	client := &scriptedLLM{markdown: "# Heading", translated: "# Uberschrift"}
	breaker := resilience.NewBreaker(observability.NopLogger())
	breaker.Register(ResourceLLM, resilience.BreakerConfig{
		Threshold: 100, Window: time.Minute, Cooldown: 30 * time.Second,
	})

	slept := []time.Duration{}
	proc := NewProcessor(store, fakeDocs{store}, checker, client, breaker, queue,
		events.NopPublisher{}, observability.NopLogger(), Config{
			MaxAttempts: 3,
			Backoff:     resilience.BackoffConfig{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0},
		})
	proc.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	proc.readImage = func(string) ([]byte, error) { return []byte("jpeg-bytes"), nil }

	return &testBed{store: store, checker: checker, queue: queue, client: client, breaker: breaker, proc: proc, slept: &slept}
}

func (tb *testBed) seedPage(extraction, translation storage.StepStatus, markdown *string) *storage.Page {
	docID := storage.NewDocumentID()
	tb.store.docs[docID] = &storage.Document{ID: docID, Status: storage.DocumentProcessing, TargetLanguage: "de"}
	page := &storage.Page{
		ID:                storage.NewDocumentID(),
		DocumentID:        docID,
		PageNumber:        1,
		ImagePath:         "/tmp/page_001.jpg",
		OriginalMarkdown:  markdown,
		ExtractionStatus:  extraction,
		TranslationStatus: translation,
	}
	tb.store.pages[page.ID] = page
	return page
}

func notCancelled(uuid.UUID) bool { return false }

func TestProcessPageFullRun(t *testing.T) {
	tb := newTestBed(t)
	page := tb.seedPage(storage.StepPending, storage.StepPending, nil)

	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.NoError(t, err)

	got := tb.store.pages[page.ID]
	assert.Equal(t, storage.StepCompleted, got.ExtractionStatus)
	assert.Equal(t, storage.StepCompleted, got.TranslationStatus)
	require.NotNil(t, got.OriginalMarkdown)
	assert.Equal(t, "# Heading", *got.OriginalMarkdown)
	require.NotNil(t, got.TranslatedMarkdown)
	assert.Equal(t, "# Uberschrift (de)", *got.TranslatedMarkdown)

	assert.Equal(t, 1, tb.client.extractCalls)
	assert.Equal(t, 1, tb.client.translateCalls)
	assert.Equal(t, []uuid.UUID{page.ID}, tb.queue.ids)
	assert.Equal(t, 1, tb.checker.Calls())
}

func TestProcessPageIdempotentOnCompleted(t *testing.T) {
	tb := newTestBed(t)
	md := "# done"
	page := tb.seedPage(storage.StepCompleted, storage.StepCompleted, &md)
	before := *tb.store.pages[page.ID]

	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.NoError(t, err)

	assert.Equal(t, before, *tb.store.pages[page.ID])
	assert.Zero(t, tb.client.extractCalls)
	assert.Zero(t, tb.client.translateCalls)
}

func TestProcessPageRetriesExactlyMaxAttempts(t *testing.T) {
	tb := newTestBed(t)
	tb.client.extractErr = retryableErr{}
	page := tb.seedPage(storage.StepPending, storage.StepPending, nil)

	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.Error(t, err)

	assert.Equal(t, 3, tb.client.extractCalls)
	assert.Equal(t, storage.StepError, tb.store.pages[page.ID].ExtractionStatus)
	// Two backoff sleeps between three attempts, deterministic at zero jitter.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *tb.slept)
}

func TestProcessPagePermanentErrorNoRetry(t *testing.T) {
	tb := newTestBed(t)
	tb.client.extractErr = permanentErr{}
	page := tb.seedPage(storage.StepPending, storage.StepPending, nil)

	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.Error(t, err)

	assert.Equal(t, 1, tb.client.extractCalls)
	assert.Empty(t, *tb.slept)
	assert.Equal(t, storage.StepError, tb.store.pages[page.ID].ExtractionStatus)
}

func TestProcessPageCircuitOpenSkipsCall(t *testing.T) {
	tb := newTestBed(t)
	tb.breaker.Register(ResourceLLM, resilience.BreakerConfig{
		Threshold: 1, Window: time.Minute, Cooldown: time.Minute,
	})
	tb.breaker.Melt(ResourceLLM)
	require.Equal(t, resilience.StateOpen, tb.breaker.Status(ResourceLLM))

	page := tb.seedPage(storage.StepPending, storage.StepPending, nil)
	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)

	assert.Zero(t, tb.client.extractCalls)
	assert.Equal(t, storage.StepError, tb.store.pages[page.ID].ExtractionStatus)
}

func TestProcessPageEmptyMarkdownSkipsTranslation(t *testing.T) {
	tb := newTestBed(t)
	empty := ""
	page := tb.seedPage(storage.StepCompleted, storage.StepPending, &empty)

	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.NoError(t, err)

	assert.Equal(t, storage.StepCompleted, tb.store.pages[page.ID].TranslationStatus)
	assert.Zero(t, tb.client.translateCalls)
	assert.Equal(t, 1, tb.checker.Calls())
}

func TestProcessPageCancelledDocumentSkipped(t *testing.T) {
	tb := newTestBed(t)
	page := tb.seedPage(storage.StepPending, storage.StepPending, nil)

	err := tb.proc.ProcessPage(context.Background(), page.ID, func(uuid.UUID) bool { return true })
	require.NoError(t, err)

	assert.Zero(t, tb.client.extractCalls)
	assert.Equal(t, storage.StepPending, tb.store.pages[page.ID].ExtractionStatus)
}

func TestProcessPageTranslationRetryableExhaustion(t *testing.T) {
	tb := newTestBed(t)
	tb.client.translateErr = retryableErr{}
	md := "# content"
	page := tb.seedPage(storage.StepCompleted, storage.StepPending, &md)

	err := tb.proc.ProcessPage(context.Background(), page.ID, notCancelled)
	require.Error(t, err)

	assert.Equal(t, 3, tb.client.translateCalls)
	assert.Equal(t, storage.StepError, tb.store.pages[page.ID].TranslationStatus)
	// Extraction already succeeded; its state is untouched.
	assert.Equal(t, storage.StepCompleted, tb.store.pages[page.ID].ExtractionStatus)
}
