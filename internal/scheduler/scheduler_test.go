package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/storage"
)

// fakeSource holds pages and documents for scheduler tests.
type fakeSource struct {
	mu          sync.Mutex
	pages       map[uuid.UUID]*storage.Page
	pending     map[uuid.UUID][]uuid.UUID // docID -> pending page ids in order
	resumable   []*storage.Document
	stalled     []uuid.UUID
	marked      []string // transition log: "processing:<id>", "queued:<id>", "check:<id>"
	completions int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:   make(map[uuid.UUID]*storage.Page),
		pending: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeSource) addPage(docID uuid.UUID, num int) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := storage.NewDocumentID()
	f.pages[id] = &storage.Page{
		ID:                id,
		DocumentID:        docID,
		PageNumber:        num,
		ExtractionStatus:  storage.StepPending,
		TranslationStatus: storage.StepPending,
	}
	f.pending[docID] = append(f.pending[docID], id)
	return id
}

func (f *fakeSource) GetByID(_ context.Context, id uuid.UUID) (*storage.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *page
	return &copied, nil
}

func (f *fakeSource) ListPending(_ context.Context, docID uuid.UUID) ([]*storage.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Page
	for _, id := range f.pending[docID] {
		copied := *f.pages[id]
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeSource) FailStalledStage(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled = append(f.stalled, id)
	return nil
}

func (f *fakeSource) ListByStatus(_ context.Context, _ ...storage.DocumentStatus) ([]*storage.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumable, nil
}

func (f *fakeSource) MarkProcessing(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, "processing:"+id.String())
	return nil
}

func (f *fakeSource) MarkQueued(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, "queued:"+id.String())
	return nil
}

func (f *fakeSource) CheckCompletion(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, "check:"+id.String())
	f.completions++
	return true, nil
}

func (f *fakeSource) markedLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

// gateRunner records started pages and optionally blocks each task until
// released through the gate channel.
type gateRunner struct {
	mu      sync.Mutex
	started []uuid.UUID
	gate    chan struct{} // nil means tasks return immediately
	errFor  map[uuid.UUID]error
	source  *fakeSource
}

func (r *gateRunner) ProcessPage(_ context.Context, pageID uuid.UUID, cancelled func(uuid.UUID) bool) error {
	r.mu.Lock()
	r.started = append(r.started, pageID)
	gate := r.gate
	err := r.errFor[pageID]
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if r.source != nil {
		// Mimic the pipeline: a finished page leaves the pending set.
		r.source.mu.Lock()
		page := r.source.pages[pageID]
		remaining := r.source.pending[page.DocumentID][:0]
		for _, id := range r.source.pending[page.DocumentID] {
			if id != pageID {
				remaining = append(remaining, id)
			}
		}
		r.source.pending[page.DocumentID] = remaining
		r.source.mu.Unlock()
	}
	return err
}

func (r *gateRunner) startedPages() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.started...)
}

func newTestScheduler(t *testing.T, source *fakeSource, runner *gateRunner, cfg Config) (*Scheduler, context.CancelFunc) {
	t.Helper()
	sched := New(runner, source, source, source, events.NopPublisher{}, observability.NopLogger(), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	return sched, cancel
}

func waitStarted(t *testing.T, runner *gateRunner, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(runner.startedPages()) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d started pages", n)
}

func waitIdle(t *testing.T, sched *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := sched.Inspect()
		return snap.Current == uuid.Nil && !snap.InFlight &&
			len(snap.PageQueue) == 0 && len(snap.DocQueue) == 0
	}, 2*time.Second, 5*time.Millisecond, "scheduler did not go idle")
}

func TestSchedulerDocumentsNeverInterleave(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	d2 := storage.NewDocumentID()
	d1Pages := []uuid.UUID{source.addPage(d1, 1), source.addPage(d1, 2), source.addPage(d1, 3)}
	d2Pages := []uuid.UUID{source.addPage(d2, 1), source.addPage(d2, 2)}

	gate := make(chan struct{})
	runner := &gateRunner{gate: gate, source: source}
	sched, cancel := newTestScheduler(t, source, runner, Config{})
	defer cancel()

	for _, id := range d1Pages {
		sched.EnqueuePage(id)
	}
	for _, id := range d2Pages {
		sched.EnqueuePage(id)
	}

	// Release tasks one at a time; only one may be in flight.
	for i := 1; i <= 5; i++ {
		waitStarted(t, runner, i)
		assert.Len(t, runner.startedPages(), i, "more than one task in flight")
		gate <- struct{}{}
	}
	waitIdle(t, sched)

	started := runner.startedPages()
	require.Len(t, started, 5)
	// All of D1 strictly before any of D2.
	docOrder := make([]uuid.UUID, 0, 5)
	for _, pageID := range started {
		docOrder = append(docOrder, source.pages[pageID].DocumentID)
	}
	assert.Equal(t, []uuid.UUID{d1, d1, d1, d2, d2}, docOrder)
	assert.Equal(t, append(d1Pages, d2Pages...), started)
}

func TestSchedulerSecondDocumentMarkedQueued(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	d2 := storage.NewDocumentID()
	p1 := source.addPage(d1, 1)
	p2 := source.addPage(d2, 1)

	gate := make(chan struct{})
	runner := &gateRunner{gate: gate, source: source}
	sched, cancel := newTestScheduler(t, source, runner, Config{})
	defer cancel()

	sched.EnqueuePage(p1)
	waitStarted(t, runner, 1)
	sched.EnqueuePage(p2)
	// Enqueue the same document's page again: docQueue must dedup.
	sched.EnqueuePage(p2)

	require.Eventually(t, func() bool {
		return len(sched.Inspect().DocQueue) == 1
	}, 2*time.Second, 5*time.Millisecond)

	log := source.markedLog()
	assert.Contains(t, log, "processing:"+d1.String())
	assert.Contains(t, log, "queued:"+d2.String())

	gate <- struct{}{}
	waitStarted(t, runner, 2)
	gate <- struct{}{}
	waitIdle(t, sched)
}

func TestSchedulerCancelledDocumentSkipped(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	d2 := storage.NewDocumentID()
	p1 := source.addPage(d1, 1)
	d2Pages := []uuid.UUID{source.addPage(d2, 1), source.addPage(d2, 2)}

	gate := make(chan struct{})
	runner := &gateRunner{gate: gate, source: source}
	sched, cancel := newTestScheduler(t, source, runner, Config{})
	defer cancel()

	sched.EnqueuePage(p1)
	waitStarted(t, runner, 1)
	for _, id := range d2Pages {
		sched.EnqueuePage(id)
	}
	require.Eventually(t, func() bool {
		return len(sched.Inspect().DocQueue) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Cancel D2 while it waits, then let D1 finish.
	sched.CancelDocument(d2)
	gate <- struct{}{}
	waitIdle(t, sched)

	// No D2 page ever started.
	assert.Equal(t, []uuid.UUID{p1}, runner.startedPages())
}

func TestSchedulerCancelledEnqueueIgnored(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	p1 := source.addPage(d1, 1)

	runner := &gateRunner{source: source}
	sched, cancel := newTestScheduler(t, source, runner, Config{})
	defer cancel()

	sched.CancelDocument(d1)
	sched.EnqueuePage(p1)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, runner.startedPages())
	snap := sched.Inspect()
	assert.Equal(t, uuid.Nil, snap.Current)
}

func TestSchedulerTimeoutAdvances(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	p1 := source.addPage(d1, 1)
	p2 := source.addPage(d1, 2)

	gate := make(chan struct{})
	runner := &gateRunner{gate: gate, source: source}
	sched, cancel := newTestScheduler(t, source, runner, Config{TaskTimeout: 50 * time.Millisecond})
	defer cancel()

	sched.EnqueuePage(p1)
	sched.EnqueuePage(p2)
	waitStarted(t, runner, 1)

	// p1 never released before its deadline; the scheduler marks it
	// stalled and moves on to p2.
	waitStarted(t, runner, 2)
	assert.Equal(t, []uuid.UUID{p1, p2}, runner.startedPages())

	source.mu.Lock()
	stalled := append([]uuid.UUID(nil), source.stalled...)
	source.mu.Unlock()
	assert.Equal(t, []uuid.UUID{p1}, stalled)

	// Release both tasks; p1's late result carries a stale token and is
	// dropped without a second advance.
	gate <- struct{}{}
	gate <- struct{}{}
	waitIdle(t, sched)
}

func TestSchedulerTaskErrorStillAdvances(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	p1 := source.addPage(d1, 1)
	p2 := source.addPage(d1, 2)

	runner := &gateRunner{source: source, errFor: map[uuid.UUID]error{p1: errors.New("boom")}}
	sched, cancel := newTestScheduler(t, source, runner, Config{})
	defer cancel()

	sched.EnqueuePage(p1)
	sched.EnqueuePage(p2)
	waitStarted(t, runner, 2)
	waitIdle(t, sched)

	assert.Equal(t, []uuid.UUID{p1, p2}, runner.startedPages())
}

func TestSchedulerRecovery(t *testing.T) {
	source := newFakeSource()
	active := &storage.Document{ID: storage.NewDocumentID(), Status: storage.DocumentProcessing}
	waiting := &storage.Document{ID: storage.NewDocumentID(), Status: storage.DocumentQueued}
	source.resumable = []*storage.Document{active, waiting}
	p1 := source.addPage(active.ID, 1)
	p2 := source.addPage(active.ID, 2)
	source.addPage(waiting.ID, 1)

	gate := make(chan struct{})
	runner := &gateRunner{gate: gate, source: source}
	sched := New(runner, source, source, source, events.NopPublisher{}, observability.NopLogger(), Config{})

	require.NoError(t, sched.Recover(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitStarted(t, runner, 1)
	assert.Equal(t, []uuid.UUID{p1}, runner.startedPages())

	snap := sched.Inspect()
	assert.Equal(t, active.ID, snap.Current)
	assert.Equal(t, []uuid.UUID{waiting.ID}, snap.DocQueue)
	assert.Equal(t, []uuid.UUID{p2}, snap.PageQueue)

	// The active document resumed processing.
	assert.Contains(t, source.markedLog(), "processing:"+active.ID.String())

	// Drain everything: p1, p2, then the waiting document's page.
	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	waitIdle(t, sched)
	assert.Contains(t, source.markedLog(), "processing:"+waiting.ID.String())
}

func TestSchedulerCompletionCheckedWhenDocumentExhausted(t *testing.T) {
	source := newFakeSource()
	d1 := storage.NewDocumentID()
	p1 := source.addPage(d1, 1)

	runner := &gateRunner{source: source}
	sched, cancel := newTestScheduler(t, source, runner, Config{})
	defer cancel()

	sched.EnqueuePage(p1)
	waitIdle(t, sched)

	assert.Contains(t, source.markedLog(), "check:"+d1.String())
}
