// Package scheduler serializes page processing through a two-level work
// queue: pages run strictly in order within a document, and documents run
// one at a time without interleaving. All queue state is owned by a single
// control loop and mutated only through messages, so no lock covers the
// queues themselves.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/events"
	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/storage"
)

// PageRunner executes one page through the pipeline.
type PageRunner interface {
	ProcessPage(ctx context.Context, pageID uuid.UUID, cancelled func(uuid.UUID) bool) error
}

// PageSource is the slice of page persistence the scheduler uses.
type PageSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Page, error)
	ListPending(ctx context.Context, documentID uuid.UUID) ([]*storage.Page, error)
	FailStalledStage(ctx context.Context, id uuid.UUID) error
}

// DocumentSource lists documents for startup recovery.
type DocumentSource interface {
	ListByStatus(ctx context.Context, statuses ...storage.DocumentStatus) ([]*storage.Document, error)
}

// DocumentControl is the slice of the orchestrator the scheduler uses.
type DocumentControl interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkQueued(ctx context.Context, id uuid.UUID) error
	CheckCompletion(ctx context.Context, id uuid.UUID) (bool, error)
}

// Config holds scheduler tuning.
type Config struct {
	// TaskTimeout bounds one page task; default 300s.
	TaskTimeout time.Duration
	// QueueSize is the control-channel buffer; default 1024.
	QueueSize int
}

type message interface{ isMessage() }

type msgEnqueuePage struct{ pageID uuid.UUID }
type msgTaskDone struct {
	token uuid.UUID
	err   error
}
type msgTaskTimeout struct{ token uuid.UUID }
type msgKick struct{}
type msgInspect struct{ reply chan Snapshot }

func (msgEnqueuePage) isMessage() {}
func (msgTaskDone) isMessage()    {}
func (msgTaskTimeout) isMessage() {}
func (msgKick) isMessage()        {}
func (msgInspect) isMessage()     {}

// Snapshot is a point-in-time copy of the queue state, for inspection.
type Snapshot struct {
	Current   uuid.UUID // uuid.Nil when idle
	PageQueue []uuid.UUID
	DocQueue  []uuid.UUID
	InFlight  bool
}

type inflightTask struct {
	token      uuid.UUID
	pageID     uuid.UUID
	documentID uuid.UUID
	timer      *time.Timer
}

// Scheduler is the process-wide work queue. Exactly one page task runs at
// a time; all state below current/pageQueue/docQueue/inflight is touched
// only from the Run loop.
type Scheduler struct {
	runner    PageRunner
	pages     PageSource
	documents DocumentSource
	control   DocumentControl
	publisher events.Publisher
	logger    *observability.Logger
	cfg       Config

	msgs chan message

	current   uuid.UUID
	pageQueue []uuid.UUID
	docQueue  []uuid.UUID
	inflight  *inflightTask

	// cancelled is add-only for the process lifetime. It is read from
	// task goroutines, hence the separate lock.
	cancelMu  sync.RWMutex
	cancelled map[uuid.UUID]struct{}
}

// New creates a scheduler.
func New(runner PageRunner, pages PageSource, documents DocumentSource,
	control DocumentControl, publisher events.Publisher,
	logger *observability.Logger, cfg Config) *Scheduler {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 300 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Scheduler{
		runner:    runner,
		pages:     pages,
		documents: documents,
		control:   control,
		publisher: publisher,
		logger:    logger.WithComponent("scheduler"),
		cfg:       cfg,
		msgs:      make(chan message, cfg.QueueSize),
		cancelled: make(map[uuid.UUID]struct{}),
	}
}

// EnqueuePage submits a page for processing. Ordering across calls is the
// caller's responsibility; pages of one document should be enqueued in
// page-number order.
func (s *Scheduler) EnqueuePage(pageID uuid.UUID) {
	s.msgs <- msgEnqueuePage{pageID: pageID}
}

// CancelDocument marks a document cancelled. The set only grows; in-flight
// external calls are not aborted, but their results are discarded and no
// further pages of the document start.
func (s *Scheduler) CancelDocument(id uuid.UUID) {
	s.cancelMu.Lock()
	s.cancelled[id] = struct{}{}
	s.cancelMu.Unlock()
	s.logger.WithDocument(id.String()).Info().Msg("document cancelled")
}

// IsCancelled reports whether the document was cancelled. Safe from any
// goroutine.
func (s *Scheduler) IsCancelled(id uuid.UUID) bool {
	s.cancelMu.RLock()
	defer s.cancelMu.RUnlock()
	_, ok := s.cancelled[id]
	return ok
}

// Inspect returns a snapshot of the queue state, serialized through the
// control loop. Blocks until the loop services the request.
func (s *Scheduler) Inspect() Snapshot {
	reply := make(chan Snapshot, 1)
	s.msgs <- msgInspect{reply: reply}
	return <-reply
}

// Recover loads persisted in-progress work after a restart: the first
// document with status processing or queued becomes current and the rest
// wait in arrival order. Call before Run.
func (s *Scheduler) Recover(ctx context.Context) error {
	docs, err := s.documents.ListByStatus(ctx, storage.DocumentProcessing, storage.DocumentQueued)
	if err != nil {
		return fmt.Errorf("list resumable documents: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}

	first := docs[0]
	pending, err := s.pages.ListPending(ctx, first.ID)
	if err != nil {
		return fmt.Errorf("list pending pages: %w", err)
	}

	s.current = first.ID
	s.pageQueue = s.pageQueue[:0]
	for _, p := range pending {
		s.pageQueue = append(s.pageQueue, p.ID)
	}
	for _, d := range docs[1:] {
		s.docQueue = append(s.docQueue, d.ID)
	}
	if err := s.control.MarkProcessing(ctx, first.ID); err != nil {
		return fmt.Errorf("resume document %s: %w", first.ID, err)
	}

	s.logger.Info().
		Str("current", first.ID.String()).
		Int("pending_pages", len(pending)).
		Int("queued_documents", len(s.docQueue)).
		Msg("recovered scheduler state")

	s.msgs <- msgKick{}
	return nil
}

// Run processes control messages until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if s.inflight != nil {
				s.inflight.timer.Stop()
			}
			return
		case msg := <-s.msgs:
			s.handle(ctx, msg)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case msgEnqueuePage:
		s.handleEnqueue(ctx, m.pageID)
	case msgTaskDone:
		s.handleTaskDone(ctx, m)
	case msgTaskTimeout:
		s.handleTaskTimeout(ctx, m)
	case msgKick:
		if s.inflight == nil {
			s.startNext(ctx)
		}
	case msgInspect:
		m.reply <- s.snapshot()
	}
}

func (s *Scheduler) handleEnqueue(ctx context.Context, pageID uuid.UUID) {
	page, err := s.pages.GetByID(ctx, pageID)
	if err != nil {
		s.logger.Error().Err(err).Str("page_id", pageID.String()).Msg("enqueue: page load failed")
		return
	}
	docID := page.DocumentID
	if s.IsCancelled(docID) {
		return
	}

	switch {
	case s.current == docID:
		if s.inflight == nil {
			s.startPage(ctx, pageID)
		} else {
			s.pageQueue = append(s.pageQueue, pageID)
		}
	case s.current == uuid.Nil:
		s.current = docID
		if err := s.control.MarkProcessing(ctx, docID); err != nil {
			s.logger.Error().Err(err).Str("document_id", docID.String()).Msg("mark processing failed")
		}
		s.startPage(ctx, pageID)
	default:
		// Another document is active; queue this one (dedup).
		for _, queued := range s.docQueue {
			if queued == docID {
				return
			}
		}
		s.docQueue = append(s.docQueue, docID)
		if err := s.control.MarkQueued(ctx, docID); err != nil {
			s.logger.Error().Err(err).Str("document_id", docID.String()).Msg("mark queued failed")
		}
	}
}

// startPage spawns the page task with a fresh identity token and arms the
// deadline timer. Late results carrying a stale token are dropped.
func (s *Scheduler) startPage(ctx context.Context, pageID uuid.UUID) {
	token := uuid.New()
	task := &inflightTask{token: token, pageID: pageID, documentID: s.current}
	task.timer = time.AfterFunc(s.cfg.TaskTimeout, func() {
		s.msgs <- msgTaskTimeout{token: token}
	})
	s.inflight = task

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("page task panic: %v", r)
			}
			s.msgs <- msgTaskDone{token: token, err: err}
		}()
		err = s.runner.ProcessPage(ctx, pageID, s.IsCancelled)
	}()
}

func (s *Scheduler) handleTaskDone(ctx context.Context, m msgTaskDone) {
	if s.inflight == nil || s.inflight.token != m.token {
		// Stale result from a task that already timed out.
		return
	}
	s.inflight.timer.Stop()
	pageID := s.inflight.pageID
	s.inflight = nil

	if m.err != nil {
		// The pipeline already persisted the stage error.
		s.logger.Warn().Err(m.err).Str("page_id", pageID.String()).Msg("page task failed")
	}
	s.startNext(ctx)
}

func (s *Scheduler) handleTaskTimeout(ctx context.Context, m msgTaskTimeout) {
	if s.inflight == nil || s.inflight.token != m.token {
		return
	}
	task := s.inflight
	s.inflight = nil

	s.logger.Warn().
		Str("page_id", task.pageID.String()).
		Dur("timeout", s.cfg.TaskTimeout).
		Msg("page task timed out")

	if err := s.pages.FailStalledStage(ctx, task.pageID); err != nil {
		s.logger.Error().Err(err).Str("page_id", task.pageID.String()).Msg("failed to mark stalled page")
	}
	s.publisher.Publish(ctx, events.Event{
		Topic:      events.TopicPages,
		DocumentID: task.documentID.String(),
		PageID:     task.pageID.String(),
		Status:     string(storage.StepError),
		Error:      "processing deadline exceeded",
	})
	s.startNext(ctx)
}

// startNext advances the queues: next page of the current document, then
// completion check and promotion of the next waiting document, then idle.
func (s *Scheduler) startNext(ctx context.Context) {
	for {
		// Drain the current document's page queue first.
		for len(s.pageQueue) > 0 {
			pageID := s.pageQueue[0]
			s.pageQueue = s.pageQueue[1:]
			if s.IsCancelled(s.current) {
				continue
			}
			s.startPage(ctx, pageID)
			return
		}

		// Current document exhausted.
		if s.current != uuid.Nil {
			if !s.IsCancelled(s.current) {
				if _, err := s.control.CheckCompletion(ctx, s.current); err != nil {
					s.logger.Error().Err(err).Str("document_id", s.current.String()).Msg("completion check failed")
				}
			}
			s.current = uuid.Nil
		}

		// Promote the next waiting document, skipping cancelled ones.
		promoted := false
		for len(s.docQueue) > 0 {
			docID := s.docQueue[0]
			s.docQueue = s.docQueue[1:]
			if s.IsCancelled(docID) {
				continue
			}

			pending, err := s.pages.ListPending(ctx, docID)
			if err != nil {
				s.logger.Error().Err(err).Str("document_id", docID.String()).Msg("promote: list pending failed")
				continue
			}

			s.current = docID
			s.pageQueue = s.pageQueue[:0]
			for _, p := range pending {
				s.pageQueue = append(s.pageQueue, p.ID)
			}
			if err := s.control.MarkProcessing(ctx, docID); err != nil {
				s.logger.Error().Err(err).Str("document_id", docID.String()).Msg("mark processing failed")
			}
			promoted = true
			break
		}
		if !promoted {
			// Both queues empty: idle.
			return
		}
	}
}

func (s *Scheduler) snapshot() Snapshot {
	snap := Snapshot{
		Current:  s.current,
		InFlight: s.inflight != nil,
	}
	snap.PageQueue = append(snap.PageQueue, s.pageQueue...)
	snap.DocQueue = append(snap.DocQueue, s.docQueue...)
	return snap
}
