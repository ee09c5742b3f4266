// Package storage provides the Postgres models and repositories for
// documents and pages, including the raw hybrid-search queries.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents a document's position in the pipeline.
type DocumentStatus string

const (
	DocumentUploading  DocumentStatus = "uploading"
	DocumentQueued     DocumentStatus = "queued"
	DocumentExtracting DocumentStatus = "extracting"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentError      DocumentStatus = "error"
)

// Valid reports whether s is a known document status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentUploading, DocumentQueued, DocumentExtracting,
		DocumentProcessing, DocumentCompleted, DocumentError:
		return true
	}
	return false
}

// CanTransitionTo reports whether the monotonic document state machine
// allows moving from s to next. Reset (error to queued) is included; no
// other transition leaves a terminal state.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	switch s {
	case DocumentUploading:
		return next == DocumentQueued || next == DocumentExtracting || next == DocumentProcessing || next == DocumentError
	case DocumentQueued:
		return next == DocumentExtracting || next == DocumentProcessing || next == DocumentError
	case DocumentExtracting:
		return next == DocumentQueued || next == DocumentProcessing || next == DocumentError
	case DocumentProcessing:
		return next == DocumentCompleted || next == DocumentError
	case DocumentError:
		return next == DocumentQueued
	case DocumentCompleted:
		return false
	}
	return false
}

// StepStatus represents the state of one per-page pipeline stage
// (extraction or translation).
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// Terminal reports whether the stage reached a final state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepError
}

// EmbeddingStatus represents the state of a page's embedding job.
type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingError     EmbeddingStatus = "error"
)

// Document is an uploaded source document.
type Document struct {
	ID               uuid.UUID
	Title            string
	OriginalFilename string
	TotalPages       *int
	Status           DocumentStatus
	TargetLanguage   string // ISO code, e.g. "de"
	ErrorMessage     *string
	CreatedAt        time.Time
}

// Page is a single page of a document moving through extraction,
// translation, and embedding.
type Page struct {
	ID                 uuid.UUID
	DocumentID         uuid.UUID
	PageNumber         int // 1-indexed, unique per document
	ImagePath          string
	OriginalMarkdown   *string
	TranslatedMarkdown *string
	ExtractionStatus   StepStatus
	TranslationStatus  StepStatus
	Embedding          []float32
	EmbeddingStatus    EmbeddingStatus
	CreatedAt          time.Time
}

// Resolved reports whether the page no longer blocks document completion:
// either fully translated, or its extraction failed terminally.
func (p *Page) Resolved() bool {
	if p.ExtractionStatus == StepError {
		return true
	}
	return p.TranslationStatus == StepCompleted
}

// NewDocumentID returns a time-sortable unique identifier.
func NewDocumentID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
