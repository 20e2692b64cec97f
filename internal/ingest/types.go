package ingest

import (
	"net/http"
	"time"
)

// FilingStatus is the lifecycle state persisted on a filing row.
type FilingStatus string

const (
	// FilingStatusQueued marks a filing known to the system but not yet picked up.
	FilingStatusQueued FilingStatus = "QUEUED"
	// FilingStatusProcessing marks a filing whose write transaction is in progress.
	FilingStatusProcessing FilingStatus = "PROCESSING"
	// FilingStatusCompleted marks a filing whose chunks were committed.
	FilingStatusCompleted FilingStatus = "COMPLETED"
	// FilingStatusFailed marks a filing that failed permanently.
	FilingStatusFailed FilingStatus = "FAILED"
)

// Stage is a step of the per-message state machine driven by the consumer.
type Stage string

// Pipeline stages in the order a successful message visits them, followed by
// the failure states.
const (
	StageReceived     Stage = "RECEIVED"
	StageDownloading  Stage = "DOWNLOADING"
	StageCleaning     Stage = "CLEANING"
	StageChunking     Stage = "CHUNKING"
	StageStoring      Stage = "STORING"
	StageAcknowledged Stage = "ACKNOWLEDGED"
	StageFailed       Stage = "FAILED"
	StageRequeued     Stage = "REQUEUED"
	StageDead         Stage = "DEAD"
)

// Response is the raw outcome of one HTTP exchange. Every status code is
// reported here; only transport failures surface as errors.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Document carries the raw text of a filing plus derived metadata stored with it.
type Document struct {
	RawText     string
	ContentHash string
	ArchiveURI  string
}

// Filing is a persisted filing row.
type Filing struct {
	ID              string
	CIK             string
	AccessionNumber string
	FilingDate      *time.Time
	FormType        string
	SourceURL       string
	RawText         string
	ContentHash     string
	ArchiveURI      string
	Status          FilingStatus
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Chunk is one fixed-size slice of a filing's cleaned text.
type Chunk struct {
	FilingID string
	Index    int
	Content  string
}

// PoolStats is a snapshot of database connection pool usage.
type PoolStats struct {
	Total   int32 `json:"total"`
	Idle    int32 `json:"idle"`
	InUse   int32 `json:"in_use"`
	Waiting int64 `json:"waiting"`
	Max     int32 `json:"max"`
}

// OrphanedFiling identifies a COMPLETED filing without any chunks.
type OrphanedFiling struct {
	ID              string
	CIK             string
	AccessionNumber string
	UpdatedAt       time.Time
}

// CompletionEvent is published after a filing's chunks are committed.
type CompletionEvent struct {
	FilingID        string    `json:"filingId"`
	CIK             string    `json:"cik"`
	AccessionNumber string    `json:"accessionNumber"`
	FormType        string    `json:"formType"`
	Chunks          int       `json:"chunks"`
	ContentHash     string    `json:"contentHash"`
	ArchiveURI      string    `json:"archiveUri,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
}
