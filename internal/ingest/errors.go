package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedJob reports a queue message that cannot be parsed into a Job.
	ErrMalformedJob = errors.New("malformed ingestion job")
	// ErrRateLimited reports an upstream 429 or an active throttler block.
	ErrRateLimited = errors.New("rate limited by upstream")
	// ErrTransient reports a retryable failure that outlived its retry budget.
	ErrTransient = errors.New("transient download failure")
	// ErrClient reports a non-retryable upstream rejection (4xx other than 429).
	ErrClient = errors.New("client error from upstream")
	// ErrDocumentTooLarge reports a response body over the configured limit.
	ErrDocumentTooLarge = errors.New("document exceeds size limit")
	// ErrEmptyDocument reports a document whose cleaned text is empty.
	ErrEmptyDocument = errors.New("document has no text content")
	// ErrStorage reports a failed persistence transaction.
	ErrStorage = errors.New("storage failure")
)

// DownloadError describes a failed download. Kind is one of ErrRateLimited,
// ErrTransient, ErrClient or ErrDocumentTooLarge.
type DownloadError struct {
	Kind       error
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DownloadError) Error() string {
	msg := fmt.Sprintf("download %s: %v", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *DownloadError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// FailureKind labels a failed job for metrics and logs.
type FailureKind string

// Failure kinds reported by the consumer.
const (
	FailureMalformed   FailureKind = "malformed"
	FailureRateLimited FailureKind = "rate_limited"
	FailureDownload    FailureKind = "download"
	FailureClient      FailureKind = "client"
	FailureTooLarge    FailureKind = "too_large"
	FailureEmpty       FailureKind = "empty"
	FailureStorage     FailureKind = "storage"
	FailurePanic       FailureKind = "panic"
)

// FailureKindOf maps an error returned by the pipeline to its FailureKind.
func FailureKindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrMalformedJob):
		return FailureMalformed
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrDocumentTooLarge):
		return FailureTooLarge
	case errors.Is(err, ErrClient):
		return FailureClient
	case errors.Is(err, ErrEmptyDocument):
		return FailureEmpty
	case errors.Is(err, ErrStorage):
		return FailureStorage
	default:
		return FailureDownload
	}
}
