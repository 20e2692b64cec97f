// Package downloader fetches EDGAR documents through the throttler gate with
// bounded retries for transient failures.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/ingest"
	"github.com/se7ensam/orion-AI/internal/metrics"
)

// Fetcher performs one HTTP GET.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (ingest.Response, error)
}

// Gate is the throttler contract the downloader relies on.
type Gate interface {
	CanRequest()
	CheckBlocked() bool
	HandleRateLimitError() time.Duration
	RecordSuccess()
}

// Config controls retries.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSleep replaces the context-aware sleep used between retries.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Downloader) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// Downloader implements DownloadHTML.
type Downloader struct {
	fetcher Fetcher
	gate    Gate
	policy  *ExponentialRetryPolicy
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger
}

// New builds a Downloader.
func New(fetcher Fetcher, gate Gate, cfg Config, opts ...Option) (*Downloader, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("throttle gate is required")
	}
	d := &Downloader{
		fetcher: fetcher,
		gate:    gate,
		policy:  NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		sleep:   sleepContext,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	metrics.Init()
	return d, nil
}

// DownloadHTML returns the body of url. It fails fast with ErrRateLimited when
// a block, local or shared by a peer, is in effect on entry, returns ErrRateLimited on a 429 after
// registering the violation, retries transport errors, 408 and 5xx up to the
// attempt budget (ErrTransient afterwards), returns ErrDocumentTooLarge for
// oversized bodies and ErrClient for other non-2xx statuses. All errors are *ingest.DownloadError.
func (d *Downloader) DownloadHTML(ctx context.Context, url string) (string, error) {
	if d.gate.CheckBlocked() {
		metrics.ObserveDownloadAttempt("blocked")
		return "", &ingest.DownloadError{Kind: ingest.ErrRateLimited, URL: url}
	}

	var last *ingest.DownloadError
	for attempt := 1; attempt <= d.policy.MaxAttempts(); attempt++ {
		if attempt > 1 {
			delay := d.policy.Backoff(attempt - 2)
			d.logger.Info("retrying download",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(last),
			)
			if err := d.sleep(ctx, delay); err != nil {
				return "", &ingest.DownloadError{Kind: ingest.ErrTransient, URL: url, Attempts: attempt - 1, Err: err}
			}
		}

		d.gate.CanRequest()
		resp, err := d.fetcher.Fetch(ctx, url)
		if errors.Is(err, ingest.ErrDocumentTooLarge) {
			metrics.ObserveDownloadAttempt("too_large")
			return "", &ingest.DownloadError{Kind: ingest.ErrDocumentTooLarge, URL: url, Attempts: attempt, Err: err}
		}
		if err != nil {
			metrics.ObserveDownloadAttempt("transport_error")
			last = &ingest.DownloadError{Kind: ingest.ErrTransient, URL: url, Attempts: attempt, Err: err}
			if !d.policy.ShouldRetry(ctx, err, attempt) {
				return "", last
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.ObserveDownloadAttempt("ok")
			d.gate.RecordSuccess()
			return string(resp.Body), nil
		case resp.StatusCode == http.StatusTooManyRequests:
			metrics.ObserveDownloadAttempt("rate_limited")
			block := d.gate.HandleRateLimitError()
			d.logger.Warn("upstream returned 429",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("block", block),
			)
			return "", &ingest.DownloadError{
				Kind:       ingest.ErrRateLimited,
				URL:        url,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
			}
		case isTransientStatus(resp.StatusCode):
			metrics.ObserveDownloadAttempt("server_error")
			last = &ingest.DownloadError{
				Kind:       ingest.ErrTransient,
				URL:        url,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
			}
		default:
			metrics.ObserveDownloadAttempt("client_error")
			return "", &ingest.DownloadError{
				Kind:       ingest.ErrClient,
				URL:        url,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
			}
		}
	}
	return "", last
}

func isTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code >= 500
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
