// Package consumer drives queued 6-K jobs through download, cleaning,
// chunking and storage, and owns the worker's shutdown protocol.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/clock/system"
	"github.com/se7ensam/orion-AI/internal/hash/sha256"
	"github.com/se7ensam/orion-AI/internal/ingest"
	"github.com/se7ensam/orion-AI/internal/metrics"
	"github.com/se7ensam/orion-AI/internal/queue"
	"github.com/se7ensam/orion-AI/internal/textproc"
)

const (
	defaultGracePeriod = 5 * time.Second
	archiveContentType = "text/plain; charset=utf-8"
	completedEvent     = "filing.completed"
)

// Downloader fetches a filing document.
type Downloader interface {
	DownloadHTML(ctx context.Context, url string) (string, error)
}

// Repository persists filings.
type Repository interface {
	SaveFilingWithChunks(ctx context.Context, job ingest.Job, doc ingest.Document, chunks []string) (string, error)
	MarkFailed(ctx context.Context, job ingest.Job, reason string) error
	Close() error
}

// Config controls Consumer behavior.
type Config struct {
	ChunkSize     int
	GracePeriod   time.Duration
	ArchivePrefix string
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithArchive stores every raw document in b before it is persisted.
func WithArchive(b ingest.BlobStore) Option {
	return func(c *Consumer) { c.archive = b }
}

// WithNotifier publishes a CompletionEvent after each commit.
func WithNotifier(p ingest.Publisher) Option {
	return func(c *Consumer) { c.notifier = p }
}

// WithHasher overrides the content hasher.
func WithHasher(h ingest.Hasher) Option {
	return func(c *Consumer) {
		if h != nil {
			c.hasher = h
		}
	}
}

// WithClock overrides the clock used for stage timings.
func WithClock(clk ingest.Clock) Option {
	return func(c *Consumer) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Consumer) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithCloser appends a resource closed after the storage pool at shutdown.
func WithCloser(name string, fn func() error) Option {
	return func(c *Consumer) {
		c.extraClosers = append(c.extraClosers, closer{name: name, fn: fn})
	}
}

type closer struct {
	name string
	fn   func() error
}

// Consumer processes one message at a time.
type Consumer struct {
	source     queue.Source
	downloader Downloader
	repo       Repository
	archive    ingest.BlobStore
	notifier   ingest.Publisher
	hasher     ingest.Hasher
	clock      ingest.Clock
	recorder   *metrics.Recorder
	cfg        Config
	logger     *zap.Logger

	extraClosers []closer

	recvCtx     context.Context
	stopReceive context.CancelFunc
	workCtx     context.Context
	abortWork   context.CancelFunc

	started      atomic.Bool
	shuttingDown atomic.Bool
	aborted      atomic.Bool
	inFlight     atomic.Int32
	runDone      chan struct{}
	runOnce      sync.Once
}

// New constructs a Consumer.
func New(source queue.Source, downloader Downloader, repo Repository, cfg Config, opts ...Option) (*Consumer, error) {
	if source == nil || downloader == nil || repo == nil {
		return nil, fmt.Errorf("consumer requires a queue source, downloader and repository")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = textproc.DefaultChunkSize
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	c := &Consumer{
		source:     source,
		downloader: downloader,
		repo:       repo,
		hasher:     sha256.New(),
		clock:      system.New(),
		cfg:        cfg,
		logger:     zap.NewNop(),
		runDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = metrics.NewRecorder()
	}
	c.recvCtx, c.stopReceive = context.WithCancel(context.Background())
	c.workCtx, c.abortWork = context.WithCancel(context.Background())
	return c, nil
}

// Run consumes messages until ctx is cancelled or Shutdown is called.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("consumer already running")
	}
	defer c.runOnce.Do(func() { close(c.runDone) })

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.recvCtx, cancel)
	defer stop()

	c.logger.Info("consumer started",
		zap.Int("chunk_size", c.cfg.ChunkSize),
		zap.Duration("grace_period", c.cfg.GracePeriod),
	)
	if err := c.source.Consume(recvCtx, c.handle); err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("consumer stopped receiving")
	return nil
}

// InFlight returns the number of messages being processed.
func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}

// ShuttingDown reports whether Shutdown has been triggered.
func (c *Consumer) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Recorder returns the metrics recorder.
func (c *Consumer) Recorder() *metrics.Recorder {
	return c.recorder
}

// Shutdown stops receiving, waits up to the grace period for the in-flight
// message, logs the metrics summary and closes the queue channel, the queue
// connection and the repository, in that order. Only the first call does
// any work; later calls return nil immediately.
func (c *Consumer) Shutdown() error {
	if !c.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("shutdown started", zap.Int("in_flight", c.InFlight()))
	c.stopReceive()

	if c.started.Load() {
		timer := time.NewTimer(c.cfg.GracePeriod)
		select {
		case <-c.runDone:
			timer.Stop()
		case <-timer.C:
			c.aborted.Store(true)
			c.abortWork()
			c.logger.Warn("grace period expired, abandoning in-flight message",
				zap.Duration("grace_period", c.cfg.GracePeriod),
				zap.Int("in_flight", c.InFlight()),
			)
		}
	}

	c.recorder.LogSummary(c.logger)

	closers := []closer{
		{name: "queue channel", fn: c.source.StopChannel},
		{name: "queue connection", fn: c.source.Close},
		{name: "storage pool", fn: c.repo.Close},
	}
	closers = append(closers, c.extraClosers...)

	var errs []error
	for _, cl := range closers {
		if err := cl.fn(); err != nil {
			c.logger.Error("shutdown step failed", zap.String("step", cl.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", cl.name, err))
			continue
		}
		c.logger.Debug("shutdown step complete", zap.String("step", cl.name))
	}
	c.abortWork()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.logger.Info("shutdown complete")
	return nil
}

func (c *Consumer) handle(_ context.Context, d queue.Delivery) {
	c.inFlight.Add(1)
	metrics.IncInFlight()
	defer func() {
		c.inFlight.Add(-1)
		metrics.DecInFlight()
	}()

	start := c.clock.Now()
	sample := metrics.JobSample{}
	logger := c.logger.With(zap.String("message_id", d.ID), zap.Int("delivery_attempt", d.Attempt))
	logger.Debug("message received", zap.String("stage", string(ingest.StageReceived)))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing message",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			sample.FailureKind = string(ingest.FailurePanic)
			sample.Outcome = c.settle(d, false, logger)
		}
		sample.Total = c.clock.Now().Sub(start)
		c.recorder.Record(sample)
	}()

	sample.Outcome, sample.FailureKind = c.process(d, logger, &sample)
}

// process runs the per-message state machine and settles the delivery. It
// returns the outcome and, on failure, the failure kind.
func (c *Consumer) process(d queue.Delivery, logger *zap.Logger, sample *metrics.JobSample) (string, string) {
	ctx := c.workCtx

	job, err := ingest.ParseJob(d.Body)
	if err != nil {
		logger.Warn("malformed message, dead-lettering",
			zap.String("stage", string(ingest.StageDead)),
			zap.Error(err),
		)
		return c.settle(d, false, logger), string(ingest.FailureMalformed)
	}
	logger = logger.With(zap.String("cik", job.CIK), zap.String("accession", job.AccessionNumber))

	logger.Debug("downloading", zap.String("stage", string(ingest.StageDownloading)), zap.String("url", job.URL))
	t := c.clock.Now()
	raw, err := c.downloader.DownloadHTML(ctx, job.URL)
	sample.Download = c.clock.Now().Sub(t)
	if err != nil {
		return c.fail(ctx, d, job, err, logger)
	}
	sample.RawBytes = len(raw)

	logger.Debug("cleaning", zap.String("stage", string(ingest.StageCleaning)))
	t = c.clock.Now()
	clean := textproc.Clean(raw)
	sample.Clean = c.clock.Now().Sub(t)
	sample.CleanBytes = len(clean)

	logger.Debug("chunking", zap.String("stage", string(ingest.StageChunking)))
	t = c.clock.Now()
	chunks := textproc.Chunk(clean, c.cfg.ChunkSize)
	sample.Chunk = c.clock.Now().Sub(t)

	doc := ingest.Document{RawText: textproc.Sanitize(raw)}
	if doc.ContentHash, err = c.hasher.Hash([]byte(raw)); err != nil {
		logger.Warn("content hash failed", zap.Error(err))
	}
	doc.ArchiveURI = c.archiveRaw(ctx, job, raw, logger)

	logger.Debug("storing", zap.String("stage", string(ingest.StageStoring)), zap.Int("chunks", len(chunks)))
	t = c.clock.Now()
	filingID, err := c.repo.SaveFilingWithChunks(ctx, job, doc, chunks)
	sample.Store = c.clock.Now().Sub(t)
	if err != nil {
		return c.fail(ctx, d, job, err, logger)
	}
	sample.Chunks = len(chunks)

	c.notifyCompleted(ctx, job, doc, filingID, len(chunks), logger)

	if c.aborted.Load() {
		logger.Warn("shutdown aborted processing after commit, leaving message for redelivery")
		return metrics.OutcomeAbandoned, ""
	}
	if err := d.Ack(); err != nil {
		logger.Error("ack failed", zap.Error(err))
	}
	logger.Info("filing ingested",
		zap.String("stage", string(ingest.StageAcknowledged)),
		zap.String("filing_id", filingID),
		zap.Int("chunks", len(chunks)),
		zap.Int("raw_bytes", sample.RawBytes),
	)
	return metrics.OutcomeAcknowledged, ""
}

func (c *Consumer) fail(ctx context.Context, d queue.Delivery, job ingest.Job, err error, logger *zap.Logger) (string, string) {
	kind := ingest.FailureKindOf(err)
	if c.aborted.Load() {
		logger.Warn("shutdown interrupted processing, leaving message for redelivery", zap.Error(err))
		return metrics.OutcomeAbandoned, ""
	}

	if kind == ingest.FailureRateLimited {
		logger.Warn("rate limited, requeueing",
			zap.String("stage", string(ingest.StageRequeued)),
			zap.Error(err),
		)
		return c.settle(d, true, logger), string(kind)
	}

	logger.Error("job failed, dead-lettering",
		zap.String("stage", string(ingest.StageFailed)),
		zap.String("failure_kind", string(kind)),
		zap.Error(err),
	)
	if markErr := c.repo.MarkFailed(ctx, job, textproc.Sanitize(truncate(err.Error(), 1024))); markErr != nil {
		logger.Warn("recording failed filing status failed", zap.Error(markErr))
	}
	return c.settle(d, false, logger), string(kind)
}

// settle rejects the delivery and returns the resulting outcome.
func (c *Consumer) settle(d queue.Delivery, requeue bool, logger *zap.Logger) string {
	if c.aborted.Load() {
		return metrics.OutcomeAbandoned
	}
	if err := d.Reject(requeue); err != nil {
		logger.Error("reject failed", zap.Bool("requeue", requeue), zap.Error(err))
	}
	if requeue {
		return metrics.OutcomeRequeued
	}
	return metrics.OutcomeDeadLettered
}

func (c *Consumer) archiveRaw(ctx context.Context, job ingest.Job, raw string, logger *zap.Logger) string {
	if c.archive == nil {
		return ""
	}
	uri, err := c.archive.PutObject(ctx, job.ArchivePath(c.cfg.ArchivePrefix), archiveContentType, strings.NewReader(raw))
	if err != nil {
		metrics.ObserveArchiveFailure()
		logger.Warn("archive raw document failed", zap.Error(err))
		return ""
	}
	return uri
}

func (c *Consumer) notifyCompleted(
	ctx context.Context,
	job ingest.Job,
	doc ingest.Document,
	filingID string,
	chunks int,
	logger *zap.Logger,
) {
	if c.notifier == nil {
		return
	}
	event := ingest.CompletionEvent{
		FilingID:        filingID,
		CIK:             job.CIK,
		AccessionNumber: job.AccessionNumber,
		FormType:        job.FormType,
		Chunks:          chunks,
		ContentHash:     doc.ContentHash,
		ArchiveURI:      doc.ArchiveURI,
		CompletedAt:     c.clock.Now().UTC(),
	}
	attrs := map[string]string{"event": completedEvent, "cik": job.CIK}
	if _, err := c.notifier.Publish(ctx, event, attrs); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
