package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/se7ensam/orion-AI/internal/ingest"
	"github.com/se7ensam/orion-AI/internal/metrics"
	pubmemory "github.com/se7ensam/orion-AI/internal/publisher/memory"
	"github.com/se7ensam/orion-AI/internal/queue"
	qmemory "github.com/se7ensam/orion-AI/internal/queue/memory"
	"github.com/se7ensam/orion-AI/internal/storage/memory"
)

const (
	testCIK       = "1234"
	testAccession = "0001234-24-000001"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) { return fmt.Sprintf("filing-%d", s.n.Add(1)), nil }

type step struct {
	body  string
	err   error
	panic bool
	block bool
}

type fakeDownloader struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *fakeDownloader) DownloadHTML(ctx context.Context, _ string) (string, error) {
	f.mu.Lock()
	s := f.steps[min(f.calls, len(f.steps)-1)]
	f.calls++
	f.mu.Unlock()
	switch {
	case s.panic:
		panic("parser exploded")
	case s.block:
		<-ctx.Done()
		return "", fmt.Errorf("download interrupted: %w", ctx.Err())
	}
	return s.body, s.err
}

func (f *fakeDownloader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type spyRepo struct {
	*memory.FilingStore
	saves  atomic.Int32
	marks  atomic.Int32
	closes atomic.Int32
}

func newSpyRepo() *spyRepo {
	return &spyRepo{FilingStore: memory.NewFilingStore(&seqIDs{}, 0)}
}

func (r *spyRepo) SaveFilingWithChunks(ctx context.Context, job ingest.Job, doc ingest.Document, chunks []string) (string, error) {
	r.saves.Add(1)
	return r.FilingStore.SaveFilingWithChunks(ctx, job, doc, chunks)
}

func (r *spyRepo) MarkFailed(ctx context.Context, job ingest.Job, reason string) error {
	r.marks.Add(1)
	return r.FilingStore.MarkFailed(ctx, job, reason)
}

func (r *spyRepo) Close() error {
	r.closes.Add(1)
	return r.FilingStore.Close()
}

func jobBody(accession string) []byte {
	return []byte(fmt.Sprintf(`{"cik":%q,"accessionNumber":%q,"formType":"6-K","date":"2024-03-01"}`, testCIK, accession))
}

func filingHTML(text string) string {
	return "<html><head><script>track()</script></head><body><p>" + text + "</p></body></html>"
}

type harness struct {
	q        *qmemory.Queue
	repo     *spyRepo
	dl       *fakeDownloader
	consumer *Consumer
	runErr   chan error
}

func start(t *testing.T, dl *fakeDownloader, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		q:      qmemory.NewQueue(qmemory.WithRedeliveryBackoff(time.Millisecond, 10*time.Millisecond)),
		repo:   newSpyRepo(),
		dl:     dl,
		runErr: make(chan error, 1),
	}
	opts = append([]Option{WithRecorder(metrics.NewRecorder())}, opts...)
	c, err := New(h.q, dl, h.repo, cfg, opts...)
	require.NoError(t, err)
	h.consumer = c
	go func() { h.runErr <- c.Run(context.Background()) }()
	t.Cleanup(func() { _ = c.Shutdown() })
	return h
}

func (h *harness) publish(t *testing.T, body []byte) {
	t.Helper()
	_, err := h.q.Publish(context.Background(), body)
	require.NoError(t, err)
}

func TestConsumerIngestsFilingEndToEnd(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 2500)
	h := start(t, &fakeDownloader{steps: []step{{body: filingHTML(text)}}}, Config{ChunkSize: 1000})
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return h.q.Acked() == 1 }, 2*time.Second, 5*time.Millisecond)

	f, ok := h.repo.Filing(testCIK, testAccession)
	require.True(t, ok)
	assert.Equal(t, ingest.FilingStatusCompleted, f.Status)
	assert.NotEmpty(t, f.ContentHash)
	assert.Contains(t, f.RawText, "<script>")

	chunks := h.repo.Chunks(f.ID)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Content, 1000)
	assert.Len(t, chunks[1].Content, 1000)
	assert.Len(t, chunks[2].Content, 500)
	var rebuilt strings.Builder
	for _, c := range chunks {
		rebuilt.WriteString(c.Content)
	}
	assert.Equal(t, text, rebuilt.String())

	require.NoError(t, h.consumer.Shutdown())
	require.NoError(t, <-h.runErr)
	snap := h.consumer.Recorder().Snapshot()
	assert.Equal(t, 1, snap.Outcomes[metrics.OutcomeAcknowledged])
	assert.Equal(t, 3, snap.Chunks)
	assert.Equal(t, 2500, snap.CleanBytes)
}

func TestConsumerRequeuesRateLimitedWithoutTouchingRepository(t *testing.T) {
	t.Parallel()

	limited := &ingest.DownloadError{Kind: ingest.ErrRateLimited, StatusCode: 429, Attempts: 1}
	dl := &fakeDownloader{steps: []step{{err: limited}, {body: filingHTML("recovered")}}}
	h := start(t, dl, Config{})
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return h.q.Acked() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.q.Requeued())
	assert.Empty(t, h.q.DeadLetters())
	assert.Equal(t, 2, dl.Calls())
	assert.EqualValues(t, 1, h.repo.saves.Load(), "rate-limited delivery must not reach the repository")
	assert.Zero(t, h.repo.marks.Load())

	snap := h.consumer.Recorder().Snapshot()
	assert.Equal(t, 1, snap.Failures[string(ingest.FailureRateLimited)])
	assert.Equal(t, 1, snap.Outcomes[metrics.OutcomeRequeued])
}

func TestConsumerRateLimitedRequeuesAreSpacedOut(t *testing.T) {
	t.Parallel()

	limited := &ingest.DownloadError{Kind: ingest.ErrRateLimited}
	dl := &fakeDownloader{steps: []step{{err: limited}}}
	q := qmemory.NewQueue(qmemory.WithRedeliveryBackoff(20*time.Millisecond, 40*time.Millisecond))
	repo := newSpyRepo()
	c, err := New(q, dl, repo, Config{GracePeriod: time.Second}, WithRecorder(metrics.NewRecorder()))
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	_, err = q.Publish(context.Background(), jobBody(testAccession))
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, c.Shutdown())
	require.NoError(t, <-runErr)

	assert.GreaterOrEqual(t, dl.Calls(), 2)
	assert.LessOrEqual(t, dl.Calls(), 8)
	assert.Equal(t, dl.Calls(), q.Requeued())
	assert.Zero(t, repo.saves.Load())
	assert.Empty(t, q.DeadLetters())
}

func TestConsumerDeadLettersMalformedWithoutDownloading(t *testing.T) {
	t.Parallel()

	dl := &fakeDownloader{steps: []step{{body: "unused"}}}
	h := start(t, dl, Config{})
	h.publish(t, []byte("this is not json"))

	require.Eventually(t, func() bool { return len(h.q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, dl.Calls())
	assert.Zero(t, h.repo.saves.Load())
	assert.Zero(t, h.repo.marks.Load())
	assert.Zero(t, h.q.Requeued())
}

func TestConsumerDeadLettersClientErrorAndMarksFailed(t *testing.T) {
	t.Parallel()

	notFound := &ingest.DownloadError{Kind: ingest.ErrClient, StatusCode: 404, Attempts: 1}
	h := start(t, &fakeDownloader{steps: []step{{err: notFound}}}, Config{})
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return len(h.q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.repo.saves.Load())
	f, ok := h.repo.Filing(testCIK, testAccession)
	require.True(t, ok)
	assert.Equal(t, ingest.FilingStatusFailed, f.Status)
	assert.Contains(t, f.ErrorMessage, "404")
}

func TestConsumerStorageFailureLeavesNoChunks(t *testing.T) {
	t.Parallel()

	h := start(t, &fakeDownloader{steps: []step{{body: filingHTML("content")}}}, Config{})
	h.repo.FailBatch = func(int) error { return errors.New("connection reset") }
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return len(h.q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f, ok := h.repo.Filing(testCIK, testAccession)
	require.True(t, ok)
	assert.Equal(t, ingest.FilingStatusFailed, f.Status)
	assert.Empty(t, h.repo.Chunks(f.ID))

	orphans, err := h.repo.OrphanedCompletions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestConsumerDeadLettersEmptyDocument(t *testing.T) {
	t.Parallel()

	h := start(t, &fakeDownloader{steps: []step{{body: "<html><script>x()</script></html>"}}}, Config{})
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return len(h.q.DeadLetters()) == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := h.consumer.Recorder().Snapshot()
	assert.Equal(t, 1, snap.Failures[string(ingest.FailureEmpty)])
}

func TestConsumerRecoversFromPanic(t *testing.T) {
	t.Parallel()

	dl := &fakeDownloader{steps: []step{{panic: true}, {body: filingHTML("fine")}}}
	h := start(t, dl, Config{})
	h.publish(t, jobBody(testAccession))
	h.publish(t, jobBody("0001234-24-000002"))

	require.Eventually(t, func() bool {
		return len(h.q.DeadLetters()) == 1 && h.q.Acked() == 1
	}, 2*time.Second, 5*time.Millisecond)
	snap := h.consumer.Recorder().Snapshot()
	assert.Equal(t, 1, snap.Failures[string(ingest.FailurePanic)])
	assert.Zero(t, h.consumer.InFlight())
}

func TestConsumerArchivesAndNotifies(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	h := start(t, &fakeDownloader{steps: []step{{body: filingHTML("archived")}}},
		Config{ArchivePrefix: "raw/6k"}, WithArchive(blobs), WithNotifier(pub))
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return h.q.Acked() == 1 }, 2*time.Second, 5*time.Millisecond)

	raw, ok := blobs.Object("raw/6k/1234/" + testAccession + ".txt")
	require.True(t, ok)
	assert.Contains(t, string(raw), "archived")

	f, _ := h.repo.Filing(testCIK, testAccession)
	assert.Equal(t, "memory://raw/6k/1234/"+testAccession+".txt", f.ArchiveURI)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	event, ok := msgs[0].Payload.(ingest.CompletionEvent)
	require.True(t, ok)
	assert.Equal(t, f.ID, event.FilingID)
	assert.Equal(t, 1, event.Chunks)
	assert.Equal(t, "filing.completed", msgs[0].Attributes["event"])
}

func TestConsumerNotifierFailureStillAcks(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	pub.FailWith(errors.New("topic deleted"))
	h := start(t, &fakeDownloader{steps: []step{{body: filingHTML("ok")}}}, Config{}, WithNotifier(pub))
	h.publish(t, jobBody(testAccession))

	require.Eventually(t, func() bool { return h.q.Acked() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.q.DeadLetters())
}

func TestShutdownAbandonsInFlightAfterGrace(t *testing.T) {
	t.Parallel()

	dl := &fakeDownloader{steps: []step{{block: true}}}
	h := start(t, dl, Config{GracePeriod: 50 * time.Millisecond})
	h.publish(t, jobBody(testAccession))
	require.Eventually(t, func() bool { return h.consumer.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, h.consumer.Shutdown())
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.consumer.Recorder().Snapshot().Outcomes[metrics.OutcomeAbandoned] == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.q.Acked())
	assert.Zero(t, h.q.Requeued())
	assert.Empty(t, h.q.DeadLetters())
	assert.Zero(t, h.repo.marks.Load())
}

func TestShutdownWaitsForInFlightToFinish(t *testing.T) {
	t.Parallel()

	h := start(t, &fakeDownloader{steps: []step{{body: filingHTML("done")}}}, Config{GracePeriod: 5 * time.Second})
	h.publish(t, jobBody(testAccession))
	require.Eventually(t, func() bool { return h.q.Acked() == 1 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, h.consumer.Shutdown())
	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, h.consumer.ShuttingDown())
	assert.EqualValues(t, 1, h.repo.closes.Load())
}

type recordingSource struct {
	mu       sync.Mutex
	log      *[]string
	closeErr error
}

func (s *recordingSource) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (s *recordingSource) StopChannel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "queue channel")
	return nil
}

func (s *recordingSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "queue connection")
	return s.closeErr
}

type recordingRepo struct {
	mu  sync.Mutex
	log *[]string
}

func (r *recordingRepo) SaveFilingWithChunks(context.Context, ingest.Job, ingest.Document, []string) (string, error) {
	return "", nil
}

func (r *recordingRepo) MarkFailed(context.Context, ingest.Job, string) error { return nil }

func (r *recordingRepo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, "storage pool")
	return nil
}

func TestShutdownClosesInOrderAndIsIdempotent(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		log []string
	)
	src := &recordingSource{log: &log}
	repo := &recordingRepo{log: &log}
	c, err := New(src, &fakeDownloader{steps: []step{{}}}, repo, Config{},
		WithRecorder(metrics.NewRecorder()),
		WithCloser("redis", func() error {
			mu.Lock()
			defer mu.Unlock()
			log = append(log, "redis")
			return nil
		}),
	)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	require.NoError(t, c.Shutdown())
	require.NoError(t, <-runErr)
	require.NoError(t, c.Shutdown())

	assert.Equal(t, []string{"queue channel", "queue connection", "storage pool", "redis"}, log)
}

func TestShutdownReportsStepFailures(t *testing.T) {
	t.Parallel()

	var log []string
	src := &recordingSource{log: &log, closeErr: errors.New("connection already closed")}
	repo := &recordingRepo{log: &log}
	c, err := New(src, &fakeDownloader{steps: []step{{}}}, repo, Config{}, WithRecorder(metrics.NewRecorder()))
	require.NoError(t, err)

	err = c.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue connection")
	assert.Equal(t, []string{"queue channel", "queue connection", "storage pool"}, log)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &fakeDownloader{}, newSpyRepo(), Config{})
	assert.Error(t, err)
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()

	var log []string
	c, err := New(&recordingSource{log: &log}, &fakeDownloader{steps: []step{{}}}, &recordingRepo{log: &log}, Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return c.started.Load() }, time.Second, time.Millisecond)
	assert.Error(t, c.Run(ctx))
	cancel()
	require.NoError(t, <-done)
}
