package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/se7ensam/orion-AI/internal/ingest"
)

// FilingStore is an in-memory repository with the same transactional contract
// as the Postgres store: a save either lands the filing and all of its chunks
// or leaves the previous state untouched.
type FilingStore struct {
	mu      sync.RWMutex
	ids     ingest.IDGenerator
	now     func() time.Time
	batch   int
	filings map[string]ingest.Filing
	chunks  map[string][]ingest.Chunk

	// FailBatch, when set, is called before each chunk batch is applied.
	// Returning an error aborts the save, which is how tests simulate a
	// failure partway through a large insert.
	FailBatch func(batch int) error

	pingErr error
	closed  bool
}

// NewFilingStore builds an empty store. batchSize mirrors the Postgres insert
// batching so batch-level fault injection behaves the same way.
func NewFilingStore(ids ingest.IDGenerator, batchSize int) *FilingStore {
	if batchSize <= 0 {
		batchSize = 5000
	}
	return &FilingStore{
		ids:     ids,
		now:     func() time.Time { return time.Now().UTC() },
		batch:   batchSize,
		filings: make(map[string]ingest.Filing),
		chunks:  make(map[string][]ingest.Chunk),
	}
}

// SaveFilingWithChunks upserts the filing, replaces its chunks and marks it
// COMPLETED.
func (s *FilingStore) SaveFilingWithChunks(
	_ context.Context,
	job ingest.Job,
	doc ingest.Document,
	chunks []string,
) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("save filing %s: %w", job.Key(), ingest.ErrEmptyDocument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: store closed", ingest.ErrStorage)
	}

	key := job.Key()
	now := s.now()
	filing, exists := s.filings[key]
	if !exists {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ingest.ErrStorage, err)
		}
		filing = ingest.Filing{ID: id, CreatedAt: now}
	}
	filing.CIK = job.CIK
	filing.AccessionNumber = job.AccessionNumber
	filing.FilingDate = job.FilingDate()
	filing.FormType = job.FormType
	if filing.FormType == "" {
		filing.FormType = ingest.DefaultFormType
	}
	filing.SourceURL = job.URL
	filing.RawText = doc.RawText
	filing.ContentHash = doc.ContentHash
	if doc.ArchiveURI != "" {
		filing.ArchiveURI = doc.ArchiveURI
	}
	filing.ErrorMessage = ""
	filing.UpdatedAt = now

	staged := make([]ingest.Chunk, 0, len(chunks))
	for start, n := 0, 0; start < len(chunks); start, n = start+s.batch, n+1 {
		if s.FailBatch != nil {
			if err := s.FailBatch(n); err != nil {
				return "", fmt.Errorf("%w: insert chunk batch %d: %w", ingest.ErrStorage, n, err)
			}
		}
		end := min(start+s.batch, len(chunks))
		for i := start; i < end; i++ {
			staged = append(staged, ingest.Chunk{FilingID: filing.ID, Index: i, Content: chunks[i]})
		}
	}

	filing.Status = ingest.FilingStatusCompleted
	s.filings[key] = filing
	s.chunks[filing.ID] = staged
	return filing.ID, nil
}

// MarkFailed records a permanent failure unless the filing is already COMPLETED.
func (s *FilingStore) MarkFailed(_ context.Context, job ingest.Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", ingest.ErrStorage)
	}

	key := job.Key()
	now := s.now()
	filing, exists := s.filings[key]
	if exists && filing.Status == ingest.FilingStatusCompleted {
		return nil
	}
	if !exists {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("%w: %w", ingest.ErrStorage, err)
		}
		filing = ingest.Filing{
			ID:              id,
			CIK:             job.CIK,
			AccessionNumber: job.AccessionNumber,
			FilingDate:      job.FilingDate(),
			FormType:        job.FormType,
			SourceURL:       job.URL,
			CreatedAt:       now,
		}
	}
	filing.Status = ingest.FilingStatusFailed
	filing.ErrorMessage = reason
	filing.UpdatedAt = now
	s.filings[key] = filing
	return nil
}

// OrphanedCompletions lists COMPLETED filings without chunks.
func (s *FilingStore) OrphanedCompletions(context.Context) ([]ingest.OrphanedFiling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.OrphanedFiling
	for _, f := range s.filings {
		if f.Status == ingest.FilingStatusCompleted && len(s.chunks[f.ID]) == 0 {
			out = append(out, ingest.OrphanedFiling{
				ID:              f.ID,
				CIK:             f.CIK,
				AccessionNumber: f.AccessionNumber,
				UpdatedAt:       f.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// EnsureSchema is a no-op.
func (s *FilingStore) EnsureSchema(context.Context) error { return nil }

// Ping reports the configured ping error, or an error once closed.
func (s *FilingStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store closed")
	}
	return s.pingErr
}

// SetPingError makes Ping fail with err.
func (s *FilingStore) SetPingError(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// PoolStats reports an empty pool.
func (s *FilingStore) PoolStats() ingest.PoolStats { return ingest.PoolStats{} }

// Close marks the store closed. Later writes fail.
func (s *FilingStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Filing returns the stored filing for cik/accession.
func (s *FilingStore) Filing(cik, accession string) (ingest.Filing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filings[ingest.Job{CIK: cik, AccessionNumber: accession}.Key()]
	return f, ok
}

// Chunks returns a copy of the chunks for a filing id, ordered by index.
func (s *FilingStore) Chunks(filingID string) []ingest.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.Chunk(nil), s.chunks[filingID]...)
}

// Count returns the number of stored filings.
func (s *FilingStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filings)
}
