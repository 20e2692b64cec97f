// Package postgres provides the Postgres-backed filing repository.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/se7ensam/orion-AI/internal/ingest"
)

//go:embed schema.sql
var schemaSQL string

// DefaultChunkBatchSize keeps one multi-row insert at 15,000 bind parameters,
// under the 65,535 protocol limit.
const DefaultChunkBatchSize = 5000

const (
	chunkColumns    = 3
	maxBindParams   = 65535
	rollbackTimeout = 5 * time.Second
)

const upsertFilingSQL = `
INSERT INTO filings (
	id, cik, accession_number, filing_date, form_type, source_url,
	raw_text, content_hash, archive_uri, status
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, 'PROCESSING'
)
ON CONFLICT (cik, accession_number) DO UPDATE SET
	filing_date = EXCLUDED.filing_date,
	form_type = EXCLUDED.form_type,
	source_url = EXCLUDED.source_url,
	raw_text = EXCLUDED.raw_text,
	content_hash = EXCLUDED.content_hash,
	archive_uri = COALESCE(EXCLUDED.archive_uri, filings.archive_uri),
	status = 'PROCESSING',
	error_message = NULL,
	updated_at = now()
RETURNING id`

const deleteChunksSQL = `DELETE FROM filing_chunks WHERE filing_id = $1`

const completeFilingSQL = `UPDATE filings SET status = 'COMPLETED', updated_at = now() WHERE id = $1`

const markFailedSQL = `
INSERT INTO filings (
	id, cik, accession_number, filing_date, form_type, source_url, status, error_message
) VALUES (
	$1, $2, $3, $4, $5, $6, 'FAILED', $7
)
ON CONFLICT (cik, accession_number) DO UPDATE SET
	status = 'FAILED',
	error_message = EXCLUDED.error_message,
	updated_at = now()
WHERE filings.status <> 'COMPLETED'`

const orphanedCompletionsSQL = `
SELECT f.id, f.cik, f.accession_number, f.updated_at
FROM filings f
WHERE f.status = 'COMPLETED'
  AND NOT EXISTS (SELECT 1 FROM filing_chunks c WHERE c.filing_id = f.id)
ORDER BY f.updated_at`

// FilingStoreConfig controls the Postgres connection pool used for filings.
type FilingStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ChunkBatchSize  int
}

type txPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// FilingStore persists filings and their chunks. Each save runs in a single
// transaction on one pooled connection.
type FilingStore struct {
	pool      txPool
	stat      func() *pgxpool.Stat
	ids       ingest.IDGenerator
	batchSize int
	waiting   atomic.Int64
	logger    *zap.Logger
}

// NewFilingStore connects a pool using cfg.
func NewFilingStore(ctx context.Context, cfg FilingStoreConfig, ids ingest.IDGenerator, logger *zap.Logger) (*FilingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewFilingStoreWithPool(pool, ids, cfg.ChunkBatchSize, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.stat = pool.Stat
	return store, nil
}

// NewFilingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFilingStoreWithPool(pool txPool, ids ingest.IDGenerator, batchSize int, logger *zap.Logger) (*FilingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultChunkBatchSize
	}
	if batchSize*chunkColumns > maxBindParams {
		return nil, fmt.Errorf("chunk batch size %d exceeds %d bind parameters", batchSize, maxBindParams)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilingStore{pool: pool, ids: ids, batchSize: batchSize, logger: logger}, nil
}

// SaveFilingWithChunks upserts the filing keyed on (cik, accession), replaces
// its chunks and marks it COMPLETED in one transaction. On any failure the
// transaction is rolled back and the prior state is untouched.
func (s *FilingStore) SaveFilingWithChunks(
	ctx context.Context,
	job ingest.Job,
	doc ingest.Document,
	chunks []string,
) (string, error) {
	if len(chunks) == 0 {
		return "", fmt.Errorf("save filing %s: %w", job.Key(), ingest.ErrEmptyDocument)
	}
	newID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ingest.ErrStorage, err)
	}

	s.waiting.Add(1)
	tx, err := s.pool.Begin(ctx)
	s.waiting.Add(-1)
	if err != nil {
		return "", fmt.Errorf("%w: begin transaction: %w", ingest.ErrStorage, err)
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.String("accession", job.AccessionNumber), zap.Error(rbErr))
		}
	}()

	var filingID string
	if err := tx.QueryRow(ctx, upsertFilingSQL,
		newID,
		job.CIK,
		job.AccessionNumber,
		job.FilingDate(),
		formType(job),
		job.URL,
		doc.RawText,
		nullString(doc.ContentHash),
		nullString(doc.ArchiveURI),
	).Scan(&filingID); err != nil {
		return "", fmt.Errorf("%w: upsert filing: %w", ingest.ErrStorage, err)
	}

	if _, err := tx.Exec(ctx, deleteChunksSQL, filingID); err != nil {
		return "", fmt.Errorf("%w: delete prior chunks: %w", ingest.ErrStorage, err)
	}

	for start := 0; start < len(chunks); start += s.batchSize {
		end := min(start+s.batchSize, len(chunks))
		query, args := buildChunkInsert(filingID, start, chunks[start:end])
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return "", fmt.Errorf("%w: insert chunks %d-%d: %w", ingest.ErrStorage, start, end-1, err)
		}
	}

	if _, err := tx.Exec(ctx, completeFilingSQL, filingID); err != nil {
		return "", fmt.Errorf("%w: mark completed: %w", ingest.ErrStorage, err)
	}

	finished = true
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: commit: %w", ingest.ErrStorage, err)
	}
	return filingID, nil
}

// MarkFailed records a permanent failure. A COMPLETED filing is never downgraded.
func (s *FilingStore) MarkFailed(ctx context.Context, job ingest.Job, reason string) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("%w: %w", ingest.ErrStorage, err)
	}
	if _, err := s.pool.Exec(ctx, markFailedSQL,
		id,
		job.CIK,
		job.AccessionNumber,
		job.FilingDate(),
		formType(job),
		job.URL,
		reason,
	); err != nil {
		return fmt.Errorf("%w: mark failed: %w", ingest.ErrStorage, err)
	}
	return nil
}

// OrphanedCompletions lists COMPLETED filings that have no chunks.
func (s *FilingStore) OrphanedCompletions(ctx context.Context) ([]ingest.OrphanedFiling, error) {
	rows, err := s.pool.Query(ctx, orphanedCompletionsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: query orphaned completions: %w", ingest.ErrStorage, err)
	}
	defer rows.Close()

	var out []ingest.OrphanedFiling
	for rows.Next() {
		var o ingest.OrphanedFiling
		if err := rows.Scan(&o.ID, &o.CIK, &o.AccessionNumber, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan orphaned completion: %w", ingest.ErrStorage, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate orphaned completions: %w", ingest.ErrStorage, err)
	}
	return out, nil
}

// EnsureSchema applies the embedded schema. Statements are idempotent.
func (s *FilingStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *FilingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// PoolStats reports pool usage. Waiting counts callers blocked acquiring a
// connection for a transaction.
func (s *FilingStore) PoolStats() ingest.PoolStats {
	stats := ingest.PoolStats{Waiting: s.waiting.Load()}
	if s.stat == nil {
		return stats
	}
	st := s.stat()
	stats.Total = st.TotalConns()
	stats.Idle = st.IdleConns()
	stats.InUse = st.AcquiredConns()
	stats.Max = st.MaxConns()
	return stats
}

// Close releases the underlying pool resources.
func (s *FilingStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func buildChunkInsert(filingID string, offset int, chunks []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO filing_chunks (filing_id, chunk_index, content) VALUES ")
	args := make([]any, 0, len(chunks)*chunkColumns)
	for i, content := range chunks {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * chunkColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d)", n+1, n+2, n+3)
		args = append(args, filingID, offset+i, content)
	}
	return b.String(), args
}

func formType(job ingest.Job) string {
	if job.FormType == "" {
		return ingest.DefaultFormType
	}
	return job.FormType
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
