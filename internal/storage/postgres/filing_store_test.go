package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/se7ensam/orion-AI/internal/ingest"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func testJob() ingest.Job {
	return ingest.Job{
		CIK:             "1234",
		AccessionNumber: "0001234-24-000001",
		URL:             "https://www.sec.gov/Archives/edgar/data/1234/000123424000001/0001234-24-000001.txt",
		FormType:        "6-K",
		Date:            "2024-03-01",
	}
}

func newMockStore(t *testing.T, batch int) (*FilingStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewFilingStoreWithPool(mock, fixedIDs{id: "new-id"}, batch, nil)
	require.NoError(t, err)
	return store, mock
}

func chunkArgs(filingID string, offset int, chunks []string) []any {
	args := make([]any, 0, len(chunks)*3)
	for i, c := range chunks {
		args = append(args, filingID, offset+i, c)
	}
	return args
}

func TestSaveFilingWithChunksCommitsInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 2)
	chunks := []string{"a", "b", "c"}
	doc := ingest.Document{RawText: "<html>raw</html>", ContentHash: "hash", ArchiveURI: "memory://raw/6k/1234/x.txt"}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO filings").
		WithArgs("new-id", "1234", "0001234-24-000001", pgxmock.AnyArg(), "6-K", testJob().URL, doc.RawText, "hash", doc.ArchiveURI).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("new-id"))
	mock.ExpectExec("DELETE FROM filing_chunks").WithArgs("new-id").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO filing_chunks").WithArgs(chunkArgs("new-id", 0, chunks[:2])...).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO filing_chunks").WithArgs(chunkArgs("new-id", 2, chunks[2:])...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE filings SET status = 'COMPLETED'").WithArgs("new-id").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, err := store.SaveFilingWithChunks(context.Background(), testJob(), doc, chunks)
	require.NoError(t, err)
	assert.Equal(t, "new-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFilingWithChunksReplayReturnsExistingID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 10)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO filings").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("existing-id"))
	mock.ExpectExec("DELETE FROM filing_chunks").WithArgs("existing-id").WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec("INSERT INTO filing_chunks").WithArgs(chunkArgs("existing-id", 0, []string{"only"})...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE filings SET status = 'COMPLETED'").WithArgs("existing-id").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	id, err := store.SaveFilingWithChunks(context.Background(), testJob(), ingest.Document{RawText: "raw"}, []string{"only"})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFilingWithChunksRollsBackOnBatchFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 2)
	chunks := []string{"a", "b", "c", "d"}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO filings").WillReturnRows(mock.NewRows([]string{"id"}).AddRow("new-id"))
	mock.ExpectExec("DELETE FROM filing_chunks").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO filing_chunks").WithArgs(chunkArgs("new-id", 0, chunks[:2])...).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO filing_chunks").WithArgs(chunkArgs("new-id", 2, chunks[2:])...).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.SaveFilingWithChunks(context.Background(), testJob(), ingest.Document{RawText: "raw"}, chunks)
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrStorage)
	assert.Contains(t, err.Error(), "insert chunks 2-3")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFilingWithChunksRollsBackOnUpsertFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO filings").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := store.SaveFilingWithChunks(context.Background(), testJob(), ingest.Document{RawText: "raw"}, []string{"a"})
	require.ErrorIs(t, err, ingest.ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFilingWithChunksCommitFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO filings").WillReturnRows(mock.NewRows([]string{"id"}).AddRow("new-id"))
	mock.ExpectExec("DELETE FROM filing_chunks").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO filing_chunks").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE filings SET status = 'COMPLETED'").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	_, err := store.SaveFilingWithChunks(context.Background(), testJob(), ingest.Document{RawText: "raw"}, []string{"a"})
	require.ErrorIs(t, err, ingest.ErrStorage)
	assert.Contains(t, err.Error(), "commit")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFilingWithChunksEmptyDocumentSkipsDatabase(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)
	_, err := store.SaveFilingWithChunks(context.Background(), testJob(), ingest.Document{}, nil)
	require.ErrorIs(t, err, ingest.ErrEmptyDocument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedGuardsCompleted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)
	mock.ExpectExec(`WHERE filings.status <> 'COMPLETED'`).
		WithArgs("new-id", "1234", "0001234-24-000001", pgxmock.AnyArg(), "6-K", testJob().URL, "client error: status 404").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.MarkFailed(context.Background(), testJob(), "client error: status 404"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedWrapsError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)
	mock.ExpectExec("INSERT INTO filings").WillReturnError(errors.New("down"))

	err := store.MarkFailed(context.Background(), testJob(), "boom")
	require.ErrorIs(t, err, ingest.ErrStorage)
}

func TestOrphanedCompletions(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("NOT EXISTS").WillReturnRows(
		mock.NewRows([]string{"id", "cik", "accession_number", "updated_at"}).
			AddRow("f1", "1234", "0001234-24-000001", ts),
	)

	got, err := store.OrphanedCompletions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ingest.OrphanedFiling{ID: "f1", CIK: "1234", AccessionNumber: "0001234-24-000001", UpdatedAt: ts}, got[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, 0)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS filings").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectPing()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, ingest.PoolStats{}, store.PoolStats())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewFilingStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewFilingStoreWithPool(nil, fixedIDs{}, 0, nil)
	assert.Error(t, err)
	_, err = NewFilingStoreWithPool(mock, nil, 0, nil)
	assert.Error(t, err)
	_, err = NewFilingStoreWithPool(mock, fixedIDs{}, 30000, nil)
	assert.Error(t, err)

	store, err := NewFilingStoreWithPool(mock, fixedIDs{}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkBatchSize, store.batchSize)
}

func TestBuildChunkInsert(t *testing.T) {
	t.Parallel()

	query, args := buildChunkInsert("f", 10, []string{"x", "y"})
	assert.Equal(t, "INSERT INTO filing_chunks (filing_id, chunk_index, content) VALUES ($1, $2, $3), ($4, $5, $6)", query)
	assert.Equal(t, []any{"f", 10, "x", "f", 11, "y"}, args)
	assert.LessOrEqual(t, DefaultChunkBatchSize*chunkColumns, maxBindParams)
}
