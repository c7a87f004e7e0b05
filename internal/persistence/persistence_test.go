package persistence_test

import (
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/persistence"
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var insertSubmissions = regexp.QuoteMeta("INSERT INTO keeper.submissions")

func newSubmission(kind event.Kind, status event.Status, keys ...string) *event.Submission {
	s := event.NewSubmission(kind, keys, []string{"BTC-USD"}, "rpc-a", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s.Status = status
	s.Duration = 1500 * time.Millisecond
	return s
}

// ===== Test: AuditWriter =====

func TestWriteSubmissions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sub := newSubmission(event.KindExecuteOrders, event.StatusConfirmed, "3", "5")
	sub.TxHash = "0xabc"
	sub.BlockNumber = 12

	mock.ExpectExec(`(?s)`+insertSubmissions+`.*ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), "execute_orders", "confirmed", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"0xabc", int64(12), nil, "rpc-a", sub.SubmittedAt, int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := persistence.NewAuditWriter(db)
	require.NoError(t, w.WriteSubmissions(context.Background(), db, []*event.Submission{sub}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteSubmissions_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := persistence.NewAuditWriter(db)
	require.NoError(t, w.WriteSubmissions(context.Background(), db, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentSubmissions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "kind", "status", "keys", "markets", "tx_hash", "block_number", "error", "endpoint", "submitted_at", "duration_ms"}).
		AddRow(id.String(), "liquidate_positions", "reverted", "{a||BTC-USD||0x1}", "{BTC-USD}", "0xdef", int64(99), "", "rpc-b", at, int64(800))

	mock.ExpectQuery(regexp.QuoteMeta("FROM keeper.submissions")).
		WithArgs("liquidate_positions", 10).
		WillReturnRows(rows)

	got, err := persistence.NewAuditWriter(db).RecentSubmissions(context.Background(), "liquidate_positions", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, []string{"a||BTC-USD||0x1"}, got[0].Keys)
	assert.Equal(t, "reverted", got[0].Status)
	assert.Equal(t, int64(99), got[0].BlockNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===== Test: AuditWorker =====

func TestAuditWorker_FlushOnBatchSizeAndClose(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertSubmissions).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(insertSubmissions).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan *event.Submission, 3)
	in <- newSubmission(event.KindExecuteOrders, event.StatusConfirmed, "1")
	in <- newSubmission(event.KindExecuteOrders, event.StatusFailed, "2")
	in <- newSubmission(event.KindGlobalUPL, event.StatusConfirmed, "0xusdc")
	close(in)

	w := persistence.NewAuditWorker(db, in, 2, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWorker_RetriesFailedFlush(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))
	mock.ExpectBegin()
	mock.ExpectExec(insertSubmissions).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan *event.Submission, 1)
	in <- newSubmission(event.KindLiquidatePositions, event.StatusReverted, "k")
	close(in)

	w := persistence.NewAuditWorker(db, in, 1, time.Hour, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditWorker_FlushesOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(insertSubmissions).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan *event.Submission)
	w := persistence.NewAuditWorker(db, in, 10, time.Hour, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	in <- newSubmission(event.KindExecuteOrders, event.StatusConfirmed, "1")
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===== Test: Migrator =====

func TestMigratorUp_AppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000001_submissions.up.sql":   {Data: []byte("CREATE TABLE one ();")},
		"000001_submissions.down.sql": {Data: []byte("DROP TABLE one;")},
		"000002_extra.up.sql":         {Data: []byte("CREATE TABLE two ();")},
		"README.md":                   {Data: []byte("ignored")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("000001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE two ();")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.schema_migrations")).
		WithArgs("000002", "000002_extra.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := persistence.NewMigrator(db, files, zerolog.Nop())
	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorDown_RollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	files := fstest.MapFS{
		"000001_submissions.up.sql":   {Data: []byte("CREATE TABLE one ();")},
		"000001_submissions.down.sql": {Data: []byte("DROP TABLE one;")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS public.schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, filename FROM public.schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000001", "000001_submissions.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE one;")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM public.schema_migrations")).
		WithArgs("000001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	m := persistence.NewMigrator(db, files, zerolog.Nop())
	require.NoError(t, m.Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
