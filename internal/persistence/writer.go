package persistence

import (
	"PerpKeeper/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const submissionColumns = 11

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditWriter writes submission records to keeper.submissions using
// multi-row INSERT. Rows are keyed by submission id, so re-running a batch
// after a partial failure is harmless.
type AuditWriter struct {
	db *sql.DB
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// WriteSubmissions inserts subs through ex (the db or an open tx).
func (w *AuditWriter) WriteSubmissions(ctx context.Context, ex execer, subs []*event.Submission) error {
	if len(subs) == 0 {
		return nil
	}

	query := `INSERT INTO keeper.submissions
		(id, kind, status, keys, markets, tx_hash, block_number, error, endpoint, submitted_at, duration_ms)
		VALUES `

	values := make([]string, 0, len(subs))
	args := make([]any, 0, len(subs)*submissionColumns)

	for i, s := range subs {
		base := i * submissionColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			s.ID, s.Kind.String(), s.Status.String(),
			pq.Array(nonNil(s.Keys)), pq.Array(nonNil(s.Markets)),
			nullString(s.TxHash), int64(s.BlockNumber), nullString(s.Error),
			s.Endpoint, s.SubmittedAt.UTC(), s.Duration.Milliseconds(),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// SubmissionRow is one audit record as read back for status queries.
type SubmissionRow struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Keys        []string  `json:"keys"`
	Markets     []string  `json:"markets"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber int64     `json:"block_number,omitempty"`
	Error       string    `json:"error,omitempty"`
	Endpoint    string    `json:"endpoint"`
	SubmittedAt time.Time `json:"submitted_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// RecentSubmissions returns the newest limit records, newest first. An
// empty kind matches all kinds.
func (w *AuditWriter) RecentSubmissions(ctx context.Context, kind string, limit int) ([]SubmissionRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, kind, status, keys, markets, COALESCE(tx_hash, ''), block_number,
		       COALESCE(error, ''), endpoint, submitted_at, duration_ms
		FROM keeper.submissions
		WHERE ($1 = '' OR kind = $1)
		ORDER BY submitted_at DESC
		LIMIT $2`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []SubmissionRow
	for rows.Next() {
		var r SubmissionRow
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Status, pq.Array(&r.Keys), pq.Array(&r.Markets),
			&r.TxHash, &r.BlockNumber, &r.Error, &r.Endpoint, &r.SubmittedAt, &r.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
