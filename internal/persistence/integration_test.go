package persistence_test

import (
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/persistence"
	"PerpKeeper/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ===== Test: audit worker against a real Postgres =====

func TestIntegration_AuditWorkerRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan *event.Submission, 4)
	confirmed := newSubmission(event.KindExecuteOrders, event.StatusConfirmed, "1", "2")
	confirmed.TxHash = "0xfeed"
	in <- confirmed
	in <- newSubmission(event.KindLiquidatePositions, event.StatusFailed, "u||BTC-USD||a")
	in <- confirmed // duplicate id, ignored
	close(in)

	w := persistence.NewAuditWorker(db, in, 2, 50*time.Millisecond, nil, zerolog.Nop())
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := w.Writer().RecentSubmissions(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	rows, err = w.Writer().RecentSubmissions(context.Background(), "execute_orders", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].TxHash != "0xfeed" || len(rows[0].Keys) != 2 {
		t.Errorf("got %+v, want one confirmed execute_orders row", rows)
	}
}
