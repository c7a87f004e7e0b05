package server_test

import (
	"PerpKeeper/internal/ingestion"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/persistence"
	"PerpKeeper/internal/server"
	"PerpKeeper/internal/state"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T, deps *server.Deps) http.Handler {
	t.Helper()
	if deps.Store == nil {
		deps.Store = state.NewStore(state.DefaultExecutionBackoff, state.DefaultLiquidationBackoff)
	}
	deps.StartTime = time.Now()
	h, err := server.New(":0", ":0", deps, zerolog.Nop()).Handler()
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

// ===== Test: queues and upl =====

func TestQueues(t *testing.T) {
	store := state.NewStore(state.DefaultExecutionBackoff, state.DefaultLiquidationBackoff)
	store.AddToExecutionQueue(&state.Order{OrderID: 9, Market: "BTC-USD", OrderType: state.OrderTypeLimit})
	store.AddToExecutionQueue(&state.Order{OrderID: 4, Market: "ETH-USD"})
	store.ExecutionBackoff().Record(9, time.Now())
	store.AddToLiquidationQueue(state.PositionKey("0xabc", "BTC-USD", "0xusdc"), "BTC-USD")

	h := newHandler(t, &server.Deps{Store: store})
	rec, out := do(t, h, http.MethodGet, "/v1/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)

	execution := out["execution"].([]any)
	require.Len(t, execution, 2)
	first := execution[0].(map[string]any)
	second := execution[1].(map[string]any)
	assert.Equal(t, float64(4), first["order_id"])
	assert.Nil(t, first["backoff"])
	assert.Equal(t, "limit", second["type"])
	assert.Equal(t, float64(1), second["backoff"].(map[string]any)["count"])

	liquidation := out["liquidation"].([]any)
	require.Len(t, liquidation, 1)
	assert.Equal(t, "BTC-USD", liquidation[0].(map[string]any)["market"])
}

func TestGlobalUPL(t *testing.T) {
	store := state.NewStore(state.DefaultExecutionBackoff, state.DefaultLiquidationBackoff)
	store.SetPositionUPL("a", "0xusdc", 10)
	store.SetPositionUPL("b", "0xusdc", -4)

	h := newHandler(t, &server.Deps{Store: store})
	rec, out := do(t, h, http.MethodGet, "/v1/upl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6.0, out["global_upl"].(map[string]any)["0xusdc"])
}

// ===== Test: prices =====

func TestPrices(t *testing.T) {
	ticks := make(chan ingestion.PriceTick, 1)
	store := state.NewStore(state.DefaultExecutionBackoff, state.DefaultLiquidationBackoff)
	h := newHandler(t, &server.Deps{Store: store, Injector: ingestion.NewPriceInjector(ticks)})

	rec, _ := do(t, h, http.MethodGet, "/v1/prices/BTC-USD", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/prices/BTC-USD", `{"price":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/v1/prices/BTC-USD", `{"price":65000}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	tick := <-ticks
	assert.Equal(t, "BTC-USD", tick.Market)

	store.SetPrice("BTC-USD", state.PricePoint{Price: 65000, Timestamp: time.Now()})
	rec, out := do(t, h, http.MethodGet, "/v1/prices/BTC-USD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 65000.0, out["price"])
}

// ===== Test: submissions =====

func TestSubmissions_Disabled(t *testing.T) {
	h := newHandler(t, &server.Deps{})
	rec, _ := do(t, h, http.MethodGet, "/v1/submissions", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmissions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "kind", "status", "keys", "markets", "tx_hash", "block_number", "error", "endpoint", "submitted_at", "duration_ms"}).
		AddRow(uuid.NewString(), "execute_orders", "confirmed", "{1,2}", "{BTC-USD}", "0xabc", int64(5), "", "rpc-a", time.Now(), int64(10))
	mock.ExpectQuery(regexp.QuoteMeta("FROM keeper.submissions")).
		WithArgs("execute_orders", 5).
		WillReturnRows(rows)

	h := newHandler(t, &server.Deps{Audit: persistence.NewAuditWriter(db)})

	rec, _ := do(t, h, http.MethodGet, "/v1/submissions?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := do(t, h, http.MethodGet, "/v1/submissions?kind=execute_orders&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	subs := out["submissions"].([]any)
	require.Len(t, subs, 1)
	assert.Equal(t, "0xabc", subs[0].(map[string]any)["tx_hash"])
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===== Test: health =====

func TestHealthProbes(t *testing.T) {
	hc := observability.NewHealthChecker(0)
	h := newHandler(t, &server.Deps{HealthChecker: hc})

	rec, _ := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hc.SetReady(true)
	rec, _ = do(t, h, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out := do(t, h, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ready"])
}
