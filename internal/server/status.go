package server

import (
	"PerpKeeper/internal/state"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"
)

type attemptJSON struct {
	Count       int       `json:"count"`
	LastAttempt time.Time `json:"last_attempt"`
	Exhausted   bool      `json:"exhausted"`
}

type executionEntry struct {
	OrderID int64        `json:"order_id"`
	Market  string       `json:"market"`
	Type    string       `json:"type"`
	IsLong  bool         `json:"is_long"`
	Size    float64      `json:"size"`
	Price   float64      `json:"price"`
	Backoff *attemptJSON `json:"backoff,omitempty"`
}

type liquidationEntry struct {
	Key     string       `json:"key"`
	Market  string       `json:"market"`
	Backoff *attemptJSON `json:"backoff,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	execution, liquidation := s.deps.Store.QueueSizes()
	resp := map[string]any{
		"uptime_seconds":    int64(time.Since(s.deps.StartTime).Seconds()),
		"execution_queue":   execution,
		"liquidation_queue": liquidation,
		"markets":           len(s.deps.Store.Markets()),
		"positions":         len(s.deps.Store.AllPositions()),
		"audit_log":         s.deps.Audit != nil,
	}
	if s.deps.Selector != nil {
		resp["rpc_endpoint_index"] = s.deps.Selector.Index()
	}
	if s.deps.HealthChecker != nil {
		resp["ready"] = s.deps.HealthChecker.IsReady()
		if last := s.deps.HealthChecker.LastCycle(); !last.IsZero() {
			resp["last_cycle"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	store := s.deps.Store

	execLedger := store.ExecutionBackoff()
	execution := make([]executionEntry, 0)
	for id, o := range store.ExecutionQueue() {
		execution = append(execution, executionEntry{
			OrderID: id,
			Market:  o.Market,
			Type:    o.OrderType.String(),
			IsLong:  o.IsLong,
			Size:    o.Size,
			Price:   o.Price,
			Backoff: attemptOf(execLedger, id),
		})
	}
	sort.Slice(execution, func(i, j int) bool { return execution[i].OrderID < execution[j].OrderID })

	liqLedger := store.LiquidationBackoff()
	liquidation := make([]liquidationEntry, 0)
	for key, market := range store.LiquidationQueue() {
		liquidation = append(liquidation, liquidationEntry{
			Key:     key,
			Market:  market,
			Backoff: attemptOf(liqLedger, key),
		})
	}
	sort.Slice(liquidation, func(i, j int) bool { return liquidation[i].Key < liquidation[j].Key })

	writeJSON(w, http.StatusOK, map[string]any{
		"execution":   execution,
		"liquidation": liquidation,
	})
}

func attemptOf[K comparable](ledger *state.BackoffLedger[K], key K) *attemptJSON {
	a, ok := ledger.Get(key)
	if !ok {
		return nil
	}
	return &attemptJSON{Count: a.Count, LastAttempt: a.LastAttempt, Exhausted: ledger.Exhausted(key)}
}

func (s *Server) handleUPL(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"global_upl": s.deps.Store.GlobalUPL()})
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"markets": s.deps.Store.Markets()})
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market := params["market"]
	p, ok := s.deps.Store.Price(market)
	if !ok {
		writeError(w, http.StatusNotFound, "no price for market "+market)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":    market,
		"price":     p.Price,
		"timestamp": p.Timestamp,
	})
}

func (s *Server) handleInjectPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.Injector == nil {
		writeError(w, http.StatusServiceUnavailable, "price injection disabled")
		return
	}

	var body struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Injector.InjectPrice(r.Context(), params["market"], body.Price); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	rows, err := s.deps.Audit.RecentSubmissions(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("query submissions")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
