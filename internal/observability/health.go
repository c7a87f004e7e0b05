package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker tracks liveness and readiness of the keeper.
// Readiness requires both the ready flag (initial poll done) and a
// submission cycle completed within staleAfter.
type HealthChecker struct {
	ready      atomic.Bool
	lastCycle  atomic.Int64
	startTime  time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// NewHealthChecker creates a health checker. A zero staleAfter disables the
// cycle freshness check.
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetReady marks the keeper as ready (or not).
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// MarkCycle records the completion time of a submission cycle.
func (h *HealthChecker) MarkCycle(t time.Time) {
	h.lastCycle.Store(t.UnixNano())
}

// LastCycle returns the last recorded cycle time (zero if none).
func (h *HealthChecker) LastCycle() time.Time {
	n := h.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// IsReady reports whether the keeper should receive traffic.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	if h.staleAfter <= 0 {
		return true
	}
	last := h.LastCycle()
	return !last.IsZero() && h.now().Sub(last) <= h.staleAfter
}

// LivenessHandler always returns 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ready"}
	status := http.StatusOK
	if !h.IsReady() {
		body["status"] = "not_ready"
		status = http.StatusServiceUnavailable
	}
	if last := h.LastCycle(); !last.IsZero() {
		body["last_cycle"] = last.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
