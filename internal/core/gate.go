package core

import (
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/state"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRefreshWindow is how long an unchanged price may go without
// re-triggering evaluation.
const DefaultRefreshWindow = 30 * time.Second

// Gate decides whether a price observation is significant enough to store
// and re-evaluate. Not safe for concurrent use: all observations must arrive
// through one ingestion goroutine.
type Gate struct {
	store   *state.Store
	engine  *Engine
	window  time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewGate(store *state.Store, engine *Engine, metrics *observability.Metrics, logger zerolog.Logger) *Gate {
	return &Gate{
		store:   store,
		engine:  engine,
		window:  DefaultRefreshWindow,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// WithClock replaces the wall clock used for the refresh window.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// WithWindow overrides the refresh window.
func (g *Gate) WithWindow(d time.Duration) *Gate {
	g.window = d
	return g
}

// Observe filters one price tick. When accepted it stores (price, ts) for
// market and runs the trigger engine before returning.
//
// A timestamp equal to the stored one never replaces the stored pair. While
// market orders are pending it re-runs the engine at the stored price.
func (g *Gate) Observe(market string, price float64, ts time.Time) bool {
	if market == "" {
		return g.reject("empty_market", market, price)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return g.reject("invalid_price", market, price)
	}

	last, seen := g.store.Price(market)
	pending := g.store.HasMarketOrders(market)

	if seen {
		if ts.Before(last.Timestamp) {
			return g.reject("stale", market, price)
		}
		if ts.Equal(last.Timestamp) {
			if !pending {
				return g.reject("duplicate", market, price)
			}
			g.accept(market, last.Price, ts)
			return true
		}
	}

	changed := !seen || last.Price != price
	expired := !seen || g.now().Sub(last.Timestamp) > g.window
	if !changed && !expired && !pending {
		return g.reject("unchanged", market, price)
	}

	g.store.SetPrice(market, state.PricePoint{Price: price, Timestamp: ts})
	g.accept(market, price, ts)
	return true
}

func (g *Gate) accept(market string, price float64, ts time.Time) {
	if g.metrics != nil {
		g.metrics.PricesAccepted.WithLabelValues(market).Inc()
		g.metrics.PriceTickLag.Observe(g.now().Sub(ts).Seconds())
	}
	g.engine.Evaluate(market, price)
}

func (g *Gate) reject(reason, market string, price float64) bool {
	if g.metrics != nil {
		g.metrics.PricesRejected.WithLabelValues(reason).Inc()
	}
	g.logger.Debug().
		Str("market", market).
		Float64("price", price).
		Str("reason", reason).
		Msg("price rejected")
	return false
}
