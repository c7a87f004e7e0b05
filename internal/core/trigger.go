package core

import (
	fpmath "PerpKeeper/internal/math"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/state"
	"time"

	"github.com/rs/zerolog"
)

// Engine matches an accepted price against the pending orders and open
// positions of one market and fills the action queues.
type Engine struct {
	store   *state.Store
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(store *state.Store, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Evaluate runs the three matching passes for market at price. It never
// fails: bad records are logged and skipped.
func (e *Engine) Evaluate(market string, price float64) {
	start := time.Now()

	e.enqueueMarketOrders(market)
	e.enqueueTriggeredOrders(market, price)
	e.checkPositions(market, price)

	if e.metrics != nil {
		e.metrics.Evaluations.WithLabelValues(market).Inc()
		e.metrics.EvaluateDuration.Observe(time.Since(start).Seconds())
		e.metrics.SetQueueSizes(e.store.QueueSizes())
	}
}

// Step 1: market orders execute at the next on-chain price, unconditionally.
func (e *Engine) enqueueMarketOrders(market string) {
	for _, o := range e.store.MarketOrders(market) {
		if e.store.AddToExecutionQueue(o) {
			e.enqueued("execution", "market")
			e.logger.Info().Int64("order_id", o.OrderID).Str("market", market).Msg("market order queued")
		}
	}
}

// Step 2: limit and stop orders fire when the price crosses their level.
func (e *Engine) enqueueTriggeredOrders(market string, price float64) {
	for _, o := range e.store.TriggerOrders(market) {
		if !Triggered(o, price) {
			continue
		}
		if e.store.AddToExecutionQueue(o) {
			e.enqueued("execution", o.OrderType.String())
			e.logger.Info().
				Int64("order_id", o.OrderID).
				Str("market", market).
				Str("type", o.OrderType.String()).
				Float64("price", price).
				Float64("trigger", o.Price).
				Msg("trigger order queued")
		}
	}
}

// Triggered reports whether a limit or stop order fires at price.
func Triggered(o *state.Order, price float64) bool {
	switch o.OrderType {
	case state.OrderTypeLimit:
		if o.IsLong {
			return price <= o.Price
		}
		return price >= o.Price
	case state.OrderTypeStop:
		if o.IsLong {
			return price >= o.Price
		}
		return price <= o.Price
	default:
		return false
	}
}

// Step 3: recompute P/L for every position and queue the under-collateralised ones.
func (e *Engine) checkPositions(market string, price float64) {
	var liqThreshold int64
	if m, ok := e.store.Market(market); ok {
		liqThreshold = m.LiqThreshold
	}

	for _, p := range e.store.Positions(market) {
		key := p.Key()

		pnl, err := fpmath.ComputeUnrealizedPnL(p.IsLong, price, p.Price, p.Size)
		if err != nil {
			e.logger.Warn().Err(err).Str("position", key).Msg("skipping position")
			continue
		}

		if tracker, ok := e.store.FundingTracker(p.Asset, p.Market); ok {
			fee, err := fpmath.ComputeFundingFee(p.Size, tracker, p.FundingTracker)
			if err != nil {
				e.logger.Error().Err(err).Str("position", key).Msg("funding fee calculation failed")
			} else {
				pnl = fpmath.ApplyFunding(p.IsLong, pnl, fee)
			}
		}

		threshold := fpmath.LiquidationThreshold(p.Margin, liqThreshold)
		if pnl <= -threshold {
			if e.store.AddToLiquidationQueue(key, p.Market) {
				e.enqueued("liquidation", "margin")
				e.logger.Info().
					Str("position", key).
					Float64("pnl", pnl).
					Float64("threshold", threshold).
					Msg("position queued for liquidation")
			}
		}

		e.store.SetPositionUPL(key, p.Asset, pnl)
	}
}

func (e *Engine) enqueued(queue, reason string) {
	if e.metrics != nil {
		e.metrics.Enqueued.WithLabelValues(queue, reason).Inc()
	}
}
