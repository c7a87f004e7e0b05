package ingestion

import (
	"PerpKeeper/internal/core"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PriceTick is one price observation from any source.
type PriceTick struct {
	Market    string
	Price     float64
	Timestamp time.Time
	Source    string
	AckFunc   func() // optional, called once the gate has seen the tick
}

// RunPriceLoop feeds ticks into the gate one at a time until ctx ends or
// ticks is closed. Every price source writes to the same channel, so gate
// and engine never run concurrently.
func RunPriceLoop(ctx context.Context, ticks <-chan PriceTick, gate *core.Gate, logger zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-ticks:
			if !ok {
				return nil
			}
			accepted := gate.Observe(tick.Market, tick.Price, tick.Timestamp)
			if accepted {
				logger.Debug().
					Str("market", tick.Market).
					Float64("price", tick.Price).
					Str("source", tick.Source).
					Msg("price accepted")
			}
			if tick.AckFunc != nil {
				tick.AckFunc()
			}
		}
	}
}
