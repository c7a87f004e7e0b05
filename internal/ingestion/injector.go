package ingestion

import (
	"context"
	"fmt"
	"math"
	"time"
)

// PriceInjector lets operators push a price by hand (admin HTTP surface).
// Injected ticks go through the same channel and gate as streamed ones.
type PriceInjector struct {
	ticks chan<- PriceTick
	now   func() time.Time
}

func NewPriceInjector(ticks chan<- PriceTick) *PriceInjector {
	return &PriceInjector{ticks: ticks, now: time.Now}
}

// InjectPrice queues a tick stamped with the current time.
func (s *PriceInjector) InjectPrice(ctx context.Context, market string, price float64) error {
	if market == "" {
		return fmt.Errorf("market is required")
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("price must be positive")
	}

	tick := PriceTick{
		Market:    market,
		Price:     price,
		Timestamp: s.now(),
		Source:    "admin",
	}

	select {
	case s.ticks <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
