package core_test

import (
	"PerpKeeper/internal/core"
	"PerpKeeper/internal/state"
	"math"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
)

func newEngine() (*core.Engine, *state.Store) {
	s := state.NewStore(state.DefaultExecutionBackoff, state.DefaultLiquidationBackoff)
	return core.NewEngine(s, nil, zerolog.Nop()), s
}

func triggerOrder(id int64, typ state.OrderType, isLong bool, price float64) *state.Order {
	return &state.Order{OrderID: id, Market: "ETH-USD", OrderType: typ, IsLong: isLong, Price: price}
}

// ============================================================================
// Test: Market orders
// ============================================================================

func TestEngine_MarketOrdersAlwaysQueued(t *testing.T) {
	e, s := newEngine()
	s.SetMarketOrders([]*state.Order{
		{OrderID: 1, Market: "ETH-USD"},
		{OrderID: 2, Market: "ETH-USD"},
		{OrderID: 3, Market: "BTC-USD"},
	})

	e.Evaluate("ETH-USD", 1234)
	e.Evaluate("ETH-USD", 1)

	q := s.ExecutionQueue()
	if len(q) != 2 {
		t.Fatalf("queue size: got %d, want 2", len(q))
	}
	for _, id := range []int64{1, 2} {
		if _, ok := q[id]; !ok {
			t.Errorf("order %d not queued", id)
		}
	}
}

// ============================================================================
// Test: Trigger orders
// ============================================================================

func TestEngine_LongLimit(t *testing.T) {
	e, s := newEngine()
	s.SetTriggerOrders([]*state.Order{triggerOrder(1, state.OrderTypeLimit, true, 100)})

	e.Evaluate("ETH-USD", 101)
	if len(s.ExecutionQueue()) != 0 {
		t.Error("long limit at 100 must not fire at 101")
	}
	e.Evaluate("ETH-USD", 99)
	if _, ok := s.ExecutionQueue()[1]; !ok {
		t.Error("long limit at 100 must fire at 99")
	}
}

func TestEngine_ShortStopFiresAtOrBelowPrice(t *testing.T) {
	e, s := newEngine()
	s.SetTriggerOrders([]*state.Order{triggerOrder(1, state.OrderTypeStop, false, 100)})

	e.Evaluate("ETH-USD", 101)
	if len(s.ExecutionQueue()) != 0 {
		t.Error("short stop at 100 must not fire at 101")
	}
	e.Evaluate("ETH-USD", 99)
	if _, ok := s.ExecutionQueue()[1]; !ok {
		t.Error("short stop at 100 must fire at 99")
	}
}

func TestTriggered_Table(t *testing.T) {
	cases := []struct {
		typ    state.OrderType
		isLong bool
		price  float64
		want   bool
	}{
		{state.OrderTypeLimit, true, 100, true},
		{state.OrderTypeLimit, false, 99, false},
		{state.OrderTypeLimit, false, 100, true},
		{state.OrderTypeStop, true, 99, false},
		{state.OrderTypeStop, true, 100, true},
		{state.OrderTypeStop, false, 100, true},
		{state.OrderTypeMarket, true, 100, false},
	}
	for _, c := range cases {
		o := triggerOrder(1, c.typ, c.isLong, 100)
		if got := core.Triggered(o, c.price); got != c.want {
			t.Errorf("%s long=%v at %v: got %v, want %v", c.typ, c.isLong, c.price, got, c.want)
		}
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestEngine_LiquidatesUnderwaterLong(t *testing.T) {
	e, s := newEngine()
	s.SetMarketInfo(map[string]*state.Market{"ETH-USD": {Name: "ETH-USD", LiqThreshold: 500}})
	p := &state.Position{User: "0xu", Asset: "0xa", Market: "ETH-USD", IsLong: true, Size: 1000, Margin: 100, Price: 100}
	s.SetPositions([]*state.Position{p})

	e.Evaluate("ETH-USD", 95)

	pnl, ok := s.PositionUPL(p.Key())
	if !ok || pnl != -50 {
		t.Errorf("pnl: got %v, want -50", pnl)
	}
	if got := s.LiquidationQueue()[p.Key()]; got != "ETH-USD" {
		t.Errorf("position should be queued, got %q", got)
	}
}

func TestEngine_HealthyPositionPersistsPnL(t *testing.T) {
	e, s := newEngine()
	s.SetMarketInfo(map[string]*state.Market{"ETH-USD": {Name: "ETH-USD", LiqThreshold: 500}})
	p := &state.Position{User: "0xu", Asset: "0xa", Market: "ETH-USD", IsLong: false, Size: 1000, Margin: 100, Price: 100}
	s.SetPositions([]*state.Position{p})

	e.Evaluate("ETH-USD", 95)

	if pnl, _ := s.PositionUPL(p.Key()); pnl != 50 {
		t.Errorf("pnl: got %v, want 50", pnl)
	}
	if len(s.LiquidationQueue()) != 0 {
		t.Error("profitable short must not be queued")
	}
}

func TestEngine_MissingThresholdUsesFullMargin(t *testing.T) {
	e, s := newEngine()
	p := &state.Position{User: "0xu", Asset: "0xa", Market: "ETH-USD", IsLong: true, Size: 1000, Margin: 100, Price: 100}
	s.SetPositions([]*state.Position{p})

	e.Evaluate("ETH-USD", 95)
	if len(s.LiquidationQueue()) != 0 {
		t.Error("-50 is above -100, must not liquidate")
	}

	e.Evaluate("ETH-USD", 90)
	if len(s.LiquidationQueue()) != 1 {
		t.Error("-100 reaches -100, must liquidate")
	}
}

func TestEngine_FundingAdjustsPnL(t *testing.T) {
	e, s := newEngine()
	snapshot := big.NewInt(0)
	current, _ := new(big.Int).SetString("10000000000000000000", 10) // 10.0
	s.SetFundingTrackers(map[state.FundingKey]*big.Int{{Asset: "0xa", Market: "ETH-USD"}: current})

	long := &state.Position{User: "0xl", Asset: "0xa", Market: "ETH-USD", IsLong: true, Size: 1000, Margin: 1000, Price: 100, FundingTracker: snapshot}
	short := &state.Position{User: "0xs", Asset: "0xa", Market: "ETH-USD", IsLong: false, Size: 1000, Margin: 1000, Price: 100, FundingTracker: snapshot}
	s.SetPositions([]*state.Position{long, short})

	e.Evaluate("ETH-USD", 100)

	// fee = 1000 × 10 / 10000 = 1
	if pnl, _ := s.PositionUPL(long.Key()); math.Abs(pnl+1) > 1e-9 {
		t.Errorf("long pnl: got %v, want -1", pnl)
	}
	if pnl, _ := s.PositionUPL(short.Key()); math.Abs(pnl-1) > 1e-9 {
		t.Errorf("short pnl: got %v, want 1", pnl)
	}
}

func TestEngine_FundingFailureFallsBackToRawPnL(t *testing.T) {
	e, s := newEngine()
	s.SetFundingTrackers(map[state.FundingKey]*big.Int{{Asset: "0xa", Market: "ETH-USD"}: big.NewInt(5)})
	p := &state.Position{User: "0xu", Asset: "0xa", Market: "ETH-USD", IsLong: true, Size: 1000, Margin: 1000, Price: 100}
	s.SetPositions([]*state.Position{p})

	e.Evaluate("ETH-USD", 110)

	if pnl, _ := s.PositionUPL(p.Key()); pnl != 100 {
		t.Errorf("pnl: got %v, want unadjusted 100", pnl)
	}
}

func TestEngine_ZeroEntryPriceSkipped(t *testing.T) {
	e, s := newEngine()
	bad := &state.Position{User: "0xb", Asset: "0xa", Market: "ETH-USD", IsLong: true, Size: 1, Margin: 1}
	good := &state.Position{User: "0xg", Asset: "0xa", Market: "ETH-USD", IsLong: true, Size: 1, Margin: 1, Price: 100}
	s.SetPositions([]*state.Position{bad, good})

	e.Evaluate("ETH-USD", 100)

	if _, ok := s.PositionUPL(bad.Key()); ok {
		t.Error("position without entry price should be skipped")
	}
	if _, ok := s.PositionUPL(good.Key()); !ok {
		t.Error("valid position should still be evaluated")
	}
}
