package state_test

import (
	"PerpKeeper/internal/state"
	"math"
	"math/big"
	"testing"
)

func newStore() *state.Store {
	return state.NewStore(state.DefaultExecutionBackoff, state.DefaultLiquidationBackoff)
}

func order(id int64, market string, typ state.OrderType, isLong bool, price float64) *state.Order {
	return &state.Order{
		OrderID:   id,
		User:      "0xuser",
		Asset:     "0xasset",
		Market:    market,
		Size:      1000,
		Margin:    100,
		Price:     price,
		IsLong:    isLong,
		OrderType: typ,
	}
}

// ============================================================================
// Test: Order books
// ============================================================================

func TestStore_SetMarketOrdersReplacesWholesale(t *testing.T) {
	s := newStore()
	s.SetMarketOrders([]*state.Order{order(1, "ETH-USD", state.OrderTypeMarket, true, 0)})
	s.SetMarketOrders([]*state.Order{order(2, "BTC-USD", state.OrderTypeMarket, true, 0)})

	if s.HasMarketOrders("ETH-USD") {
		t.Error("ETH-USD orders should be gone after replace")
	}
	got := s.MarketOrders("BTC-USD")
	if len(got) != 1 || got[0].OrderID != 2 {
		t.Errorf("got %v, want order 2", got)
	}
}

func TestStore_OrdersSortedByID(t *testing.T) {
	s := newStore()
	s.SetTriggerOrders([]*state.Order{
		order(9, "ETH-USD", state.OrderTypeLimit, true, 100),
		order(3, "ETH-USD", state.OrderTypeStop, true, 100),
		order(5, "ETH-USD", state.OrderTypeLimit, false, 100),
	})

	got := s.TriggerOrders("ETH-USD")
	want := []int64{3, 5, 9}
	for i, o := range got {
		if o.OrderID != want[i] {
			t.Errorf("index %d: got %d, want %d", i, o.OrderID, want[i])
		}
	}
}

// ============================================================================
// Test: Queues
// ============================================================================

func TestStore_ExecutionQueueIdempotent(t *testing.T) {
	s := newStore()
	first := order(1, "ETH-USD", state.OrderTypeMarket, true, 10)
	second := order(1, "ETH-USD", state.OrderTypeMarket, true, 20)

	if !s.AddToExecutionQueue(first) {
		t.Fatal("first enqueue should change the queue")
	}
	if s.AddToExecutionQueue(second) {
		t.Error("second enqueue of same id should be a no-op")
	}

	q := s.ExecutionQueue()
	if len(q) != 1 {
		t.Fatalf("queue size: got %d, want 1", len(q))
	}
	if q[1].Price != 10 {
		t.Errorf("snapshot price: got %v, want original 10", q[1].Price)
	}
}

func TestStore_LiquidationQueueIdempotent(t *testing.T) {
	s := newStore()
	key := state.PositionKey("0xuser", "ETH-USD", "0xasset")

	s.AddToLiquidationQueue(key, "ETH-USD")
	if s.AddToLiquidationQueue(key, "BTC-USD") {
		t.Error("re-adding a queued key should be a no-op")
	}
	if got := s.LiquidationQueue()[key]; got != "ETH-USD" {
		t.Errorf("market: got %s, want ETH-USD", got)
	}
}

func TestStore_QueueCopiesAreDetached(t *testing.T) {
	s := newStore()
	s.AddToExecutionQueue(order(1, "ETH-USD", state.OrderTypeMarket, true, 0))

	q := s.ExecutionQueue()
	delete(q, 1)

	if len(s.ExecutionQueue()) != 1 {
		t.Error("mutating a returned queue must not affect the store")
	}
}

// ============================================================================
// Test: Removal invariants
// ============================================================================

func TestStore_RemoveOrderPurgesEverything(t *testing.T) {
	s := newStore()
	o := order(7, "ETH-USD", state.OrderTypeMarket, true, 0)
	s.SetMarketOrders([]*state.Order{o})
	s.SetTriggerOrders([]*state.Order{order(7, "ETH-USD", state.OrderTypeLimit, true, 1)})
	s.AddToExecutionQueue(o)
	s.ExecutionBackoff().Record(7, fixedNow)

	s.RemoveOrder(7)

	if _, ok := s.Order(7); ok {
		t.Error("order still present in a book")
	}
	if _, ok := s.ExecutionQueue()[7]; ok {
		t.Error("order still queued")
	}
	if _, ok := s.ExecutionBackoff().Get(7); ok {
		t.Error("execution ledger entry orphaned")
	}
}

func TestStore_RemovePositionPurgesEverything(t *testing.T) {
	s := newStore()
	p := &state.Position{User: "0xu", Market: "ETH-USD", Asset: "0xa", Size: 10, Margin: 1, Price: 100}
	key := p.Key()

	s.SetPositions([]*state.Position{p})
	s.SetPositionUPL(key, p.Asset, -3)
	s.AddToLiquidationQueue(key, p.Market)
	s.LiquidationBackoff().Record(key, fixedNow)

	s.RemovePosition(key)

	if _, ok := s.Position(key); ok {
		t.Error("position still present")
	}
	if _, ok := s.PositionUPL(key); ok {
		t.Error("derived P/L still present")
	}
	if _, ok := s.LiquidationQueue()[key]; ok {
		t.Error("position still queued")
	}
	if _, ok := s.LiquidationBackoff().Get(key); ok {
		t.Error("liquidation ledger entry orphaned")
	}
}

func TestStore_RemoveFromLiquidationQueueKeepsPosition(t *testing.T) {
	s := newStore()
	p := &state.Position{User: "0xu", Market: "ETH-USD", Asset: "0xa", Size: 10, Price: 100}
	s.SetPositions([]*state.Position{p})
	s.AddToLiquidationQueue(p.Key(), p.Market)

	s.RemoveFromLiquidationQueue(p.Key())

	if _, ok := s.Position(p.Key()); !ok {
		t.Error("position should survive queue removal")
	}
	if len(s.LiquidationQueue()) != 0 {
		t.Error("queue should be empty")
	}
}

// ============================================================================
// Test: Global UPL
// ============================================================================

func TestStore_GlobalUPLIsSumOfPositions(t *testing.T) {
	s := newStore()
	type op struct {
		remove bool
		key    string
		asset  string
		pnl    float64
	}
	ops := []op{
		{key: "a||ETH-USD||usdc", asset: "usdc", pnl: 10},
		{key: "b||BTC-USD||usdc", asset: "usdc", pnl: -4},
		{key: "c||ETH-USD||weth", asset: "weth", pnl: 0.5},
		{key: "a||ETH-USD||usdc", asset: "usdc", pnl: 12},
		{remove: true, key: "b||BTC-USD||usdc"},
		{key: "d||SOL-USD||weth", asset: "weth", pnl: -1.5},
		{remove: true, key: "missing||X||y"},
	}

	model := map[string]struct {
		asset string
		pnl   float64
	}{}
	for i, o := range ops {
		if o.remove {
			s.RemovePosition(o.key)
			delete(model, o.key)
		} else {
			s.SetPositionUPL(o.key, o.asset, o.pnl)
			model[o.key] = struct {
				asset string
				pnl   float64
			}{o.asset, o.pnl}
		}

		want := map[string]float64{}
		for _, e := range model {
			want[e.asset] += e.pnl
		}
		got := s.GlobalUPL()
		if len(got) != len(want) {
			t.Fatalf("step %d: got %v, want %v", i, got, want)
		}
		for asset, w := range want {
			if math.Abs(got[asset]-w) > 1e-9 {
				t.Errorf("step %d asset %s: got %v, want %v", i, asset, got[asset], w)
			}
		}
	}
}

func TestStore_SetPositionsDropsClosedUPL(t *testing.T) {
	s := newStore()
	open := &state.Position{User: "0xu", Market: "ETH-USD", Asset: "0xa"}
	closed := &state.Position{User: "0xv", Market: "ETH-USD", Asset: "0xa"}
	s.SetPositions([]*state.Position{open, closed})
	s.SetPositionUPL(open.Key(), open.Asset, 1)
	s.SetPositionUPL(closed.Key(), closed.Asset, 2)

	s.SetPositions([]*state.Position{open})

	if got := s.GlobalUPL()["0xa"]; got != 1 {
		t.Errorf("got %v, want 1", got)
	}
}

// ============================================================================
// Test: Funding trackers and keys
// ============================================================================

func TestStore_FundingTrackerCopied(t *testing.T) {
	s := newStore()
	v := big.NewInt(42)
	s.SetFundingTrackers(map[state.FundingKey]*big.Int{{Asset: "0xa", Market: "ETH-USD"}: v})
	v.SetInt64(0)

	got, ok := s.FundingTracker("0xa", "ETH-USD")
	if !ok || got.Int64() != 42 {
		t.Errorf("got %v, want 42", got)
	}
}

func TestPositionKey_RoundTrip(t *testing.T) {
	key := state.PositionKey("0xu", "ETH-USD", "0xa")
	if key != "0xu||ETH-USD||0xa" {
		t.Errorf("got %q", key)
	}
	u, m, a, ok := state.ParsePositionKey(key)
	if !ok || u != "0xu" || m != "ETH-USD" || a != "0xa" {
		t.Errorf("got %s %s %s %v", u, m, a, ok)
	}
	if _, _, _, ok := state.ParsePositionKey("bad"); ok {
		t.Error("malformed key should not parse")
	}
}
