package state

import (
	"math/big"
	"sort"
	"sync"
)

// Store holds everything the keeper knows: market snapshots, order books,
// positions, funding trackers, latest prices, derived per-position P/L, the
// two action queues and their backoff ledgers.
//
// Ingestion adapters replace snapshots wholesale; the gate, the trigger
// engine and the submission pipeline only touch individual entries. Stored
// records are never mutated after they are handed in, so getters share them.
type Store struct {
	mu sync.RWMutex

	markets         map[string]*Market
	marketOrders    map[string]map[int64]*Order // market -> id -> order
	triggerOrders   map[string]map[int64]*Order
	positions       map[string]map[string]*Position // market -> key -> position
	fundingTrackers map[FundingKey]*big.Int
	prices          map[string]PricePoint
	positionUPL     map[string]uplEntry

	executionQueue   map[int64]*Order
	liquidationQueue map[string]string // position key -> market

	executionLedger   *BackoffLedger[int64]
	liquidationLedger *BackoffLedger[string]
}

type uplEntry struct {
	asset string
	pnl   float64
}

// NewStore creates an empty store with the given backoff policies.
func NewStore(execution, liquidation BackoffPolicy) *Store {
	return &Store{
		markets:           make(map[string]*Market),
		marketOrders:      make(map[string]map[int64]*Order),
		triggerOrders:     make(map[string]map[int64]*Order),
		positions:         make(map[string]map[string]*Position),
		fundingTrackers:   make(map[FundingKey]*big.Int),
		prices:            make(map[string]PricePoint),
		positionUPL:       make(map[string]uplEntry),
		executionQueue:    make(map[int64]*Order),
		liquidationQueue:  make(map[string]string),
		executionLedger:   NewBackoffLedger[int64](execution),
		liquidationLedger: NewBackoffLedger[string](liquidation),
	}
}

// ExecutionBackoff returns the order-id attempt ledger.
func (s *Store) ExecutionBackoff() *BackoffLedger[int64] {
	return s.executionLedger
}

// LiquidationBackoff returns the position-key attempt ledger.
func (s *Store) LiquidationBackoff() *BackoffLedger[string] {
	return s.liquidationLedger
}

// --- Markets ---

// SetMarketInfo replaces all market snapshots.
func (s *Store) SetMarketInfo(markets map[string]*Market) {
	next := make(map[string]*Market, len(markets))
	for name, m := range markets {
		next[name] = m
	}
	s.mu.Lock()
	s.markets = next
	s.mu.Unlock()
}

func (s *Store) Market(name string) (*Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[name]
	return m, ok
}

// Markets returns all markets sorted by name.
func (s *Store) Markets() []*Market {
	s.mu.RLock()
	out := make([]*Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- Orders ---

// SetMarketOrders replaces the market-order book.
func (s *Store) SetMarketOrders(orders []*Order) {
	book := groupOrders(orders)
	s.mu.Lock()
	s.marketOrders = book
	s.mu.Unlock()
}

// SetTriggerOrders replaces the limit/stop order book.
func (s *Store) SetTriggerOrders(orders []*Order) {
	book := groupOrders(orders)
	s.mu.Lock()
	s.triggerOrders = book
	s.mu.Unlock()
}

func groupOrders(orders []*Order) map[string]map[int64]*Order {
	book := make(map[string]map[int64]*Order)
	for _, o := range orders {
		if o == nil {
			continue
		}
		byID := book[o.Market]
		if byID == nil {
			byID = make(map[int64]*Order)
			book[o.Market] = byID
		}
		byID[o.OrderID] = o
	}
	return book
}

// MarketOrders returns the market orders of market sorted by id.
func (s *Store) MarketOrders(market string) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedOrders(s.marketOrders[market])
}

// TriggerOrders returns the limit/stop orders of market sorted by id.
func (s *Store) TriggerOrders(market string) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedOrders(s.triggerOrders[market])
}

// HasMarketOrders reports whether any market order is pending for market.
func (s *Store) HasMarketOrders(market string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marketOrders[market]) > 0
}

// Order looks an id up in both books.
func (s *Store) Order(id int64) (*Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, book := range []map[string]map[int64]*Order{s.marketOrders, s.triggerOrders} {
		for _, byID := range book {
			if o, ok := byID[id]; ok {
				return o, true
			}
		}
	}
	return nil, false
}

func sortedOrders(byID map[int64]*Order) []*Order {
	out := make([]*Order, 0, len(byID))
	for _, o := range byID {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// --- Positions ---

// SetPositions replaces all positions. Derived P/L of keys that are no
// longer open is dropped with them.
func (s *Store) SetPositions(positions []*Position) {
	next := make(map[string]map[string]*Position)
	open := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		if p == nil {
			continue
		}
		byKey := next[p.Market]
		if byKey == nil {
			byKey = make(map[string]*Position)
			next[p.Market] = byKey
		}
		key := p.Key()
		byKey[key] = p
		open[key] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = next
	for key := range s.positionUPL {
		if _, ok := open[key]; !ok {
			delete(s.positionUPL, key)
		}
	}
}

// Positions returns the positions of market sorted by key.
func (s *Store) Positions(market string) []*Position {
	s.mu.RLock()
	byKey := s.positions[market]
	out := make([]*Position, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// AllPositions returns every position sorted by key.
func (s *Store) AllPositions() []*Position {
	s.mu.RLock()
	var out []*Position
	for _, byKey := range s.positions {
		for _, p := range byKey {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Position looks a position up by its canonical key.
func (s *Store) Position(key string) (*Position, bool) {
	_, market, _, ok := ParsePositionKey(key)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[market][key]
	return p, ok
}

// --- Funding ---

// SetFundingTrackers replaces all funding trackers.
func (s *Store) SetFundingTrackers(trackers map[FundingKey]*big.Int) {
	next := make(map[FundingKey]*big.Int, len(trackers))
	for k, v := range trackers {
		if v != nil {
			next[k] = new(big.Int).Set(v)
		}
	}
	s.mu.Lock()
	s.fundingTrackers = next
	s.mu.Unlock()
}

// FundingTracker returns a copy of the tracker for (asset, market).
func (s *Store) FundingTracker(asset, market string) (*big.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.fundingTrackers[FundingKey{Asset: asset, Market: market}]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

// --- Prices ---

// Price returns the last accepted observation for market.
func (s *Store) Price(market string) (PricePoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[market]
	return p, ok
}

// SetPrice stores an observation. Only the ingestion gate calls this.
func (s *Store) SetPrice(market string, p PricePoint) {
	s.mu.Lock()
	s.prices[market] = p
	s.mu.Unlock()
}

// --- Derived P/L ---

// SetPositionUPL stores the latest unrealized P/L for a position key.
func (s *Store) SetPositionUPL(key, asset string, pnl float64) {
	s.mu.Lock()
	s.positionUPL[key] = uplEntry{asset: asset, pnl: pnl}
	s.mu.Unlock()
}

func (s *Store) PositionUPL(key string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.positionUPL[key]
	return e.pnl, ok
}

// GlobalUPL sums per-position P/L by asset across all markets.
func (s *Store) GlobalUPL() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64)
	for _, e := range s.positionUPL {
		out[e.asset] += e.pnl
	}
	return out
}

// --- Action queues ---

// AddToExecutionQueue enqueues o unless its id is already queued. It reports
// whether the queue changed.
func (s *Store) AddToExecutionQueue(o *Order) bool {
	if o == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executionQueue[o.OrderID]; ok {
		return false
	}
	s.executionQueue[o.OrderID] = o
	return true
}

// AddToLiquidationQueue enqueues key with its market unless already queued.
func (s *Store) AddToLiquidationQueue(key, market string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liquidationQueue[key]; ok {
		return false
	}
	s.liquidationQueue[key] = market
	return true
}

// ExecutionQueue returns a copy of the execution queue.
func (s *Store) ExecutionQueue() map[int64]*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]*Order, len(s.executionQueue))
	for id, o := range s.executionQueue {
		out[id] = o
	}
	return out
}

// LiquidationQueue returns a copy of the liquidation queue.
func (s *Store) LiquidationQueue() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.liquidationQueue))
	for k, m := range s.liquidationQueue {
		out[k] = m
	}
	return out
}

// QueueSizes returns the execution and liquidation queue lengths.
func (s *Store) QueueSizes() (execution, liquidation int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executionQueue), len(s.liquidationQueue)
}

// RemoveOrder purges id from both order books, the execution queue and the
// execution ledger.
func (s *Store) RemoveOrder(id int64) {
	s.mu.Lock()
	for _, book := range []map[string]map[int64]*Order{s.marketOrders, s.triggerOrders} {
		for market, byID := range book {
			delete(byID, id)
			if len(byID) == 0 {
				delete(book, market)
			}
		}
	}
	delete(s.executionQueue, id)
	s.mu.Unlock()

	s.executionLedger.Forget(id)
}

// RemovePosition purges key from the positions, derived P/L, the liquidation
// queue and the liquidation ledger.
func (s *Store) RemovePosition(key string) {
	s.mu.Lock()
	for market, byKey := range s.positions {
		delete(byKey, key)
		if len(byKey) == 0 {
			delete(s.positions, market)
		}
	}
	delete(s.positionUPL, key)
	delete(s.liquidationQueue, key)
	s.mu.Unlock()

	s.liquidationLedger.Forget(key)
}

// RemoveFromLiquidationQueue drops key from the queue only.
func (s *Store) RemoveFromLiquidationQueue(key string) {
	s.mu.Lock()
	delete(s.liquidationQueue, key)
	s.mu.Unlock()
}
