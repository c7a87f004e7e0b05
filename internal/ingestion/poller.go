package ingestion

import (
	"PerpKeeper/internal/chain"
	"PerpKeeper/internal/network"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/state"
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ContractReader reads the protocol stores.
type ContractReader interface {
	MarketOrderCount(ctx context.Context) (int64, error)
	MarketOrders(ctx context.Context, length int64) ([]chain.OrderTuple, error)
	TriggerOrderCount(ctx context.Context) (int64, error)
	TriggerOrders(ctx context.Context, length, offset int64) ([]chain.OrderTuple, error)
	PositionCount(ctx context.Context) (int64, error)
	Positions(ctx context.Context, length, offset int64) ([]chain.PositionTuple, error)
	MarketList(ctx context.Context) ([]string, error)
	Markets(ctx context.Context, names []string) ([]chain.MarketTuple, error)
	FundingTrackers(ctx context.Context, assets, markets []string) ([]*big.Int, error)
}

// PollConfig holds cadences and paging for the contract poller.
type PollConfig struct {
	MarketOrders    time.Duration
	TriggerOrders   time.Duration
	Positions       time.Duration
	Markets         time.Duration
	FundingTrackers time.Duration

	PageSize  int64 // max items per read
	OverFetch int64 // extra items requested to catch inserts between count and read

	BootstrapTries int
	BootstrapDelay time.Duration

	StableAsset string
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		MarketOrders:    3 * time.Second,
		TriggerOrders:   10 * time.Second,
		Positions:       30 * time.Second,
		Markets:         60 * time.Second,
		FundingTrackers: 2 * time.Minute,
		PageSize:        1000,
		OverFetch:       10,
		BootstrapTries:  10,
		BootstrapDelay:  2 * time.Second,
	}
}

// Poller refreshes the store from the chain. Each source replaces its store
// slice wholesale and runs on its own cadence.
type Poller struct {
	reader   ContractReader
	store    *state.Store
	selector *network.Selector
	cfg      PollConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewPoller(reader ContractReader, store *state.Store, selector *network.Selector, cfg PollConfig, metrics *observability.Metrics, logger zerolog.Logger) *Poller {
	return &Poller{
		reader:   reader,
		store:    store,
		selector: selector,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Bootstrap loads every source once, retrying the whole fan-out with
// endpoint failover. Funding trackers depend on positions and load last.
func (p *Poller) Bootstrap(ctx context.Context) (network.Outcome, error) {
	return network.WithRetries(ctx, p.selector, p.cfg.BootstrapTries, p.cfg.BootstrapDelay, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return p.PollMarketOrders(gctx) })
		g.Go(func() error { return p.PollTriggerOrders(gctx) })
		g.Go(func() error { return p.PollPositions(gctx) })
		g.Go(func() error { return p.PollMarkets(gctx) })
		if err := g.Wait(); err != nil {
			return err
		}
		return p.PollFundingTrackers(ctx)
	})
}

// Run polls every source on its cadence until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"market_orders", p.cfg.MarketOrders, p.PollMarketOrders},
		{"trigger_orders", p.cfg.TriggerOrders, p.PollTriggerOrders},
		{"positions", p.cfg.Positions, p.PollPositions},
		{"markets", p.cfg.Markets, p.PollMarkets},
		{"funding_trackers", p.cfg.FundingTrackers, p.PollFundingTrackers},
	} {
		src := src
		g.Go(func() error {
			p.every(ctx, src.name, src.interval, src.fn)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

func (p *Poller) every(ctx context.Context, source string, interval time.Duration, fn func(context.Context) error) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		err := fn(ctx)
		if p.metrics != nil {
			p.metrics.PollDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
		}
		if err != nil && ctx.Err() == nil {
			if p.metrics != nil {
				p.metrics.PollErrors.WithLabelValues(source).Inc()
			}
			p.logger.Error().Err(err).Str("source", source).Msg("poll failed")
		}
		timer.Reset(interval)
	}
}

// PollMarketOrders reads count+OverFetch market orders (capped at PageSize).
func (p *Poller) PollMarketOrders(ctx context.Context) error {
	count, err := p.reader.MarketOrderCount(ctx)
	if err != nil {
		return err
	}
	length := min(count+p.cfg.OverFetch, p.cfg.PageSize)

	tuples, err := p.reader.MarketOrders(ctx, length)
	if err != nil {
		return err
	}
	orders, err := p.normalizeOrders(tuples)
	if err != nil {
		return err
	}
	p.store.SetMarketOrders(orders)
	p.logger.Debug().Int("orders", len(orders)).Msg("market orders refreshed")
	return nil
}

// PollTriggerOrders reads all trigger orders, paging by PageSize.
func (p *Poller) PollTriggerOrders(ctx context.Context) error {
	count, err := p.reader.TriggerOrderCount(ctx)
	if err != nil {
		return err
	}
	tuples, err := paginate(ctx, count, p.cfg.PageSize, p.cfg.OverFetch, p.reader.TriggerOrders)
	if err != nil {
		return err
	}
	orders, err := p.normalizeOrders(tuples)
	if err != nil {
		return err
	}
	p.store.SetTriggerOrders(orders)
	p.logger.Debug().Int("orders", len(orders)).Msg("trigger orders refreshed")
	return nil
}

// PollPositions reads all positions, paging by PageSize.
func (p *Poller) PollPositions(ctx context.Context) error {
	count, err := p.reader.PositionCount(ctx)
	if err != nil {
		return err
	}
	tuples, err := paginate(ctx, count, p.cfg.PageSize, p.cfg.OverFetch, p.reader.Positions)
	if err != nil {
		return err
	}

	positions := make([]*state.Position, 0, len(tuples))
	for _, t := range tuples {
		if isZero(t.Size) {
			continue
		}
		pos, err := NormalizePosition(t, p.cfg.StableAsset)
		if err != nil {
			return err
		}
		positions = append(positions, pos)
	}
	p.store.SetPositions(positions)
	p.logger.Debug().Int("positions", len(positions)).Msg("positions refreshed")
	return nil
}

// PollMarkets reads the market list and every market's parameters.
func (p *Poller) PollMarkets(ctx context.Context) error {
	names, err := p.reader.MarketList(ctx)
	if err != nil {
		return err
	}
	tuples, err := p.reader.Markets(ctx, names)
	if err != nil {
		return err
	}
	if len(tuples) != len(names) {
		return fmt.Errorf("markets: got %d entries for %d names", len(tuples), len(names))
	}

	markets := make(map[string]*state.Market, len(names))
	for i, name := range names {
		m := NormalizeMarket(tuples[i])
		m.Name = name
		markets[name] = m
	}
	p.store.SetMarketInfo(markets)
	p.logger.Debug().Int("markets", len(markets)).Msg("markets refreshed")
	return nil
}

// PollFundingTrackers reads trackers for every (asset, market) that has an
// open position.
func (p *Poller) PollFundingTrackers(ctx context.Context) error {
	pairs := make(map[state.FundingKey]struct{})
	for _, pos := range p.store.AllPositions() {
		pairs[state.FundingKey{Asset: pos.Asset, Market: pos.Market}] = struct{}{}
	}
	if len(pairs) == 0 {
		return nil
	}

	keys := make([]state.FundingKey, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Asset != keys[j].Asset {
			return keys[i].Asset < keys[j].Asset
		}
		return keys[i].Market < keys[j].Market
	})

	assets := make([]string, len(keys))
	markets := make([]string, len(keys))
	for i, k := range keys {
		assets[i], markets[i] = k.Asset, k.Market
	}

	values, err := p.reader.FundingTrackers(ctx, assets, markets)
	if err != nil {
		return err
	}
	if len(values) != len(keys) {
		return fmt.Errorf("funding trackers: got %d values for %d pairs", len(values), len(keys))
	}

	trackers := make(map[state.FundingKey]*big.Int, len(keys))
	for i, k := range keys {
		trackers[k] = values[i]
	}
	p.store.SetFundingTrackers(trackers)
	return nil
}

func (p *Poller) normalizeOrders(tuples []chain.OrderTuple) ([]*state.Order, error) {
	orders := make([]*state.Order, 0, len(tuples))
	for _, t := range tuples {
		if isZero(t.Size) {
			continue
		}
		o, err := NormalizeOrder(t, p.cfg.StableAsset)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// paginate reads count items. Small sets are read in one call with
// overFetch extra slots; larger ones page by pageSize.
func paginate[T any](ctx context.Context, count, pageSize, overFetch int64, read func(ctx context.Context, length, offset int64) ([]T, error)) ([]T, error) {
	if count <= pageSize {
		return read(ctx, count+overFetch, 0)
	}

	var out []T
	for offset := int64(0); offset < count; offset += pageSize {
		page, err := read(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", offset, err)
		}
		out = append(out, page...)
	}
	return out, nil
}
