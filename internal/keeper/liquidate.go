package keeper

import (
	"PerpKeeper/internal/chain"
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/state"
	"context"
	"math/big"
	"sort"
)

// LiquidatePositions submits one batch with every eligible queued position.
// Keys that used all their attempts are evicted from the queue and the
// ledger so the same (user, market, asset) can be queued afresh later. Their
// positions stay in the store. A confirmed batch clears every position still
// queued, including ones that were only waiting out their backoff.
func (p *Pipeline) LiquidatePositions(ctx context.Context) error {
	queue := p.store.LiquidationQueue()
	if len(queue) == 0 {
		return nil
	}

	ledger := p.store.LiquidationBackoff()
	now := p.now()

	var keys []string
	for key := range queue {
		if ledger.Exhausted(key) {
			p.store.RemoveFromLiquidationQueue(key)
			ledger.Forget(key)
			delete(queue, key)
			if p.metrics != nil {
				p.metrics.QueueEvicted.WithLabelValues("liquidation").Inc()
			}
			p.logger.Warn().Str("position", key).Msg("liquidation abandoned after max attempts")
			continue
		}
		if !ledger.Eligible(key, now) {
			continue
		}
		ledger.Record(key, now)
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	var users, assets, marketList []string
	markets := make(map[string]struct{})
	for _, key := range keys {
		user, market, asset, ok := state.ParsePositionKey(key)
		if !ok {
			p.logger.Error().Str("position", key).Msg("malformed position key")
			p.store.RemoveFromLiquidationQueue(key)
			ledger.Forget(key)
			delete(queue, key)
			continue
		}
		users = append(users, user)
		assets = append(assets, asset)
		marketList = append(marketList, market)
		markets[market] = struct{}{}
	}
	if len(users) == 0 {
		return nil
	}

	sub := event.NewSubmission(event.KindLiquidatePositions, keys, sortedKeys(markets), p.selector.Current(), now)

	err := p.submitWithPrices(ctx, sub, p.feedIDs(markets), func(data [][]byte, fee *big.Int) (*chain.Receipt, error) {
		return p.chain.LiquidatePositions(ctx, users, assets, marketList, data, fee)
	})
	if err != nil {
		return err
	}

	for key := range queue {
		p.store.RemovePosition(key)
	}
	p.logger.Info().
		Str("tx", sub.TxHash).
		Int("liquidated", len(users)).
		Int("cleared", len(queue)).
		Msg("positions liquidated")
	return nil
}
