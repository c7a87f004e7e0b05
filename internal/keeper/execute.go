package keeper

import (
	"PerpKeeper/internal/chain"
	"PerpKeeper/internal/event"
	"context"
	"math/big"
	"sort"
	"strconv"
)

// ExecuteOrders submits one batch with every eligible queued order. On a
// successful receipt every order of the pre-batch queue snapshot is removed,
// including ones skipped by backoff.
func (p *Pipeline) ExecuteOrders(ctx context.Context) error {
	queue := p.store.ExecutionQueue()
	if len(queue) == 0 {
		return nil
	}

	ledger := p.store.ExecutionBackoff()
	now := p.now()

	var ids []int64
	markets := make(map[string]struct{})
	for id, o := range queue {
		if ledger.Exhausted(id) {
			if _, listed := p.store.Order(id); !listed {
				// No longer on chain: nothing left to retry.
				p.store.RemoveOrder(id)
				if p.metrics != nil {
					p.metrics.QueueEvicted.WithLabelValues("execution").Inc()
				}
			}
			continue
		}
		if !ledger.Eligible(id, now) {
			continue
		}
		a := ledger.Record(id, now)
		p.logger.Debug().Int64("order_id", id).Int("attempt", a.Count).Msg("order included in batch")

		ids = append(ids, id)
		markets[o.Market] = struct{}{}
	}
	if len(ids) == 0 {
		return nil
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strconv.FormatInt(id, 10)
	}
	sub := event.NewSubmission(event.KindExecuteOrders, keys, sortedKeys(markets), p.selector.Current(), now)

	err := p.submitWithPrices(ctx, sub, p.feedIDs(markets), func(data [][]byte, fee *big.Int) (*chain.Receipt, error) {
		return p.chain.ExecuteOrders(ctx, ids, data, fee)
	})
	if err != nil {
		return err
	}

	for id := range queue {
		p.store.RemoveOrder(id)
	}
	p.logger.Info().
		Str("tx", sub.TxHash).
		Int("executed", len(ids)).
		Int("cleared", len(queue)).
		Msg("orders executed")
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
