package keeper

import (
	"PerpKeeper/internal/event"
	fpmath "PerpKeeper/internal/math"
	"context"
	"math/big"
	"sort"
)

// PublishGlobalUPL sends per-asset unrealized P/L totals at most once per
// UPLInterval. A failure rolls the schedule back so the next cycle retries,
// unless UPLMaxFailures consecutive failures have piled up, in which case the
// run is skipped until the next interval.
func (p *Pipeline) PublishGlobalUPL(ctx context.Context) error {
	now := p.now()
	if !p.lastUPL.IsZero() && now.Sub(p.lastUPL) < p.cfg.UPLInterval {
		return nil
	}

	prev := p.lastUPL
	p.lastUPL = now

	totals := p.store.GlobalUPL()
	if len(totals) == 0 {
		return nil
	}

	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	upls := make([]*big.Int, len(assets))
	for i, asset := range assets {
		upls[i] = fpmath.ParseUnits(totals[asset], fpmath.AssetDecimals(asset, p.cfg.StableAsset))
	}

	sub := event.NewSubmission(event.KindGlobalUPL, assets, nil, p.selector.Current(), now)
	receipt, err := p.chain.UpdateGlobalUPLs(ctx, assets, upls)
	if err := p.finish(ctx, sub, receipt, err); err != nil {
		p.uplFailures++
		if p.uplFailures >= p.cfg.UPLMaxFailures {
			p.logger.Error().Int("failures", p.uplFailures).Msg("global upl publish keeps failing, skipping this interval")
			p.uplFailures = 0
		} else {
			p.lastUPL = prev
		}
		return err
	}

	p.uplFailures = 0
	if p.metrics != nil {
		for _, asset := range assets {
			p.metrics.GlobalUPL.WithLabelValues(asset).Set(totals[asset])
		}
	}
	p.logger.Info().Str("tx", sub.TxHash).Int("assets", len(assets)).Msg("global upl published")
	return nil
}
