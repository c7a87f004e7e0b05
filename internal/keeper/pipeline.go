package keeper

import (
	"PerpKeeper/internal/chain"
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/network"
	"PerpKeeper/internal/observability"
	"PerpKeeper/internal/state"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

var ErrReceiptFailed = errors.New("transaction reverted")

// Chain is the transaction capability the pipeline needs.
type Chain interface {
	ExecuteOrders(ctx context.Context, ids []int64, data [][]byte, fee *big.Int) (*chain.Receipt, error)
	LiquidatePositions(ctx context.Context, users, assets, markets []string, data [][]byte, fee *big.Int) (*chain.Receipt, error)
	UpdateGlobalUPLs(ctx context.Context, assets []string, upls []*big.Int) (*chain.Receipt, error)
	UpdateFee(ctx context.Context, data [][]byte) (*big.Int, error)
}

// PriceUpdates fetches signed off-chain price payloads for feed ids.
type PriceUpdates interface {
	PriceUpdateData(ctx context.Context, feedIDs []string) ([][]byte, error)
}

// Config tunes the submission pipeline.
type Config struct {
	Interval             time.Duration // pause between cycles
	StepTimeout          time.Duration // bound on one step, receipt wait included
	UPLInterval          time.Duration
	UPLMaxFailures       int
	ExecutionRetention   time.Duration // ledger entries older than this are forgotten
	LiquidationRetention time.Duration
	StableAsset          string // settlement asset address, 6 decimals
}

func DefaultConfig() Config {
	return Config{
		Interval:             2 * time.Second,
		StepTimeout:          2 * time.Minute,
		UPLInterval:          15 * time.Minute,
		UPLMaxFailures:       5,
		ExecutionRetention:   48 * time.Hour,
		LiquidationRetention: 7 * 24 * time.Hour,
	}
}

// Pipeline drains the action queues on a fixed cadence. It owns the signing
// identity: only its goroutine submits transactions, one step at a time.
type Pipeline struct {
	cfg      Config
	store    *state.Store
	chain    Chain
	prices   PriceUpdates
	selector *network.Selector

	audit   chan<- *event.Submission // blocking
	publish chan<- *event.Submission // best effort
	health  *observability.HealthChecker

	now         func() time.Time
	lastUPL     time.Time
	uplFailures int

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPipeline(
	cfg Config,
	store *state.Store,
	c Chain,
	prices PriceUpdates,
	selector *network.Selector,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		chain:    c,
		prices:   prices,
		selector: selector,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger,
	}
}

// WithClock replaces the wall clock used for backoff and UPL scheduling.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithAudit sends every submission to ch, blocking until accepted.
func (p *Pipeline) WithAudit(ch chan<- *event.Submission) *Pipeline {
	p.audit = ch
	return p
}

// WithPublisher offers every submission to ch, dropping it when ch is full.
func (p *Pipeline) WithPublisher(ch chan<- *event.Submission) *Pipeline {
	p.publish = ch
	return p
}

// WithHealth marks each completed cycle on h.
func (p *Pipeline) WithHealth(h *observability.HealthChecker) *Pipeline {
	p.health = h
	return p
}

// Run executes cycles until ctx is cancelled. A cycle already in progress is
// allowed to finish; its steps are bounded by StepTimeout instead of ctx.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info().Dur("interval", p.cfg.Interval).Msg("submission pipeline started")

	cycleCtx := context.WithoutCancel(ctx)
	for {
		p.RunCycle(cycleCtx)

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info().Msg("submission pipeline stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type step struct {
	name string
	fn   func(context.Context) error
	// revertStays keeps the endpoint after a reverted receipt.
	revertStays bool
}

// RunCycle runs execute, liquidate and publish-UPL once, in that order. A
// failing step is logged and advances the endpoint selector, except when an
// execute or liquidate batch was mined and reverted. A failure never
// prevents the following steps.
func (p *Pipeline) RunCycle(ctx context.Context) {
	start := time.Now()

	for _, s := range []step{
		{"execute_orders", p.ExecuteOrders, true},
		{"liquidate_positions", p.LiquidatePositions, true},
		{"global_upl", p.PublishGlobalUPL, false},
	} {
		stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
		err := s.fn(stepCtx)
		cancel()
		if err == nil {
			continue
		}
		p.logger.Error().Err(err).Str("step", s.name).Msg("submission step failed")
		if s.revertStays && errors.Is(err, ErrReceiptFailed) {
			continue
		}
		p.selector.Advance()
	}

	p.prune()

	if p.metrics != nil {
		p.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		p.metrics.SetQueueSizes(p.store.QueueSizes())
	}
	if p.health != nil {
		p.health.MarkCycle(p.now())
	}
}

// prune forgets ledger entries that have not been touched for a long time.
func (p *Pipeline) prune() {
	now := p.now()
	if p.cfg.ExecutionRetention > 0 {
		if n := p.store.ExecutionBackoff().Prune(now.Add(-p.cfg.ExecutionRetention)); n > 0 {
			p.logger.Debug().Int("entries", n).Msg("pruned execution ledger")
		}
	}
	if p.cfg.LiquidationRetention > 0 {
		if n := p.store.LiquidationBackoff().Prune(now.Add(-p.cfg.LiquidationRetention)); n > 0 {
			p.logger.Debug().Int("entries", n).Msg("pruned liquidation ledger")
		}
	}
}

// feedIDs maps markets to their price feeds, sorted and deduplicated.
func (p *Pipeline) feedIDs(markets map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(markets))
	var feeds []string
	for name := range markets {
		m, ok := p.store.Market(name)
		if !ok || m.PythFeed == "" {
			p.logger.Warn().Str("market", name).Msg("no price feed for market")
			continue
		}
		if _, dup := seen[m.PythFeed]; dup {
			continue
		}
		seen[m.PythFeed] = struct{}{}
		feeds = append(feeds, m.PythFeed)
	}
	sort.Strings(feeds)
	return feeds
}

// submitWithPrices fetches price payloads and the update fee, then sends.
func (p *Pipeline) submitWithPrices(
	ctx context.Context,
	sub *event.Submission,
	feeds []string,
	send func(data [][]byte, fee *big.Int) (*chain.Receipt, error),
) error {
	data, err := p.prices.PriceUpdateData(ctx, feeds)
	if err != nil {
		return p.finish(ctx, sub, nil, fmt.Errorf("price update data: %w", err))
	}
	fee, err := p.chain.UpdateFee(ctx, data)
	if err != nil {
		return p.finish(ctx, sub, nil, fmt.Errorf("update fee: %w", err))
	}
	receipt, err := send(data, fee)
	return p.finish(ctx, sub, receipt, err)
}

// finish classifies the attempt, reports it and returns the step error.
func (p *Pipeline) finish(ctx context.Context, sub *event.Submission, receipt *chain.Receipt, err error) error {
	sub.Duration = p.now().Sub(sub.SubmittedAt)

	switch {
	case err != nil:
		sub.Status = event.StatusFailed
		sub.Error = err.Error()
	case receipt == nil || !receipt.Success:
		sub.Status = event.StatusReverted
		if receipt != nil {
			sub.TxHash = receipt.TxHash
			sub.BlockNumber = receipt.BlockNumber
		}
		err = fmt.Errorf("%w: %s %s", ErrReceiptFailed, sub.Kind, sub.TxHash)
		sub.Error = err.Error()
	default:
		sub.Status = event.StatusConfirmed
		sub.TxHash = receipt.TxHash
		sub.BlockNumber = receipt.BlockNumber
	}

	if p.metrics != nil {
		p.metrics.Submissions.WithLabelValues(sub.Kind.String(), sub.Status.String()).Inc()
		p.metrics.SubmitDuration.WithLabelValues(sub.Kind.String()).Observe(sub.Duration.Seconds())
	}
	p.emit(ctx, sub)
	return err
}

func (p *Pipeline) emit(ctx context.Context, sub *event.Submission) {
	if p.audit != nil {
		select {
		case p.audit <- sub:
		case <-ctx.Done():
			p.logger.Warn().Str("id", sub.ID.String()).Msg("audit channel blocked, submission not recorded")
		}
	}
	if p.publish != nil {
		select {
		case p.publish <- sub:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
		}
	}
}
