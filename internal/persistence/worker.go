package persistence

import (
	"PerpKeeper/internal/event"
	"PerpKeeper/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AuditWorker drains the submission channel and batch-writes to Postgres.
// The pipeline sends on the channel with a blocking send, so a slow worker
// slows the pipeline instead of losing records.
type AuditWorker struct {
	db           *sql.DB
	writer       *AuditWriter
	inputChan    <-chan *event.Submission
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewAuditWorker(
	db *sql.DB,
	inputChan <-chan *event.Submission,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *AuditWorker {
	if batchSize < 1 {
		batchSize = 1
	}
	return &AuditWorker{
		db:           db,
		writer:       NewAuditWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// Writer exposes the worker's writer for read queries.
func (aw *AuditWorker) Writer() *AuditWriter {
	return aw.writer
}

// Run batches incoming submissions and flushes when the batch is full or
// the flush timeout expires. When the input channel is closed the remaining
// batch is flushed and Run returns nil.
func (aw *AuditWorker) Run(ctx context.Context) error {
	batch := make([]*event.Submission, 0, aw.batchSize)

	timer := time.NewTimer(aw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := aw.flush(context.Background(), batch); err != nil {
					aw.logger.Error().Err(err).Int("records", len(batch)).Msg("final audit flush failed")
				}
			}
			return ctx.Err()

		case sub, ok := <-aw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := aw.flush(context.Background(), batch); err != nil {
						aw.logger.Error().Err(err).Int("records", len(batch)).Msg("final audit flush failed")
					}
				}
				return nil
			}

			batch = append(batch, sub)
			if len(batch) >= aw.batchSize {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Msg("audit flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(aw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := aw.flushWithRetry(ctx, batch); err != nil {
					aw.logger.Error().Err(err).Msg("audit flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(aw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without ctx.
func (aw *AuditWorker) flushWithRetry(ctx context.Context, batch []*event.Submission) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			aw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("records", len(batch)).Msg("audit retry")
			if aw.metrics != nil {
				aw.metrics.AuditRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := aw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > aw.maxBackoff {
				backoff = aw.maxBackoff
			}
		}

		err := aw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				aw.logger.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		aw.logger.Warn().Err(err).Msg("audit flush failed")
	}
}

func (aw *AuditWorker) flush(ctx context.Context, batch []*event.Submission) error {
	start := time.Now()

	tx, err := aw.db.BeginTx(ctx, nil)
	if err != nil {
		aw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := aw.writer.WriteSubmissions(ctx, tx, batch); err != nil {
		aw.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		aw.countError("tx_commit")
		return err
	}

	if aw.metrics != nil {
		aw.metrics.AuditBatchDur.Observe(time.Since(start).Seconds())
		aw.metrics.AuditWritten.Add(float64(len(batch)))
	}
	return nil
}

func (aw *AuditWorker) countError(kind string) {
	if aw.metrics != nil {
		aw.metrics.AuditErrors.WithLabelValues(kind).Inc()
	}
}
