package network

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// Outcome is the explicit result of WithRetries.
type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted
)

func (o Outcome) String() string {
	if o == Succeeded {
		return "succeeded"
	}
	return "exhausted"
}

// Operation is one network-bound attempt.
type Operation func(ctx context.Context) error

// WithRetries runs op up to tries times. After each failure that leaves tries
// remaining, the selector advances and WithRetries waits delay. On
// exhaustion the last error is logged and returned wrapped in
// ErrRetriesExhausted; callers decide whether that is fatal.
func WithRetries(ctx context.Context, sel *Selector, tries int, delay time.Duration, op Operation) (Outcome, error) {
	logger := sel.Logger()
	if tries < 1 {
		tries = 1
	}

	for remaining := tries; ; remaining-- {
		err := op(ctx)
		if err == nil {
			return Succeeded, nil
		}

		if remaining <= 1 {
			logger.Error().Err(err).Int("tries", tries).Msg("max retries reached")
			return Exhausted, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		logger.Warn().Err(err).Int("remaining", remaining-1).Dur("delay", delay).Msg("operation failed, retrying")
		sel.Advance()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Exhausted, ctx.Err()
		case <-timer.C:
		}
	}
}
