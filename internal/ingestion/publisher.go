package ingestion

import (
	"PerpKeeper/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream        = "KEEPER_EVENTS"
	EventSubjectPrefix = "keeper.events"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes submission events for downstream consumers on
// keeper.events.{kind}.{status}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan *event.Submission
	logger    zerolog.Logger
}

// submissionJSON is the outbound wire format.
type submissionJSON struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Keys        []string  `json:"keys"`
	Markets     []string  `json:"markets,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Error       string    `json:"error,omitempty"`
	Endpoint    string    `json:"endpoint"`
	SubmittedAt time.Time `json:"submitted_at"`
	DurationMs  int64     `json:"duration_ms"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan *event.Submission, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx ends or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, sub); err != nil {
				// Non-fatal: the audit log has the same record.
				op.logger.Warn().Err(err).Str("id", sub.ID.String()).Msg("outbound publish failed")
			}
		}
	}
}

// SubjectFor returns the subject a submission is published on.
func SubjectFor(sub *event.Submission) string {
	return fmt.Sprintf("%s.%s.%s", EventSubjectPrefix, sub.Kind, sub.Status)
}

func (op *OutboundPublisher) publish(ctx context.Context, sub *event.Submission) error {
	data, err := json.Marshal(submissionJSON{
		ID:          sub.ID.String(),
		Kind:        sub.Kind.String(),
		Status:      sub.Status.String(),
		Keys:        sub.Keys,
		Markets:     sub.Markets,
		TxHash:      sub.TxHash,
		BlockNumber: sub.BlockNumber,
		Error:       sub.Error,
		Endpoint:    sub.Endpoint,
		SubmittedAt: sub.SubmittedAt.UTC(),
		DurationMs:  sub.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	_, err = op.js.Publish(ctx, SubjectFor(sub), data, jetstream.WithMsgID(sub.ID.String()))
	return err
}
