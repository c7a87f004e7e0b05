package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PriceStream   = "KEEPER_PRICES"
	PriceSubjects = "keeper.prices.>"
)

// NATSSubscriber consumes externally published price ticks from JetStream
// and forwards them to the price loop. Messages are acked once the gate has
// seen them and terminated when they cannot be parsed.
type NATSSubscriber struct {
	js       jetstream.JetStream
	ticks    chan<- PriceTick
	consumer string
	consume  jetstream.ConsumeContext
	logger   zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, ticks chan<- PriceTick, consumer string, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		ticks:    ticks,
		consumer: consumer,
		logger:   logger,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Only new messages are delivered: old prices are useless to the gate.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       ns.consumer,
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ns.consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		tick, err := ParsePriceTick(msg.Subject(), msg.Data())
		if err != nil {
			ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price message")
			msg.Term()
			return
		}
		tick.AckFunc = func() { msg.Ack() }

		select {
		case ns.ticks <- tick:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ns.consumer, err)
	}

	ns.consume = cc
	ns.logger.Info().Str("subject", PriceSubjects).Str("consumer", ns.consumer).Msg("subscribed to price ticks")
	return nil
}

// Stop stops message delivery.
func (ns *NATSSubscriber) Stop() {
	if ns.consume != nil {
		ns.consume.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the inbound price stream and the outbound event
// stream if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PriceStream,
			Subjects:  []string{PriceSubjects},
			Storage:   jetstream.MemoryStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    10 * time.Minute,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpkeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
