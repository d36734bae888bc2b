package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// operations into the deterministic core via opChan. JetStream is the
// primary high-throughput ingestion surface; each operation family has
// its own subject so they scale independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	opChan    chan<- RawOperation
	consumers []jetstream.ConsumeContext
}

// RawOperation is the delivered-but-untyped message from NATS, ready for
// the shell to parse into a typed event.Operation before handing to the
// core.
type RawOperation struct {
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func() // ACK after successful processing
	NakFunc  func() // NAK on failure (redelivered)
}

// SubjectConfig maps NATS subjects to operation families
type SubjectConfig struct {
	Subject      string
	OpType       string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lend.supply.>", OpType: "Supply", ConsumerName: "ledger-supply", StreamName: "LEND_OPS"},
		{Subject: "lend.withdraw.>", OpType: "Withdraw", ConsumerName: "ledger-withdraw", StreamName: "LEND_OPS"},
		{Subject: "lend.borrow.>", OpType: "Borrow", ConsumerName: "ledger-borrow", StreamName: "LEND_OPS"},
		{Subject: "lend.repay.>", OpType: "Repay", ConsumerName: "ledger-repay", StreamName: "LEND_OPS"},
		{Subject: "lend.liquidate.>", OpType: "Liquidate", ConsumerName: "ledger-liquidate", StreamName: "LEND_OPS"},
		{Subject: "lend.prices.>", OpType: "PriceUpdate", ConsumerName: "ledger-prices", StreamName: "LEND_PRICES"},
		{Subject: "lend.admin.>", OpType: "Admin", ConsumerName: "ledger-admin", StreamName: "LEND_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, opChan chan<- RawOperation) *NATSSubscriber {
	return &NATSSubscriber{
		js:     js,
		opChan: opChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawOperation{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				AckFunc:  func() { msg.Ack() },
				NakFunc:  func() { msg.Nak() },
			}

			select {
			case ns.opChan <- raw:
				// Queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LEND_OPS",
			Subjects:  []string{"lend.supply.>", "lend.withdraw.>", "lend.borrow.>", "lend.repay.>", "lend.liquidate.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_PRICES",
			Subjects:  []string{"lend.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEND_ADMIN",
			Subjects:  []string{"lend.admin.>"},
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
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
