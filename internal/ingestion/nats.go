package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"SettleLedger/internal/observability"
)

// Subscriber consumes JetStream subjects and feeds raw events into the
// dispatcher via eventChan. Each subject maps to one request kind so
// consumers scale independently.
type Subscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is a parsed-but-untyped inbound message, ready for the dispatcher
// to validate and route.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig binds one subject to its durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects is the standard subject layout: one subject per request
// kind, transfers and admin on separate streams.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "settle.transfers.prepare", ConsumerName: "ledger-prepare", StreamName: "SETTLE_TRANSFERS"},
		{Subject: "settle.transfers.fulfil", ConsumerName: "ledger-fulfil", StreamName: "SETTLE_TRANSFERS"},
		{Subject: "settle.transfers.error", ConsumerName: "ledger-error", StreamName: "SETTLE_TRANSFERS"},
		{Subject: "settle.fx.prepare", ConsumerName: "ledger-fx-prepare", StreamName: "SETTLE_TRANSFERS"},
		{Subject: "settle.fx.fulfil", ConsumerName: "ledger-fx-fulfil", StreamName: "SETTLE_TRANSFERS"},
		{Subject: "settle.admin.funds-in", ConsumerName: "ledger-funds-in", StreamName: "SETTLE_ADMIN"},
		{Subject: "settle.admin.funds-out.prepare", ConsumerName: "ledger-funds-out-prepare", StreamName: "SETTLE_ADMIN"},
		{Subject: "settle.admin.funds-out.commit", ConsumerName: "ledger-funds-out-commit", StreamName: "SETTLE_ADMIN"},
		{Subject: "settle.admin.funds-out.abort", ConsumerName: "ledger-funds-out-abort", StreamName: "SETTLE_ADMIN"},
	}
}

func NewSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *Subscriber {
	return &Subscriber{js: js, eventChan: eventChan}
}

// Subscribe creates durable consumers for every configured subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	log := observability.NewLogger("ingestion")
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case s.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, cc)
		log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
}

// EnsureStreams creates the inbound streams if they don't exist. Streams use
// file storage with limits retention and a 72h age cap.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "SETTLE_TRANSFERS",
			Subjects:  []string{"settle.transfers.>", "settle.fx.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SETTLE_ADMIN",
			Subjects:  []string{"settle.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	log := observability.NewLogger("ingestion")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
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
