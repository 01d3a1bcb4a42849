package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Publisher pushes scan outcomes to downstream consumers. Subjects follow
// settle.notifications.{kind}. Publish failures are surfaced to the caller;
// the scanners treat them as retryable because the working sets keep the
// rows until resolved.
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js, log: observability.NewLogger("notifier")}
}

type timeoutNotification struct {
	TransferID string    `json:"transferId"`
	PayerFsp   string    `json:"payerFsp"`
	PayeeFsp   string    `json:"payeeFsp"`
	State      string    `json:"state"`
	Expiration time.Time `json:"expiration"`
	ErrorCode  int       `json:"errorCode"`
	Timestamp  time.Time `json:"timestamp"`
}

type fxTimeoutNotification struct {
	CommitRequestID       string    `json:"commitRequestId"`
	DeterminingTransferID string    `json:"determiningTransferId"`
	InitiatingFsp         string    `json:"initiatingFsp"`
	CounterPartyFsp       string    `json:"counterPartyFsp"`
	State                 string    `json:"state"`
	Expiration            time.Time `json:"expiration"`
	ErrorCode             int       `json:"errorCode"`
	Timestamp             time.Time `json:"timestamp"`
}

type forwardedNotification struct {
	TransferID   string    `json:"transferId"`
	PayerFsp     string    `json:"payerFsp"`
	PayeeFsp     string    `json:"payeeFsp"`
	AttemptCount int       `json:"attemptCount"`
	Timestamp    time.Time `json:"timestamp"`
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// NotifyTimedOut publishes one notification per expired transfer. The error
// code 3303 matches the persisted expiry error record.
func (p *Publisher) NotifyTimedOut(ctx context.Context, result *store.TimeoutResult) error {
	now := time.Now().UTC()
	for _, t := range result.Transfers {
		payerFsp := t.PayerFsp
		if t.ExternalPayerName.Valid {
			payerFsp = t.ExternalPayerName.String
		}
		payeeFsp := t.PayeeFsp
		if t.ExternalPayeeName.Valid {
			payeeFsp = t.ExternalPayeeName.String
		}
		n := timeoutNotification{
			TransferID: t.TransferID,
			PayerFsp:   payerFsp,
			PayeeFsp:   payeeFsp,
			State:      string(t.TransferStateID),
			Expiration: t.ExpirationDate,
			ErrorCode:  ledger.ErrCodeTransferExpired,
			Timestamp:  now,
		}
		if err := p.publish(ctx, "settle.notifications.timeout", n); err != nil {
			return err
		}
	}
	for _, t := range result.FxTransfers {
		n := fxTimeoutNotification{
			CommitRequestID:       t.CommitRequestID,
			DeterminingTransferID: t.DeterminingTransferID,
			InitiatingFsp:         t.InitiatingFsp,
			CounterPartyFsp:       t.CounterPartyFsp,
			State:                 string(t.TransferStateID),
			Expiration:            t.ExpirationDate,
			ErrorCode:             ledger.ErrCodeTransferExpired,
			Timestamp:             now,
		}
		if err := p.publish(ctx, "settle.notifications.fx-timeout", n); err != nil {
			return err
		}
	}
	p.log.Info().Int("transfers", len(result.Transfers)).
		Int("fx_transfers", len(result.FxTransfers)).
		Msg("timeout notifications published")
	return nil
}

// NotifyForwarded re-announces forwarded transfers still awaiting a proxy
// response.
func (p *Publisher) NotifyForwarded(ctx context.Context, result *store.ForwardedResult) error {
	now := time.Now().UTC()
	for _, t := range result.Transfers {
		n := forwardedNotification{
			TransferID:   t.TransferID,
			PayerFsp:     t.PayerFsp,
			PayeeFsp:     t.PayeeFsp,
			AttemptCount: t.AttemptCount,
			Timestamp:    now,
		}
		if err := p.publish(ctx, "settle.notifications.forwarded", n); err != nil {
			return err
		}
	}
	for _, t := range result.FxTransfers {
		n := fxTimeoutNotification{
			CommitRequestID:       t.CommitRequestID,
			DeterminingTransferID: t.DeterminingTransferID,
			InitiatingFsp:         t.InitiatingFsp,
			CounterPartyFsp:       t.CounterPartyFsp,
			State:                 string(t.TransferStateID),
			Expiration:            t.ExpirationDate,
			Timestamp:             now,
		}
		if err := p.publish(ctx, "settle.notifications.fx-forwarded", n); err != nil {
			return err
		}
	}
	return nil
}

// EnsureNotificationStream creates the outbound stream if it doesn't exist.
func EnsureNotificationStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SETTLE_NOTIFICATIONS",
		Subjects:  []string{"settle.notifications.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create notification stream: %w", err)
	}
	return nil
}
