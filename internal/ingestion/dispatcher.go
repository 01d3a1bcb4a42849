package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"SettleLedger/internal/engine"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/position"
	"SettleLedger/internal/reconciliation"
	"SettleLedger/internal/store"
)

// TransferEngine is the lifecycle surface the dispatcher drives.
type TransferEngine interface {
	Prepare(ctx context.Context, p ledger.PreparePayload) (*engine.PrepareResult, error)
	ApplyOutcome(ctx context.Context, p ledger.FulfilPayload, action ledger.Action) (*engine.OutcomeResult, error)
}

// FundsOrchestrator is the administrative fund-movement surface.
type FundsOrchestrator interface {
	RecordFundsIn(ctx context.Context, p ledger.FundsPayload) error
	RecordFundsOutPrepareReserve(ctx context.Context, p ledger.FundsPayload) error
	RecordFundsOutCommit(ctx context.Context, transferID string) error
	RecordFundsOutAbort(ctx context.Context, transferID, reason string) error
}

// PositionReserver is the payer-reservation surface invoked after a valid
// prepare.
type PositionReserver interface {
	ReserveBatch(ctx context.Context, payerCurrencyID int64, items []ledger.BatchItem) ([]ledger.BatchDecision, error)
}

// FxResolver is the conversion-linkage surface.
type FxResolver interface {
	Prepare(ctx context.Context, fx store.FxTransfer) error
	FulfilDependent(ctx context.Context, commitRequestID string) error
	SettleDependents(ctx context.Context, determiningTransferID string) error
}

// Dispatcher drains the raw event channel and routes each message by
// subject. Rejected payloads are acked so they don't redeliver; transient
// failures are nak'd for retry.
type Dispatcher struct {
	eventChan   <-chan RawEvent
	engine      TransferEngine
	positions   PositionReserver
	funds       FundsOrchestrator
	fx          FxResolver
	amountScale int32
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func NewDispatcher(eventChan <-chan RawEvent, eng TransferEngine, positions PositionReserver, funds FundsOrchestrator, fx FxResolver, amountScale int32, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		eventChan:   eventChan,
		engine:      eng,
		positions:   positions,
		funds:       funds,
		fx:          fx,
		amountScale: amountScale,
		metrics:     metrics,
		log:         observability.NewLogger("dispatcher"),
	}
}

// Run drains events until the context is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-d.eventChan:
			if !ok {
				return nil
			}
			d.handle(ctx, evt)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, evt RawEvent) {
	started := time.Now()
	err := d.route(ctx, evt)

	if d.metrics != nil {
		d.metrics.RequestDuration.WithLabelValues(evt.Subject).Observe(time.Since(started).Seconds())
	}
	switch {
	case err == nil:
		evt.AckFunc()
	case ledger.IsValidation(err), isConflict(err):
		// Malformed or rejected for business reasons; redelivery cannot
		// change the outcome.
		d.log.Warn().Err(err).Str("subject", evt.Subject).Msg("request rejected")
		if d.metrics != nil && isConflict(err) {
			d.metrics.DuplicateConflicts.WithLabelValues(evt.Subject).Inc()
		}
		evt.AckFunc()
	default:
		d.log.Error().Err(err).Str("subject", evt.Subject).Msg("request failed, will redeliver")
		evt.NakFunc()
	}
}

func (d *Dispatcher) route(ctx context.Context, evt RawEvent) error {
	switch evt.Subject {
	case "settle.transfers.prepare":
		p, err := ParsePrepare(evt.Data)
		if err != nil {
			return err
		}
		res, err := d.engine.Prepare(ctx, p)
		if err != nil {
			return err
		}
		if res.Replayed || res.State != ledger.StateReceivedPrepare {
			return nil
		}
		// Reservation runs against the payer position under its row lock; a
		// net-debit-cap decline lands the transfer in ABORTED_REJECTED there.
		_, err = d.positions.ReserveBatch(ctx, res.PayerCurrencyID, []ledger.BatchItem{
			{TransferID: res.TransferID, Amount: res.Amount},
		})
		return err

	case "settle.transfers.fulfil", "settle.transfers.error":
		p, action, err := ParseFulfil(evt.Data)
		if err != nil {
			return err
		}
		res, err := d.engine.ApplyOutcome(ctx, p, action)
		if err != nil {
			return err
		}
		if res.State == ledger.StateCommitted && !res.Replayed {
			// Held conversions settle with their determining transfer.
			return d.fx.SettleDependents(ctx, p.TransferID)
		}
		return nil

	case "settle.fx.prepare":
		fx, err := ParseFxPrepare(evt.Data, d.amountScale)
		if err != nil {
			return err
		}
		return d.fx.Prepare(ctx, fx)

	case "settle.fx.fulfil":
		commitRequestID, err := ParseFxFulfil(evt.Data)
		if err != nil {
			return err
		}
		return d.fx.FulfilDependent(ctx, commitRequestID)

	case "settle.admin.funds-in":
		p, err := ParseFunds(evt.Data)
		if err != nil {
			return err
		}
		return d.funds.RecordFundsIn(ctx, p)

	case "settle.admin.funds-out.prepare":
		p, err := ParseFunds(evt.Data)
		if err != nil {
			return err
		}
		return d.funds.RecordFundsOutPrepareReserve(ctx, p)

	case "settle.admin.funds-out.commit":
		p, err := ParseFunds(evt.Data)
		if err != nil {
			return err
		}
		return d.funds.RecordFundsOutCommit(ctx, p.TransferID)

	case "settle.admin.funds-out.abort":
		p, err := ParseFunds(evt.Data)
		if err != nil {
			return err
		}
		return d.funds.RecordFundsOutAbort(ctx, p.TransferID, p.Reason)

	default:
		return &ledger.ValidationError{Reason: "unknown subject " + evt.Subject}
	}
}

func isConflict(err error) bool {
	var dce *ledger.DuplicateConflictError
	return errors.As(err, &dce)
}

var _ TransferEngine = (*engine.Engine)(nil)
var _ PositionReserver = (*position.Engine)(nil)
var _ FundsOrchestrator = (*reconciliation.Orchestrator)(nil)
