package position

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Store is the slice of the persistence facade the position engine drives.
type Store interface {
	ChangePosition(ctx context.Context, participantCurrencyID int64, isReversal bool, amount decimal.Decimal, sc store.PositionStateChange) (decimal.Decimal, error)
	PrepareChangePositionBatch(ctx context.Context, participantCurrencyID int64, items []ledger.BatchItem) ([]ledger.BatchDecision, error)
	ReleaseReservation(ctx context.Context, trx *sql.Tx, participantCurrencyID int64, amount decimal.Decimal) error
	PositionByCurrencyID(ctx context.Context, participantCurrencyID int64) (*store.ParticipantPosition, error)
}

// Engine is the position accounting surface: single-leg mutations and the
// batched reservation path. All locking lives in the store; this layer owns
// the policy and the instrumentation.
type Engine struct {
	store   Store
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(st Store, metrics *observability.Metrics) *Engine {
	return &Engine{store: st, metrics: metrics, log: observability.NewLogger("position")}
}

// ApplyLeg applies one signed mutation with its state row. isReversal
// reverses a prior reservation instead of re-applying it.
func (e *Engine) ApplyLeg(ctx context.Context, participantCurrencyID int64, isReversal bool, amount decimal.Decimal, sc store.PositionStateChange) (decimal.Decimal, error) {
	return e.store.ChangePosition(ctx, participantCurrencyID, isReversal, amount, sc)
}

// ReserveBatch reserves a batch of prepared transfers against a single payer
// position under one row lock, in arrival order.
func (e *Engine) ReserveBatch(ctx context.Context, payerCurrencyID int64, items []ledger.BatchItem) ([]ledger.BatchDecision, error) {
	decisions, err := e.store.PrepareChangePositionBatch(ctx, payerCurrencyID, items)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		for _, d := range decisions {
			if d.Reserved {
				e.metrics.TransfersReserved.Inc()
			} else {
				e.metrics.TransfersDeclined.Inc()
			}
		}
	}
	for _, d := range decisions {
		if !d.Reserved {
			e.log.Warn().Str("transfer_id", d.TransferID).Msg("reservation declined by net debit cap")
		}
	}
	return decisions, nil
}

// Release returns held headroom after a reserved transfer resolves.
func (e *Engine) Release(ctx context.Context, payerCurrencyID int64, amount decimal.Decimal) error {
	return e.store.ReleaseReservation(ctx, nil, payerCurrencyID, amount)
}

// Snapshot reads the current position row.
func (e *Engine) Snapshot(ctx context.Context, participantCurrencyID int64) (*store.ParticipantPosition, error) {
	return e.store.PositionByCurrencyID(ctx, participantCurrencyID)
}
