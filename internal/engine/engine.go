package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Store is the slice of the persistence facade the engine drives. *store.Store
// satisfies it; tests stub it.
type Store interface {
	WithTx(ctx context.Context, trx *sql.Tx, fn func(*sql.Tx) error) error
	CheckAndInsertDuplicateHash(ctx context.Context, transferID, hash string) (ledger.DuplicateResult, error)
	CheckAndInsertFulfilmentDuplicateHash(ctx context.Context, transferID, hash string) (ledger.DuplicateResult, error)
	SaveTransferPrepared(ctx context.Context, trx *sql.Tx, rec store.PrepareRecord) error
	SaveTransferFulfilled(ctx context.Context, trx *sql.Tx, rec store.FulfilRecord) error
	SaveTransferAborted(ctx context.Context, trx *sql.Tx, transferID string, errInfo ledger.ErrorInformation, exts []ledger.Extension) error
	TransferStateAndPositionUpdate(ctx context.Context, trx *sql.Tx, param store.StateAndPositionParam) (*store.StateAndPositionResult, error)
	GetTransferStateByID(ctx context.Context, transferID string) (*store.TransferStateChange, error)
	GetTransferInfoToChangePosition(ctx context.Context, transferID string, role ledger.RoleType, entry ledger.LedgerEntryType) (*store.TransferInfo, error)
	ParticipantCurrency(ctx context.Context, name, currency string, accountType ledger.LedgerAccountType) (*store.ParticipantCurrencyRow, error)
	ReleaseReservation(ctx context.Context, trx *sql.Tx, participantCurrencyID int64, amount decimal.Decimal) error
}

// Engine advances transfers through the lifecycle: duplicate guard first,
// then the state machine, then the position engine where a transition
// carries monetary effect.
type Engine struct {
	store       Store
	amountScale int32
	metrics     *observability.Metrics
	log         zerolog.Logger
}

func New(st Store, amountScale int32, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:       st,
		amountScale: amountScale,
		metrics:     metrics,
		log:         observability.NewLogger("engine"),
	}
}

// PrepareResult reports how a prepare request was resolved. For a first-seen
// valid prepare it carries the payer binding so the caller can run the
// reservation step.
type PrepareResult struct {
	TransferID      string
	State           ledger.State
	Replayed        bool
	PayerCurrencyID int64
	Amount          decimal.Decimal
}

// Prepare runs the duplicate guard and, on first-seen, persists the transfer
// with both legs and its initial state. A matching replay returns the
// current state without touching anything; a hash mismatch is a conflict.
func (e *Engine) Prepare(ctx context.Context, p ledger.PreparePayload) (*PrepareResult, error) {
	hash, err := ledger.HashPayload(p)
	if err != nil {
		return nil, fmt.Errorf("hash prepare payload: %w", err)
	}
	dup, err := e.store.CheckAndInsertDuplicateHash(ctx, p.TransferID, hash)
	if err != nil {
		return nil, err
	}
	if dup.ExistsNotMatching {
		return nil, &ledger.DuplicateConflictError{TransferID: p.TransferID}
	}
	if dup.ExistsMatching {
		if e.metrics != nil {
			e.metrics.DuplicateHits.WithLabelValues("prepare").Inc()
		}
		tsc, err := e.store.GetTransferStateByID(ctx, p.TransferID)
		if err != nil {
			return nil, err
		}
		if tsc != nil {
			return &PrepareResult{TransferID: p.TransferID, State: tsc.TransferStateID, Replayed: true}, nil
		}
		// The guard row committed but the transfer rows did not (the two run
		// in separate transactions). The retry proceeds as first-seen; the
		// guard row already being present is harmless.
	}

	amount, legs, invalidReason := e.resolvePrepare(ctx, p)
	if legs == nil {
		// Participants could not be bound; nothing can be persisted.
		return nil, &ledger.ValidationError{Reason: invalidReason}
	}

	rec := store.PrepareRecord{
		Transfer: store.Transfer{
			TransferID:     p.TransferID,
			Amount:         amount,
			CurrencyID:     p.Amount.Currency,
			ILPCondition:   p.Condition,
			ExpirationDate: p.Expiration.UTC(),
		},
		PayerLeg:   legs[0],
		PayeeLeg:   legs[1],
		Extensions: p.Extensions,
		Valid:      invalidReason == "",
		Reason:     invalidReason,
	}
	if err := e.store.SaveTransferPrepared(ctx, nil, rec); err != nil {
		return nil, err
	}

	state := ledger.StateReceivedPrepare
	if invalidReason != "" {
		state = ledger.StateInvalid
	}
	if e.metrics != nil {
		e.metrics.TransfersPrepared.Inc()
	}
	e.log.Info().Str("transfer_id", p.TransferID).Str("state", string(state)).Msg("transfer prepared")
	return &PrepareResult{
		TransferID:      p.TransferID,
		State:           state,
		PayerCurrencyID: rec.PayerLeg.ParticipantCurrencyID,
		Amount:          amount,
	}, nil
}

// resolvePrepare validates the payload and binds both legs. A nil leg slice
// means the participants themselves could not be resolved; a non-empty
// reason with resolved legs records the transfer as INVALID.
func (e *Engine) resolvePrepare(ctx context.Context, p ledger.PreparePayload) (decimal.Decimal, []store.TransferParticipant, string) {
	payer, err := e.store.ParticipantCurrency(ctx, p.PayerFsp, p.Amount.Currency, ledger.AccountPosition)
	if err != nil {
		return decimal.Zero, nil, fmt.Sprintf("payer: %v", err)
	}
	payee, err := e.store.ParticipantCurrency(ctx, p.PayeeFsp, p.Amount.Currency, ledger.AccountPosition)
	if err != nil {
		return decimal.Zero, nil, fmt.Sprintf("payee: %v", err)
	}

	var reason string
	amount, err := ledger.ParseAmount(p.Amount.Amount, e.amountScale)
	if err != nil {
		reason = err.Error()
	} else if err := ledger.RequirePositive(amount); err != nil {
		reason = err.Error()
	} else if p.PayerFsp == p.PayeeFsp {
		reason = "payer and payee must differ"
	} else if p.Condition == "" {
		reason = "missing condition"
	}
	// An already-past expiration is not a validation failure: the transfer
	// is persisted as prepared and the timeout scanner settles it.

	// Payer leg negative, payee positive: a committed transfer's position
	// changes sum to zero.
	payerLeg := store.TransferParticipant{
		TransferID:            p.TransferID,
		ParticipantID:         payer.ParticipantID,
		ParticipantCurrencyID: payer.ParticipantCurrencyID,
		RoleType:              ledger.RolePayerDFSP,
		LedgerEntryType:       ledger.EntryPrincipleValue,
		Amount:                amount.Neg(),
	}
	payeeLeg := store.TransferParticipant{
		TransferID:            p.TransferID,
		ParticipantID:         payee.ParticipantID,
		ParticipantCurrencyID: payee.ParticipantCurrencyID,
		RoleType:              ledger.RolePayeeDFSP,
		LedgerEntryType:       ledger.EntryPrincipleValue,
		Amount:                amount,
	}
	// A proxy account stands in for an out-of-scheme counterparty; record
	// which participant it fronts for.
	if payer.IsProxy {
		payerLeg.ExternalParticipantID = sql.NullInt64{Int64: payer.ParticipantID, Valid: true}
	}
	if payee.IsProxy {
		payeeLeg.ExternalParticipantID = sql.NullInt64{Int64: payee.ParticipantID, Valid: true}
	}
	return amount, []store.TransferParticipant{payerLeg, payeeLeg}, reason
}
