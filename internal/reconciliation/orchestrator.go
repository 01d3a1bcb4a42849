package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Store is the slice of the persistence facade the saga drives.
type Store interface {
	WithTx(ctx context.Context, trx *sql.Tx, fn func(*sql.Tx) error) error
	ParticipantCurrencyByID(ctx context.Context, id int64) (*store.ParticipantCurrencyRow, error)
	HubAccount(ctx context.Context, hubParticipantID int64, currency string, accountType ledger.LedgerAccountType) (*store.ParticipantCurrencyRow, error)
	SaveTransferPrepared(ctx context.Context, trx *sql.Tx, rec store.PrepareRecord) error
	SaveReconciliationFulfilment(ctx context.Context, trx *sql.Tx, transferID string) error
	TransferStateAndPositionUpdate(ctx context.Context, trx *sql.Tx, param store.StateAndPositionParam) (*store.StateAndPositionResult, error)
}

// Config pins the saga's environment-derived parameters.
type Config struct {
	HubParticipantID int64
	AmountScale      int32
	ValiditySeconds  int
}

// Orchestrator runs the administrative fund-movement saga: prepare, reserve,
// then commit or abort, always inside one top-level transaction per entry
// point. Failure at any step rolls the whole saga back.
type Orchestrator struct {
	store   Store
	cfg     Config
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(st Store, cfg Config, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		log:     observability.NewLogger("reconciliation"),
	}
}

// RecordFundsIn composes prepare, reserve, and commit as one transaction.
func (o *Orchestrator) RecordFundsIn(ctx context.Context, p ledger.FundsPayload) error {
	err := o.store.WithTx(ctx, nil, func(trx *sql.Tx) error {
		if err := o.prepare(ctx, trx, p, ledger.ActionRecordFundsIn); err != nil {
			return err
		}
		if err := o.reserve(ctx, trx, p.TransferID, ledger.ActionRecordFundsIn); err != nil {
			return err
		}
		return o.commit(ctx, trx, p.TransferID, ledger.ActionRecordFundsIn)
	})
	o.record(ledger.ActionRecordFundsIn, err)
	return err
}

// RecordFundsOutPrepareReserve prepares and reserves an out-flow. A reserve
// that over-draws the settlement account is compensated in the same
// transaction: the saga aborts itself and the caller sees success with the
// transfer finishing ABORTED_REJECTED.
func (o *Orchestrator) RecordFundsOutPrepareReserve(ctx context.Context, p ledger.FundsPayload) error {
	err := o.store.WithTx(ctx, nil, func(trx *sql.Tx) error {
		if err := o.prepare(ctx, trx, p, ledger.ActionRecordFundsOutPrepareReserve); err != nil {
			return err
		}
		err := o.reserve(ctx, trx, p.TransferID, ledger.ActionRecordFundsOutPrepareReserve)
		var insufficient *ledger.InsufficientFundsError
		if errors.As(err, &insufficient) {
			o.log.Warn().Str("transfer_id", p.TransferID).Msg("insufficient funds, aborting")
			return o.abort(ctx, trx, p.TransferID, ledger.ActionRecordFundsOutPrepareReserve, ledger.ReasonInsufficientFunds)
		}
		return err
	})
	o.record(ledger.ActionRecordFundsOutPrepareReserve, err)
	return err
}

// RecordFundsOutCommit settles a previously reserved out-flow.
func (o *Orchestrator) RecordFundsOutCommit(ctx context.Context, transferID string) error {
	err := o.store.WithTx(ctx, nil, func(trx *sql.Tx) error {
		return o.commit(ctx, trx, transferID, ledger.ActionRecordFundsOutPrepareReserve)
	})
	o.record(ledger.ActionRecordFundsOutCommit, err)
	return err
}

// RecordFundsOutAbort reverses a previously reserved out-flow.
func (o *Orchestrator) RecordFundsOutAbort(ctx context.Context, transferID, reason string) error {
	err := o.store.WithTx(ctx, nil, func(trx *sql.Tx) error {
		return o.abort(ctx, trx, transferID, ledger.ActionRecordFundsOutPrepareReserve, reason)
	})
	o.record(ledger.ActionRecordFundsOutAbort, err)
	return err
}

// prepare inserts the synthetic transfer: hub reconciliation leg and DFSP
// settlement leg, an externalReference extension, initial RECEIVED_PREPARE.
func (o *Orchestrator) prepare(ctx context.Context, trx *sql.Tx, p ledger.FundsPayload, action ledger.Action) error {
	amount, err := ledger.ParseAmount(p.Amount.Amount, o.cfg.AmountScale)
	if err != nil {
		return err
	}
	if err := ledger.RequirePositive(amount); err != nil {
		return err
	}

	dfsp, err := o.store.ParticipantCurrencyByID(ctx, p.ParticipantCurrencyID)
	if err != nil {
		return err
	}
	if dfsp.LedgerAccountType != ledger.AccountSettlement {
		return &ledger.ValidationError{
			Reason: fmt.Sprintf("account %d is %s, want SETTLEMENT", p.ParticipantCurrencyID, dfsp.LedgerAccountType),
		}
	}
	hub, err := o.store.HubAccount(ctx, o.cfg.HubParticipantID, dfsp.CurrencyID, ledger.AccountHubReconciliation)
	if err != nil {
		return err
	}

	hubAmount, settlementAmount, err := LegAmounts(action, amount)
	if err != nil {
		return err
	}
	entryType := ledger.EntryRecordFundsIn
	if action != ledger.ActionRecordFundsIn {
		entryType = ledger.EntryRecordFundsOut
	}

	var exts []ledger.Extension
	if p.ExternalReference != "" {
		exts = append(exts, ledger.Extension{Key: "externalReference", Value: p.ExternalReference})
	}

	rec := store.PrepareRecord{
		Transfer: store.Transfer{
			TransferID:     p.TransferID,
			Amount:         amount,
			CurrencyID:     dfsp.CurrencyID,
			ILPCondition:   "0",
			ExpirationDate: time.Now().UTC().Add(time.Duration(o.cfg.ValiditySeconds) * time.Second),
		},
		PayerLeg: store.TransferParticipant{
			TransferID:            p.TransferID,
			ParticipantID:         hub.ParticipantID,
			ParticipantCurrencyID: hub.ParticipantCurrencyID,
			RoleType:              ledger.RoleHub,
			LedgerEntryType:       entryType,
			Amount:                hubAmount,
		},
		PayeeLeg: store.TransferParticipant{
			TransferID:            p.TransferID,
			ParticipantID:         dfsp.ParticipantID,
			ParticipantCurrencyID: dfsp.ParticipantCurrencyID,
			RoleType:              ledger.RoleDFSPSettlement,
			LedgerEntryType:       entryType,
			Amount:                settlementAmount,
		},
		Extensions: exts,
		Valid:      true,
	}
	return o.store.SaveTransferPrepared(ctx, trx, rec)
}

// reserve applies the debit leg. For an out-flow, a post-debit settlement
// value above zero means the account lacks the funds (a funded settlement
// account runs at or below zero); that surfaces as InsufficientFundsError so
// the caller can compensate inside the same transaction.
func (o *Orchestrator) reserve(ctx context.Context, trx *sql.Tx, transferID string, action ledger.Action) error {
	dr, cr := reserveFlags(action)
	res, err := o.store.TransferStateAndPositionUpdate(ctx, trx, store.StateAndPositionParam{
		TransferID:      transferID,
		TransferStateID: ledger.StateReserved,
		DrUpdated:       dr,
		CrUpdated:       cr,
	})
	if err != nil {
		return err
	}
	if action == ledger.ActionRecordFundsOutPrepareReserve && res.CrPositionValue.Sign() > 0 {
		return &ledger.InsufficientFundsError{TransferID: transferID}
	}
	return nil
}

// commit writes the synthetic fulfilment then settles the remaining leg.
func (o *Orchestrator) commit(ctx context.Context, trx *sql.Tx, transferID string, action ledger.Action) error {
	if err := o.store.SaveReconciliationFulfilment(ctx, trx, transferID); err != nil {
		return err
	}
	dr, cr := commitFlags(action)
	_, err := o.store.TransferStateAndPositionUpdate(ctx, trx, store.StateAndPositionParam{
		TransferID:      transferID,
		TransferStateID: ledger.StateCommitted,
		DrUpdated:       dr,
		CrUpdated:       cr,
	})
	return err
}

// abort writes the synthetic fulfilment then reverses the reserved leg; the
// position engine inverts the sign for ABORTED_REJECTED.
func (o *Orchestrator) abort(ctx context.Context, trx *sql.Tx, transferID string, action ledger.Action, reason string) error {
	if err := o.store.SaveReconciliationFulfilment(ctx, trx, transferID); err != nil {
		return err
	}
	dr, cr := reserveFlags(action)
	_, err := o.store.TransferStateAndPositionUpdate(ctx, trx, store.StateAndPositionParam{
		TransferID:      transferID,
		TransferStateID: ledger.StateAbortedRejected,
		Reason:          reason,
		DrUpdated:       dr,
		CrUpdated:       cr,
	})
	return err
}

func (o *Orchestrator) record(action ledger.Action, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.ReconciliationOps.WithLabelValues(string(action), outcome).Inc()
}
