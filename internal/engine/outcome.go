package engine

import (
	"context"
	"database/sql"
	"fmt"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/store"
)

// OutcomeResult reports how a fulfil/reject/error request was resolved.
type OutcomeResult struct {
	TransferID string
	State      ledger.State
	Replayed   bool
	IsValid    bool
}

// ApplyOutcome routes a fulfil/reject/error request: fulfil-side duplicate
// guard, action-to-state mapping, then the matching persistence path. COMMIT
// additionally settles both position legs and releases the payer
// reservation; REJECT/ABORT release the reservation without touching
// position values (nothing was applied at reserve time).
func (e *Engine) ApplyOutcome(ctx context.Context, p ledger.FulfilPayload, action ledger.Action) (*OutcomeResult, error) {
	hash, err := ledger.HashPayload(p)
	if err != nil {
		return nil, fmt.Errorf("hash fulfil payload: %w", err)
	}
	dup, err := e.store.CheckAndInsertFulfilmentDuplicateHash(ctx, p.TransferID, hash)
	if err != nil {
		return nil, err
	}
	if dup.ExistsNotMatching {
		return nil, &ledger.DuplicateConflictError{TransferID: p.TransferID}
	}
	if dup.ExistsMatching {
		if e.metrics != nil {
			e.metrics.DuplicateHits.WithLabelValues("fulfil").Inc()
		}
		tsc, err := e.store.GetTransferStateByID(ctx, p.TransferID)
		if err != nil {
			return nil, err
		}
		// A terminal state means the prior delivery finished; replay the
		// recorded outcome. Anything else means the guard row committed but
		// the outcome transaction did not, so the retry resumes it below.
		if tsc != nil && tsc.TransferStateID.Terminal() {
			return &OutcomeResult{TransferID: p.TransferID, State: tsc.TransferStateID, Replayed: true, IsValid: dup.IsValid}, nil
		}
	}

	target, err := ledger.StateForAction(action)
	if err != nil {
		return nil, err
	}

	tsc, err := e.store.GetTransferStateByID(ctx, p.TransferID)
	if err != nil {
		return nil, err
	}
	if tsc == nil {
		return nil, &ledger.ValidationError{Reason: fmt.Sprintf("transfer %s does not exist", p.TransferID)}
	}
	if !ledger.CanTransition(tsc.TransferStateID, target) {
		return nil, &ledger.ValidationError{
			Reason: fmt.Sprintf("transfer %s: illegal transition %s -> %s", p.TransferID, tsc.TransferStateID, target),
		}
	}

	switch target {
	case ledger.StateReceivedFulfil:
		return e.commit(ctx, p, target)
	case ledger.StateReceivedReject, ledger.StateReceivedError:
		return e.abort(ctx, p, target, tsc.TransferStateID)
	default:
		return nil, &ledger.UnsupportedActionError{Action: action}
	}
}

// releasePayerReservation returns the headroom held at reserve time. The
// payer leg is stored negative; the held amount is its absolute value.
func (e *Engine) releasePayerReservation(ctx context.Context, trx *sql.Tx, transferID string) error {
	info, err := e.store.GetTransferInfoToChangePosition(ctx, transferID, ledger.RolePayerDFSP, ledger.EntryPrincipleValue)
	if err != nil {
		return err
	}
	return e.store.ReleaseReservation(ctx, trx, info.ParticipantCurrencyID, info.Amount.Abs())
}

func wasReserved(s ledger.State) bool {
	switch s {
	case ledger.StateReserved, ledger.StateReservedForwarded,
		ledger.StateReservedTimeout, ledger.StateReceivedFulfilDependent:
		return true
	}
	return false
}

// commit runs the fulfilment insert, the COMMITTED transition with both
// position legs, and the reservation release in one transaction. A failure
// rolls all of it back, so a redelivery resumes from RESERVED instead of
// finding a half-applied outcome.
func (e *Engine) commit(ctx context.Context, p ledger.FulfilPayload, target ledger.State) (*OutcomeResult, error) {
	rec := store.FulfilRecord{
		TransferID:    p.TransferID,
		Fulfilment:    p.Fulfilment,
		CompletedDate: p.CompletedTimestamp,
		IsValid:       true,
		Extensions:    p.Extensions,
		State:         target,
	}
	var res *store.StateAndPositionResult
	err := e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if err := e.store.SaveTransferFulfilled(ctx, tx, rec); err != nil {
			return err
		}
		r, err := e.store.TransferStateAndPositionUpdate(ctx, tx, store.StateAndPositionParam{
			TransferID:      p.TransferID,
			TransferStateID: ledger.StateCommitted,
			DrUpdated:       true,
			CrUpdated:       true,
		})
		if err != nil {
			return err
		}
		res = r
		return e.releasePayerReservation(ctx, tx, p.TransferID)
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TransfersCommitted.Inc()
	}
	e.log.Info().Str("transfer_id", p.TransferID).
		Int64("state_change_id", res.StateChangeID).
		Msg("transfer committed")
	return &OutcomeResult{TransferID: p.TransferID, State: ledger.StateCommitted, IsValid: true}, nil
}

// abort mirrors commit's single-transaction shape for the reject/error
// outcomes.
func (e *Engine) abort(ctx context.Context, p ledger.FulfilPayload, target ledger.State, from ledger.State) (*OutcomeResult, error) {
	err := e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if target == ledger.StateReceivedError {
			errInfo := ledger.ErrorInformation{ErrorCode: ledger.ErrCodeGenericPayee}
			if p.ErrorInfo != nil {
				errInfo = *p.ErrorInfo
			}
			if err := e.store.SaveTransferAborted(ctx, tx, p.TransferID, errInfo, p.Extensions); err != nil {
				return err
			}
		} else {
			rec := store.FulfilRecord{
				TransferID:    p.TransferID,
				Fulfilment:    p.Fulfilment,
				CompletedDate: p.CompletedTimestamp,
				IsValid:       false,
				Extensions:    p.Extensions,
				State:         target,
			}
			if err := e.store.SaveTransferFulfilled(ctx, tx, rec); err != nil {
				return err
			}
		}

		// No position legs were applied at reserve, so the final state
		// carries no position mutation; only the payer headroom is returned.
		if _, err := e.store.TransferStateAndPositionUpdate(ctx, tx, store.StateAndPositionParam{
			TransferID:      p.TransferID,
			TransferStateID: ledger.StateAbortedRejected,
		}); err != nil {
			return err
		}
		if wasReserved(from) {
			return e.releasePayerReservation(ctx, tx, p.TransferID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TransfersAborted.Inc()
	}
	e.log.Info().Str("transfer_id", p.TransferID).Msg("transfer aborted")
	return &OutcomeResult{TransferID: p.TransferID, State: ledger.StateAbortedRejected}, nil
}
