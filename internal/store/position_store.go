package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
)

// PositionStateChange is the state row recorded alongside a single position
// mutation.
type PositionStateChange struct {
	TransferID      string
	TransferStateID ledger.State
	Reason          string
}

// ChangePosition applies one signed position mutation and its state row in a
// single transaction: lock the position, adjust the value, insert the state
// change, append the position-change row. isReversal negates the amount.
func (s *Store) ChangePosition(ctx context.Context, participantCurrencyID int64, isReversal bool, amount decimal.Decimal, sc PositionStateChange) (decimal.Decimal, error) {
	var newValue decimal.Decimal
	err := s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		change := amount
		if isReversal {
			change = change.Neg()
		}
		stateChangeID, err := insertStateChange(ctx, tx, sc.TransferID, sc.TransferStateID,
			sql.NullString{String: sc.Reason, Valid: sc.Reason != ""})
		if err != nil {
			return err
		}
		newValue, err = applyPositionDelta(ctx, tx, participantCurrencyID, change, stateChangeID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newValue, nil
}

// PrepareChangePositionBatch reserves a batch of prepared transfers against
// one payer position under a single row lock. Decisions are made in arrival
// order; declined transfers get an ABORTED_REJECTED state row with the
// net-debit-cap reason, reserved ones a RESERVED row plus a position-change
// row carrying the running reserved value.
func (s *Store) PrepareChangePositionBatch(ctx context.Context, participantCurrencyID int64, items []ledger.BatchItem) ([]ledger.BatchDecision, error) {
	if len(items) == 0 {
		return nil, nil
	}

	netDebitCap, err := s.NetDebitCap(ctx, participantCurrencyID)
	if err != nil {
		return nil, err
	}

	var decisions []ledger.BatchDecision
	err = s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var value, reserved decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT value, reserved_value FROM participant_position
			WHERE participant_currency_id = $1
			FOR UPDATE`, participantCurrencyID).Scan(&value, &reserved)
		if err != nil {
			return fmt.Errorf("lock payer position %d: %w", participantCurrencyID, err)
		}

		decisions = ledger.ComputeBatchReservations(value, reserved, netDebitCap, items)

		now := time.Now().UTC()
		finalReserved := reserved
		for _, d := range decisions {
			if !d.Reserved {
				if _, err := insertStateChange(ctx, tx, d.TransferID, ledger.StateAbortedRejected,
					sql.NullString{String: ledger.ReasonNetDebitCapExceeded, Valid: true}); err != nil {
					return err
				}
				continue
			}
			stateChangeID, err := insertStateChange(ctx, tx, d.TransferID, ledger.StateReserved, sql.NullString{})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO participant_position_change
				(participant_position_id, participant_currency_id, transfer_state_change_id, value, change, reserved_value, created_date)
				VALUES ($1, $1, $2, $3, $4, $5, $6)`,
				participantCurrencyID, stateChangeID, value, d.Amount, d.RunningReserved, now); err != nil {
				return fmt.Errorf("insert reservation change for %s: %w", d.TransferID, err)
			}
			finalReserved = d.RunningReserved
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE participant_position
			SET reserved_value = $2, changed_date = $3
			WHERE participant_currency_id = $1`,
			participantCurrencyID, finalReserved, now); err != nil {
			return fmt.Errorf("update reserved value %d: %w", participantCurrencyID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decisions, nil
}

// ReleaseReservation returns held headroom after a reserved transfer
// resolves, without touching the position value.
func (s *Store) ReleaseReservation(ctx context.Context, trx *sql.Tx, participantCurrencyID int64, amount decimal.Decimal) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		var reserved decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT reserved_value FROM participant_position
			WHERE participant_currency_id = $1
			FOR UPDATE`, participantCurrencyID).Scan(&reserved)
		if err != nil {
			return fmt.Errorf("lock position %d: %w", participantCurrencyID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE participant_position
			SET reserved_value = $2, changed_date = $3
			WHERE participant_currency_id = $1`,
			participantCurrencyID, reserved.Sub(amount), time.Now().UTC()); err != nil {
			return fmt.Errorf("release reservation %d: %w", participantCurrencyID, err)
		}
		return nil
	})
}

// PositionByCurrencyID reads the current position row.
func (s *Store) PositionByCurrencyID(ctx context.Context, participantCurrencyID int64) (*ParticipantPosition, error) {
	var p ParticipantPosition
	err := s.db.QueryRowContext(ctx, `
		SELECT participant_currency_id, value, reserved_value, changed_date
		FROM participant_position
		WHERE participant_currency_id = $1`,
		participantCurrencyID).Scan(&p.ParticipantCurrencyID, &p.Value, &p.ReservedValue, &p.ChangedDate)
	if err == sql.ErrNoRows {
		return nil, &ledger.ValidationError{Reason: fmt.Sprintf("no position for participant currency %d", participantCurrencyID)}
	}
	if err != nil {
		return nil, fmt.Errorf("read position %d: %w", participantCurrencyID, err)
	}
	return &p, nil
}
