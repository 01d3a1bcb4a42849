package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
)

// PrepareRecord is the resolved input to SaveTransferPrepared: the validated
// payload with both legs already bound to participant-currency accounts.
// Leg amounts follow the transfer convention: payer negative, payee positive,
// so a committed transfer's position changes sum to zero.
type PrepareRecord struct {
	Transfer   Transfer
	PayerLeg   TransferParticipant
	PayeeLeg   TransferParticipant
	Extensions []ledger.Extension
	Valid      bool
	Reason     string // reason persisted with the INVALID state row
}

// SaveTransferPrepared inserts the transfer, both participant legs, the
// extensions, and the initial state row in one transaction. Validation
// failures persist the transfer with state INVALID and no position effect.
func (s *Store) SaveTransferPrepared(ctx context.Context, trx *sql.Tx, rec PrepareRecord) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transfer (transfer_id, amount, currency_id, ilp_condition, expiration_date, created_date)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.Transfer.TransferID, rec.Transfer.Amount, rec.Transfer.CurrencyID,
			rec.Transfer.ILPCondition, rec.Transfer.ExpirationDate, now)
		if err != nil {
			return fmt.Errorf("insert transfer %s: %w", rec.Transfer.TransferID, err)
		}

		if err := insertParticipants(ctx, tx, []TransferParticipant{rec.PayerLeg, rec.PayeeLeg}); err != nil {
			return fmt.Errorf("insert participants for %s: %w", rec.Transfer.TransferID, err)
		}

		if err := insertExtensions(ctx, tx, rec.Transfer.TransferID, rec.Extensions); err != nil {
			return fmt.Errorf("insert extensions for %s: %w", rec.Transfer.TransferID, err)
		}

		state := ledger.StateReceivedPrepare
		reason := sql.NullString{}
		if !rec.Valid {
			state = ledger.StateInvalid
			reason = sql.NullString{String: rec.Reason, Valid: true}
		}
		if _, err := insertStateChange(ctx, tx, rec.Transfer.TransferID, state, reason); err != nil {
			return err
		}
		return nil
	})
}

func insertParticipants(ctx context.Context, tx *sql.Tx, legs []TransferParticipant) error {
	if len(legs) == 0 {
		return nil
	}
	query := `INSERT INTO transfer_participant
		(transfer_id, participant_id, participant_currency_id, role_type, ledger_entry_type, amount, external_participant_id)
		VALUES `
	values := make([]string, 0, len(legs))
	args := make([]interface{}, 0, len(legs)*7)
	for i, l := range legs {
		base := i * 7
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, l.TransferID, l.ParticipantID, l.ParticipantCurrencyID,
			string(l.RoleType), string(l.LedgerEntryType), l.Amount, l.ExternalParticipantID)
	}
	query += strings.Join(values, ", ")
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func insertExtensions(ctx context.Context, tx *sql.Tx, transferID string, exts []ledger.Extension) error {
	if len(exts) == 0 {
		return nil
	}
	query := `INSERT INTO transfer_extension
		(transfer_id, key, value, is_fulfilment, is_error)
		VALUES `
	values := make([]string, 0, len(exts))
	args := make([]interface{}, 0, len(exts)*5)
	for i, e := range exts {
		base := i * 5
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, transferID, e.Key, e.Value, e.IsFulfilment, e.IsError)
	}
	query += strings.Join(values, ", ")
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func insertStateChange(ctx context.Context, tx *sql.Tx, transferID string, state ledger.State, reason sql.NullString) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO transfer_state_change (transfer_id, transfer_state_id, reason, created_date)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		transferID, string(state), reason, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert state change %s/%s: %w", transferID, state, err)
	}
	return id, nil
}

// FulfilRecord is the resolved input to SaveTransferFulfilled.
type FulfilRecord struct {
	TransferID    string
	Fulfilment    string
	CompletedDate time.Time
	IsValid       bool
	Extensions    []ledger.Extension
	State         ledger.State // target state mapped from the action
}

// SaveTransferFulfilled persists the fulfilment detail, stamps the currently
// OPEN settlement window, and records the mapped state, in one transaction.
func (s *Store) SaveTransferFulfilled(ctx context.Context, trx *sql.Tx, rec FulfilRecord) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		window, err := openSettlementWindowID(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transfer_fulfilment (transfer_id, ilp_fulfilment, completed_date, is_valid, settlement_window_id, created_date)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.TransferID, rec.Fulfilment, rec.CompletedDate.UTC(), rec.IsValid, window, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert fulfilment %s: %w", rec.TransferID, err)
		}
		if err := insertExtensions(ctx, tx, rec.TransferID, rec.Extensions); err != nil {
			return fmt.Errorf("insert fulfil extensions %s: %w", rec.TransferID, err)
		}
		if _, err := insertStateChange(ctx, tx, rec.TransferID, rec.State, sql.NullString{}); err != nil {
			return err
		}
		return nil
	})
}

// SaveReconciliationFulfilment writes the synthetic fulfilment used by the
// admin funds saga: a "0" proof, valid, with no settlement window.
func (s *Store) SaveReconciliationFulfilment(ctx context.Context, trx *sql.Tx, transferID string) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_fulfilment (transfer_id, ilp_fulfilment, completed_date, is_valid, settlement_window_id, created_date)
			VALUES ($1, '0', $2, TRUE, NULL, $2)
			ON CONFLICT (transfer_id) DO NOTHING`,
			transferID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert reconciliation fulfilment %s: %w", transferID, err)
		}
		return nil
	})
}

// SaveTransferAborted records the error outcome: a RECEIVED_ERROR state row
// plus a transfer_error row linked to it. Error codes outside the payee
// interval are clamped to the generic payee error.
func (s *Store) SaveTransferAborted(ctx context.Context, trx *sql.Tx, transferID string, errInfo ledger.ErrorInformation, exts []ledger.Extension) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		code := ledger.ClampPayeeErrorCode(errInfo.ErrorCode)
		stateChangeID, err := insertStateChange(ctx, tx, transferID, ledger.StateReceivedError,
			sql.NullString{String: errInfo.ErrorDescription, Valid: errInfo.ErrorDescription != ""})
		if err != nil {
			return err
		}
		if err := insertExtensions(ctx, tx, transferID, exts); err != nil {
			return fmt.Errorf("insert error extensions %s: %w", transferID, err)
		}
		if err := insertTransferError(ctx, tx, transferID, stateChangeID, code, errInfo.ErrorDescription); err != nil {
			return err
		}
		return nil
	})
}

func insertTransferError(ctx context.Context, tx *sql.Tx, transferID string, stateChangeID int64, code int, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_error (transfer_id, transfer_state_change_id, error_code, error_description, created_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transfer_id) DO NOTHING`,
		transferID, stateChangeID, code, description, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert transfer error %s: %w", transferID, err)
	}
	return nil
}

func openSettlementWindowID(ctx context.Context, tx *sql.Tx) (sql.NullInt64, error) {
	var id sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT settlement_window_id FROM settlement_window
		WHERE state = 'OPEN'
		ORDER BY settlement_window_id DESC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return sql.NullInt64{}, nil
	}
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("lookup open settlement window: %w", err)
	}
	return id, nil
}

// GetByID returns the fully joined transfer view: core facts, payer/payee
// names, latest state, fulfilment and error detail when present.
func (s *Store) GetByID(ctx context.Context, transferID string) (*TransferView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.transfer_id, t.amount, t.currency_id, t.ilp_condition, t.expiration_date,
		       payer.name, payee.name,
		       tsc.transfer_state_id, tsc.id, tsc.reason,
		       tf.ilp_fulfilment, tf.completed_date, tf.is_valid,
		       te.error_code, te.error_description
		FROM transfer t
		JOIN transfer_participant tpr
		  ON tpr.transfer_id = t.transfer_id AND tpr.role_type = 'PAYER_DFSP'
		JOIN participant payer ON payer.participant_id = tpr.participant_id
		JOIN transfer_participant tpe
		  ON tpe.transfer_id = t.transfer_id AND tpe.role_type = 'PAYEE_DFSP'
		JOIN participant payee ON payee.participant_id = tpe.participant_id
		JOIN transfer_state_change tsc ON tsc.transfer_id = t.transfer_id
		LEFT JOIN transfer_fulfilment tf ON tf.transfer_id = t.transfer_id
		LEFT JOIN transfer_error te ON te.transfer_id = t.transfer_id
		WHERE t.transfer_id = $1
		ORDER BY tsc.id DESC
		LIMIT 1`, transferID)

	var v TransferView
	err := row.Scan(&v.TransferID, &v.Amount, &v.CurrencyID, &v.ILPCondition, &v.ExpirationDate,
		&v.PayerFsp, &v.PayeeFsp,
		&v.TransferState, &v.StateChangeID, &v.Reason,
		&v.Fulfilment, &v.CompletedDate, &v.IsValid,
		&v.ErrorCode, &v.ErrorDescription)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", transferID, err)
	}
	return &v, nil
}

// GetTransferStateByID returns the latest state row for a transfer. The
// current state is the greatest id, never the newest timestamp.
func (s *Store) GetTransferStateByID(ctx context.Context, transferID string) (*TransferStateChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transfer_id, transfer_state_id, reason, created_date
		FROM transfer_state_change
		WHERE transfer_id = $1
		ORDER BY id DESC
		LIMIT 1`, transferID)

	var tsc TransferStateChange
	err := row.Scan(&tsc.ID, &tsc.TransferID, &tsc.TransferStateID, &tsc.Reason, &tsc.CreatedDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer state %s: %w", transferID, err)
	}
	return &tsc, nil
}

// GetTransferInfoToChangePosition returns the participant leg for the given
// role and entry type plus the latest state, the inputs a position mutation
// needs.
func (s *Store) GetTransferInfoToChangePosition(ctx context.Context, transferID string, role ledger.RoleType, entry ledger.LedgerEntryType) (*TransferInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.transfer_id, tp.participant_currency_id, tp.amount,
		       tsc.transfer_state_id, tsc.id, t.expiration_date
		FROM transfer t
		JOIN transfer_participant tp
		  ON tp.transfer_id = t.transfer_id AND tp.role_type = $2 AND tp.ledger_entry_type = $3
		JOIN transfer_state_change tsc ON tsc.transfer_id = t.transfer_id
		WHERE t.transfer_id = $1
		ORDER BY tsc.id DESC
		LIMIT 1`, transferID, string(role), string(entry))

	var info TransferInfo
	err := row.Scan(&info.TransferID, &info.ParticipantCurrencyID, &info.Amount,
		&info.TransferStateID, &info.StateChangeID, &info.ExpirationDate)
	if err == sql.ErrNoRows {
		return nil, &ledger.ValidationError{Reason: fmt.Sprintf("transfer %s has no %s/%s leg", transferID, role, entry)}
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer info %s: %w", transferID, err)
	}
	return &info, nil
}

// StateAndPositionParam drives TransferStateAndPositionUpdate.
type StateAndPositionParam struct {
	TransferID      string
	TransferStateID ledger.State
	Reason          string
	DrUpdated       bool
	CrUpdated       bool
}

// StateAndPositionResult reports the rows written.
type StateAndPositionResult struct {
	StateChangeID   int64
	DrPositionValue decimal.Decimal
	CrPositionValue decimal.Decimal
}

// TransferStateAndPositionUpdate is the transactional core of a monetary
// transition: the implicit marker row where the target state requires one,
// the final state row, then a locked position mutation for each flagged leg.
// It participates in a caller-supplied transaction or runs its own.
//
// Leg resolution: the dr leg is PAYER_DFSP, the cr leg PAYEE_DFSP, both
// PRINCIPLE_VALUE. For ABORTED_REJECTED the leg signs are inverted so a
// prior reservation is reversed rather than re-applied.
func (s *Store) TransferStateAndPositionUpdate(ctx context.Context, trx *sql.Tx, param StateAndPositionParam) (*StateAndPositionResult, error) {
	var res StateAndPositionResult
	err := s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		dr, cr, err := principalLegs(ctx, tx, param.TransferID)
		if err != nil {
			return err
		}

		var current string
		err = tx.QueryRowContext(ctx, `
			SELECT transfer_state_id FROM transfer_state_change
			WHERE transfer_id = $1
			ORDER BY id DESC
			LIMIT 1`, param.TransferID).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read current state %s: %w", param.TransferID, err)
		}
		atMarker := current == string(ledger.StateReceivedFulfil) ||
			current == string(ledger.StateReceivedReject) ||
			current == string(ledger.StateReceivedError)

		// Implicit marker: the protocol records the received outcome before
		// the terminal state even when the caller jumps straight to
		// terminal. Skipped when the caller already recorded one.
		if !atMarker {
			switch param.TransferStateID {
			case ledger.StateCommitted, ledger.StateReservedForwarded:
				if _, err := insertStateChange(ctx, tx, param.TransferID, ledger.StateReceivedFulfil, sql.NullString{}); err != nil {
					return err
				}
			case ledger.StateAbortedRejected:
				if _, err := insertStateChange(ctx, tx, param.TransferID, ledger.StateReceivedReject, sql.NullString{}); err != nil {
					return err
				}
			}
		}

		reason := sql.NullString{String: param.Reason, Valid: param.Reason != ""}
		stateChangeID, err := insertStateChange(ctx, tx, param.TransferID, param.TransferStateID, reason)
		if err != nil {
			return err
		}
		res.StateChangeID = stateChangeID

		invert := param.TransferStateID == ledger.StateAbortedRejected
		if param.DrUpdated {
			amount := dr.Amount
			if invert {
				amount = amount.Neg()
			}
			value, err := applyPositionDelta(ctx, tx, dr.ParticipantCurrencyID, amount, stateChangeID)
			if err != nil {
				return err
			}
			res.DrPositionValue = value
		}
		if param.CrUpdated {
			amount := cr.Amount
			if invert {
				amount = amount.Neg()
			}
			value, err := applyPositionDelta(ctx, tx, cr.ParticipantCurrencyID, amount, stateChangeID)
			if err != nil {
				return err
			}
			res.CrPositionValue = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type legRow struct {
	ParticipantCurrencyID int64
	Amount                decimal.Decimal
}

func principalLegs(ctx context.Context, tx *sql.Tx, transferID string) (dr, cr legRow, err error) {
	rows, qerr := tx.QueryContext(ctx, `
		SELECT tp.role_type, pc.ledger_account_type, tp.participant_currency_id, tp.amount
		FROM transfer_participant tp
		JOIN participant_currency pc ON pc.participant_currency_id = tp.participant_currency_id
		WHERE tp.transfer_id = $1`,
		transferID)
	if qerr != nil {
		err = fmt.Errorf("load legs for %s: %w", transferID, qerr)
		return
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var role, accountType string
		var leg legRow
		if err = rows.Scan(&role, &accountType, &leg.ParticipantCurrencyID, &leg.Amount); err != nil {
			return
		}
		if !ledger.PositionEligible(ledger.LedgerAccountType(accountType)) {
			continue
		}
		switch ledger.RoleType(role) {
		case ledger.RolePayerDFSP, ledger.RoleHub, ledger.RoleDFSPPosition:
			dr = leg
			found++
		case ledger.RolePayeeDFSP, ledger.RoleDFSPSettlement:
			cr = leg
			found++
		}
	}
	if err = rows.Err(); err != nil {
		return
	}
	if found < 2 {
		err = &ledger.ValidationError{Reason: fmt.Sprintf("transfer %s is missing position-eligible legs", transferID)}
	}
	return
}

// applyPositionDelta locks the position row, adds the signed amount, and
// appends the change row with the post-mutation value.
func applyPositionDelta(ctx context.Context, tx *sql.Tx, participantCurrencyID int64, amount decimal.Decimal, stateChangeID int64) (decimal.Decimal, error) {
	var value, reserved decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT value, reserved_value FROM participant_position
		WHERE participant_currency_id = $1
		FOR UPDATE`, participantCurrencyID).Scan(&value, &reserved)
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock position %d: %w", participantCurrencyID, err)
	}

	newValue := value.Add(amount)
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE participant_position
		SET value = $2, changed_date = $3
		WHERE participant_currency_id = $1`,
		participantCurrencyID, newValue, now); err != nil {
		return decimal.Zero, fmt.Errorf("update position %d: %w", participantCurrencyID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO participant_position_change
		(participant_position_id, participant_currency_id, transfer_state_change_id, value, change, reserved_value, created_date)
		VALUES ($1, $1, $2, $3, $4, $5, $6)`,
		participantCurrencyID, stateChangeID, newValue, amount, reserved, now); err != nil {
		return decimal.Zero, fmt.Errorf("insert position change %d: %w", participantCurrencyID, err)
	}
	return newValue, nil
}
