package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SettleLedger/internal/ledger"
)

// SaveFxTransferPrepared records a conversion leg and its initial state row.
func (s *Store) SaveFxTransferPrepared(ctx context.Context, trx *sql.Tx, fx FxTransfer, valid bool, reason string) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fx_transfer
			(commit_request_id, determining_transfer_id, initiating_fsp, counter_party_fsp,
			 source_amount, source_currency, target_amount, target_currency,
			 ilp_condition, expiration_date, created_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			fx.CommitRequestID, fx.DeterminingTransferID, fx.InitiatingFsp, fx.CounterPartyFsp,
			fx.SourceAmount, fx.SourceCurrency, fx.TargetAmount, fx.TargetCurrency,
			fx.ILPCondition, fx.ExpirationDate, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert fx transfer %s: %w", fx.CommitRequestID, err)
		}

		state := ledger.StateReceivedPrepare
		r := sql.NullString{}
		if !valid {
			state = ledger.StateInvalid
			r = sql.NullString{String: reason, Valid: true}
		}
		return insertFxStateChange(ctx, tx, fx.CommitRequestID, state, r)
	})
}

func insertFxStateChange(ctx context.Context, tx *sql.Tx, commitRequestID string, state ledger.State, reason sql.NullString) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fx_transfer_state_change (commit_request_id, transfer_state_id, reason, created_date)
		VALUES ($1, $2, $3, $4)`,
		commitRequestID, string(state), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert fx state change %s/%s: %w", commitRequestID, state, err)
	}
	return nil
}

// SaveFxStateChange appends one FX state row outside a larger operation.
func (s *Store) SaveFxStateChange(ctx context.Context, trx *sql.Tx, commitRequestID string, state ledger.State, reason string) error {
	return s.WithTx(ctx, trx, func(tx *sql.Tx) error {
		return insertFxStateChange(ctx, tx, commitRequestID, state,
			sql.NullString{String: reason, Valid: reason != ""})
	})
}

// FxTransferByCommitRequestID loads one conversion leg.
func (s *Store) FxTransferByCommitRequestID(ctx context.Context, commitRequestID string) (*FxTransfer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT commit_request_id, determining_transfer_id, initiating_fsp, counter_party_fsp,
		       source_amount, source_currency, target_amount, target_currency,
		       ilp_condition, expiration_date, created_date
		FROM fx_transfer
		WHERE commit_request_id = $1`, commitRequestID)
	var fx FxTransfer
	err := row.Scan(&fx.CommitRequestID, &fx.DeterminingTransferID, &fx.InitiatingFsp,
		&fx.CounterPartyFsp, &fx.SourceAmount, &fx.SourceCurrency, &fx.TargetAmount,
		&fx.TargetCurrency, &fx.ILPCondition, &fx.ExpirationDate, &fx.CreatedDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fx transfer %s: %w", commitRequestID, err)
	}
	return &fx, nil
}

// FxTransfersByDeterminingID is the reverse index: every conversion leg
// depending on the given transfer. The linkage is stored one way and
// resolved by query, never by a mutable back-pointer.
func (s *Store) FxTransfersByDeterminingID(ctx context.Context, determiningTransferID string) ([]FxTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT commit_request_id, determining_transfer_id, initiating_fsp, counter_party_fsp,
		       source_amount, source_currency, target_amount, target_currency,
		       ilp_condition, expiration_date, created_date
		FROM fx_transfer
		WHERE determining_transfer_id = $1
		ORDER BY commit_request_id`, determiningTransferID)
	if err != nil {
		return nil, fmt.Errorf("list fx transfers for %s: %w", determiningTransferID, err)
	}
	defer rows.Close()

	var out []FxTransfer
	for rows.Next() {
		var fx FxTransfer
		if err := rows.Scan(&fx.CommitRequestID, &fx.DeterminingTransferID, &fx.InitiatingFsp,
			&fx.CounterPartyFsp, &fx.SourceAmount, &fx.SourceCurrency, &fx.TargetAmount,
			&fx.TargetCurrency, &fx.ILPCondition, &fx.ExpirationDate, &fx.CreatedDate); err != nil {
			return nil, err
		}
		out = append(out, fx)
	}
	return out, rows.Err()
}

// FxTransferStateByCommitRequestID returns the latest FX state row.
func (s *Store) FxTransferStateByCommitRequestID(ctx context.Context, commitRequestID string) (*TransferStateChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, commit_request_id, transfer_state_id, reason, created_date
		FROM fx_transfer_state_change
		WHERE commit_request_id = $1
		ORDER BY id DESC
		LIMIT 1`, commitRequestID)
	var tsc TransferStateChange
	err := row.Scan(&tsc.ID, &tsc.TransferID, &tsc.TransferStateID, &tsc.Reason, &tsc.CreatedDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fx transfer state %s: %w", commitRequestID, err)
	}
	return &tsc, nil
}
