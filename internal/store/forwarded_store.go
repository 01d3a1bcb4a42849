package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ForwardedParams carries the watermark intervals and the retry cap for one
// forwarded-scan pass.
type ForwardedParams struct {
	SegmentID       int64
	IntervalMin     int64
	IntervalMax     int64
	FxSegmentID     int64
	FxIntervalMin   int64
	FxIntervalMax   int64
	MaxAttemptCount int
}

// ForwardedResult lists the in-flight forwarded transfers still under the
// attempt cap; the caller owns the retry/give-up policy.
type ForwardedResult struct {
	Transfers   []ForwardedTransfer
	FxTransfers []TimedOutFxTransfer
}

// ReservedForwardedTransfers tracks transfers whose latest state change in
// the interval is RESERVED_FORWARDED, advances both forwarded watermarks,
// and returns the rows with attempt_count below the cap. Same single
// transaction guarantee as the timeout scan.
func (s *Store) ReservedForwardedTransfers(ctx context.Context, p ForwardedParams) (*ForwardedResult, error) {
	var result ForwardedResult
	err := s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_forwarded (transfer_id, attempt_count, created_date)
			SELECT tsc.transfer_id, 0, $3
			FROM (
				SELECT transfer_id, MAX(id) AS max_id
				FROM transfer_state_change
				WHERE id > $1 AND id <= $2
				GROUP BY transfer_id
			) latest
			JOIN transfer_state_change tsc ON tsc.id = latest.max_id
			WHERE tsc.transfer_state_id = 'RESERVED_FORWARDED'
			ON CONFLICT (transfer_id) DO NOTHING`,
			p.IntervalMin, p.IntervalMax, now); err != nil {
			return fmt.Errorf("track forwarded transfers: %w", err)
		}

		// Resolved transfers leave the working set.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transfer_forwarded tf
			USING (
				SELECT tsc.transfer_id, tsc.transfer_state_id
				FROM transfer_state_change tsc
				JOIN (
					SELECT transfer_id, MAX(id) AS max_id
					FROM transfer_state_change
					GROUP BY transfer_id
				) latest ON latest.max_id = tsc.id
			) cur
			WHERE cur.transfer_id = tf.transfer_id
			  AND cur.transfer_state_id <> 'RESERVED_FORWARDED'`); err != nil {
			return fmt.Errorf("clean resolved forwarded rows: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fx_transfer_forwarded (commit_request_id, attempt_count, created_date)
			SELECT fsc.commit_request_id, 0, $3
			FROM (
				SELECT commit_request_id, MAX(id) AS max_id
				FROM fx_transfer_state_change
				WHERE id > $1 AND id <= $2
				GROUP BY commit_request_id
			) latest
			JOIN fx_transfer_state_change fsc ON fsc.id = latest.max_id
			WHERE fsc.transfer_state_id = 'RESERVED_FORWARDED'
			ON CONFLICT (commit_request_id) DO NOTHING`,
			p.FxIntervalMin, p.FxIntervalMax, now); err != nil {
			return fmt.Errorf("track forwarded fx transfers: %w", err)
		}

		if err := upsertSegment(ctx, tx, p.SegmentID, SegmentTypeForwarded, TableTransferForwarded, p.IntervalMax); err != nil {
			return err
		}
		if err := upsertSegment(ctx, tx, p.FxSegmentID, SegmentTypeForwarded, TableFxTransferForwarded, p.FxIntervalMax); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT tf.transfer_id, tf.attempt_count, payer.name, payee.name, t.expiration_date
			FROM transfer_forwarded tf
			JOIN transfer t ON t.transfer_id = tf.transfer_id
			JOIN transfer_participant tpr
			  ON tpr.transfer_id = tf.transfer_id AND tpr.role_type = 'PAYER_DFSP'
			JOIN participant payer ON payer.participant_id = tpr.participant_id
			JOIN transfer_participant tpe
			  ON tpe.transfer_id = tf.transfer_id AND tpe.role_type = 'PAYEE_DFSP'
			JOIN participant payee ON payee.participant_id = tpe.participant_id
			WHERE tf.attempt_count < $1
			ORDER BY tf.transfer_id`, p.MaxAttemptCount)
		if err != nil {
			return fmt.Errorf("list forwarded transfers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var f ForwardedTransfer
			if err := rows.Scan(&f.TransferID, &f.AttemptCount, &f.PayerFsp, &f.PayeeFsp, &f.ExpirationDate); err != nil {
				return err
			}
			result.Transfers = append(result.Transfers, f)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		fxRows, err := tx.QueryContext(ctx, `
			SELECT ftf.commit_request_id, fx.determining_transfer_id, fx.initiating_fsp,
			       fx.counter_party_fsp, 'RESERVED_FORWARDED', fx.expiration_date
			FROM fx_transfer_forwarded ftf
			JOIN fx_transfer fx ON fx.commit_request_id = ftf.commit_request_id
			WHERE ftf.attempt_count < $1
			ORDER BY ftf.commit_request_id`, p.MaxAttemptCount)
		if err != nil {
			return fmt.Errorf("list forwarded fx transfers: %w", err)
		}
		defer fxRows.Close()
		for fxRows.Next() {
			var t TimedOutFxTransfer
			if err := fxRows.Scan(&t.CommitRequestID, &t.DeterminingTransferID, &t.InitiatingFsp,
				&t.CounterPartyFsp, &t.TransferStateID, &t.ExpirationDate); err != nil {
				return err
			}
			result.FxTransfers = append(result.FxTransfers, t)
		}
		return fxRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// IncrementForwardedAttemptCount bumps the retry counter after a forwarding
// attempt is dispatched.
func (s *Store) IncrementForwardedAttemptCount(ctx context.Context, transferID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_forwarded
		SET attempt_count = attempt_count + 1
		WHERE transfer_id = $1`, transferID)
	if err != nil {
		return fmt.Errorf("increment attempt count %s: %w", transferID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("increment attempt count %s: not tracked", transferID)
	}
	return nil
}

// RemoveForwardedRecord takes a transfer out of the forwarded working set
// once the caller has resolved it.
func (s *Store) RemoveForwardedRecord(ctx context.Context, transferID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM transfer_forwarded WHERE transfer_id = $1`, transferID)
	if err != nil {
		return fmt.Errorf("remove forwarded record %s: %w", transferID, err)
	}
	return nil
}

// IncrementFxForwardedAttemptCount mirrors the transfer-side counter for FX.
func (s *Store) IncrementFxForwardedAttemptCount(ctx context.Context, commitRequestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fx_transfer_forwarded
		SET attempt_count = attempt_count + 1
		WHERE commit_request_id = $1`, commitRequestID)
	if err != nil {
		return fmt.Errorf("increment fx attempt count %s: %w", commitRequestID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("increment fx attempt count %s: not tracked", commitRequestID)
	}
	return nil
}

// RemoveFxForwardedRecord mirrors RemoveForwardedRecord for FX.
func (s *Store) RemoveFxForwardedRecord(ctx context.Context, commitRequestID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM fx_transfer_forwarded WHERE commit_request_id = $1`, commitRequestID)
	if err != nil {
		return fmt.Errorf("remove fx forwarded record %s: %w", commitRequestID, err)
	}
	return nil
}
