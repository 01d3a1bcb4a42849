package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SettleLedger/internal/ledger"
)

// Segment types and table names identifying each persisted watermark.
const (
	SegmentTypeTimeout   = "timeout"
	SegmentTypeForwarded = "forwarded"

	TableTransferTimeout     = "transfer_timeout"
	TableFxTransferTimeout   = "fx_transfer_timeout"
	TableTransferForwarded   = "transfer_forwarded"
	TableFxTransferForwarded = "fx_transfer_forwarded"
)

// GetSegment reads the watermark row for a scan type, nil when the scan has
// never run. The value is never cached in process memory across scans.
func (s *Store) GetSegment(ctx context.Context, segmentType, tableName string) (*Segment, error) {
	var seg Segment
	err := s.db.QueryRowContext(ctx, `
		SELECT segment_id, segment_type, table_name, value
		FROM segment
		WHERE segment_type = $1 AND table_name = $2`,
		segmentType, tableName).Scan(&seg.SegmentID, &seg.SegmentType, &seg.TableName, &seg.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segment %s/%s: %w", segmentType, tableName, err)
	}
	return &seg, nil
}

// LatestTransferStateChangeID returns the greatest transfer_state_change id,
// the upper bound for the next scan interval.
func (s *Store) LatestTransferStateChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM transfer_state_change`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read latest state change id: %w", err)
	}
	return id.Int64, nil
}

// LatestFxTransferStateChangeID mirrors LatestTransferStateChangeID for the
// FX state history.
func (s *Store) LatestFxTransferStateChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM fx_transfer_state_change`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read latest fx state change id: %w", err)
	}
	return id.Int64, nil
}

// TimeoutParams carries both watermark intervals for one scan pass.
type TimeoutParams struct {
	SegmentID     int64
	IntervalMin   int64
	IntervalMax   int64
	FxSegmentID   int64
	FxIntervalMin int64
	FxIntervalMax int64
}

// TimeoutResult is the notification payload of one scan pass.
type TimeoutResult struct {
	Transfers   []TimedOutTransfer
	FxTransfers []TimedOutFxTransfer
}

// TimeoutExpireReserved runs one watermark scan pass in a single
// transaction: track newly eligible transfers, expire the overdue ones,
// propagate expiry across FX linkage both ways, write the expiry error
// records, and advance both segments. A failure rolls everything back
// including the watermark, so the pass is retryable from the last committed
// segment value.
func (s *Store) TimeoutExpireReserved(ctx context.Context, p TimeoutParams) (*TimeoutResult, error) {
	var result TimeoutResult
	err := s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		// 1. Track transfers whose latest state change in the interval left
		// them non-terminal, unless already tracked.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_timeout (transfer_id, expiration_date, created_date)
			SELECT t.transfer_id, t.expiration_date, $3
			FROM transfer t
			JOIN (
				SELECT transfer_id, MAX(id) AS max_id
				FROM transfer_state_change
				WHERE id > $1 AND id <= $2
				GROUP BY transfer_id
			) latest ON latest.transfer_id = t.transfer_id
			JOIN transfer_state_change tsc ON tsc.id = latest.max_id
			WHERE tsc.transfer_state_id IN ('RECEIVED_PREPARE', 'RESERVED')
			ON CONFLICT (transfer_id) DO NOTHING`,
			p.IntervalMin, p.IntervalMax, now); err != nil {
			return fmt.Errorf("track timeout candidates: %w", err)
		}

		// Drop tracked transfers that have since reached a terminal state.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transfer_timeout tt
			USING (
				SELECT tsc.transfer_id, tsc.transfer_state_id
				FROM transfer_state_change tsc
				JOIN (
					SELECT transfer_id, MAX(id) AS max_id
					FROM transfer_state_change
					GROUP BY transfer_id
				) latest ON latest.max_id = tsc.id
			) cur
			WHERE cur.transfer_id = tt.transfer_id
			  AND cur.transfer_state_id NOT IN ('RECEIVED_PREPARE', 'RESERVED', 'RESERVED_TIMEOUT')`); err != nil {
			return fmt.Errorf("clean resolved timeout rows: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fx_transfer_timeout (commit_request_id, expiration_date, created_date)
			SELECT fx.commit_request_id, fx.expiration_date, $3
			FROM fx_transfer fx
			JOIN (
				SELECT commit_request_id, MAX(id) AS max_id
				FROM fx_transfer_state_change
				WHERE id > $1 AND id <= $2
				GROUP BY commit_request_id
			) latest ON latest.commit_request_id = fx.commit_request_id
			JOIN fx_transfer_state_change fsc ON fsc.id = latest.max_id
			WHERE fsc.transfer_state_id IN ('RECEIVED_PREPARE', 'RESERVED', 'RECEIVED_FULFIL_DEPENDENT')
			ON CONFLICT (commit_request_id) DO NOTHING`,
			p.FxIntervalMin, p.FxIntervalMax, now); err != nil {
			return fmt.Errorf("track fx timeout candidates: %w", err)
		}

		// 3. Cross-linkage propagation, both directions. An FX transfer
		// inherits its determining transfer's expiration; a transfer
		// inherits its linked FX expiration. The earlier date wins on
		// conflict so an already-tracked side cannot outlive its linked
		// side's expiry.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fx_transfer_timeout (commit_request_id, expiration_date, created_date)
			SELECT fx.commit_request_id, tt.expiration_date, $1
			FROM fx_transfer fx
			JOIN transfer_timeout tt ON tt.transfer_id = fx.determining_transfer_id
			WHERE tt.expiration_date <= $1
			ON CONFLICT (commit_request_id) DO UPDATE
			SET expiration_date = LEAST(fx_transfer_timeout.expiration_date, EXCLUDED.expiration_date)`,
			now); err != nil {
			return fmt.Errorf("propagate expiry to fx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_timeout (transfer_id, expiration_date, created_date)
			SELECT fx.determining_transfer_id, ftt.expiration_date, $1
			FROM fx_transfer fx
			JOIN fx_transfer_timeout ftt ON ftt.commit_request_id = fx.commit_request_id
			WHERE ftt.expiration_date <= $1
			ON CONFLICT (transfer_id) DO UPDATE
			SET expiration_date = LEAST(transfer_timeout.expiration_date, EXCLUDED.expiration_date)`,
			now); err != nil {
			return fmt.Errorf("propagate expiry from fx: %w", err)
		}

		// 2 (after propagation so linked items advance in the same pass).
		if err := expireTracked(ctx, tx, now); err != nil {
			return err
		}
		if err := expireTrackedFx(ctx, tx, now); err != nil {
			return err
		}

		// 4. Error records for everything that just hit RESERVED_TIMEOUT.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfer_error (transfer_id, transfer_state_change_id, error_code, error_description, created_date)
			SELECT tsc.transfer_id, tsc.id, $1, $2, $3
			FROM transfer_state_change tsc
			JOIN (
				SELECT transfer_id, MAX(id) AS max_id
				FROM transfer_state_change
				GROUP BY transfer_id
			) latest ON latest.max_id = tsc.id
			JOIN transfer_timeout tt ON tt.transfer_id = tsc.transfer_id
			WHERE tsc.transfer_state_id = 'RESERVED_TIMEOUT'
			ON CONFLICT (transfer_id) DO NOTHING`,
			ledger.ErrCodeTransferExpired, ledger.ErrDescTransferExpired, now); err != nil {
			return fmt.Errorf("insert expiry errors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fx_transfer_error (commit_request_id, fx_transfer_state_change_id, error_code, error_description, created_date)
			SELECT fsc.commit_request_id, fsc.id, $1, $2, $3
			FROM fx_transfer_state_change fsc
			JOIN (
				SELECT commit_request_id, MAX(id) AS max_id
				FROM fx_transfer_state_change
				GROUP BY commit_request_id
			) latest ON latest.max_id = fsc.id
			JOIN fx_transfer_timeout ftt ON ftt.commit_request_id = fsc.commit_request_id
			WHERE fsc.transfer_state_id = 'RESERVED_TIMEOUT'
			ON CONFLICT (commit_request_id) DO NOTHING`,
			ledger.ErrCodeTransferExpired, ledger.ErrDescTransferExpired, now); err != nil {
			return fmt.Errorf("insert fx expiry errors: %w", err)
		}

		// 5. Advance both watermarks inside the same transaction; a crash
		// can never advance a segment without the rows that justify it.
		if err := upsertSegment(ctx, tx, p.SegmentID, SegmentTypeTimeout, TableTransferTimeout, p.IntervalMax); err != nil {
			return err
		}
		if err := upsertSegment(ctx, tx, p.FxSegmentID, SegmentTypeTimeout, TableFxTransferTimeout, p.FxIntervalMax); err != nil {
			return err
		}

		var err error
		result.Transfers, err = listTimedOut(ctx, tx, now)
		if err != nil {
			return err
		}
		result.FxTransfers, err = listTimedOutFx(ctx, tx, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func expireTracked(ctx context.Context, tx *sql.Tx, now time.Time) error {
	// RECEIVED_PREPARE past expiry -> EXPIRED_PREPARED.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_state_change (transfer_id, transfer_state_id, reason, created_date)
		SELECT tt.transfer_id, 'EXPIRED_PREPARED', $1, $2
		FROM transfer_timeout tt
		JOIN (
			SELECT transfer_id, MAX(id) AS max_id
			FROM transfer_state_change
			GROUP BY transfer_id
		) latest ON latest.transfer_id = tt.transfer_id
		JOIN transfer_state_change tsc ON tsc.id = latest.max_id
		WHERE tt.expiration_date <= $2
		  AND tsc.transfer_state_id = 'RECEIVED_PREPARE'`,
		ledger.ReasonAbortedByTimeout, now); err != nil {
		return fmt.Errorf("expire prepared transfers: %w", err)
	}
	// RESERVED past expiry -> RESERVED_TIMEOUT.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_state_change (transfer_id, transfer_state_id, reason, created_date)
		SELECT tt.transfer_id, 'RESERVED_TIMEOUT', $1, $2
		FROM transfer_timeout tt
		JOIN (
			SELECT transfer_id, MAX(id) AS max_id
			FROM transfer_state_change
			GROUP BY transfer_id
		) latest ON latest.transfer_id = tt.transfer_id
		JOIN transfer_state_change tsc ON tsc.id = latest.max_id
		WHERE tt.expiration_date <= $2
		  AND tsc.transfer_state_id = 'RESERVED'`,
		ledger.ReasonMarkedForExpiration, now); err != nil {
		return fmt.Errorf("expire reserved transfers: %w", err)
	}
	return nil
}

func expireTrackedFx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fx_transfer_state_change (commit_request_id, transfer_state_id, reason, created_date)
		SELECT ftt.commit_request_id, 'EXPIRED_PREPARED', $1, $2
		FROM fx_transfer_timeout ftt
		JOIN (
			SELECT commit_request_id, MAX(id) AS max_id
			FROM fx_transfer_state_change
			GROUP BY commit_request_id
		) latest ON latest.commit_request_id = ftt.commit_request_id
		JOIN fx_transfer_state_change fsc ON fsc.id = latest.max_id
		WHERE ftt.expiration_date <= $2
		  AND fsc.transfer_state_id = 'RECEIVED_PREPARE'`,
		ledger.ReasonAbortedByTimeout, now); err != nil {
		return fmt.Errorf("expire prepared fx transfers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fx_transfer_state_change (commit_request_id, transfer_state_id, reason, created_date)
		SELECT ftt.commit_request_id, 'RESERVED_TIMEOUT', $1, $2
		FROM fx_transfer_timeout ftt
		JOIN (
			SELECT commit_request_id, MAX(id) AS max_id
			FROM fx_transfer_state_change
			GROUP BY commit_request_id
		) latest ON latest.commit_request_id = ftt.commit_request_id
		JOIN fx_transfer_state_change fsc ON fsc.id = latest.max_id
		WHERE ftt.expiration_date <= $2
		  AND fsc.transfer_state_id IN ('RESERVED', 'RECEIVED_FULFIL_DEPENDENT')`,
		ledger.ReasonMarkedForExpiration, now); err != nil {
		return fmt.Errorf("expire reserved fx transfers: %w", err)
	}
	return nil
}

func upsertSegment(ctx context.Context, tx *sql.Tx, segmentID int64, segmentType, tableName string, value int64) error {
	if segmentID == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO segment (segment_type, table_name, value)
			VALUES ($1, $2, $3)`,
			segmentType, tableName, value); err != nil {
			return fmt.Errorf("insert segment %s/%s: %w", segmentType, tableName, err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE segment SET value = $2 WHERE segment_id = $1`,
		segmentID, value)
	if err != nil {
		return fmt.Errorf("advance segment %d: %w", segmentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("advance segment %d: no such segment", segmentID)
	}
	return nil
}

func listTimedOut(ctx context.Context, tx *sql.Tx, now time.Time) ([]TimedOutTransfer, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT tt.transfer_id, payer.name, payee.name, tsc.transfer_state_id, tt.expiration_date,
		       ep_payer.name, ep_payee.name
		FROM transfer_timeout tt
		JOIN transfer_participant tpr
		  ON tpr.transfer_id = tt.transfer_id AND tpr.role_type = 'PAYER_DFSP'
		JOIN participant payer ON payer.participant_id = tpr.participant_id
		JOIN transfer_participant tpe
		  ON tpe.transfer_id = tt.transfer_id AND tpe.role_type = 'PAYEE_DFSP'
		JOIN participant payee ON payee.participant_id = tpe.participant_id
		LEFT JOIN participant ep_payer ON ep_payer.participant_id = tpr.external_participant_id
		LEFT JOIN participant ep_payee ON ep_payee.participant_id = tpe.external_participant_id
		JOIN (
			SELECT transfer_id, MAX(id) AS max_id
			FROM transfer_state_change
			GROUP BY transfer_id
		) latest ON latest.transfer_id = tt.transfer_id
		JOIN transfer_state_change tsc ON tsc.id = latest.max_id
		WHERE tt.expiration_date <= $1
		ORDER BY tt.transfer_id`, now)
	if err != nil {
		return nil, fmt.Errorf("list timed-out transfers: %w", err)
	}
	defer rows.Close()

	var out []TimedOutTransfer
	for rows.Next() {
		var t TimedOutTransfer
		if err := rows.Scan(&t.TransferID, &t.PayerFsp, &t.PayeeFsp, &t.TransferStateID,
			&t.ExpirationDate, &t.ExternalPayerName, &t.ExternalPayeeName); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func listTimedOutFx(ctx context.Context, tx *sql.Tx, now time.Time) ([]TimedOutFxTransfer, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ftt.commit_request_id, fx.determining_transfer_id, fx.initiating_fsp,
		       fx.counter_party_fsp, fsc.transfer_state_id, ftt.expiration_date
		FROM fx_transfer_timeout ftt
		JOIN fx_transfer fx ON fx.commit_request_id = ftt.commit_request_id
		JOIN (
			SELECT commit_request_id, MAX(id) AS max_id
			FROM fx_transfer_state_change
			GROUP BY commit_request_id
		) latest ON latest.commit_request_id = ftt.commit_request_id
		JOIN fx_transfer_state_change fsc ON fsc.id = latest.max_id
		WHERE ftt.expiration_date <= $1
		ORDER BY ftt.commit_request_id`, now)
	if err != nil {
		return nil, fmt.Errorf("list timed-out fx transfers: %w", err)
	}
	defer rows.Close()

	var out []TimedOutFxTransfer
	for rows.Next() {
		var t TimedOutFxTransfer
		if err := rows.Scan(&t.CommitRequestID, &t.DeterminingTransferID, &t.InitiatingFsp,
			&t.CounterPartyFsp, &t.TransferStateID, &t.ExpirationDate); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
