package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SettleLedger/internal/ledger"
)

// CheckAndInsertDuplicateHash runs the prepare-side duplicate guard in one
// transaction: load the stored hashes for the transfer id, classify, and
// insert only on first-seen. The outcome is a value the caller branches on.
func (s *Store) CheckAndInsertDuplicateHash(ctx context.Context, transferID, hash string) (ledger.DuplicateResult, error) {
	return s.checkAndInsert(ctx, transferID, hash, `
		SELECT hash, TRUE FROM transfer_duplicate_check
		WHERE transfer_id = $1`, `
		INSERT INTO transfer_duplicate_check (transfer_id, hash, created_date)
		VALUES ($1, $2, $3)`)
}

// CheckAndInsertFulfilmentDuplicateHash is the fulfil-side guard. The stored
// hash is joined to the validity of the fulfilment it produced, so a
// replayed fulfil returns the cached outcome.
func (s *Store) CheckAndInsertFulfilmentDuplicateHash(ctx context.Context, transferID, hash string) (ledger.DuplicateResult, error) {
	return s.checkAndInsert(ctx, transferID, hash, `
		SELECT dc.hash, COALESCE(tf.is_valid, FALSE)
		FROM transfer_fulfilment_duplicate_check dc
		LEFT JOIN transfer_fulfilment tf ON tf.transfer_id = dc.transfer_id
		WHERE dc.transfer_id = $1`, `
		INSERT INTO transfer_fulfilment_duplicate_check (transfer_id, hash, created_date)
		VALUES ($1, $2, $3)`)
}

func (s *Store) checkAndInsert(ctx context.Context, transferID, hash, selectQuery, insertQuery string) (ledger.DuplicateResult, error) {
	var result ledger.DuplicateResult
	err := s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectQuery, transferID)
		if err != nil {
			return fmt.Errorf("load duplicate hashes for %s: %w", transferID, err)
		}
		var prior []ledger.StoredHash
		for rows.Next() {
			var h ledger.StoredHash
			if err := rows.Scan(&h.Hash, &h.IsValid); err != nil {
				rows.Close()
				return err
			}
			prior = append(prior, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		result = ledger.ResolveDuplicate(hash, prior)
		if result.ExistsMatching || result.ExistsNotMatching {
			return nil
		}
		if _, err := tx.ExecContext(ctx, insertQuery, transferID, hash, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert duplicate hash for %s: %w", transferID, err)
		}
		return nil
	})
	if err != nil {
		return ledger.DuplicateResult{}, err
	}
	return result, nil
}
