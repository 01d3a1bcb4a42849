package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
)

// ParticipantCurrencyRow is one participant-currency account with its owner.
type ParticipantCurrencyRow struct {
	ParticipantCurrencyID int64
	ParticipantID         int64
	ParticipantName       string
	CurrencyID            string
	LedgerAccountType     ledger.LedgerAccountType
	IsProxy               bool
}

// ParticipantCurrency resolves a participant-currency account by participant
// name, currency, and account type.
func (s *Store) ParticipantCurrency(ctx context.Context, name, currency string, accountType ledger.LedgerAccountType) (*ParticipantCurrencyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pc.participant_currency_id, pc.participant_id, p.name,
		       pc.currency_id, pc.ledger_account_type, p.is_proxy
		FROM participant_currency pc
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE p.name = $1 AND pc.currency_id = $2 AND pc.ledger_account_type = $3
		  AND pc.is_active AND p.is_active`,
		name, currency, string(accountType))

	var pc ParticipantCurrencyRow
	err := row.Scan(&pc.ParticipantCurrencyID, &pc.ParticipantID, &pc.ParticipantName,
		&pc.CurrencyID, &pc.LedgerAccountType, &pc.IsProxy)
	if err == sql.ErrNoRows {
		return nil, &ledger.ValidationError{
			Reason: fmt.Sprintf("no active %s account for participant %s in %s", accountType, name, currency),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup participant currency %s/%s: %w", name, currency, err)
	}
	return &pc, nil
}

// ParticipantCurrencyByID resolves an account by id.
func (s *Store) ParticipantCurrencyByID(ctx context.Context, id int64) (*ParticipantCurrencyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pc.participant_currency_id, pc.participant_id, p.name,
		       pc.currency_id, pc.ledger_account_type, p.is_proxy
		FROM participant_currency pc
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE pc.participant_currency_id = $1`,
		id)

	var pc ParticipantCurrencyRow
	err := row.Scan(&pc.ParticipantCurrencyID, &pc.ParticipantID, &pc.ParticipantName,
		&pc.CurrencyID, &pc.LedgerAccountType, &pc.IsProxy)
	if err == sql.ErrNoRows {
		return nil, &ledger.ValidationError{Reason: fmt.Sprintf("unknown participant currency id %d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup participant currency %d: %w", id, err)
	}
	return &pc, nil
}

// HubAccount resolves one of the hub's reconciliation-side accounts for a
// currency. The hub participant id is fixed by configuration.
func (s *Store) HubAccount(ctx context.Context, hubParticipantID int64, currency string, accountType ledger.LedgerAccountType) (*ParticipantCurrencyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pc.participant_currency_id, pc.participant_id, p.name,
		       pc.currency_id, pc.ledger_account_type, p.is_proxy
		FROM participant_currency pc
		JOIN participant p ON p.participant_id = pc.participant_id
		WHERE pc.participant_id = $1 AND pc.currency_id = $2 AND pc.ledger_account_type = $3`,
		hubParticipantID, currency, string(accountType))

	var pc ParticipantCurrencyRow
	err := row.Scan(&pc.ParticipantCurrencyID, &pc.ParticipantID, &pc.ParticipantName,
		&pc.CurrencyID, &pc.LedgerAccountType, &pc.IsProxy)
	if err == sql.ErrNoRows {
		return nil, &ledger.ValidationError{
			Reason: fmt.Sprintf("hub has no %s account in %s", accountType, currency),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup hub account %s/%s: %w", currency, accountType, err)
	}
	return &pc, nil
}

// NetDebitCap returns the participant's NET_DEBIT_CAP limit, or zero when
// none is configured.
func (s *Store) NetDebitCap(ctx context.Context, participantCurrencyID int64) (decimal.Decimal, error) {
	var limit decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM participant_limit
		WHERE participant_currency_id = $1 AND limit_type = 'NET_DEBIT_CAP' AND is_active`,
		participantCurrencyID).Scan(&limit)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lookup net debit cap for %d: %w", participantCurrencyID, err)
	}
	return limit, nil
}
