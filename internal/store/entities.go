package store

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
)

// Row types for the settlement schema. Money columns scan through
// decimal.Decimal; NUMERIC columns never pass through float64.

type Transfer struct {
	TransferID     string
	Amount         decimal.Decimal
	CurrencyID     string
	ILPCondition   string
	ExpirationDate time.Time
	CreatedDate    time.Time
}

type TransferParticipant struct {
	ID                    int64
	TransferID            string
	ParticipantID         int64
	ParticipantCurrencyID int64
	RoleType              ledger.RoleType
	LedgerEntryType       ledger.LedgerEntryType
	Amount                decimal.Decimal
	ExternalParticipantID sql.NullInt64
}

type TransferStateChange struct {
	ID              int64
	TransferID      string
	TransferStateID ledger.State
	Reason          sql.NullString
	CreatedDate     time.Time
}

type TransferFulfilment struct {
	TransferID         string
	ILPFulfilment      string
	CompletedDate      time.Time
	IsValid            bool
	SettlementWindowID sql.NullInt64
}

type TransferError struct {
	TransferID            string
	TransferStateChangeID int64
	ErrorCode             int
	ErrorDescription      string
}

type ParticipantPosition struct {
	ParticipantCurrencyID int64
	Value                 decimal.Decimal
	ReservedValue         decimal.Decimal
	ChangedDate           time.Time
}

type ParticipantPositionChange struct {
	ID                    int64
	ParticipantPositionID int64
	ParticipantCurrencyID int64
	TransferStateChangeID int64
	Value                 decimal.Decimal
	Change                decimal.Decimal
	ReservedValue         decimal.Decimal
	CreatedDate           time.Time
}

type Segment struct {
	SegmentID   int64
	SegmentType string
	TableName   string
	Value       int64
}

// TransferView is the fully joined read model returned by GetByID.
type TransferView struct {
	TransferID       string
	Amount           decimal.Decimal
	CurrencyID       string
	ILPCondition     string
	ExpirationDate   time.Time
	PayerFsp         string
	PayeeFsp         string
	TransferState    ledger.State
	StateChangeID    int64
	Reason           sql.NullString
	Fulfilment       sql.NullString
	CompletedDate    sql.NullTime
	IsValid          sql.NullBool
	ErrorCode        sql.NullInt64
	ErrorDescription sql.NullString
}

// TransferInfo is the participant row plus latest state used by the position
// engine to decide a leg mutation.
type TransferInfo struct {
	TransferID            string
	ParticipantCurrencyID int64
	Amount                decimal.Decimal
	TransferStateID       ledger.State
	StateChangeID         int64
	ExpirationDate        time.Time
}

// TimedOutTransfer is one element of the scanner's notification list, with
// display names resolved for the external notifier.
type TimedOutTransfer struct {
	TransferID        string
	PayerFsp          string
	PayeeFsp          string
	TransferStateID   ledger.State
	ExpirationDate    time.Time
	ExternalPayerName sql.NullString
	ExternalPayeeName sql.NullString
}

// TimedOutFxTransfer mirrors TimedOutTransfer for the FX working set.
type TimedOutFxTransfer struct {
	CommitRequestID       string
	DeterminingTransferID string
	InitiatingFsp         string
	CounterPartyFsp       string
	TransferStateID       ledger.State
	ExpirationDate        time.Time
}

// ForwardedTransfer is one element of the forwarded working set.
type ForwardedTransfer struct {
	TransferID     string
	AttemptCount   int
	PayerFsp       string
	PayeeFsp       string
	ExpirationDate time.Time
}

// FxTransfer is the conversion leg linked to a determining transfer.
type FxTransfer struct {
	CommitRequestID       string
	DeterminingTransferID string
	InitiatingFsp         string
	CounterPartyFsp       string
	SourceAmount          decimal.Decimal
	SourceCurrency        string
	TargetAmount          decimal.Decimal
	TargetCurrency        string
	ILPCondition          string
	ExpirationDate        time.Time
	CreatedDate           time.Time
}
