package ledger

// RoleType tags a transferParticipant leg.
type RoleType string

const (
	RolePayerDFSP      RoleType = "PAYER_DFSP"
	RolePayeeDFSP      RoleType = "PAYEE_DFSP"
	RoleHub            RoleType = "HUB"
	RoleDFSPPosition   RoleType = "DFSP_POSITION"
	RoleDFSPSettlement RoleType = "DFSP_SETTLEMENT"
)

// LedgerEntryType classifies the monetary purpose of a leg.
type LedgerEntryType string

const (
	EntryPrincipleValue   LedgerEntryType = "PRINCIPLE_VALUE"
	EntryInterchangeFee   LedgerEntryType = "INTERCHANGE_FEE"
	EntryHubFee           LedgerEntryType = "HUB_FEE"
	EntryRecordFundsIn    LedgerEntryType = "RECORD_FUNDS_IN"
	EntryRecordFundsOut   LedgerEntryType = "RECORD_FUNDS_OUT"
	EntrySettlementNetRec LedgerEntryType = "SETTLEMENT_NET_RECIPIENT"
	EntrySettlementNetSen LedgerEntryType = "SETTLEMENT_NET_SENDER"
)

// LedgerAccountType classifies a participant-currency account.
type LedgerAccountType string

const (
	AccountPosition                  LedgerAccountType = "POSITION"
	AccountSettlement                LedgerAccountType = "SETTLEMENT"
	AccountHubReconciliation         LedgerAccountType = "HUB_RECONCILIATION"
	AccountHubMultilateralSettlement LedgerAccountType = "HUB_MULTILATERAL_SETTLEMENT"
)

// PositionEligible reports whether an account of this type may have its
// position mutated by the position engine. Everything else is bookkeeping
// only and must never be locked or adjusted.
func PositionEligible(t LedgerAccountType) bool {
	switch t {
	case AccountPosition, AccountSettlement,
		AccountHubReconciliation, AccountHubMultilateralSettlement:
		return true
	}
	return false
}
