package reconciliation

import (
	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
)

// LegAmounts pins the sign convention for admin fund movements, which is
// asymmetric to ordinary transfers: amounts live on the settlement side of
// the scheme, where a funded account runs negative.
//
//	RECORD_FUNDS_IN:  hub reconciliation +A, DFSP settlement -A
//	RECORD_FUNDS_OUT: hub reconciliation -A, DFSP settlement +A
//
// Either way the legs cancel, so money conservation holds across the saga.
func LegAmounts(action ledger.Action, amount decimal.Decimal) (hub, settlement decimal.Decimal, err error) {
	switch action {
	case ledger.ActionRecordFundsIn:
		return amount, amount.Neg(), nil
	case ledger.ActionRecordFundsOutPrepareReserve:
		return amount.Neg(), amount, nil
	default:
		return decimal.Zero, decimal.Zero, &ledger.UnsupportedActionError{Action: action}
	}
}

// reserveFlags selects which leg the reserve step mutates: funds-in debits
// the hub reconciliation account, funds-out debits the DFSP settlement
// account. The commit step settles the opposite leg.
func reserveFlags(action ledger.Action) (drUpdated, crUpdated bool) {
	if action == ledger.ActionRecordFundsIn {
		return true, false
	}
	return false, true
}

func commitFlags(action ledger.Action) (drUpdated, crUpdated bool) {
	if action == ledger.ActionRecordFundsIn {
		return false, true
	}
	return true, false
}
