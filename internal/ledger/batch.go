package ledger

import "github.com/shopspring/decimal"

// BatchItem is one prepared transfer awaiting reservation against the payer
// position.
type BatchItem struct {
	TransferID string
	Amount     decimal.Decimal
}

// BatchDecision is the per-transfer outcome of a batch reservation pass.
// RunningReserved is the reserved value after this item, recorded on the
// position-change row for replay.
type BatchDecision struct {
	TransferID      string
	Reserved        bool
	Amount          decimal.Decimal
	RunningReserved decimal.Decimal
}

// ReasonNetDebitCapExceeded is persisted with a declined reservation.
const ReasonNetDebitCapExceeded = "Net Debit Cap exceeded by this request at this time, please try again later"

// ComputeBatchReservations decides RESERVED/declined for each item in
// arrival order against a single payer position snapshot. Available headroom
// is value + netDebitCap - reserved: the position may run negative down to
// the configured cap, and in-flight reservations consume headroom until
// resolved. Pure; the store runs it under the position row lock.
func ComputeBatchReservations(value, reserved, netDebitCap decimal.Decimal, items []BatchItem) []BatchDecision {
	available := value.Add(netDebitCap).Sub(reserved)
	running := reserved
	decisions := make([]BatchDecision, 0, len(items))
	for _, item := range items {
		d := BatchDecision{TransferID: item.TransferID, Amount: item.Amount}
		if item.Amount.Sign() > 0 && item.Amount.LessThanOrEqual(available) {
			d.Reserved = true
			available = available.Sub(item.Amount)
			running = running.Add(item.Amount)
		}
		d.RunningReserved = running
		decisions = append(decisions, d)
	}
	return decisions
}
