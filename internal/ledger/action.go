package ledger

import "fmt"

// Action is the outcome verb carried by a fulfil/reject/error request,
// or by an administrative funds-movement request.
type Action string

const (
	ActionCommit          Action = "COMMIT"
	ActionReserve         Action = "RESERVE"
	ActionBulkCommit      Action = "BULK_COMMIT"
	ActionReject          Action = "REJECT"
	ActionAbort           Action = "ABORT"
	ActionAbortValidation Action = "ABORT_VALIDATION"
	ActionBulkAbort       Action = "BULK_ABORT"

	ActionRecordFundsIn                Action = "RECORD_FUNDS_IN"
	ActionRecordFundsOutPrepareReserve Action = "RECORD_FUNDS_OUT_PREPARE_RESERVE"
	ActionRecordFundsOutCommit         Action = "RECORD_FUNDS_OUT_COMMIT"
	ActionRecordFundsOutAbort          Action = "RECORD_FUNDS_OUT_ABORT"
)

// StateForAction maps an outcome action to the state it records. Admin
// actions belong to the reconciliation surface and never map to an outcome
// state; anything else unmapped is an internal fault, never a silent
// fallthrough.
func StateForAction(action Action) (State, error) {
	if AdminAction(action) {
		return "", &UnsupportedActionError{Action: action}
	}
	switch action {
	case ActionCommit, ActionReserve, ActionBulkCommit:
		return StateReceivedFulfil, nil
	case ActionReject:
		return StateReceivedReject, nil
	case ActionAbort, ActionAbortValidation, ActionBulkAbort:
		return StateReceivedError, nil
	default:
		return "", &UnsupportedActionError{Action: action}
	}
}

// AdminAction reports whether the action belongs to the reconciliation
// (record-funds) surface rather than the two-party transfer protocol.
func AdminAction(action Action) bool {
	switch action {
	case ActionRecordFundsIn, ActionRecordFundsOutPrepareReserve,
		ActionRecordFundsOutCommit, ActionRecordFundsOutAbort:
		return true
	}
	return false
}

func (a Action) String() string { return string(a) }

// ParseAction validates an inbound action string.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	switch a {
	case ActionCommit, ActionReserve, ActionBulkCommit, ActionReject,
		ActionAbort, ActionAbortValidation, ActionBulkAbort,
		ActionRecordFundsIn, ActionRecordFundsOutPrepareReserve,
		ActionRecordFundsOutCommit, ActionRecordFundsOutAbort:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}
