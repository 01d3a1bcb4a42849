package ledger

import (
	"errors"
	"fmt"
)

// ValidationError marks a payload that failed precondition checks. The
// transfer is recorded as INVALID with no position effect.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// DuplicateConflictError marks a replayed request whose payload hash does not
// match the stored hash for the same transfer id. Nothing is mutated.
type DuplicateConflictError struct {
	TransferID string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("transfer %s: modified duplicate request", e.TransferID)
}

// UnsupportedActionError marks an action with no mapped state. This is an
// internal fault: upstream validation should have refused the message.
type UnsupportedActionError struct {
	Action Action
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unsupported action %s", e.Action)
}

// InsufficientFundsError is raised by the reconciliation reserve step when
// the post-debit position is still positive. It triggers a compensating
// abort rather than surfacing as a hard failure.
type InsufficientFundsError struct {
	TransferID string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("transfer %s: insufficient funds", e.TransferID)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Scheme error codes persisted into transferError rows.
const (
	ErrCodeGenericPayee    = 5000
	ErrCodeTransferExpired = 3303
)

// Fixed descriptions and reasons written by the timeout scanner and the
// abort paths. These strings are part of the persisted record; do not edit.
const (
	ErrDescTransferExpired    = "Client requested to use a transfer that has already expired"
	ReasonAbortedByTimeout    = "Aborted by Timeout Handler"
	ReasonMarkedForExpiration = "Marked for expiration by Timeout Handler"
	ReasonInsufficientFunds   = "Aborted due to insufficient funds"
)

// ClampPayeeErrorCode forces abort/error codes into the payee error interval
// (5000, 5500); anything outside is replaced by the generic payee error.
func ClampPayeeErrorCode(code int) int {
	if code > 5000 && code < 5500 {
		return code
	}
	return ErrCodeGenericPayee
}
