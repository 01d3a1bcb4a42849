package ledger

// State is a transfer lifecycle state. States are persisted as strings in
// transferStateChange rows; the current state of a transfer is the row with
// the greatest id, never the newest timestamp (multiple changes can share one).
type State string

const (
	StateReceivedPrepare   State = "RECEIVED_PREPARE"
	StateInvalid           State = "INVALID"
	StateReserved          State = "RESERVED"
	StateReceivedFulfil    State = "RECEIVED_FULFIL"
	StateReceivedReject    State = "RECEIVED_REJECT"
	StateReceivedError     State = "RECEIVED_ERROR"
	StateCommitted         State = "COMMITTED"
	StateAbortedRejected   State = "ABORTED_REJECTED"
	StateReservedForwarded State = "RESERVED_FORWARDED"
	StateReservedTimeout   State = "RESERVED_TIMEOUT"
	StateExpiredPrepared   State = "EXPIRED_PREPARED"

	// FX-side only: conversion fulfiled but waiting on the determining transfer.
	StateReceivedFulfilDependent State = "RECEIVED_FULFIL_DEPENDENT"
)

// Terminal reports whether no further transition out of s is legal.
// INVALID is terminal for the engine: a transfer rejected at validation
// never re-enters the lifecycle under the same id.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateAbortedRejected, StateExpiredPrepared, StateInvalid:
		return true
	}
	return false
}

// validNext enumerates the legal forward edges of the state machine.
// Anything absent here is an illegal advance and must be refused before
// a state-change row is persisted.
var validNext = map[State][]State{
	StateReceivedPrepare: {StateReserved, StateReceivedError, StateExpiredPrepared},
	StateReserved: {
		StateReceivedFulfil, StateReceivedReject, StateReceivedError,
		StateReservedForwarded, StateReservedTimeout,
		StateReceivedFulfilDependent,
	},
	StateReservedForwarded: {
		StateReceivedFulfil, StateReceivedReject, StateReceivedError,
		StateReservedTimeout,
	},
	StateReceivedFulfil:          {StateCommitted, StateReceivedError},
	StateReceivedFulfilDependent: {StateCommitted, StateReceivedError, StateReservedTimeout},
	StateReceivedReject:          {StateAbortedRejected},
	StateReceivedError:           {StateAbortedRejected},
	StateReservedTimeout:         {StateReceivedReject, StateReceivedError, StateAbortedRejected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether the full recorded state sequence is a walk
// through the machine, starting from a legal initial state.
func ValidPath(states []State) bool {
	if len(states) == 0 {
		return false
	}
	if states[0] != StateReceivedPrepare && states[0] != StateInvalid {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}
