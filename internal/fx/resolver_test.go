package fx

import (
	"context"
	"database/sql"
	"testing"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/store"
)

type stubStore struct {
	transferStates map[string]ledger.State
	fxStates       map[string]ledger.State
	fxByCommit     map[string]*store.FxTransfer
	byDetermining  map[string][]store.FxTransfer
	prepared       []store.FxTransfer
	stateChanges   []struct {
		CommitRequestID string
		State           ledger.State
	}
}

func (s *stubStore) SaveFxTransferPrepared(_ context.Context, _ *sql.Tx, fx store.FxTransfer, _ bool, _ string) error {
	s.prepared = append(s.prepared, fx)
	return nil
}

func (s *stubStore) SaveFxStateChange(_ context.Context, _ *sql.Tx, commitRequestID string, state ledger.State, _ string) error {
	s.stateChanges = append(s.stateChanges, struct {
		CommitRequestID string
		State           ledger.State
	}{commitRequestID, state})
	if s.fxStates == nil {
		s.fxStates = map[string]ledger.State{}
	}
	s.fxStates[commitRequestID] = state
	return nil
}

func (s *stubStore) FxTransferByCommitRequestID(_ context.Context, commitRequestID string) (*store.FxTransfer, error) {
	return s.fxByCommit[commitRequestID], nil
}

func (s *stubStore) FxTransfersByDeterminingID(_ context.Context, determiningTransferID string) ([]store.FxTransfer, error) {
	return s.byDetermining[determiningTransferID], nil
}

func (s *stubStore) FxTransferStateByCommitRequestID(_ context.Context, commitRequestID string) (*store.TransferStateChange, error) {
	state, ok := s.fxStates[commitRequestID]
	if !ok {
		return nil, nil
	}
	return &store.TransferStateChange{TransferID: commitRequestID, TransferStateID: state}, nil
}

func (s *stubStore) GetTransferStateByID(_ context.Context, transferID string) (*store.TransferStateChange, error) {
	state, ok := s.transferStates[transferID]
	if !ok {
		return nil, nil
	}
	return &store.TransferStateChange{TransferID: transferID, TransferStateID: state}, nil
}

func conversion(commitRequestID, determiningTransferID string) store.FxTransfer {
	return store.FxTransfer{
		CommitRequestID:       commitRequestID,
		DeterminingTransferID: determiningTransferID,
		InitiatingFsp:         "dfsp1",
		CounterPartyFsp:       "fxp1",
	}
}

func TestPrepareRequiresLiveDeterminingTransfer(t *testing.T) {
	st := &stubStore{transferStates: map[string]ledger.State{"t1": ledger.StateReserved}}
	r := New(st)

	if err := r.Prepare(context.Background(), conversion("c1", "t1")); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(st.prepared) != 1 {
		t.Fatalf("prepared %d conversions, want 1", len(st.prepared))
	}
}

func TestPrepareRejectsUnknownDeterminingTransfer(t *testing.T) {
	st := &stubStore{transferStates: map[string]ledger.State{}}
	r := New(st)

	err := r.Prepare(context.Background(), conversion("c1", "missing"))
	if !ledger.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(st.prepared) != 0 {
		t.Error("rejected conversion still persisted")
	}
}

func TestPrepareRejectsTerminalDeterminingTransfer(t *testing.T) {
	for _, state := range []ledger.State{ledger.StateCommitted, ledger.StateAbortedRejected, ledger.StateExpiredPrepared} {
		st := &stubStore{transferStates: map[string]ledger.State{"t1": state}}
		r := New(st)

		err := r.Prepare(context.Background(), conversion("c1", "t1"))
		if !ledger.IsValidation(err) {
			t.Errorf("determining state %s: err = %v, want validation error", state, err)
		}
	}
}

func TestFulfilDependentHoldsConversion(t *testing.T) {
	st := &stubStore{fxStates: map[string]ledger.State{"c1": ledger.StateReserved}}
	r := New(st)

	if err := r.FulfilDependent(context.Background(), "c1"); err != nil {
		t.Fatalf("FulfilDependent: %v", err)
	}
	if got := st.fxStates["c1"]; got != ledger.StateReceivedFulfilDependent {
		t.Errorf("state = %s, want RECEIVED_FULFIL_DEPENDENT", got)
	}
}

func TestFulfilDependentRefusesIllegalTransition(t *testing.T) {
	st := &stubStore{fxStates: map[string]ledger.State{"c1": ledger.StateCommitted}}
	r := New(st)

	err := r.FulfilDependent(context.Background(), "c1")
	if !ledger.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestSettleDependentsAdvancesOnlyHeldConversions(t *testing.T) {
	st := &stubStore{
		byDetermining: map[string][]store.FxTransfer{
			"t1": {conversion("held", "t1"), conversion("reserved", "t1"), conversion("done", "t1")},
		},
		fxStates: map[string]ledger.State{
			"held":     ledger.StateReceivedFulfilDependent,
			"reserved": ledger.StateReserved,
			"done":     ledger.StateCommitted,
		},
	}
	r := New(st)

	if err := r.SettleDependents(context.Background(), "t1"); err != nil {
		t.Fatalf("SettleDependents: %v", err)
	}
	if got := st.fxStates["held"]; got != ledger.StateCommitted {
		t.Errorf("held conversion = %s, want COMMITTED", got)
	}
	if got := st.fxStates["reserved"]; got != ledger.StateReserved {
		t.Errorf("unfulfiled conversion advanced to %s, want left RESERVED", got)
	}
	if len(st.stateChanges) != 1 {
		t.Errorf("state changes = %d, want only the held conversion", len(st.stateChanges))
	}
}

func TestDeterminingTransferReverseLookup(t *testing.T) {
	fx := conversion("c1", "t1")
	st := &stubStore{fxByCommit: map[string]*store.FxTransfer{"c1": &fx}}
	r := New(st)

	got, err := r.DeterminingTransfer(context.Background(), "c1")
	if err != nil {
		t.Fatalf("DeterminingTransfer: %v", err)
	}
	if got != "t1" {
		t.Errorf("got %s, want t1", got)
	}

	if _, err := r.DeterminingTransfer(context.Background(), "nope"); !ledger.IsValidation(err) {
		t.Errorf("unknown conversion: err = %v, want validation error", err)
	}
}
