package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"SettleLedger/internal/ledger"
	"SettleLedger/internal/store"
)

// stubStore implements Store with function fields so each test overrides only
// what it exercises.
type stubStore struct {
	checkPrepareHash func(transferID, hash string) (ledger.DuplicateResult, error)
	checkFulfilHash  func(transferID, hash string) (ledger.DuplicateResult, error)
	savePrepared     func(rec store.PrepareRecord) error
	saveFulfilled    func(rec store.FulfilRecord) error
	saveAborted      func(transferID string, errInfo ledger.ErrorInformation) error
	stateAndPosition func(param store.StateAndPositionParam) (*store.StateAndPositionResult, error)
	stateByID        func(transferID string) (*store.TransferStateChange, error)
	transferInfo     func(transferID string, role ledger.RoleType, entry ledger.LedgerEntryType) (*store.TransferInfo, error)
	participant      func(name, currency string, accountType ledger.LedgerAccountType) (*store.ParticipantCurrencyRow, error)
	release          func(participantCurrencyID int64, amount decimal.Decimal) error
}

func (s *stubStore) WithTx(_ context.Context, trx *sql.Tx, fn func(*sql.Tx) error) error {
	return fn(trx)
}

func (s *stubStore) CheckAndInsertDuplicateHash(_ context.Context, transferID, hash string) (ledger.DuplicateResult, error) {
	return s.checkPrepareHash(transferID, hash)
}

func (s *stubStore) CheckAndInsertFulfilmentDuplicateHash(_ context.Context, transferID, hash string) (ledger.DuplicateResult, error) {
	return s.checkFulfilHash(transferID, hash)
}

func (s *stubStore) SaveTransferPrepared(_ context.Context, _ *sql.Tx, rec store.PrepareRecord) error {
	return s.savePrepared(rec)
}

func (s *stubStore) SaveTransferFulfilled(_ context.Context, _ *sql.Tx, rec store.FulfilRecord) error {
	return s.saveFulfilled(rec)
}

func (s *stubStore) SaveTransferAborted(_ context.Context, _ *sql.Tx, transferID string, errInfo ledger.ErrorInformation, _ []ledger.Extension) error {
	return s.saveAborted(transferID, errInfo)
}

func (s *stubStore) TransferStateAndPositionUpdate(_ context.Context, _ *sql.Tx, param store.StateAndPositionParam) (*store.StateAndPositionResult, error) {
	return s.stateAndPosition(param)
}

func (s *stubStore) GetTransferStateByID(_ context.Context, transferID string) (*store.TransferStateChange, error) {
	return s.stateByID(transferID)
}

func (s *stubStore) GetTransferInfoToChangePosition(_ context.Context, transferID string, role ledger.RoleType, entry ledger.LedgerEntryType) (*store.TransferInfo, error) {
	return s.transferInfo(transferID, role, entry)
}

func (s *stubStore) ParticipantCurrency(_ context.Context, name, currency string, accountType ledger.LedgerAccountType) (*store.ParticipantCurrencyRow, error) {
	return s.participant(name, currency, accountType)
}

func (s *stubStore) ReleaseReservation(_ context.Context, _ *sql.Tx, participantCurrencyID int64, amount decimal.Decimal) error {
	return s.release(participantCurrencyID, amount)
}

func firstSeen(string, string) (ledger.DuplicateResult, error) {
	return ledger.DuplicateResult{}, nil
}

func knownParticipants(name, currency string, _ ledger.LedgerAccountType) (*store.ParticipantCurrencyRow, error) {
	accounts := map[string]*store.ParticipantCurrencyRow{
		"dfsp1": {ParticipantID: 2, ParticipantCurrencyID: 21, CurrencyID: "USD"},
		"dfsp2": {ParticipantID: 3, ParticipantCurrencyID: 31, CurrencyID: "USD"},
	}
	row, ok := accounts[name]
	if !ok {
		return nil, &ledger.ValidationError{Reason: "unknown participant " + name}
	}
	return row, nil
}

func validPrepare() ledger.PreparePayload {
	return ledger.PreparePayload{
		TransferID: "t1",
		PayerFsp:   "dfsp1",
		PayeeFsp:   "dfsp2",
		Amount:     ledger.MoneyAmount{Amount: "100", Currency: "USD"},
		Condition:  "cond",
		Expiration: time.Now().Add(time.Hour),
	}
}

func TestPrepareFirstSeenPersistsBothLegs(t *testing.T) {
	var saved *store.PrepareRecord
	st := &stubStore{
		checkPrepareHash: firstSeen,
		participant:      knownParticipants,
		savePrepared: func(rec store.PrepareRecord) error {
			saved = &rec
			return nil
		},
	}
	e := New(st, 4, nil)

	res, err := e.Prepare(context.Background(), validPrepare())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.State != ledger.StateReceivedPrepare {
		t.Errorf("state = %s, want RECEIVED_PREPARE", res.State)
	}
	if res.Replayed {
		t.Error("first-seen marked as replay")
	}
	if res.PayerCurrencyID != 21 || !res.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("payer binding = %d/%s, want 21/100", res.PayerCurrencyID, res.Amount)
	}
	if saved == nil {
		t.Fatal("nothing persisted")
	}
	if !saved.Valid {
		t.Errorf("record invalid: %s", saved.Reason)
	}
	if !saved.PayerLeg.Amount.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("payer leg = %s, want -100", saved.PayerLeg.Amount)
	}
	if !saved.PayeeLeg.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("payee leg = %s, want 100", saved.PayeeLeg.Amount)
	}
	if sum := saved.PayerLeg.Amount.Add(saved.PayeeLeg.Amount); !sum.IsZero() {
		t.Errorf("legs sum to %s, want 0", sum)
	}
}

func TestPrepareReplayedReturnsCurrentState(t *testing.T) {
	st := &stubStore{
		checkPrepareHash: func(string, string) (ledger.DuplicateResult, error) {
			return ledger.DuplicateResult{ExistsMatching: true}, nil
		},
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateReserved}, nil
		},
		savePrepared: func(store.PrepareRecord) error {
			t.Fatal("replay must not persist")
			return nil
		},
	}
	e := New(st, 4, nil)

	res, err := e.Prepare(context.Background(), validPrepare())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !res.Replayed {
		t.Error("Replayed = false, want true")
	}
	if res.State != ledger.StateReserved {
		t.Errorf("state = %s, want RESERVED", res.State)
	}
}

func TestPrepareGuardWithoutHistoryProceedsFirstSeen(t *testing.T) {
	var saved *store.PrepareRecord
	st := &stubStore{
		checkPrepareHash: func(string, string) (ledger.DuplicateResult, error) {
			return ledger.DuplicateResult{ExistsMatching: true}, nil
		},
		stateByID: func(string) (*store.TransferStateChange, error) {
			return nil, nil
		},
		participant: knownParticipants,
		savePrepared: func(rec store.PrepareRecord) error {
			saved = &rec
			return nil
		},
	}
	e := New(st, 4, nil)

	res, err := e.Prepare(context.Background(), validPrepare())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.Replayed {
		t.Error("Replayed = true, want first-seen retry")
	}
	if res.State != ledger.StateReceivedPrepare {
		t.Errorf("state = %s, want RECEIVED_PREPARE", res.State)
	}
	if saved == nil {
		t.Fatal("guard row without transfer rows must retry the persist")
	}
}

func TestPrepareModifiedDuplicateIsConflict(t *testing.T) {
	st := &stubStore{
		checkPrepareHash: func(string, string) (ledger.DuplicateResult, error) {
			return ledger.DuplicateResult{ExistsNotMatching: true}, nil
		},
	}
	e := New(st, 4, nil)

	_, err := e.Prepare(context.Background(), validPrepare())
	var dce *ledger.DuplicateConflictError
	if !errors.As(err, &dce) {
		t.Fatalf("err = %v, want DuplicateConflictError", err)
	}
}

func TestPrepareSamePayerPayeeRecordedInvalid(t *testing.T) {
	var saved *store.PrepareRecord
	st := &stubStore{
		checkPrepareHash: firstSeen,
		participant:      knownParticipants,
		savePrepared: func(rec store.PrepareRecord) error {
			saved = &rec
			return nil
		},
	}
	e := New(st, 4, nil)

	p := validPrepare()
	p.PayeeFsp = "dfsp1"
	res, err := e.Prepare(context.Background(), p)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.State != ledger.StateInvalid {
		t.Errorf("state = %s, want INVALID", res.State)
	}
	if saved == nil || saved.Valid {
		t.Fatal("invalid transfer not persisted as such")
	}
	if saved.Reason == "" {
		t.Error("invalid record has no reason")
	}
}

func TestPrepareOverScaleAmountRecordedInvalid(t *testing.T) {
	var saved *store.PrepareRecord
	st := &stubStore{
		checkPrepareHash: firstSeen,
		participant:      knownParticipants,
		savePrepared: func(rec store.PrepareRecord) error {
			saved = &rec
			return nil
		},
	}
	e := New(st, 4, nil)

	p := validPrepare()
	p.Amount.Amount = "100.00001"
	res, err := e.Prepare(context.Background(), p)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if res.State != ledger.StateInvalid {
		t.Errorf("state = %s, want INVALID", res.State)
	}
	if saved == nil || saved.Valid {
		t.Fatal("over-scale amount accepted as valid")
	}
}

func TestPrepareUnknownParticipantFailsWithoutPersisting(t *testing.T) {
	st := &stubStore{
		checkPrepareHash: firstSeen,
		participant:      knownParticipants,
		savePrepared: func(store.PrepareRecord) error {
			t.Fatal("unresolvable participant must not persist")
			return nil
		},
	}
	e := New(st, 4, nil)

	p := validPrepare()
	p.PayerFsp = "nobody"
	_, err := e.Prepare(context.Background(), p)
	if !ledger.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func validFulfil() ledger.FulfilPayload {
	return ledger.FulfilPayload{
		TransferID:         "t1",
		Fulfilment:         "fulfilment-preimage",
		CompletedTimestamp: time.Now(),
	}
}

func TestApplyOutcomeCommitSettlesBothLegsAndReleases(t *testing.T) {
	var (
		fulfilled   *store.FulfilRecord
		posParam    *store.StateAndPositionParam
		releasedID  int64
		releasedAmt decimal.Decimal
	)
	st := &stubStore{
		checkFulfilHash: firstSeen,
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateReserved}, nil
		},
		saveFulfilled: func(rec store.FulfilRecord) error {
			fulfilled = &rec
			return nil
		},
		stateAndPosition: func(param store.StateAndPositionParam) (*store.StateAndPositionResult, error) {
			posParam = &param
			return &store.StateAndPositionResult{StateChangeID: 7}, nil
		},
		transferInfo: func(string, ledger.RoleType, ledger.LedgerEntryType) (*store.TransferInfo, error) {
			return &store.TransferInfo{ParticipantCurrencyID: 21, Amount: decimal.NewFromInt(-100)}, nil
		},
		release: func(id int64, amount decimal.Decimal) error {
			releasedID = id
			releasedAmt = amount
			return nil
		},
	}
	e := New(st, 4, nil)

	res, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionCommit)
	if err != nil {
		t.Fatalf("ApplyOutcome: %v", err)
	}
	if res.State != ledger.StateCommitted {
		t.Errorf("state = %s, want COMMITTED", res.State)
	}
	if fulfilled == nil || !fulfilled.IsValid || fulfilled.State != ledger.StateReceivedFulfil {
		t.Fatalf("fulfilment record = %+v, want valid RECEIVED_FULFIL", fulfilled)
	}
	if posParam == nil || posParam.TransferStateID != ledger.StateCommitted {
		t.Fatalf("position update = %+v, want COMMITTED", posParam)
	}
	if !posParam.DrUpdated || !posParam.CrUpdated {
		t.Error("commit must settle both legs")
	}
	if releasedID != 21 {
		t.Errorf("released participant currency %d, want payer 21", releasedID)
	}
	if !releasedAmt.Equal(decimal.NewFromInt(100)) {
		t.Errorf("released %s, want absolute 100", releasedAmt)
	}
}

func TestApplyOutcomeResumesUnfinishedCommitOnRedelivery(t *testing.T) {
	var (
		fulfilCalls int
		posCalls    int
		released    bool
	)
	st := &stubStore{
		checkFulfilHash: func(string, string) (ledger.DuplicateResult, error) {
			if fulfilCalls == 0 {
				return ledger.DuplicateResult{}, nil
			}
			return ledger.DuplicateResult{ExistsMatching: true}, nil
		},
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			// The first delivery rolled back, so the state is still RESERVED.
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateReserved}, nil
		},
		saveFulfilled: func(store.FulfilRecord) error {
			fulfilCalls++
			return nil
		},
		stateAndPosition: func(store.StateAndPositionParam) (*store.StateAndPositionResult, error) {
			posCalls++
			if posCalls == 1 {
				return nil, errors.New("db connection lost")
			}
			return &store.StateAndPositionResult{StateChangeID: 9}, nil
		},
		transferInfo: func(string, ledger.RoleType, ledger.LedgerEntryType) (*store.TransferInfo, error) {
			return &store.TransferInfo{ParticipantCurrencyID: 21, Amount: decimal.NewFromInt(-100)}, nil
		},
		release: func(int64, decimal.Decimal) error {
			released = true
			return nil
		},
	}
	e := New(st, 4, nil)

	if _, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionCommit); err == nil {
		t.Fatal("first delivery must surface the position failure")
	}

	res, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionCommit)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Replayed {
		t.Error("Replayed = true, want the redelivery to resume the commit")
	}
	if res.State != ledger.StateCommitted {
		t.Errorf("state = %s, want COMMITTED", res.State)
	}
	if posCalls != 2 {
		t.Errorf("position updates = %d, want the redelivery to retry", posCalls)
	}
	if !released {
		t.Error("redelivery must release the payer reservation")
	}
}

func TestApplyOutcomeReplayedAfterCommitReturnsRecordedState(t *testing.T) {
	st := &stubStore{
		checkFulfilHash: func(string, string) (ledger.DuplicateResult, error) {
			return ledger.DuplicateResult{ExistsMatching: true, IsValid: true}, nil
		},
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateCommitted}, nil
		},
		saveFulfilled: func(store.FulfilRecord) error {
			t.Fatal("replay of a finished commit must not persist")
			return nil
		},
		stateAndPosition: func(store.StateAndPositionParam) (*store.StateAndPositionResult, error) {
			t.Fatal("replay of a finished commit must not mutate positions")
			return nil, nil
		},
	}
	e := New(st, 4, nil)

	res, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionCommit)
	if err != nil {
		t.Fatalf("ApplyOutcome: %v", err)
	}
	if !res.Replayed || res.State != ledger.StateCommitted || !res.IsValid {
		t.Errorf("result = %+v, want replayed COMMITTED with cached validity", res)
	}
}

func TestApplyOutcomeAbortCarriesNoPositionLegs(t *testing.T) {
	var (
		aborted  string
		errInfo  ledger.ErrorInformation
		posParam *store.StateAndPositionParam
		released bool
	)
	st := &stubStore{
		checkFulfilHash: firstSeen,
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateReserved}, nil
		},
		saveAborted: func(transferID string, ei ledger.ErrorInformation) error {
			aborted = transferID
			errInfo = ei
			return nil
		},
		stateAndPosition: func(param store.StateAndPositionParam) (*store.StateAndPositionResult, error) {
			posParam = &param
			return &store.StateAndPositionResult{}, nil
		},
		transferInfo: func(string, ledger.RoleType, ledger.LedgerEntryType) (*store.TransferInfo, error) {
			return &store.TransferInfo{ParticipantCurrencyID: 21, Amount: decimal.NewFromInt(-100)}, nil
		},
		release: func(int64, decimal.Decimal) error {
			released = true
			return nil
		},
	}
	e := New(st, 4, nil)

	p := validFulfil()
	p.Fulfilment = ""
	p.ErrorInfo = &ledger.ErrorInformation{ErrorCode: 5103, ErrorDescription: "payee rejected"}
	res, err := e.ApplyOutcome(context.Background(), p, ledger.ActionAbort)
	if err != nil {
		t.Fatalf("ApplyOutcome: %v", err)
	}
	if res.State != ledger.StateAbortedRejected {
		t.Errorf("state = %s, want ABORTED_REJECTED", res.State)
	}
	if aborted != "t1" || errInfo.ErrorCode != 5103 {
		t.Errorf("abort record = %s code %d, want t1 code 5103", aborted, errInfo.ErrorCode)
	}
	if posParam.DrUpdated || posParam.CrUpdated {
		t.Error("abort from RESERVED must not mutate position values")
	}
	if !released {
		t.Error("abort from RESERVED must release the payer reservation")
	}
}

func TestApplyOutcomeAbortFromUnreservedSkipsRelease(t *testing.T) {
	st := &stubStore{
		checkFulfilHash: firstSeen,
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateReceivedPrepare}, nil
		},
		saveAborted: func(string, ledger.ErrorInformation) error { return nil },
		stateAndPosition: func(store.StateAndPositionParam) (*store.StateAndPositionResult, error) {
			return &store.StateAndPositionResult{}, nil
		},
		release: func(int64, decimal.Decimal) error {
			t.Fatal("nothing was reserved, nothing to release")
			return nil
		},
	}
	e := New(st, 4, nil)

	p := validFulfil()
	p.ErrorInfo = &ledger.ErrorInformation{ErrorCode: 5100}
	if _, err := e.ApplyOutcome(context.Background(), p, ledger.ActionAbort); err != nil {
		t.Fatalf("ApplyOutcome: %v", err)
	}
}

func TestApplyOutcomeIllegalTransitionRefused(t *testing.T) {
	st := &stubStore{
		checkFulfilHash: firstSeen,
		stateByID: func(transferID string) (*store.TransferStateChange, error) {
			return &store.TransferStateChange{TransferID: transferID, TransferStateID: ledger.StateCommitted}, nil
		},
	}
	e := New(st, 4, nil)

	_, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionCommit)
	if !ledger.IsValidation(err) {
		t.Fatalf("err = %v, want validation error for COMMITTED transfer", err)
	}
}

func TestApplyOutcomeUnknownTransfer(t *testing.T) {
	st := &stubStore{
		checkFulfilHash: firstSeen,
		stateByID: func(string) (*store.TransferStateChange, error) {
			return nil, nil
		},
	}
	e := New(st, 4, nil)

	_, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionCommit)
	if !ledger.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestApplyOutcomeAdminActionUnsupported(t *testing.T) {
	st := &stubStore{checkFulfilHash: firstSeen}
	e := New(st, 4, nil)

	_, err := e.ApplyOutcome(context.Background(), validFulfil(), ledger.ActionRecordFundsIn)
	var uae *ledger.UnsupportedActionError
	if !errors.As(err, &uae) {
		t.Fatalf("err = %v, want UnsupportedActionError", err)
	}
}
