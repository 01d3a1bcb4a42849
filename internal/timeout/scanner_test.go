package timeout

import (
	"context"
	"errors"
	"testing"

	"SettleLedger/internal/store"
)

type stubStore struct {
	segments      map[string]*store.Segment
	latestID      int64
	latestFxID    int64
	timeoutParams *store.TimeoutParams
	timeoutResult *store.TimeoutResult
	fwdParams     *store.ForwardedParams
	fwdResult     *store.ForwardedResult
}

func segKey(segmentType, tableName string) string { return segmentType + "/" + tableName }

func (s *stubStore) GetSegment(_ context.Context, segmentType, tableName string) (*store.Segment, error) {
	return s.segments[segKey(segmentType, tableName)], nil
}

func (s *stubStore) LatestTransferStateChangeID(context.Context) (int64, error) {
	return s.latestID, nil
}

func (s *stubStore) LatestFxTransferStateChangeID(context.Context) (int64, error) {
	return s.latestFxID, nil
}

func (s *stubStore) TimeoutExpireReserved(_ context.Context, p store.TimeoutParams) (*store.TimeoutResult, error) {
	s.timeoutParams = &p
	if s.timeoutResult != nil {
		return s.timeoutResult, nil
	}
	return &store.TimeoutResult{}, nil
}

func (s *stubStore) ReservedForwardedTransfers(_ context.Context, p store.ForwardedParams) (*store.ForwardedResult, error) {
	s.fwdParams = &p
	if s.fwdResult != nil {
		return s.fwdResult, nil
	}
	return &store.ForwardedResult{}, nil
}

type stubNotifier struct {
	timedOut  int
	forwarded int
	fail      bool
}

func (n *stubNotifier) NotifyTimedOut(context.Context, *store.TimeoutResult) error {
	n.timedOut++
	if n.fail {
		return errors.New("broker down")
	}
	return nil
}

func (n *stubNotifier) NotifyForwarded(context.Context, *store.ForwardedResult) error {
	n.forwarded++
	if n.fail {
		return errors.New("broker down")
	}
	return nil
}

func TestTimeoutPassColdStartScansFromZero(t *testing.T) {
	st := &stubStore{segments: map[string]*store.Segment{}, latestID: 42, latestFxID: 7}
	s := NewScanner(st, nil, 3, nil)

	if _, err := s.RunTimeoutPass(context.Background()); err != nil {
		t.Fatalf("RunTimeoutPass: %v", err)
	}
	p := st.timeoutParams
	if p == nil {
		t.Fatal("store pass not invoked")
	}
	if p.SegmentID != 0 || p.IntervalMin != 0 || p.IntervalMax != 42 {
		t.Errorf("interval = (%d, %d] segment %d, want (0, 42] segment 0", p.IntervalMin, p.IntervalMax, p.SegmentID)
	}
	if p.FxIntervalMax != 7 {
		t.Errorf("fx interval max = %d, want 7", p.FxIntervalMax)
	}
}

func TestTimeoutPassResumesFromSegment(t *testing.T) {
	st := &stubStore{
		segments: map[string]*store.Segment{
			segKey(store.SegmentTypeTimeout, store.TableTransferTimeout):   {SegmentID: 5, Value: 30},
			segKey(store.SegmentTypeTimeout, store.TableFxTransferTimeout): {SegmentID: 6, Value: 3},
		},
		latestID:   42,
		latestFxID: 7,
	}
	s := NewScanner(st, nil, 3, nil)

	if _, err := s.RunTimeoutPass(context.Background()); err != nil {
		t.Fatalf("RunTimeoutPass: %v", err)
	}
	p := st.timeoutParams
	if p.SegmentID != 5 || p.IntervalMin != 30 || p.IntervalMax != 42 {
		t.Errorf("interval = (%d, %d] segment %d, want (30, 42] segment 5", p.IntervalMin, p.IntervalMax, p.SegmentID)
	}
	if p.FxSegmentID != 6 || p.FxIntervalMin != 3 {
		t.Errorf("fx interval min = %d segment %d, want 3 segment 6", p.FxIntervalMin, p.FxSegmentID)
	}
}

func TestIntervalNeverRunsBackwards(t *testing.T) {
	// A segment ahead of the current head (e.g. after a restore) clamps the
	// window to empty instead of producing max < min.
	st := &stubStore{
		segments: map[string]*store.Segment{
			segKey(store.SegmentTypeTimeout, store.TableTransferTimeout): {SegmentID: 5, Value: 100},
		},
		latestID: 42,
	}
	s := NewScanner(st, nil, 3, nil)

	if _, err := s.RunTimeoutPass(context.Background()); err != nil {
		t.Fatalf("RunTimeoutPass: %v", err)
	}
	p := st.timeoutParams
	if p.IntervalMax < p.IntervalMin {
		t.Errorf("interval (%d, %d] runs backwards", p.IntervalMin, p.IntervalMax)
	}
	if p.IntervalMax != 100 {
		t.Errorf("interval max = %d, want clamped 100", p.IntervalMax)
	}
}

func TestTimeoutPassNotifiesOnlyWithResults(t *testing.T) {
	st := &stubStore{segments: map[string]*store.Segment{}}
	n := &stubNotifier{}
	s := NewScanner(st, n, 3, nil)

	if _, err := s.RunTimeoutPass(context.Background()); err != nil {
		t.Fatalf("empty pass: %v", err)
	}
	if n.timedOut != 0 {
		t.Error("empty result still notified")
	}

	st.timeoutResult = &store.TimeoutResult{
		Transfers: []store.TimedOutTransfer{{TransferID: "t1"}},
	}
	if _, err := s.RunTimeoutPass(context.Background()); err != nil {
		t.Fatalf("pass with results: %v", err)
	}
	if n.timedOut != 1 {
		t.Errorf("notified %d times, want 1", n.timedOut)
	}
}

func TestTimeoutPassNotificationFailureIsNotFatal(t *testing.T) {
	st := &stubStore{
		segments: map[string]*store.Segment{},
		timeoutResult: &store.TimeoutResult{
			Transfers: []store.TimedOutTransfer{{TransferID: "t1"}},
		},
	}
	n := &stubNotifier{fail: true}
	s := NewScanner(st, n, 3, nil)

	// The scan already committed; a notification failure retries next pass.
	result, err := s.RunTimeoutPass(context.Background())
	if err != nil {
		t.Fatalf("RunTimeoutPass: %v", err)
	}
	if len(result.Transfers) != 1 {
		t.Errorf("result lost: %d transfers, want 1", len(result.Transfers))
	}
}

func TestForwardedPassCarriesAttemptCap(t *testing.T) {
	st := &stubStore{segments: map[string]*store.Segment{}, latestID: 10}
	s := NewScanner(st, nil, 3, nil)

	if _, err := s.RunForwardedPass(context.Background()); err != nil {
		t.Fatalf("RunForwardedPass: %v", err)
	}
	if st.fwdParams == nil {
		t.Fatal("store pass not invoked")
	}
	if st.fwdParams.MaxAttemptCount != 3 {
		t.Errorf("max attempt count = %d, want 3", st.fwdParams.MaxAttemptCount)
	}
	if st.fwdParams.IntervalMax != 10 {
		t.Errorf("interval max = %d, want 10", st.fwdParams.IntervalMax)
	}
}

func TestForwardedPassUsesForwardedSegments(t *testing.T) {
	st := &stubStore{
		segments: map[string]*store.Segment{
			segKey(store.SegmentTypeForwarded, store.TableTransferForwarded): {SegmentID: 9, Value: 8},
			// A timeout segment for the same table must not leak in.
			segKey(store.SegmentTypeTimeout, store.TableTransferTimeout): {SegmentID: 1, Value: 999},
		},
		latestID: 10,
	}
	s := NewScanner(st, nil, 3, nil)

	if _, err := s.RunForwardedPass(context.Background()); err != nil {
		t.Fatalf("RunForwardedPass: %v", err)
	}
	if st.fwdParams.SegmentID != 9 || st.fwdParams.IntervalMin != 8 {
		t.Errorf("segment %d min %d, want forwarded segment 9 min 8", st.fwdParams.SegmentID, st.fwdParams.IntervalMin)
	}
}
