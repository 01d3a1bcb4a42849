package timeout

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"SettleLedger/internal/observability"
	"SettleLedger/internal/store"
)

// Store is the slice of the persistence facade the scanners drive.
type Store interface {
	GetSegment(ctx context.Context, segmentType, tableName string) (*store.Segment, error)
	LatestTransferStateChangeID(ctx context.Context) (int64, error)
	LatestFxTransferStateChangeID(ctx context.Context) (int64, error)
	TimeoutExpireReserved(ctx context.Context, p store.TimeoutParams) (*store.TimeoutResult, error)
	ReservedForwardedTransfers(ctx context.Context, p store.ForwardedParams) (*store.ForwardedResult, error)
}

// Notifier hands scan results to the external notification collaborator.
type Notifier interface {
	NotifyTimedOut(ctx context.Context, result *store.TimeoutResult) error
	NotifyForwarded(ctx context.Context, result *store.ForwardedResult) error
}

// Scanner runs the watermark passes. It is not re-entrant against itself;
// the scheduler serializes runs with a lease before calling in.
type Scanner struct {
	store           Store
	notifier        Notifier
	maxAttemptCount int
	metrics         *observability.Metrics
	log             zerolog.Logger
}

func NewScanner(st Store, notifier Notifier, maxAttemptCount int, metrics *observability.Metrics) *Scanner {
	return &Scanner{
		store:           st,
		notifier:        notifier,
		maxAttemptCount: maxAttemptCount,
		metrics:         metrics,
		log:             observability.NewLogger("timeout"),
	}
}

// interval computes one scan window from the persisted segment and the
// current head of the state history. The segment value is re-read every
// pass, never cached across passes.
func (s *Scanner) interval(ctx context.Context, segmentType, tableName string, latest func(context.Context) (int64, error)) (segmentID, min, max int64, err error) {
	seg, err := s.store.GetSegment(ctx, segmentType, tableName)
	if err != nil {
		return 0, 0, 0, err
	}
	if seg != nil {
		segmentID = seg.SegmentID
		min = seg.Value
	}
	max, err = latest(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	if max < min {
		max = min
	}
	return segmentID, min, max, nil
}

// RunTimeoutPass executes one timeout/expiry scan and notifies the result.
func (s *Scanner) RunTimeoutPass(ctx context.Context) (*store.TimeoutResult, error) {
	started := time.Now()

	segID, min, max, err := s.interval(ctx, store.SegmentTypeTimeout, store.TableTransferTimeout, s.store.LatestTransferStateChangeID)
	if err != nil {
		return nil, err
	}
	fxSegID, fxMin, fxMax, err := s.interval(ctx, store.SegmentTypeTimeout, store.TableFxTransferTimeout, s.store.LatestFxTransferStateChangeID)
	if err != nil {
		return nil, err
	}

	result, err := s.store.TimeoutExpireReserved(ctx, store.TimeoutParams{
		SegmentID:     segID,
		IntervalMin:   min,
		IntervalMax:   max,
		FxSegmentID:   fxSegID,
		FxIntervalMin: fxMin,
		FxIntervalMax: fxMax,
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ScanDuration.WithLabelValues("timeout").Observe(time.Since(started).Seconds())
		s.metrics.TransfersExpired.WithLabelValues("transfer").Add(float64(len(result.Transfers)))
		s.metrics.TransfersExpired.WithLabelValues("fx").Add(float64(len(result.FxTransfers)))
		s.metrics.SegmentValue.WithLabelValues(store.TableTransferTimeout).Set(float64(max))
		s.metrics.SegmentValue.WithLabelValues(store.TableFxTransferTimeout).Set(float64(fxMax))
	}
	s.log.Info().
		Int64("interval_min", min).Int64("interval_max", max).
		Int("timed_out", len(result.Transfers)).Int("fx_timed_out", len(result.FxTransfers)).
		Msg("timeout pass complete")

	if s.notifier != nil && (len(result.Transfers) > 0 || len(result.FxTransfers) > 0) {
		if err := s.notifier.NotifyTimedOut(ctx, result); err != nil {
			// The pass already committed; notification retries on the next
			// run since the working set still holds the rows.
			s.log.Error().Err(err).Msg("timeout notification failed")
		}
	}
	return result, nil
}

// RunForwardedPass executes one forwarded scan and notifies the rows still
// under the attempt cap.
func (s *Scanner) RunForwardedPass(ctx context.Context) (*store.ForwardedResult, error) {
	started := time.Now()

	segID, min, max, err := s.interval(ctx, store.SegmentTypeForwarded, store.TableTransferForwarded, s.store.LatestTransferStateChangeID)
	if err != nil {
		return nil, err
	}
	fxSegID, fxMin, fxMax, err := s.interval(ctx, store.SegmentTypeForwarded, store.TableFxTransferForwarded, s.store.LatestFxTransferStateChangeID)
	if err != nil {
		return nil, err
	}

	result, err := s.store.ReservedForwardedTransfers(ctx, store.ForwardedParams{
		SegmentID:       segID,
		IntervalMin:     min,
		IntervalMax:     max,
		FxSegmentID:     fxSegID,
		FxIntervalMin:   fxMin,
		FxIntervalMax:   fxMax,
		MaxAttemptCount: s.maxAttemptCount,
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ScanDuration.WithLabelValues("forwarded").Observe(time.Since(started).Seconds())
		s.metrics.ForwardedTracked.Add(float64(len(result.Transfers)))
		s.metrics.SegmentValue.WithLabelValues(store.TableTransferForwarded).Set(float64(max))
		s.metrics.SegmentValue.WithLabelValues(store.TableFxTransferForwarded).Set(float64(fxMax))
	}
	s.log.Info().
		Int64("interval_min", min).Int64("interval_max", max).
		Int("forwarded", len(result.Transfers)).Int("fx_forwarded", len(result.FxTransfers)).
		Msg("forwarded pass complete")

	if s.notifier != nil && (len(result.Transfers) > 0 || len(result.FxTransfers) > 0) {
		if err := s.notifier.NotifyForwarded(ctx, result); err != nil {
			s.log.Error().Err(err).Msg("forwarded notification failed")
		}
	}
	return result, nil
}
