package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/telehealth-session-go/internal/clock"
	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	samples []model.ConnectionMetricsSample
	err     error
}

func (s *recordingSink) Insert(_ context.Context, sample model.ConnectionMetricsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *recordingSink) Samples() []model.ConnectionMetricsSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ConnectionMetricsSample(nil), s.samples...)
}

func staticSource(reports ...Report) StatsSource {
	return StatsSourceFunc(func(context.Context) ([]Report, error) {
		return reports, nil
	})
}

func newTestSampler(source StatsSource, sink SampleSink, clk clock.Clock, interval time.Duration) *Sampler {
	return NewSampler(SamplerConfig{
		SessionID:     "session_1_abc",
		ParticipantID: "patient-1",
		Interval:      interval,
		WriteTimeout:  time.Second,
	}, source, sink, clk)
}

func TestSampler_SampleOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	t.Run("clamps out of range loss before writing", func(t *testing.T) {
		sink := &recordingSink{}
		source := staticSource(
			InboundRTPReport{Kind: KindVideo, PacketsLost: 150, PacketsReceived: 100},
			TransportReport{State: "connected"},
		)
		s := newTestSampler(source, sink, clock.NewFixed(now), time.Hour)

		require.NoError(t, s.SampleOnce(ctx))

		samples := sink.Samples()
		require.Len(t, samples, 1)
		assert.Equal(t, 100.0, samples[0].PacketLossPercent)
		assert.Equal(t, "session_1_abc", samples[0].SessionID)
		assert.Equal(t, "patient-1", samples[0].ParticipantID)
		assert.Equal(t, now, samples[0].SampledAt)
		assert.Equal(t, "connected", samples[0].ConnectionState)
	})

	t.Run("first sample reports zero bandwidth and later ones use the delta", func(t *testing.T) {
		sink := &recordingSink{}
		clk := clock.NewFixed(now)
		var bytes atomic.Uint64
		source := StatsSourceFunc(func(context.Context) ([]Report, error) {
			return []Report{InboundRTPReport{Kind: KindVideo, BytesReceived: bytes.Load()}}, nil
		})
		s := newTestSampler(source, sink, clk, time.Hour)

		bytes.Store(1_000_000)
		require.NoError(t, s.SampleOnce(ctx))

		clk.Advance(30 * time.Second)
		bytes.Store(4_750_000)
		require.NoError(t, s.SampleOnce(ctx))

		samples := sink.Samples()
		require.Len(t, samples, 2)
		assert.Zero(t, samples[0].BandwidthKbps)
		assert.InDelta(t, 1000.0, samples[1].BandwidthKbps, 1e-9)
	})

	t.Run("stats failure is transient and writes nothing", func(t *testing.T) {
		sink := &recordingSink{}
		source := StatsSourceFunc(func(context.Context) ([]Report, error) {
			return nil, errors.New("peer connection closed")
		})
		s := newTestSampler(source, sink, clock.NewFixed(now), time.Hour)

		err := s.SampleOnce(ctx)

		assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransientTelemetry))
		assert.Empty(t, sink.Samples())
	})

	t.Run("write failure is transient", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("connection refused")}
		s := newTestSampler(staticSource(), sink, clock.NewFixed(now), time.Hour)

		err := s.SampleOnce(ctx)

		assert.True(t, apperrors.Is(err, apperrors.ErrCodeTransientTelemetry))
	})

	t.Run("cancelled context drops the sample", func(t *testing.T) {
		sink := &recordingSink{}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		s := newTestSampler(staticSource(), sink, clock.NewFixed(now), time.Hour)

		err := s.SampleOnce(cancelled)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, sink.Samples())
	})
}

func TestSampler_Schedule(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	t.Run("a failed tick does not stop later ticks", func(t *testing.T) {
		sink := &recordingSink{}
		var calls atomic.Int32
		source := StatsSourceFunc(func(context.Context) ([]Report, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})
		s := newTestSampler(source, sink, clock.NewFixed(now), 5*time.Millisecond)

		s.Start()
		assert.Eventually(t, func() bool {
			return len(sink.Samples()) >= 2
		}, time.Second, 5*time.Millisecond)
		s.Stop()
		s.Wait()
	})

	t.Run("a slow fetch does not delay the next tick", func(t *testing.T) {
		sink := &recordingSink{}
		release := make(chan struct{})
		var calls atomic.Int32
		source := StatsSourceFunc(func(ctx context.Context) ([]Report, error) {
			if calls.Add(1) == 1 {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return nil, nil
		})
		s := newTestSampler(source, sink, clock.NewFixed(now), 5*time.Millisecond)

		s.Start()
		assert.Eventually(t, func() bool {
			return len(sink.Samples()) >= 2
		}, time.Second, 5*time.Millisecond)
		close(release)
		s.Stop()
		s.Wait()
	})

	t.Run("no write happens after stop", func(t *testing.T) {
		sink := &recordingSink{}
		s := newTestSampler(staticSource(), sink, clock.NewFixed(now), 5*time.Millisecond)

		s.Start()
		assert.Eventually(t, func() bool {
			return len(sink.Samples()) >= 1
		}, time.Second, 5*time.Millisecond)
		s.Stop()
		s.Wait()

		count := len(sink.Samples())
		time.Sleep(30 * time.Millisecond)
		assert.Len(t, sink.Samples(), count)
	})

	t.Run("a fetch that finishes after stop is not written", func(t *testing.T) {
		sink := &recordingSink{}
		fetching := make(chan struct{})
		release := make(chan struct{})
		source := StatsSourceFunc(func(context.Context) ([]Report, error) {
			close(fetching)
			<-release
			return []Report{TransportReport{State: "connected"}}, nil
		})
		s := newTestSampler(source, sink, clock.NewFixed(now), time.Hour)
		s.Start()

		result := make(chan error, 1)
		go func() { result <- s.SampleOnce(context.Background()) }()
		<-fetching
		s.Stop()
		close(release)

		assert.ErrorIs(t, <-result, ErrStopped)
		assert.Empty(t, sink.Samples())
	})

	t.Run("start is idempotent and stop before start is a no-op", func(t *testing.T) {
		s := newTestSampler(staticSource(), &recordingSink{}, clock.NewFixed(now), time.Hour)

		s.Stop()
		s.Start()
		s.Start()
		s.Stop()
		s.Stop()
	})
}
