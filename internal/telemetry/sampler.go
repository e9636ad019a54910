package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/clock"
	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/jobs"
	"github.com/carelink/telehealth-session-go/internal/model"
)

// ErrStopped is returned for a sample dropped because the sampler stopped
// before its write began.
var ErrStopped = errors.New("sampler stopped")

// SampleSink persists one clamped sample.
type SampleSink interface {
	Insert(ctx context.Context, sample model.ConnectionMetricsSample) error
}

type SamplerConfig struct {
	SessionID     string
	ParticipantID string
	Interval      time.Duration
	WriteTimeout  time.Duration
}

// Sampler polls a StatsSource on a fixed interval and writes one sample
// per tick. Ticks never wait on each other, and a failed tick is logged
// and skipped without affecting the next.
type Sampler struct {
	cfg    SamplerConfig
	source StatsSource
	sink   SampleSink
	clock  clock.Clock

	mu       sync.Mutex
	baseline ByteBaseline
	task     *jobs.Periodic
	stopped  bool
	inflight sync.WaitGroup
}

func NewSampler(cfg SamplerConfig, source StatsSource, sink SampleSink, clk clock.Clock) *Sampler {
	return &Sampler{
		cfg:    cfg,
		source: source,
		sink:   sink,
		clock:  clk,
	}
}

func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		return
	}
	s.task = jobs.Every(s.cfg.Interval, s.tick)
	log.Debug().
		Str("sessionId", s.cfg.SessionID).
		Str("participantId", s.cfg.ParticipantID).
		Dur("interval", s.cfg.Interval).
		Msg("metrics sampler started")
}

// Stop cancels the schedule. A sample that has not begun its write by the
// time Stop takes the lock is dropped; a write already under way is allowed
// to finish without retry. Stop before Start is a no-op.
func (s *Sampler) Stop() {
	s.mu.Lock()
	task := s.task
	if task != nil {
		s.stopped = true
	}
	s.mu.Unlock()
	if task == nil {
		return
	}
	task.Stop()
}

// Wait blocks until every in-flight tick has returned.
func (s *Sampler) Wait() {
	s.inflight.Wait()
}

func (s *Sampler) tick(ctx context.Context) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_ = s.SampleOnce(ctx)
	}()
}

// SampleOnce takes one snapshot and persists it. ctx bounds the stats
// fetch; once it is cancelled the sample is dropped rather than written.
func (s *Sampler) SampleOnce(ctx context.Context) error {
	reports, err := s.source.GetStats(ctx)
	if err != nil {
		return s.transient("stats", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	sample, ok := s.build(reports)
	if !ok {
		return ErrStopped
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.sink.Insert(writeCtx, sample); err != nil {
		return s.transient("persist", err)
	}
	return nil
}

// build reduces the snapshot and advances the byte baseline. It reports
// false once the sampler has stopped, which is the last point a sample is
// dropped rather than written.
func (s *Sampler) build(reports []Report) (model.ConnectionMetricsSample, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return model.ConnectionMetricsSample{}, false
	}
	m := Extract(reports, s.baseline, now)
	s.baseline = ByteBaseline{Bytes: m.BytesReceived, At: now, Valid: true}
	s.mu.Unlock()

	m = Clamp(m)
	return model.ConnectionMetricsSample{
		SessionID:         s.cfg.SessionID,
		ParticipantID:     s.cfg.ParticipantID,
		SampledAt:         now,
		PacketLossPercent: m.PacketLossPercent,
		LatencyMs:         int(m.LatencyMs),
		JitterMs:          m.JitterMs,
		BandwidthKbps:     m.BandwidthKbps,
		ConnectionState:   m.ConnectionState,
	}, true
}

func (s *Sampler) transient(stage string, err error) error {
	appErr := apperrors.TransientTelemetry(stage, err)
	log.Warn().
		Err(err).
		Str("sessionId", s.cfg.SessionID).
		Str("participantId", s.cfg.ParticipantID).
		Str("stage", stage).
		Msg("metrics sample skipped")
	return appErr
}
