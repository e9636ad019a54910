package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	t.Run("reads loss and jitter from the video stream", func(t *testing.T) {
		m := Extract([]Report{
			InboundRTPReport{Kind: KindAudio, PacketsReceived: 10, PacketsLost: 10, JitterSeconds: 0.5},
			InboundRTPReport{Kind: KindVideo, PacketsReceived: 200, PacketsLost: 5, JitterSeconds: 0.012},
		}, ByteBaseline{}, now)

		assert.InDelta(t, 2.5, m.PacketLossPercent, 1e-9)
		assert.InDelta(t, 12.0, m.JitterMs, 1e-9)
	})

	t.Run("zero received packets means zero loss", func(t *testing.T) {
		m := Extract([]Report{
			InboundRTPReport{Kind: KindVideo, PacketsLost: 7},
		}, ByteBaseline{}, now)

		assert.Zero(t, m.PacketLossPercent)
	})

	t.Run("missing reports yield zeros and unknown state", func(t *testing.T) {
		m := Extract(nil, ByteBaseline{}, now)

		assert.Zero(t, m.PacketLossPercent)
		assert.Zero(t, m.LatencyMs)
		assert.Zero(t, m.JitterMs)
		assert.Zero(t, m.BandwidthKbps)
		assert.Equal(t, ConnectionStateUnknown, m.ConnectionState)
	})

	t.Run("latency prefers the nominated succeeded pair", func(t *testing.T) {
		m := Extract([]Report{
			CandidatePairReport{State: "failed", Nominated: true, CurrentRoundTripTimeSeconds: 9},
			CandidatePairReport{State: CandidatePairSucceeded, CurrentRoundTripTimeSeconds: 0.2},
			CandidatePairReport{State: CandidatePairSucceeded, Nominated: true, CurrentRoundTripTimeSeconds: 0.045},
		}, ByteBaseline{}, now)

		assert.InDelta(t, 45.0, m.LatencyMs, 1e-9)
	})

	t.Run("latency falls back to any succeeded pair", func(t *testing.T) {
		m := Extract([]Report{
			CandidatePairReport{State: "in-progress", CurrentRoundTripTimeSeconds: 3},
			CandidatePairReport{State: CandidatePairSucceeded, CurrentRoundTripTimeSeconds: 0.08},
		}, ByteBaseline{}, now)

		assert.InDelta(t, 80.0, m.LatencyMs, 1e-9)
	})

	t.Run("takes connection state from the transport report", func(t *testing.T) {
		m := Extract([]Report{TransportReport{State: "connected"}}, ByteBaseline{}, now)

		assert.Equal(t, "connected", m.ConnectionState)
	})

	t.Run("bandwidth is the byte delta over elapsed time", func(t *testing.T) {
		baseline := ByteBaseline{Bytes: 1_000_000, At: now.Add(-10 * time.Second), Valid: true}
		m := Extract([]Report{
			InboundRTPReport{Kind: KindVideo, BytesReceived: 1_900_000},
			InboundRTPReport{Kind: KindAudio, BytesReceived: 100_000},
		}, baseline, now)

		assert.Equal(t, uint64(2_000_000), m.BytesReceived)
		assert.InDelta(t, 800.0, m.BandwidthKbps, 1e-9)
	})

	t.Run("bandwidth is zero without a baseline", func(t *testing.T) {
		m := Extract([]Report{
			InboundRTPReport{Kind: KindVideo, BytesReceived: 5_000_000},
		}, ByteBaseline{}, now)

		assert.Zero(t, m.BandwidthKbps)
	})

	t.Run("bandwidth is zero after a counter reset", func(t *testing.T) {
		baseline := ByteBaseline{Bytes: 5_000_000, At: now.Add(-10 * time.Second), Valid: true}
		m := Extract([]Report{
			InboundRTPReport{Kind: KindVideo, BytesReceived: 1_000},
		}, baseline, now)

		assert.Zero(t, m.BandwidthKbps)
	})
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		in   Measurement
		want Measurement
	}{
		{
			name: "in range values pass through with latency rounded",
			in:   Measurement{PacketLossPercent: 2.5, LatencyMs: 44.6, JitterMs: 12, BandwidthKbps: 800},
			want: Measurement{PacketLossPercent: 2.5, LatencyMs: 45, JitterMs: 12, BandwidthKbps: 800},
		},
		{
			name: "loss above one hundred is capped",
			in:   Measurement{PacketLossPercent: 150},
			want: Measurement{PacketLossPercent: 100},
		},
		{
			name: "latency and jitter are capped",
			in:   Measurement{LatencyMs: 4500, JitterMs: 250},
			want: Measurement{LatencyMs: 1000, JitterMs: 100},
		},
		{
			name: "negatives are raised to zero",
			in:   Measurement{PacketLossPercent: -3, LatencyMs: -1, JitterMs: -0.5, BandwidthKbps: -20},
			want: Measurement{},
		},
		{
			name: "non finite values become zero",
			in:   Measurement{PacketLossPercent: math.NaN(), LatencyMs: math.Inf(1), BandwidthKbps: math.Inf(1)},
			want: Measurement{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clamp(tt.in))
		})
	}
}
