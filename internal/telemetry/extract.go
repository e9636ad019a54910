package telemetry

import (
	"math"
	"time"

	"github.com/carelink/telehealth-session-go/internal/model"
)

// Measurement is one snapshot reduced to the sample fields, before clamping.
type Measurement struct {
	PacketLossPercent float64
	LatencyMs         float64
	JitterMs          float64
	BandwidthKbps     float64
	ConnectionState   string
	BytesReceived     uint64
}

// ByteBaseline is the received-byte counter from the previous snapshot.
type ByteBaseline struct {
	Bytes uint64
	At    time.Time
	Valid bool
}

// Extract reduces a snapshot. Loss and jitter come from the inbound video
// report, latency from the succeeded candidate pair (nominated preferred),
// bandwidth from the change in bytes received across all inbound streams
// since the baseline. Missing inputs yield zero.
func Extract(reports []Report, baseline ByteBaseline, at time.Time) Measurement {
	m := Measurement{ConnectionState: ConnectionStateUnknown}

	var video *InboundRTPReport
	var pair *CandidatePairReport
	for _, r := range reports {
		switch rep := r.(type) {
		case InboundRTPReport:
			m.BytesReceived += rep.BytesReceived
			if rep.Kind == KindVideo && video == nil {
				v := rep
				video = &v
			}
		case CandidatePairReport:
			if rep.State != CandidatePairSucceeded {
				continue
			}
			if pair == nil || (rep.Nominated && !pair.Nominated) {
				p := rep
				pair = &p
			}
		case TransportReport:
			if rep.State != "" {
				m.ConnectionState = rep.State
			}
		}
	}

	if video != nil {
		if video.PacketsReceived > 0 {
			m.PacketLossPercent = float64(video.PacketsLost) / float64(video.PacketsReceived) * 100
		}
		m.JitterMs = video.JitterSeconds * 1000
	}
	if pair != nil {
		m.LatencyMs = pair.CurrentRoundTripTimeSeconds * 1000
	}

	if baseline.Valid && m.BytesReceived >= baseline.Bytes {
		if elapsed := at.Sub(baseline.At).Seconds(); elapsed > 0 {
			m.BandwidthKbps = float64(m.BytesReceived-baseline.Bytes) * 8 / 1000 / elapsed
		}
	}

	return m
}

// Clamp corrects every bounded field. Out-of-range values are never
// rejected, so the stored timeline has no gaps.
func Clamp(m Measurement) Measurement {
	m.PacketLossPercent = clampFloat(m.PacketLossPercent, 0, model.MaxPacketLossPercent)
	m.LatencyMs = clampFloat(math.Round(finite(m.LatencyMs)), 0, model.MaxLatencyMs)
	m.JitterMs = clampFloat(m.JitterMs, 0, model.MaxJitterMs)
	m.BandwidthKbps = math.Max(finite(m.BandwidthKbps), 0)
	return m
}

func clampFloat(v, lo, hi float64) float64 {
	v = finite(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
