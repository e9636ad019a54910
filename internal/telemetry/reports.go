// Package telemetry samples transport quality for live sessions.
package telemetry

import "context"

type ReportType string

const (
	ReportInboundRTP    ReportType = "inbound-rtp"
	ReportCandidatePair ReportType = "candidate-pair"
	ReportTransport     ReportType = "transport"
)

// Report is one typed entry of a stats snapshot.
type Report interface {
	Type() ReportType
}

// InboundRTPReport describes what was received on one media stream.
type InboundRTPReport struct {
	Kind            string
	PacketsReceived uint64
	PacketsLost     int64
	BytesReceived   uint64
	JitterSeconds   float64
}

func (InboundRTPReport) Type() ReportType { return ReportInboundRTP }

// CandidatePairReport describes one negotiated path between the peers.
type CandidatePairReport struct {
	State                       string
	Nominated                   bool
	CurrentRoundTripTimeSeconds float64
}

func (CandidatePairReport) Type() ReportType { return ReportCandidatePair }

// TransportReport carries the connection state as the transport sees it.
type TransportReport struct {
	State string
}

func (TransportReport) Type() ReportType { return ReportTransport }

// StatsSource is the transport's on-demand statistics capability.
type StatsSource interface {
	GetStats(ctx context.Context) ([]Report, error)
}

// StatsSourceFunc adapts a function to StatsSource.
type StatsSourceFunc func(ctx context.Context) ([]Report, error)

func (f StatsSourceFunc) GetStats(ctx context.Context) ([]Report, error) {
	return f(ctx)
}

const (
	KindVideo = "video"
	KindAudio = "audio"

	CandidatePairSucceeded = "succeeded"
	ConnectionStateUnknown = "unknown"
)
