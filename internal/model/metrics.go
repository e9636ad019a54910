package model

import "time"

// Bounds applied to every sample before it is stored
const (
	MaxPacketLossPercent = 100.0
	MaxLatencyMs         = 1000
	MaxJitterMs          = 100.0
)

type ConnectionMetricsSample struct {
	ID                string    `db:"id" json:"id"`
	SessionID         string    `db:"session_id" json:"sessionId"`
	ParticipantID     string    `db:"participant_id" json:"participantId"`
	SampledAt         time.Time `db:"sampled_at" json:"sampledAt"`
	PacketLossPercent float64   `db:"packet_loss_percent" json:"packetLossPercent"`
	LatencyMs         int       `db:"latency_ms" json:"latencyMs"`
	JitterMs          float64   `db:"jitter_ms" json:"jitterMs"`
	BandwidthKbps     float64   `db:"bandwidth_kbps" json:"bandwidthKbps"`
	ConnectionState   string    `db:"connection_state" json:"connectionState"`
}
