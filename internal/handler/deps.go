package handler

import (
	"context"

	"github.com/carelink/telehealth-session-go/internal/live"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/sse"
)

type SessionRegistry interface {
	EnsureSession(ctx context.Context, appointmentID, hostID string) (string, error)
	NormalizeSessionID(raw string) string
	Get(ctx context.Context, rawID string) (*model.Session, error)
}

type LiveSessions interface {
	Attach(ctx context.Context, sessionID, participantID string, transport live.Transport) (*model.Session, error)
	TransportLost(sessionID, participantID string, transport live.Transport)
	End(ctx context.Context, sessionID, reason string) error
	Extend(ctx context.Context, sessionID string) (int, error)
	Remaining(sessionID string) (live.Status, error)
}

type ConsentGate interface {
	RecordConsent(ctx context.Context, sessionID, participantID string) error
	RecordDecline(ctx context.Context, sessionID, participantID string) error
	CanStartRecording(ctx context.Context, sessionID, participantID string) (bool, error)
	Record(ctx context.Context, sessionID, participantID string) (model.ConsentRecord, error)
}

type MetricsReader interface {
	FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.ConnectionMetricsSample, error)
}

// PeerTransport is a negotiable media connection for one participant.
type PeerTransport interface {
	live.Transport
	Answer(offerSDP string) (string, error)
	OnClosed(fn func())
}

// TransportDialer opens a new, unnegotiated peer transport.
type TransportDialer func(sessionID, participantID string) (PeerTransport, error)

type EventSubscriber interface {
	Subscribe(sessionID string) *sse.Client
	Unsubscribe(client *sse.Client)
}
