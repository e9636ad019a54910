package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionCreate     EventType = "session_create"
	EventSessionEnd        EventType = "session_end"
	EventConsentGranted    EventType = "consent_granted"
	EventConsentDeclined   EventType = "consent_declined"
	EventConsentRejected   EventType = "consent_rejected"
	EventExtensionGranted  EventType = "extension_granted"
	EventExtensionRejected EventType = "extension_rejected"
)

type Event struct {
	Type          EventType
	SessionID     string
	AppointmentID string
	ParticipantID string
	Details       map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "compliance").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.AppointmentID != "" {
		logger = logger.With().Str("appointment_id", event.AppointmentID).Logger()
	}
	if event.ParticipantID != "" {
		logger = logger.With().Str("participant_id", event.ParticipantID).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("compliance audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case time.Time:
		return e.Time(key, v)
	default:
		return e.Interface(key, v)
	}
}
