package model

import (
	"strconv"
	"strings"
	"time"
)

const (
	// SessionIDPrefix marks a canonical session identifier.
	SessionIDPrefix = "session_"
	// SessionLinkPrefix is the appointment-facing route to a session.
	SessionLinkPrefix = "/telehealth/session/"
)

// Session is one telehealth encounter. ExtensionsGranted is shared by every
// process serving the session.
type Session struct {
	SessionID         string        `db:"session_id" json:"sessionId"`
	AppointmentID     string        `db:"appointment_id" json:"appointmentId"`
	HostID            string        `db:"host_id" json:"hostId"`
	Status            SessionStatus `db:"status" json:"status"`
	StartedAt         *time.Time    `db:"started_at" json:"startedAt,omitempty"`
	EndedAt           *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	EndReason         *string       `db:"end_reason" json:"endReason,omitempty"`
	ExtensionsGranted int           `db:"extensions_granted" json:"extensionsGranted"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updatedAt"`
}

func (s *Session) IsEnded() bool {
	return s.Status == SessionStatusEnded
}

type CreateSessionParams struct {
	SessionID     string
	AppointmentID string
	HostID        string
	CreatedAt     time.Time
}

// FormatSessionID builds session_<creationEpochMillis>_<token>.
func FormatSessionID(createdAt time.Time, token string) string {
	return SessionIDPrefix + strconv.FormatInt(createdAt.UnixMilli(), 10) + "_" + token
}

// NormalizeSessionID strips one leading "/" and prepends the canonical
// prefix unless it is already present. Normalizing twice is a no-op.
func NormalizeSessionID(raw string) string {
	id := strings.TrimPrefix(raw, "/")
	if strings.HasPrefix(id, SessionIDPrefix) {
		return id
	}
	return SessionIDPrefix + id
}

func SessionLink(sessionID string) string {
	return SessionLinkPrefix + sessionID
}
