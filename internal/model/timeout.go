package model

// Event types published on a session's event channel
const (
	EventTimeoutWarning    = "timeout_warning"
	EventSessionTerminated = "session_terminated"
	EventSessionExtended   = "session_extended"
)

// TimeoutEvent is the payload of every session event. ExtensionsGranted is
// set on session_extended so every process adopts the new cap.
type TimeoutEvent struct {
	SessionID         string `json:"sessionId"`
	RemainingMinutes  int    `json:"remainingMinutes"`
	Reason            string `json:"reason,omitempty"`
	ExtensionsGranted int    `json:"extensionsGranted,omitempty"`
}
