package model

import "time"

type ConsentRecord struct {
	SessionID     string       `db:"session_id" json:"sessionId"`
	ParticipantID string       `db:"participant_id" json:"participantId"`
	State         ConsentState `db:"state" json:"state"`
	DecidedAt     *time.Time   `db:"decided_at" json:"decidedAt,omitempty"`
}

func (r ConsentRecord) AllowsRecording() bool {
	return r.State == ConsentStateConsented
}
