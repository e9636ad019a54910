package model

type SessionStatus string

const (
	SessionStatusWaiting SessionStatus = "waiting"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

type ConsentState string

const (
	ConsentStateAwaiting  ConsentState = "awaiting"
	ConsentStateConsented ConsentState = "consented"
	ConsentStateDeclined  ConsentState = "declined"
)

// End reasons recorded on the session row
const (
	EndReasonTimeout     = "timeout"
	EndReasonHost        = "host_ended"
	EndReasonServerSweep = "server_cap"
)
