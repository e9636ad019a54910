package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/audit"
	"github.com/carelink/telehealth-session-go/internal/clock"
	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/repository"
)

// ConsentGate decides whether recording may start for a session participant.
// Both Consented and Declined are terminal; a decline can only be overturned
// by starting a new session. Decisions live in the database, so every
// process serving the session sees the same state.
type ConsentGate struct {
	consents repository.ConsentRepository
	clock    clock.Clock
}

func NewConsentGate(consents repository.ConsentRepository, c clock.Clock) *ConsentGate {
	return &ConsentGate{
		consents: consents,
		clock:    c,
	}
}

func (g *ConsentGate) RecordConsent(ctx context.Context, sessionID, participantID string) error {
	return g.transition(ctx, sessionID, participantID, model.ConsentStateConsented)
}

func (g *ConsentGate) RecordDecline(ctx context.Context, sessionID, participantID string) error {
	return g.transition(ctx, sessionID, participantID, model.ConsentStateDeclined)
}

func (g *ConsentGate) transition(ctx context.Context, sessionID, participantID string, target model.ConsentState) error {
	if sessionID == "" {
		return apperrors.MissingRequired("sessionId")
	}
	if participantID == "" {
		return apperrors.MissingRequired("participantId")
	}

	now := g.clock.Now()
	rec, changed, err := g.consents.Decide(ctx, sessionID, participantID, target, now)
	if err != nil {
		return apperrors.Database(fmt.Errorf("record consent decision: %w", err))
	}
	if rec == nil {
		// The session ended and its records were removed mid-call.
		return apperrors.InvalidState("session has ended")
	}

	if changed {
		eventType := audit.EventConsentGranted
		if target == model.ConsentStateDeclined {
			eventType = audit.EventConsentDeclined
		}
		audit.Log(ctx, audit.Event{
			Type:          eventType,
			SessionID:     sessionID,
			ParticipantID: participantID,
			Details:       map[string]interface{}{"decidedAt": now},
		})
		return nil
	}
	if rec.State == target {
		return nil
	}

	audit.Log(ctx, audit.Event{
		Type:          audit.EventConsentRejected,
		SessionID:     sessionID,
		ParticipantID: participantID,
		Details: map[string]interface{}{
			"current":   string(rec.State),
			"requested": string(target),
		},
	})
	if rec.State == model.ConsentStateDeclined {
		return apperrors.InvalidState("consent was declined for this session; a new session is required to record")
	}
	return apperrors.InvalidState("consent was already given for this session")
}

func (g *ConsentGate) CanStartRecording(ctx context.Context, sessionID, participantID string) (bool, error) {
	rec, err := g.Record(ctx, sessionID, participantID)
	if err != nil {
		return false, err
	}
	return rec.AllowsRecording(), nil
}

// Record returns the participant's consent record; participants who have
// not decided yet are reported as awaiting.
func (g *ConsentGate) Record(ctx context.Context, sessionID, participantID string) (model.ConsentRecord, error) {
	rec, err := g.consents.FindByParticipant(ctx, sessionID, participantID)
	if err != nil {
		return model.ConsentRecord{}, apperrors.Database(fmt.Errorf("find consent record: %w", err))
	}
	if rec == nil {
		return model.ConsentRecord{
			SessionID:     sessionID,
			ParticipantID: participantID,
			State:         model.ConsentStateAwaiting,
		}, nil
	}
	return *rec, nil
}

// Discard drops every record of an ended session.
func (g *ConsentGate) Discard(ctx context.Context, sessionID string) error {
	removed, err := g.consents.DeleteBySessionID(ctx, sessionID)
	if err != nil {
		return apperrors.Database(fmt.Errorf("discard consent records: %w", err))
	}
	if removed > 0 {
		log.Debug().Str("sessionId", sessionID).Int64("count", removed).Msg("consent records discarded")
	}
	return nil
}
