package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/audit"
	"github.com/carelink/telehealth-session-go/internal/clock"
	"github.com/carelink/telehealth-session-go/internal/database"
	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/repository"
)

// maxIDAttempts bounds regeneration when a fresh session id collides.
const maxIDAttempts = 3

// SessionRegistry owns the canonical session of every appointment.
type SessionRegistry struct {
	db          database.TxRunner
	sessionRepo repository.SessionRepository
	apptRepo    repository.AppointmentRepository
	clock       clock.Clock
}

func NewSessionRegistry(
	db database.TxRunner,
	sessionRepo repository.SessionRepository,
	apptRepo repository.AppointmentRepository,
	c clock.Clock,
) *SessionRegistry {
	return &SessionRegistry{
		db:          db,
		sessionRepo: sessionRepo,
		apptRepo:    apptRepo,
		clock:       c,
	}
}

// EnsureSession returns the appointment's session id, creating the session
// on first use. Concurrent callers for one appointment all get the same id:
// the loser of the insert race re-reads the winner's row.
func (r *SessionRegistry) EnsureSession(ctx context.Context, appointmentID, hostID string) (string, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	hostID = strings.TrimSpace(hostID)
	if appointmentID == "" {
		return "", apperrors.MissingRequired("appointmentId")
	}
	if hostID == "" {
		return "", apperrors.MissingRequired("hostId")
	}

	existing, err := r.sessionRepo.FindByAppointmentID(ctx, appointmentID)
	if err != nil {
		return "", apperrors.Database(fmt.Errorf("find session by appointment: %w", err))
	}
	if existing != nil {
		return existing.SessionID, nil
	}

	var sessionID string
	for attempt := 1; ; attempt++ {
		now := r.clock.Now()
		sessionID = model.FormatSessionID(now, r.clock.RandomToken())

		err = r.create(ctx, model.CreateSessionParams{
			SessionID:     sessionID,
			AppointmentID: appointmentID,
			HostID:        hostID,
			CreatedAt:     now,
		})
		if err == nil {
			break
		}

		if apperrors.Is(err, apperrors.ErrCodeConflict) {
			return r.refetchAfterConflict(ctx, appointmentID)
		}
		if repository.IsUniqueViolation(err) && attempt < maxIDAttempts {
			log.Warn().Str("sessionId", sessionID).Int("attempt", attempt).Msg("session id collision, regenerating")
			continue
		}
		return "", apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("appointmentId", appointmentID).
		Str("hostId", hostID).
		Msg("session created")
	audit.Log(ctx, audit.Event{
		Type:          audit.EventSessionCreate,
		SessionID:     sessionID,
		AppointmentID: appointmentID,
		Details:       map[string]interface{}{"hostId": hostID},
	})

	return sessionID, nil
}

// create inserts the session and links the appointment in one transaction,
// so the link is written exactly once, by the creating writer.
func (r *SessionRegistry) create(ctx context.Context, params model.CreateSessionParams) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := r.sessionRepo.WithTx(tx).Create(ctx, params); err != nil {
			if repository.IsUniqueViolation(err, repository.AppointmentUniqueConstraint) {
				return apperrors.Conflict("Session", err)
			}
			return fmt.Errorf("create session: %w", err)
		}

		link := model.SessionLink(params.SessionID)
		if err := r.apptRepo.WithTx(tx).UpdateTelehealthLink(ctx, params.AppointmentID, link); err != nil {
			return fmt.Errorf("update appointment link: %w", err)
		}
		return nil
	})
}

func (r *SessionRegistry) refetchAfterConflict(ctx context.Context, appointmentID string) (string, error) {
	winner, err := r.sessionRepo.FindByAppointmentID(ctx, appointmentID)
	if err != nil {
		return "", apperrors.Database(fmt.Errorf("refetch session after conflict: %w", err))
	}
	if winner == nil {
		return "", apperrors.Internal("session missing after creation conflict")
	}

	log.Debug().
		Str("sessionId", winner.SessionID).
		Str("appointmentId", appointmentID).
		Msg("lost session creation race, using existing session")
	return winner.SessionID, nil
}

func (r *SessionRegistry) NormalizeSessionID(raw string) string {
	return model.NormalizeSessionID(raw)
}

// Get loads a session by any accepted form of its id.
func (r *SessionRegistry) Get(ctx context.Context, rawID string) (*model.Session, error) {
	sessionID := model.NormalizeSessionID(rawID)
	session, err := r.sessionRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find session: %w", err))
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

// Activate marks the session active when a transport connects. The first
// activation fixes started_at; reconnects keep it.
func (r *SessionRegistry) Activate(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := r.sessionRepo.MarkActive(ctx, sessionID, r.clock.Now())
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("activate session: %w", err))
	}
	if session != nil {
		return session, nil
	}

	if _, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return nil, apperrors.InvalidState("session has ended")
}

// End transitions the session to ended. It reports false when the session
// was already ended, leaving the row untouched.
func (r *SessionRegistry) End(ctx context.Context, sessionID, reason string) (bool, error) {
	ended, err := r.sessionRepo.MarkEnded(ctx, sessionID, reason, r.clock.Now())
	if err != nil {
		return false, apperrors.Database(fmt.Errorf("end session: %w", err))
	}
	if !ended {
		return false, nil
	}

	log.Info().Str("sessionId", sessionID).Str("reason", reason).Msg("session ended")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionEnd,
		SessionID: sessionID,
		Details:   map[string]interface{}{"reason": reason},
	})
	return true, nil
}

// GrantExtension records one more extension for an active session. expected
// is the count the caller last saw: a stale count is refused so one warning
// never yields two extensions across processes. The stored count is
// returned with every refusal so the caller can catch up.
func (r *SessionRegistry) GrantExtension(ctx context.Context, sessionID string, expected, max int) (int, error) {
	granted, ok, err := r.sessionRepo.GrantExtension(ctx, sessionID, expected, max, r.clock.Now())
	if err != nil {
		return 0, apperrors.Database(fmt.Errorf("grant extension: %w", err))
	}
	if ok {
		return granted, nil
	}

	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	details := map[string]int{
		"extensionsGranted": session.ExtensionsGranted,
		"maxExtensions":     max,
	}
	switch {
	case session.IsEnded():
		return session.ExtensionsGranted, apperrors.PolicyViolation("session has already been terminated").WithDetails(details)
	case session.ExtensionsGranted >= max:
		return session.ExtensionsGranted, apperrors.PolicyViolation(
			fmt.Sprintf("extension limit of %d reached", max)).WithDetails(details)
	case session.ExtensionsGranted != expected:
		return session.ExtensionsGranted, apperrors.PolicyViolation("extension was already granted for this warning").WithDetails(details)
	default:
		return session.ExtensionsGranted, apperrors.InvalidState("session is not active")
	}
}

// Overdue lists active sessions started before the cutoff.
func (r *SessionRegistry) Overdue(ctx context.Context, startedBefore time.Time, limit int) ([]model.Session, error) {
	return r.sessionRepo.FindOverdue(ctx, startedBefore, limit)
}
