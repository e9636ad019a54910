package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carelink/telehealth-session-go/internal/database"
	"github.com/carelink/telehealth-session-go/internal/model"
)

// AppointmentUniqueConstraint guarantees one session per appointment.
const AppointmentUniqueConstraint = "telehealth_sessions_appointment_id_key"

type SessionRepository interface {
	FindBySessionID(ctx context.Context, sessionID string) (*model.Session, error)
	FindByAppointmentID(ctx context.Context, appointmentID string) (*model.Session, error)
	// Create fails with a unique violation on AppointmentUniqueConstraint
	// when another writer already created the appointment's session.
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// MarkActive moves waiting or active sessions to active, setting
	// started_at only the first time. Ended sessions are untouched and nil is returned.
	MarkActive(ctx context.Context, sessionID string, at time.Time) (*model.Session, error)
	// MarkEnded reports whether this call performed the transition.
	MarkEnded(ctx context.Context, sessionID string, reason string, at time.Time) (bool, error)
	FindOverdue(ctx context.Context, startedBefore time.Time, limit int) ([]model.Session, error)
	// GrantExtension increments extensions_granted only while the session is
	// active, the stored count still equals expected and stays below max.
	// It reports false when any of those no longer holds.
	GrantExtension(ctx context.Context, sessionID string, expected, max int, at time.Time) (int, bool, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM telehealth_sessions WHERE session_id = $1
	`, sessionID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByAppointmentID(ctx context.Context, appointmentID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM telehealth_sessions WHERE appointment_id = $1
	`, appointmentID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO telehealth_sessions (session_id, appointment_id, host_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'waiting', $4, $4)
		RETURNING *
	`, params.SessionID, params.AppointmentID, params.HostID, params.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) MarkActive(ctx context.Context, sessionID string, at time.Time) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		UPDATE telehealth_sessions SET
			status = 'active',
			started_at = COALESCE(started_at, $2),
			updated_at = $2
		WHERE session_id = $1 AND status IN ('waiting', 'active')
		RETURNING *
	`, sessionID, at)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) MarkEnded(ctx context.Context, sessionID string, reason string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE telehealth_sessions SET
			status = 'ended',
			ended_at = $3,
			end_reason = $2,
			updated_at = $3
		WHERE session_id = $1 AND status <> 'ended'
	`, sessionID, reason, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sessionRepo) FindOverdue(ctx context.Context, startedBefore time.Time, limit int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM telehealth_sessions
		WHERE status = 'active' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2
	`, startedBefore, limit)
	return sessions, err
}

func (r *sessionRepo) GrantExtension(ctx context.Context, sessionID string, expected, max int, at time.Time) (int, bool, error) {
	var granted int
	err := r.db.GetContext(ctx, &granted, `
		UPDATE telehealth_sessions SET
			extensions_granted = extensions_granted + 1,
			updated_at = $4
		WHERE session_id = $1
			AND status = 'active'
			AND extensions_granted = $2
			AND extensions_granted < $3
		RETURNING extensions_granted
	`, sessionID, expected, max, at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return granted, true, nil
}
