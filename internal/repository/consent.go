package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carelink/telehealth-session-go/internal/database"
	"github.com/carelink/telehealth-session-go/internal/model"
)

// ConsentRepository stores one consent decision per session participant.
type ConsentRepository interface {
	FindByParticipant(ctx context.Context, sessionID, participantID string) (*model.ConsentRecord, error)
	// Decide moves an awaiting record to state. A record that is already
	// decided is left as is. The stored record is returned either way, with
	// changed reporting whether this call made the transition.
	Decide(ctx context.Context, sessionID, participantID string, state model.ConsentState, at time.Time) (rec *model.ConsentRecord, changed bool, err error)
	DeleteBySessionID(ctx context.Context, sessionID string) (int64, error)
	WithTx(tx *sqlx.Tx) ConsentRepository
}

type consentRepo struct {
	db database.DBTX
}

func NewConsentRepository(db *sqlx.DB) ConsentRepository {
	return &consentRepo{db: db}
}

func (r *consentRepo) WithTx(tx *sqlx.Tx) ConsentRepository {
	return &consentRepo{db: tx}
}

func (r *consentRepo) FindByParticipant(ctx context.Context, sessionID, participantID string) (*model.ConsentRecord, error) {
	var rec model.ConsentRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT session_id, participant_id, state, decided_at
		FROM consent_records
		WHERE session_id = $1 AND participant_id = $2
	`, sessionID, participantID)
	return HandleNotFound(&rec, err)
}

func (r *consentRepo) Decide(
	ctx context.Context,
	sessionID, participantID string,
	state model.ConsentState,
	at time.Time,
) (*model.ConsentRecord, bool, error) {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO consent_records (session_id, participant_id, state)
		VALUES ($1, $2, 'awaiting')
		ON CONFLICT (session_id, participant_id) DO NOTHING
	`, sessionID, participantID); err != nil {
		return nil, false, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE consent_records SET state = $3, decided_at = $4
		WHERE session_id = $1 AND participant_id = $2 AND state = 'awaiting'
	`, sessionID, participantID, state, at)
	if err != nil {
		return nil, false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	rec, err := r.FindByParticipant(ctx, sessionID, participantID)
	if err != nil {
		return nil, false, err
	}
	return rec, n > 0, nil
}

func (r *consentRepo) DeleteBySessionID(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM consent_records WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
