package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carelink/telehealth-session-go/internal/database"
)

type AppointmentRepository interface {
	UpdateTelehealthLink(ctx context.Context, appointmentID string, link string) error
	WithTx(tx *sqlx.Tx) AppointmentRepository
}

type appointmentRepo struct {
	db database.DBTX
}

func NewAppointmentRepository(db *sqlx.DB) AppointmentRepository {
	return &appointmentRepo{db: db}
}

func (r *appointmentRepo) WithTx(tx *sqlx.Tx) AppointmentRepository {
	return &appointmentRepo{db: tx}
}

// UpdateTelehealthLink upserts so an appointment unknown to the local
// table still gets its link recorded.
func (r *appointmentRepo) UpdateTelehealthLink(ctx context.Context, appointmentID string, link string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO appointments (id, telehealth_link, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			telehealth_link = EXCLUDED.telehealth_link,
			updated_at = EXCLUDED.updated_at
	`, appointmentID, link, time.Now())
	return err
}
