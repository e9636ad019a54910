package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/carelink/telehealth-session-go/internal/model"
)

// MetricsRepository is append-only: samples are never updated or deleted here.
type MetricsRepository interface {
	Insert(ctx context.Context, sample model.ConnectionMetricsSample) error
	FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.ConnectionMetricsSample, error)
}

type metricsRepo struct {
	db *sqlx.DB
}

func NewMetricsRepository(db *sqlx.DB) MetricsRepository {
	return &metricsRepo{db: db}
}

func (r *metricsRepo) Insert(ctx context.Context, sample model.ConnectionMetricsSample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO connection_metrics (
			id, session_id, participant_id, sampled_at,
			packet_loss_percent, latency_ms, jitter_ms, bandwidth_kbps, connection_state
		) VALUES (
			:id, :session_id, :participant_id, :sampled_at,
			:packet_loss_percent, :latency_ms, :jitter_ms, :bandwidth_kbps, :connection_state
		)
	`, sample)
	return err
}

func (r *metricsRepo) FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.ConnectionMetricsSample, error) {
	var samples []model.ConnectionMetricsSample
	err := r.db.SelectContext(ctx, &samples, `
		SELECT * FROM connection_metrics
		WHERE session_id = $1
		ORDER BY sampled_at DESC
		LIMIT $2
	`, sessionID, limit)
	return samples, err
}
