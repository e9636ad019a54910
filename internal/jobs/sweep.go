package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/model"
)

const sweepBatchSize = 100

type SessionSweeper interface {
	Overdue(ctx context.Context, startedBefore time.Time, limit int) ([]model.Session, error)
}

// SessionEnder ends a session the same way an in-process timeout would.
type SessionEnder interface {
	End(ctx context.Context, sessionID, reason string) error
}

// SweepJob is the server-side authority on session length. Live governors
// run per process and advise the client; this job ends any active session
// that outlived the hard ceiling, whichever process owns it.
type SweepJob struct {
	sessions SessionSweeper
	ender    SessionEnder
	ceiling  time.Duration
	interval time.Duration
	now      func() time.Time
	task     *Periodic
}

func NewSweepJob(sessions SessionSweeper, ender SessionEnder, ceiling, interval time.Duration, now func() time.Time) *SweepJob {
	return &SweepJob{
		sessions: sessions,
		ender:    ender,
		ceiling:  ceiling,
		interval: interval,
		now:      now,
	}
}

func (j *SweepJob) Start() {
	j.sweep(context.Background())
	j.task = Every(j.interval, j.sweep)
	log.Info().Dur("interval", j.interval).Dur("ceiling", j.ceiling).Msg("session sweep job started")
}

func (j *SweepJob) Stop() {
	if j.task != nil {
		j.task.Stop()
	}
	log.Info().Msg("session sweep job stopped")
}

func (j *SweepJob) sweep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.ceiling)
	overdue, err := j.sessions.Overdue(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list overdue sessions")
		return
	}

	ended := 0
	for _, s := range overdue {
		if err := j.ender.End(ctx, s.SessionID, model.EndReasonServerSweep); err != nil {
			log.Error().Err(err).Str("sessionId", s.SessionID).Msg("failed to end overdue session")
			continue
		}
		ended++
	}
	if ended > 0 {
		log.Info().Int("count", ended).Msg("ended overdue sessions")
	}
}
