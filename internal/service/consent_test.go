package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/telehealth-session-go/internal/clock"
	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/repository"
)

type consentKey struct {
	sessionID     string
	participantID string
}

// memConsentRepo mirrors the conditional awaiting -> decided write of the
// Postgres repository.
type memConsentRepo struct {
	mu      sync.Mutex
	records map[consentKey]model.ConsentRecord
	err     error
}

func newMemConsentRepo() *memConsentRepo {
	return &memConsentRepo{records: make(map[consentKey]model.ConsentRecord)}
}

func (r *memConsentRepo) FindByParticipant(_ context.Context, sessionID, participantID string) (*model.ConsentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	rec, ok := r.records[consentKey{sessionID, participantID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *memConsentRepo) Decide(
	_ context.Context,
	sessionID, participantID string,
	state model.ConsentState,
	at time.Time,
) (*model.ConsentRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}
	key := consentKey{sessionID, participantID}
	rec, ok := r.records[key]
	if !ok {
		rec = model.ConsentRecord{SessionID: sessionID, ParticipantID: participantID, State: model.ConsentStateAwaiting}
	}
	changed := false
	if rec.State == model.ConsentStateAwaiting {
		decidedAt := at
		rec.State = state
		rec.DecidedAt = &decidedAt
		changed = true
	}
	r.records[key] = rec
	return &rec, changed, nil
}

func (r *memConsentRepo) DeleteBySessionID(_ context.Context, sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for key := range r.records {
		if key.sessionID == sessionID {
			delete(r.records, key)
			n++
		}
	}
	return n, nil
}

func (r *memConsentRepo) WithTx(*sqlx.Tx) repository.ConsentRepository {
	return r
}

func canRecord(t *testing.T, gate *ConsentGate, sessionID, participantID string) bool {
	t.Helper()
	ok, err := gate.CanStartRecording(context.Background(), sessionID, participantID)
	require.NoError(t, err)
	return ok
}

func consentState(t *testing.T, gate *ConsentGate, sessionID, participantID string) model.ConsentRecord {
	t.Helper()
	rec, err := gate.Record(context.Background(), sessionID, participantID)
	require.NoError(t, err)
	return rec
}

func TestConsentGate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	t.Run("starts awaiting and blocks recording", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		rec := consentState(t, gate, "s1", "p1")
		assert.Equal(t, model.ConsentStateAwaiting, rec.State)
		assert.Nil(t, rec.DecidedAt)
		assert.False(t, canRecord(t, gate, "s1", "p1"))
	})

	t.Run("consent allows recording and stamps the decision", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		require.NoError(t, gate.RecordConsent(ctx, "s1", "p1"))
		assert.True(t, canRecord(t, gate, "s1", "p1"))

		rec := consentState(t, gate, "s1", "p1")
		assert.Equal(t, model.ConsentStateConsented, rec.State)
		require.NotNil(t, rec.DecidedAt)
		assert.Equal(t, now, *rec.DecidedAt)
	})

	t.Run("repeated consent keeps the first decision time", func(t *testing.T) {
		c := clock.NewFixed(now)
		gate := NewConsentGate(newMemConsentRepo(), c)

		require.NoError(t, gate.RecordConsent(ctx, "s1", "p1"))
		c.Advance(5 * time.Minute)
		require.NoError(t, gate.RecordConsent(ctx, "s1", "p1"))

		assert.Equal(t, now, *consentState(t, gate, "s1", "p1").DecidedAt)
	})

	t.Run("decline is permanent and later consent fails", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		require.NoError(t, gate.RecordDecline(ctx, "s1", "p1"))
		assert.False(t, canRecord(t, gate, "s1", "p1"))

		err := gate.RecordConsent(ctx, "s1", "p1")
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetCode(err))
		assert.False(t, canRecord(t, gate, "s1", "p1"))
		assert.Equal(t, model.ConsentStateDeclined, consentState(t, gate, "s1", "p1").State)
	})

	t.Run("decline is idempotent", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		require.NoError(t, gate.RecordDecline(ctx, "s1", "p1"))
		require.NoError(t, gate.RecordDecline(ctx, "s1", "p1"))
		assert.Equal(t, model.ConsentStateDeclined, consentState(t, gate, "s1", "p1").State)
	})

	t.Run("decline after consent is rejected", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		require.NoError(t, gate.RecordConsent(ctx, "s1", "p1"))
		err := gate.RecordDecline(ctx, "s1", "p1")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
		assert.True(t, canRecord(t, gate, "s1", "p1"))
	})

	t.Run("records are scoped per session and participant", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		require.NoError(t, gate.RecordDecline(ctx, "s1", "p1"))
		require.NoError(t, gate.RecordConsent(ctx, "s1", "p2"))
		require.NoError(t, gate.RecordConsent(ctx, "s2", "p1"))

		assert.False(t, canRecord(t, gate, "s1", "p1"))
		assert.True(t, canRecord(t, gate, "s1", "p2"))
		assert.True(t, canRecord(t, gate, "s2", "p1"))
	})

	t.Run("discard forgets only the given session", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		require.NoError(t, gate.RecordDecline(ctx, "s1", "p1"))
		require.NoError(t, gate.RecordConsent(ctx, "s2", "p1"))
		require.NoError(t, gate.Discard(ctx, "s1"))

		assert.Equal(t, model.ConsentStateAwaiting, consentState(t, gate, "s1", "p1").State)
		assert.True(t, canRecord(t, gate, "s2", "p1"))
	})

	t.Run("requires identifiers", func(t *testing.T) {
		gate := NewConsentGate(newMemConsentRepo(), clock.NewFixed(now))

		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(gate.RecordConsent(ctx, "", "p1")))
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(gate.RecordDecline(ctx, "s1", "")))
	})

	t.Run("storage failures are database errors and never allow recording", func(t *testing.T) {
		repo := newMemConsentRepo()
		gate := NewConsentGate(repo, clock.NewFixed(now))
		repo.err = errors.New("connection refused")

		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(gate.RecordConsent(ctx, "s1", "p1")))
		ok, err := gate.CanStartRecording(ctx, "s1", "p1")
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(err))
		assert.False(t, ok)
		assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(gate.Discard(ctx, "s1")))
	})
}

func TestConsentGate_SharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	t.Run("a decline recorded by one process binds another", func(t *testing.T) {
		store := newMemConsentRepo()
		first := NewConsentGate(store, clock.NewFixed(now))
		second := NewConsentGate(store, clock.NewFixed(now))

		require.NoError(t, first.RecordDecline(ctx, "session_1_abc", "patient-1"))

		err := second.RecordConsent(ctx, "session_1_abc", "patient-1")
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
		assert.False(t, canRecord(t, second, "session_1_abc", "patient-1"))
	})

	t.Run("a decision survives a restarted gate", func(t *testing.T) {
		store := newMemConsentRepo()
		require.NoError(t, NewConsentGate(store, clock.NewFixed(now)).RecordConsent(ctx, "session_1_abc", "patient-1"))

		restarted := NewConsentGate(store, clock.NewFixed(now.Add(time.Hour)))

		assert.True(t, canRecord(t, restarted, "session_1_abc", "patient-1"))
		assert.True(t, apperrors.Is(restarted.RecordDecline(ctx, "session_1_abc", "patient-1"), apperrors.ErrCodeInvalidState))
	})

	t.Run("concurrent opposite decisions leave exactly one winner", func(t *testing.T) {
		store := newMemConsentRepo()
		gates := []*ConsentGate{
			NewConsentGate(store, clock.NewFixed(now)),
			NewConsentGate(store, clock.NewFixed(now)),
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, gate := range gates {
			wg.Add(1)
			go func(i int, gate *ConsentGate) {
				defer wg.Done()
				if i == 0 {
					errs[i] = gate.RecordConsent(ctx, "session_1_abc", "patient-1")
				} else {
					errs[i] = gate.RecordDecline(ctx, "session_1_abc", "patient-1")
				}
			}(i, gate)
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidState))
				failed++
			}
		}
		assert.Equal(t, 1, failed)

		rec := consentState(t, gates[0], "session_1_abc", "patient-1")
		assert.Equal(t, rec.State == model.ConsentStateConsented, errs[0] == nil)
	})
}
