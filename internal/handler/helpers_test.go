package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/carelink/telehealth-session-go/internal/clock"
	"github.com/carelink/telehealth-session-go/internal/live"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/repository"
	"github.com/carelink/telehealth-session-go/internal/service"
	"github.com/carelink/telehealth-session-go/internal/sse"
	"github.com/carelink/telehealth-session-go/internal/telemetry"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) EnsureSession(ctx context.Context, appointmentID, hostID string) (string, error) {
	args := m.Called(ctx, appointmentID, hostID)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) NormalizeSessionID(raw string) string {
	return model.NormalizeSessionID(raw)
}

func (m *mockRegistry) Get(ctx context.Context, rawID string) (*model.Session, error) {
	args := m.Called(ctx, model.NormalizeSessionID(rawID))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

type mockLive struct {
	mock.Mock
}

func (m *mockLive) Attach(ctx context.Context, sessionID, participantID string, transport live.Transport) (*model.Session, error) {
	args := m.Called(ctx, sessionID, participantID, transport)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockLive) TransportLost(sessionID, participantID string, transport live.Transport) {
	m.Called(sessionID, participantID, transport)
}

func (m *mockLive) End(ctx context.Context, sessionID, reason string) error {
	return m.Called(ctx, sessionID, reason).Error(0)
}

func (m *mockLive) Extend(ctx context.Context, sessionID string) (int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *mockLive) Remaining(sessionID string) (live.Status, error) {
	args := m.Called(sessionID)
	return args.Get(0).(live.Status), args.Error(1)
}

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) FindBySessionID(ctx context.Context, sessionID string, limit int) ([]model.ConnectionMetricsSample, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ConnectionMetricsSample), args.Error(1)
}

type fakePeer struct {
	mu        sync.Mutex
	answerErr error
	onClosed  func()
	closed    bool
}

func (p *fakePeer) Answer(string) (string, error) {
	if p.answerErr != nil {
		return "", p.answerErr
	}
	return "v=0 answer", nil
}

func (p *fakePeer) OnClosed(fn func()) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

func (p *fakePeer) GetStats(context.Context) ([]telemetry.Report, error) {
	return nil, nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type memConsents struct {
	mu      sync.Mutex
	records map[string]model.ConsentRecord
}

func (m *memConsents) FindByParticipant(_ context.Context, sessionID, participantID string) (*model.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID+"/"+participantID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memConsents) Decide(
	_ context.Context,
	sessionID, participantID string,
	state model.ConsentState,
	at time.Time,
) (*model.ConsentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionID + "/" + participantID
	rec, ok := m.records[key]
	if ok && rec.State != model.ConsentStateAwaiting {
		return &rec, false, nil
	}
	rec = model.ConsentRecord{SessionID: sessionID, ParticipantID: participantID, State: state, DecidedAt: &at}
	m.records[key] = rec
	return &rec, true, nil
}

func (m *memConsents) DeleteBySessionID(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.records {
		if rec.SessionID == sessionID {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func (m *memConsents) WithTx(*sqlx.Tx) repository.ConsentRepository {
	return m
}

type stubSubscriber struct {
	client       *sse.Client
	unsubscribed bool
}

func (s *stubSubscriber) Subscribe(sessionID string) *sse.Client {
	s.client.SessionID = sessionID
	return s.client
}

func (s *stubSubscriber) Unsubscribe(*sse.Client) {
	s.unsubscribed = true
}

var errDialFailed = errors.New("dial failed")

type testServer struct {
	router   chi.Router
	registry *mockRegistry
	live     *mockLive
	metrics  *mockMetrics
	consent  *service.ConsentGate
	peer     *fakePeer
	dialErr  error
	events   *stubSubscriber
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	consents := &memConsents{records: make(map[string]model.ConsentRecord)}
	ts := &testServer{
		registry: &mockRegistry{},
		live:     &mockLive{},
		metrics:  &mockMetrics{},
		consent:  service.NewConsentGate(consents, clock.NewFixed(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))),
		peer:     &fakePeer{},
		events: &stubSubscriber{client: &sse.Client{
			ID:     "client-1",
			Events: make(chan sse.Event, 4),
			Done:   make(chan struct{}),
		}},
	}

	dial := func(sessionID, participantID string) (PeerTransport, error) {
		if ts.dialErr != nil {
			return nil, ts.dialErr
		}
		return ts.peer, nil
	}
	eventsHandler := NewEventsHandler(ts.events, ts.registry)
	h := NewSessionHandler(ts.registry, ts.live, ts.consent, ts.metrics, dial, eventsHandler)

	r := chi.NewRouter()
	r.Post("/v1/appointments/{appointmentId}/session", h.EnsureSession)
	r.Mount("/v1/sessions", h.Routes())
	ts.router = r

	t.Cleanup(func() {
		ts.registry.AssertExpectations(t)
		ts.live.AssertExpectations(t)
		ts.metrics.AssertExpectations(t)
	})
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func activeSession(id string) *model.Session {
	started := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	return &model.Session{
		SessionID:     id,
		AppointmentID: "apt-1",
		HostID:        "clin-1",
		Status:        model.SessionStatusActive,
		StartedAt:     &started,
	}
}

func endedSession(id string) *model.Session {
	s := activeSession(id)
	s.Status = model.SessionStatusEnded
	return s
}

var _ http.Handler = (*EventsHandler)(nil)
