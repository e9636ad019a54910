// Package live owns the per-process state of sessions with a connected
// transport: the duration countdown and one metrics sampler per participant.
// Several processes may serve one session. They share the session row and
// follow each other through the session's event channel.
package live

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/audit"
	"github.com/carelink/telehealth-session-go/internal/clock"
	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/governor"
	"github.com/carelink/telehealth-session-go/internal/jobs"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/sse"
	"github.com/carelink/telehealth-session-go/internal/telemetry"
)

type SessionStore interface {
	Get(ctx context.Context, rawID string) (*model.Session, error)
	Activate(ctx context.Context, sessionID string) (*model.Session, error)
	End(ctx context.Context, sessionID, reason string) (bool, error)
	GrantExtension(ctx context.Context, sessionID string, expected, max int) (int, error)
}

type ConsentStore interface {
	Discard(ctx context.Context, sessionID string) error
}

// EventBus carries session events between every process serving a session.
type EventBus interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
	Subscribe(sessionID string) *sse.Client
	Unsubscribe(client *sse.Client)
}

// Transport is a participant's media connection.
type Transport interface {
	telemetry.StatsSource
	Close()
}

type Config struct {
	Policy         governor.Policy
	SampleInterval time.Duration
	CheckInterval  time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
}

// Status is the countdown as reported to clients.
type Status struct {
	RemainingMinutes int `json:"remainingMinutes"`
	governor.State
}

type participant struct {
	transport Transport
	sampler   *telemetry.Sampler
}

func (p *participant) stop() {
	p.sampler.Stop()
	p.transport.Close()
}

type instance struct {
	sessionID    string
	governor     *governor.Governor
	countdown    *jobs.Periodic
	events       *sse.Client
	participants map[string]*participant
}

type Manager struct {
	cfg      Config
	sessions SessionStore
	consent  ConsentStore
	bus      EventBus
	sink     telemetry.SampleSink
	clock    clock.Clock

	mu        sync.Mutex
	instances map[string]*instance
	pending   sync.WaitGroup
}

func NewManager(
	cfg Config,
	sessions SessionStore,
	consent ConsentStore,
	bus EventBus,
	sink telemetry.SampleSink,
	clk clock.Clock,
) *Manager {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		sessions:  sessions,
		consent:   consent,
		bus:       bus,
		sink:      sink,
		clock:     clk,
		instances: make(map[string]*instance),
	}
}

// Attach activates the session and starts sampling the participant's
// transport. The first participant also starts the countdown, rebuilt from
// the persisted start time and extension count, and subscribes to the
// session's events. Attaching a participant again replaces and stops the
// previous transport and sampler.
func (m *Manager) Attach(ctx context.Context, sessionID, participantID string, transport Transport) (*model.Session, error) {
	session, err := m.sessions.Activate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	startedAt := m.clock.Now()
	if session.StartedAt != nil {
		startedAt = *session.StartedAt
	}

	sampler := telemetry.NewSampler(telemetry.SamplerConfig{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Interval:      m.cfg.SampleInterval,
		WriteTimeout:  m.cfg.WriteTimeout,
	}, transport, m.sink, m.clock)

	m.mu.Lock()
	inst, existed := m.instances[sessionID]
	if !existed {
		inst = &instance{
			sessionID:    sessionID,
			governor:     governor.New(m.cfg.Policy, startedAt, session.ExtensionsGranted),
			events:       m.bus.Subscribe(sessionID),
			participants: make(map[string]*participant),
		}
		m.instances[sessionID] = inst
		inst.countdown = jobs.Every(m.cfg.CheckInterval, func(ctx context.Context) {
			m.check(ctx, inst)
		})
		go m.follow(inst)
	} else {
		inst.governor.Adopt(session.ExtensionsGranted)
	}
	prev := inst.participants[participantID]
	inst.participants[participantID] = &participant{transport: transport, sampler: sampler}
	sampler.Start()
	m.mu.Unlock()

	if prev != nil {
		prev.stop()
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("participantId", participantID).
		Bool("replaced", prev != nil).
		Time("startedAt", startedAt).
		Msg("live session attached")

	if !existed {
		m.check(ctx, inst)
	}
	return session, nil
}

// Detach stops the countdown and every sampler of the session and closes
// its transports. Nothing is published for the session by this process
// after Detach returns.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	inst := m.instances[sessionID]
	delete(m.instances, sessionID)
	m.mu.Unlock()

	if inst == nil {
		return
	}
	m.teardown(inst)
}

// detachInstance is Detach for a known instance. It does nothing if the
// session has meanwhile been detached or attached anew.
func (m *Manager) detachInstance(inst *instance) {
	m.mu.Lock()
	if m.instances[inst.sessionID] != inst {
		m.mu.Unlock()
		return
	}
	delete(m.instances, inst.sessionID)
	m.mu.Unlock()

	m.teardown(inst)
}

func (m *Manager) teardown(inst *instance) {
	inst.countdown.Stop()
	m.bus.Unsubscribe(inst.events)
	for _, p := range inst.participants {
		p.stop()
	}
	log.Info().Str("sessionId", inst.sessionID).Msg("live session detached")
}

// TransportLost releases one participant after its connection failed or
// closed. The session is detached when no participant remains. A stale
// transport that has already been replaced is ignored.
func (m *Manager) TransportLost(sessionID, participantID string, transport Transport) {
	m.mu.Lock()
	inst := m.instances[sessionID]
	if inst == nil {
		m.mu.Unlock()
		return
	}
	p := inst.participants[participantID]
	if p == nil || p.transport != transport {
		m.mu.Unlock()
		return
	}
	delete(inst.participants, participantID)
	last := len(inst.participants) == 0
	if last {
		delete(m.instances, sessionID)
	}
	m.mu.Unlock()

	p.sampler.Stop()
	if last {
		inst.countdown.Stop()
		m.bus.Unsubscribe(inst.events)
	}
	log.Info().
		Str("sessionId", sessionID).
		Str("participantId", participantID).
		Bool("sessionDetached", last).
		Msg("transport lost")
}

// End tears down the live instance, marks the session ended, discards its
// consent records and announces the termination. Other processes serving
// the session detach when the announcement reaches them. Ending an already
// ended session publishes nothing.
func (m *Manager) End(ctx context.Context, sessionID, reason string) error {
	m.Detach(sessionID)

	ended, err := m.sessions.End(ctx, sessionID, reason)
	if err != nil {
		return err
	}
	if err := m.consent.Discard(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to discard consent records")
	}
	if ended {
		m.publish(sessionID, model.EventSessionTerminated, model.TimeoutEvent{
			SessionID: sessionID,
			Reason:    reason,
		})
	}
	return nil
}

// Extend grants one more increment. The grant is recorded on the session
// row first, so a second process cannot grant again for the same warning;
// the announcement lets every other process adopt the new cap.
func (m *Manager) Extend(ctx context.Context, sessionID string) (int, error) {
	inst := m.instance(sessionID)
	if inst == nil {
		return 0, apperrors.NotFound("Live session")
	}

	now := m.clock.Now()
	granted, err := inst.governor.CheckExtend(now)
	if err == nil {
		granted, err = m.sessions.GrantExtension(ctx, sessionID, granted, m.cfg.Policy.MaxExtensions)
		inst.governor.Adopt(granted)
	}
	remaining := inst.governor.RemainingMinutes(now)

	if err != nil {
		audit.Log(ctx, audit.Event{
			Type:      audit.EventExtensionRejected,
			SessionID: sessionID,
			Details: map[string]interface{}{
				"code":   string(apperrors.GetCode(err)),
				"reason": err.Error(),
			},
		})
		return remaining, err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventExtensionGranted,
		SessionID: sessionID,
		Details: map[string]interface{}{
			"extensionsGranted": granted,
			"remainingMinutes":  remaining,
		},
	})
	m.publish(sessionID, model.EventSessionExtended, model.TimeoutEvent{
		SessionID:         sessionID,
		RemainingMinutes:  remaining,
		ExtensionsGranted: granted,
	})
	return remaining, nil
}

func (m *Manager) Remaining(sessionID string) (Status, error) {
	inst := m.instance(sessionID)
	if inst == nil {
		return Status{}, apperrors.NotFound("Live session")
	}
	return Status{
		RemainingMinutes: inst.governor.RemainingMinutes(m.clock.Now()),
		State:            inst.governor.State(),
	}, nil
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Shutdown detaches every session and waits for pending terminations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Detach(id)
	}
	m.pending.Wait()
}

func (m *Manager) instance(sessionID string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[sessionID]
}

// check runs on every countdown tick. The persisted session decides first:
// an ended session is detached without publishing, and extensions granted
// by any process raise the cap before the governor is asked to terminate.
func (m *Manager) check(ctx context.Context, inst *instance) {
	session, err := m.sessions.Get(ctx, inst.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("sessionId", inst.sessionID).Msg("countdown skipped, session unavailable")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	if session.IsEnded() {
		m.background(func() { m.detachInstance(inst) })
		return
	}
	inst.governor.Adopt(session.ExtensionsGranted)

	ev := inst.governor.CheckAndWarn(m.clock.Now())
	if ev == nil {
		return
	}

	switch ev.Type {
	case model.EventTimeoutWarning:
		m.publish(inst.sessionID, ev.Type, model.TimeoutEvent{
			SessionID:        inst.sessionID,
			RemainingMinutes: ev.RemainingMinutes,
		})
	case model.EventSessionTerminated:
		m.background(func() {
			if err := m.End(context.Background(), inst.sessionID, model.EndReasonTimeout); err != nil {
				log.Error().Err(err).Str("sessionId", inst.sessionID).Msg("failed to end timed out session")
			}
		})
	}
}

// background runs fn off the countdown goroutine, which teardown stops and
// therefore cannot wait on. Shutdown waits for it.
func (m *Manager) background(fn func()) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		fn()
	}()
}

// follow applies events published for the session by any process until the
// instance unsubscribes.
func (m *Manager) follow(inst *instance) {
	for {
		select {
		case <-inst.events.Done:
			return
		case event := <-inst.events.Events:
			m.apply(inst, event)
		}
	}
}

func (m *Manager) apply(inst *instance, event sse.Event) {
	switch event.Type {
	case model.EventSessionTerminated:
		m.detachInstance(inst)
	case model.EventSessionExtended:
		var payload model.TimeoutEvent
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			log.Warn().Err(err).Str("sessionId", inst.sessionID).Msg("malformed session_extended event")
			return
		}
		if inst.governor.Adopt(payload.ExtensionsGranted) {
			log.Info().
				Str("sessionId", inst.sessionID).
				Int("extensionsGranted", payload.ExtensionsGranted).
				Msg("adopted extension granted elsewhere")
		}
	}
}

func (m *Manager) publish(sessionID, eventType string, payload model.TimeoutEvent) {
	event, err := sse.NewEvent(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to encode session event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, sessionID, event); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("type", eventType).Msg("failed to publish session event")
		return
	}
	log.Debug().Str("sessionId", sessionID).Str("type", eventType).Msg("session event published")
}
