package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/model"
	"github.com/carelink/telehealth-session-go/internal/util"
)

type SessionHandler struct {
	registry SessionRegistry
	live     LiveSessions
	consent  ConsentGate
	metrics  MetricsReader
	dial     TransportDialer
	events   http.Handler
}

func NewSessionHandler(
	registry SessionRegistry,
	live LiveSessions,
	consent ConsentGate,
	metrics MetricsReader,
	dial TransportDialer,
	events http.Handler,
) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		live:     live,
		consent:  consent,
		metrics:  metrics,
		dial:     dial,
		events:   events,
	}
}

// Routes serves /v1/sessions. Session creation is mounted separately under
// the appointment it belongs to.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/normalize", h.Normalize)
	r.Route("/{sessionId}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/connect", h.Connect)
		r.Post("/end", h.End)
		r.Post("/consent", h.Consent)
		r.Post("/decline", h.Decline)
		r.Get("/recording", h.Recording)
		r.Get("/timeout", h.Timeout)
		r.Post("/extend", h.Extend)
		r.Get("/metrics", h.Metrics)
		r.Get("/events", h.events.ServeHTTP)
	})

	return r
}

// POST /v1/appointments/{appointmentId}/session
func (h *SessionHandler) EnsureSession(w http.ResponseWriter, r *http.Request) {
	appointmentID := chi.URLParam(r, "appointmentId")

	var req struct {
		HostID string `json:"hostId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HostID == "" {
		writeError(w, apperrors.MissingRequired("hostId"))
		return
	}
	if !util.IsValidIdentifier(appointmentID) {
		writeError(w, apperrors.InvalidInput("appointmentId", "invalid identifier"))
		return
	}
	if !util.IsValidIdentifier(req.HostID) {
		writeError(w, apperrors.InvalidInput("hostId", "invalid identifier"))
		return
	}

	sessionID, err := h.registry.EnsureSession(r.Context(), appointmentID, req.HostID)
	if err != nil {
		log.Error().Err(err).Str("appointmentId", appointmentID).Msg("failed to ensure session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"link":      model.SessionLink(sessionID),
	})
}

// GET /v1/sessions/normalize?id=
func (h *SessionHandler) Normalize(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		writeError(w, apperrors.MissingRequired("id"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": h.registry.NormalizeSessionID(raw),
	})
}

// GET /v1/sessions/{sessionId}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{sessionId}/connect
// Negotiates the participant's peer connection and attaches it to the live
// session, which starts metrics sampling and the duration countdown.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := h.sessionID(r)

	var req struct {
		ParticipantID string `json:"participantId"`
		SDP           string `json:"sdp"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateParticipant(req.ParticipantID); err != nil {
		writeError(w, err)
		return
	}
	if req.SDP == "" {
		writeError(w, apperrors.MissingRequired("sdp"))
		return
	}

	if err := h.requireOpen(ctx, sessionID); err != nil {
		writeError(w, err)
		return
	}

	transport, err := h.dial(sessionID, req.ParticipantID)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to open peer connection", err))
		return
	}

	answer, err := transport.Answer(req.SDP)
	if err != nil {
		transport.Close()
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to negotiate peer connection")
		writeError(w, apperrors.InvalidInput("sdp", "offer could not be negotiated"))
		return
	}

	transport.OnClosed(func() {
		h.live.TransportLost(sessionID, req.ParticipantID, transport)
	})

	session, err := h.live.Attach(ctx, sessionID, req.ParticipantID, transport)
	if err != nil {
		transport.Close()
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"status":    session.Status,
		"sdp":       answer,
	})
}

// POST /v1/sessions/{sessionId}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := h.sessionID(r)

	if _, err := h.registry.Get(ctx, sessionID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.live.End(ctx, sessionID, model.EndReasonHost); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to end session")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"status":    string(model.SessionStatusEnded),
	})
}

// POST /v1/sessions/{sessionId}/consent
func (h *SessionHandler) Consent(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.consent.RecordConsent)
}

// POST /v1/sessions/{sessionId}/decline
func (h *SessionHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.consent.RecordDecline)
}

func (h *SessionHandler) decide(
	w http.ResponseWriter,
	r *http.Request,
	record func(ctx context.Context, sessionID, participantID string) error,
) {
	ctx := r.Context()
	sessionID := h.sessionID(r)

	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateParticipant(req.ParticipantID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.requireOpen(ctx, sessionID); err != nil {
		writeError(w, err)
		return
	}

	if err := record(ctx, sessionID, req.ParticipantID); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.consent.Record(ctx, sessionID, req.ParticipantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /v1/sessions/{sessionId}/recording?participantId=
func (h *SessionHandler) Recording(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)
	participantID := r.URL.Query().Get("participantId")
	if err := validateParticipant(participantID); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.consent.Record(r.Context(), sessionID, participantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     sessionID,
		"participantId": participantID,
		"consent":       rec.State,
		"canRecord":     rec.AllowsRecording(),
	})
}

// GET /v1/sessions/{sessionId}/timeout
func (h *SessionHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	status, err := h.live.Remaining(h.sessionID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// POST /v1/sessions/{sessionId}/extend
// A refused extension is a normal outcome for the caller, reported with
// extended=false rather than an error status.
func (h *SessionHandler) Extend(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(r)

	remaining, err := h.live.Extend(r.Context(), sessionID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodePolicyViolation) {
			appErr, _ := apperrors.AsAppError(err)
			writeJSON(w, http.StatusOK, map[string]any{
				"extended":         false,
				"remainingMinutes": remaining,
				"code":             appErr.Code,
				"reason":           appErr.Message,
				"details":          appErr.Details,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"extended":         true,
		"remainingMinutes": remaining,
	})
}

// GET /v1/sessions/{sessionId}/metrics?limit=
func (h *SessionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := h.sessionID(r)
	page := ParsePagination(r)

	if _, err := h.registry.Get(ctx, sessionID); err != nil {
		writeError(w, err)
		return
	}

	samples, err := h.metrics.FindBySessionID(ctx, sessionID, page.Limit)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if samples == nil {
		samples = []model.ConnectionMetricsSample{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"samples":   samples,
		"limit":     page.Limit,
	})
}

func (h *SessionHandler) sessionID(r *http.Request) string {
	return h.registry.NormalizeSessionID(chi.URLParam(r, "sessionId"))
}

func (h *SessionHandler) requireOpen(ctx context.Context, sessionID string) error {
	session, err := h.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsEnded() {
		return apperrors.InvalidState("session has ended")
	}
	return nil
}

func validateParticipant(participantID string) error {
	if participantID == "" {
		return apperrors.MissingRequired("participantId")
	}
	if !util.IsValidIdentifier(participantID) {
		return apperrors.InvalidInput("participantId", "invalid identifier")
	}
	return nil
}
