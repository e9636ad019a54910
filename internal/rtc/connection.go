// Package rtc adapts pion peer connections to the telemetry stats source.
package rtc

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carelink/telehealth-session-go/internal/telemetry"
)

var ErrConnectionClosed = errors.New("peer connection closed")

// Config builds a peer connection configuration from STUN server URLs.
func Config(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Connection is one participant's peer connection within a session.
type Connection struct {
	pc            *webrtc.PeerConnection
	sessionID     string
	participantID string

	mu         sync.Mutex
	onClosed   func()
	closedOnce sync.Once
}

func NewConnection(cfg webrtc.Configuration, sessionID, participantID string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, sessionID: sessionID, participantID: participantID}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().
			Str("module", "webrtc").
			Str("sessionId", sessionID).
			Str("participantId", participantID).
			Str("iceState", s.String()).
			Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "webrtc").
			Str("sessionId", sessionID).
			Str("participantId", participantID).
			Str("peerConnectionState", s.String()).
			Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	return c, nil
}

// Answer applies the remote offer and returns the local answer once ICE
// gathering has completed, so no trickle signalling is needed.
func (c *Connection) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gatherComplete

	return c.pc.LocalDescription().SDP, nil
}

// GetStats implements telemetry.StatsSource.
func (c *Connection) GetStats(ctx context.Context) ([]telemetry.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := c.pc.ConnectionState()
	if state == webrtc.PeerConnectionStateClosed {
		return nil, ErrConnectionClosed
	}
	return ConvertStats(c.pc.GetStats(), state), nil
}

// OnClosed registers fn to run once when the transport fails or closes.
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *Connection) fireClosed() {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *Connection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("sessionId", c.sessionID).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("sessionId", c.sessionID).Msg("closed")
	}
	c.fireClosed()
}

// ConvertStats maps a pion stats report onto telemetry reports. Entries are
// visited in ID order so the result is stable.
func ConvertStats(report webrtc.StatsReport, state webrtc.PeerConnectionState) []telemetry.Report {
	out := make([]telemetry.Report, 0, len(report)+1)
	for _, id := range slices.Sorted(maps.Keys(report)) {
		switch s := report[id].(type) {
		case webrtc.InboundRTPStreamStats:
			out = append(out, inboundReport(&s))
		case *webrtc.InboundRTPStreamStats:
			out = append(out, inboundReport(s))
		case webrtc.ICECandidatePairStats:
			out = append(out, candidatePairReport(&s))
		case *webrtc.ICECandidatePairStats:
			out = append(out, candidatePairReport(s))
		}
	}
	out = append(out, telemetry.TransportReport{State: state.String()})
	return out
}

func inboundReport(s *webrtc.InboundRTPStreamStats) telemetry.InboundRTPReport {
	return telemetry.InboundRTPReport{
		Kind:            s.Kind,
		PacketsReceived: uint64(s.PacketsReceived),
		PacketsLost:     int64(s.PacketsLost),
		BytesReceived:   s.BytesReceived,
		JitterSeconds:   s.Jitter,
	}
}

func candidatePairReport(s *webrtc.ICECandidatePairStats) telemetry.CandidatePairReport {
	return telemetry.CandidatePairReport{
		State:                       string(s.State),
		Nominated:                   s.Nominated,
		CurrentRoundTripTimeSeconds: s.CurrentRoundTripTime,
	}
}
