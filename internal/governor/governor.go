// Package governor tracks elapsed session time against the duration cap.
package governor

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/model"
)

type Policy struct {
	Cap              time.Duration
	WarningThreshold time.Duration
	Extension        time.Duration
	MaxExtensions    int
}

type Event struct {
	Type             string
	RemainingMinutes int
}

// State is a point-in-time copy of the governor's countdown.
type State struct {
	StartedAt               time.Time `json:"startedAt"`
	CapMinutes              int       `json:"capMinutes"`
	WarningThresholdMinutes int       `json:"warningThresholdMinutes"`
	WarningFired            bool      `json:"warningFired"`
	ExtensionsGranted       int       `json:"extensionsGranted"`
	Terminated              bool      `json:"terminated"`
}

// Governor owns the TimeoutState of one live session. Each extension adds
// Policy.Extension to the effective cap, up to Policy.MaxExtensions. The
// extension count itself is stored with the session; the governor adopts
// whatever count any process has granted.
type Governor struct {
	mu           sync.Mutex
	policy       Policy
	startedAt    time.Time
	warningFired bool
	extensions   int
	terminated   bool
}

func New(policy Policy, startedAt time.Time, extensionsGranted int) *Governor {
	return &Governor{policy: policy, startedAt: startedAt, extensions: extensionsGranted}
}

func (g *Governor) RemainingMinutes(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining(now)
}

func (g *Governor) remaining(now time.Time) int {
	capMinutes := minutes(g.policy.Cap + time.Duration(g.extensions)*g.policy.Extension)
	elapsed := minutes(now.Sub(g.startedAt))
	if elapsed < 0 {
		elapsed = 0
	}
	if r := capMinutes - elapsed; r > 0 {
		return r
	}
	return 0
}

// CheckAndWarn returns at most one warning per threshold crossing. Once no
// time remains it returns a single termination event and nothing after.
func (g *Governor) CheckAndWarn(now time.Time) *Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated {
		return nil
	}

	remaining := g.remaining(now)
	if remaining <= 0 {
		g.terminated = true
		return &Event{Type: model.EventSessionTerminated, RemainingMinutes: 0}
	}
	if remaining <= minutes(g.policy.WarningThreshold) && !g.warningFired {
		g.warningFired = true
		return &Event{Type: model.EventTimeoutWarning, RemainingMinutes: remaining}
	}
	return nil
}

// CheckExtend reports whether an extension may be granted at now and
// returns the number granted so far. Once no time remains the session counts
// as terminated even if CheckAndWarn has not observed it yet.
func (g *Governor) CheckExtend(now time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.terminated || g.remaining(now) <= 0:
		return g.extensions, apperrors.PolicyViolation("session has already been terminated")
	case !g.warningFired:
		return g.extensions, apperrors.PolicyViolation("extension requires a pending timeout warning")
	case g.extensions >= g.policy.MaxExtensions:
		return g.extensions, apperrors.PolicyViolation(
			fmt.Sprintf("extension limit of %d reached", g.policy.MaxExtensions))
	}
	return g.extensions, nil
}

// Adopt raises the extension count to granted and re-arms the warning. Lower
// or equal counts and terminated governors are left untouched. It reports
// whether the count changed.
func (g *Governor) Adopt(granted int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.terminated || granted <= g.extensions {
		return false
	}
	g.extensions = granted
	g.warningFired = false
	return true
}

func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		StartedAt:               g.startedAt,
		CapMinutes:              minutes(g.policy.Cap),
		WarningThresholdMinutes: minutes(g.policy.WarningThreshold),
		WarningFired:            g.warningFired,
		ExtensionsGranted:       g.extensions,
		Terminated:              g.terminated,
	}
}

// minutes truncates toward zero, so elapsed time counts whole minutes only.
func minutes(d time.Duration) int {
	return int(d / time.Minute)
}
