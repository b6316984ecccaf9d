// Package session keeps long-running agent sessions survivable: it tracks
// context pressure, distills recovery manifests before the window fills,
// and bootstraps a fresh session from the last manifest.
package session

import (
	"fmt"
	"strings"
	"sync"

	"relay/internal/token"
)

// Pressure classifies how full the context window is.
type Pressure string

const (
	PressureNormal    Pressure = "normal"
	PressureElevated  Pressure = "elevated"
	PressureCritical  Pressure = "critical"
	PressureEmergency Pressure = "emergency"
)

// Monitor accumulates a cheap token estimate of everything that passed
// through the session and classifies the pressure on the context window.
type Monitor struct {
	mu           sync.Mutex
	contextLimit int
	warnFraction float64
	usedTokens   int
}

// NewMonitor creates a Monitor for the given context limit in tokens.
// warnFraction sets where the critical band starts; it defaults to 0.8.
func NewMonitor(contextLimit int, warnFraction float64) *Monitor {
	if contextLimit <= 0 {
		contextLimit = 200_000
	}
	if warnFraction <= 0 || warnFraction >= 1 {
		warnFraction = 0.8
	}
	return &Monitor{contextLimit: contextLimit, warnFraction: warnFraction}
}

// Track adds the estimated token count of text and returns the resulting
// pressure. The estimate is bytes/4, matching the recovery sizing math.
func (m *Monitor) Track(text string) Pressure {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedTokens += token.EstimateFast(text)
	return m.pressureLocked()
}

func (m *Monitor) pressureLocked() Pressure {
	frac := float64(m.usedTokens) / float64(m.contextLimit)
	switch {
	case frac >= 0.90:
		return PressureEmergency
	case frac >= m.warnFraction:
		return PressureCritical
	case frac >= 0.60:
		return PressureElevated
	default:
		return PressureNormal
	}
}

// Pressure returns the current classification without tracking anything.
func (m *Monitor) Pressure() Pressure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressureLocked()
}

// ShouldPrepareRecovery reports whether a recovery manifest should be
// written soon (critical pressure or worse).
func (m *Monitor) ShouldPrepareRecovery() bool {
	p := m.Pressure()
	return p == PressureCritical || p == PressureEmergency
}

// ShouldForceRecovery reports whether recovery must happen now.
func (m *Monitor) ShouldForceRecovery() bool {
	return m.Pressure() == PressureEmergency
}

// Used returns the tracked token estimate.
func (m *Monitor) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedTokens
}

// ContextLimit returns the configured window size in tokens.
func (m *Monitor) ContextLimit() int { return m.contextLimit }

// StatusReport renders a short human-readable pressure summary.
func (m *Monitor) StatusReport() string {
	m.mu.Lock()
	used := m.usedTokens
	limit := m.contextLimit
	m.mu.Unlock()

	frac := float64(used) / float64(limit)
	var b strings.Builder
	fmt.Fprintf(&b, "Context usage: %d / %d tokens (%.1f%%)\n", used, limit, frac*100)
	fmt.Fprintf(&b, "Pressure: %s\n", m.Pressure())
	switch m.Pressure() {
	case PressureEmergency:
		b.WriteString("Action: recovery must run now; the window is nearly exhausted.\n")
	case PressureCritical:
		b.WriteString("Action: prepare a recovery manifest before continuing.\n")
	case PressureElevated:
		b.WriteString("Action: none yet; consider trimming context soon.\n")
	default:
		b.WriteString("Action: none.\n")
	}
	return b.String()
}
