// Package rtt implements the RTT-adaptive timing model of spec §4.3: an
// EWMA smoothed round-trip estimate (in the style of TCP's RTO estimator)
// used to derive gossip/probe intervals and ping timeouts without exposing
// them as application-tunable knobs.
package rtt

import (
	"math"
	"sync"
	"time"
)

const (
	alpha = 1.0 / 8.0 // SRTT smoothing factor
	beta  = 1.0 / 4.0 // variance smoothing factor

	initialSRTT = 1 * time.Second
	initialVar  = 500 * time.Millisecond

	minTimeout = 200 * time.Millisecond
	maxTimeout = 10 * time.Second

	minGossipInterval = 100 * time.Millisecond
	maxGossipInterval = 5 * time.Second

	minProbeInterval = 500 * time.Millisecond
	maxProbeInterval = 30 * time.Second
)

// Tracker maintains a smoothed RTT estimate, either global or scoped to one
// peer. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	srtt      time.Duration
	rvar      time.Duration
	hasSample bool // true once a real observation has arrived via Sample
}

// New returns a Tracker seeded with the neutral defaults of spec §4.3
// (1s SRTT, 500ms variance) so early suggested timeouts are reasonable for
// both BLE and WiFi links before any sample has arrived. hasSample starts
// false: these defaults are placeholders, not an observation, so the first
// real Sample must still snap directly to it rather than EWMA-blend against
// them (spec §4.3).
func New() *Tracker {
	return &Tracker{srtt: initialSRTT, rvar: initialVar}
}

// Sample records one RTT observation and updates the smoothed estimate.
func (t *Tracker) Sample(rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasSample {
		t.srtt = rtt
		t.rvar = rtt / 2
		t.hasSample = true
		return
	}

	diff := rtt - t.srtt
	if diff < 0 {
		diff = -diff
	}
	t.srtt = t.srtt + time.Duration(alpha*float64(rtt-t.srtt))
	t.rvar = t.rvar + time.Duration(beta*(float64(diff)-float64(t.rvar)))
}

// SRTT returns the current smoothed round-trip estimate.
func (t *Tracker) SRTT() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.srtt
}

// Variance returns the current smoothed RTT variance.
func (t *Tracker) Variance() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rvar
}

// SuggestedTimeout returns srtt + 4*variance, clamped to [200ms, 10s].
func (t *Tracker) SuggestedTimeout() time.Duration {
	t.mu.Lock()
	srtt, rvar := t.srtt, t.rvar
	t.mu.Unlock()
	return clamp(srtt+4*rvar, minTimeout, maxTimeout)
}

// GossipInterval returns clamp(2*srtt, 100ms, 5s).
func (t *Tracker) GossipInterval() time.Duration {
	return clamp(2*t.SRTT(), minGossipInterval, maxGossipInterval)
}

// ProbeInterval returns clamp(3*srtt, 500ms, 30s).
func (t *Tracker) ProbeInterval() time.Duration {
	return clamp(3*t.SRTT(), minProbeInterval, maxProbeInterval)
}

// PingTimeout is an alias for SuggestedTimeout, named per spec §4.3's
// "pingTimeout = suggestedTimeout" derivation.
func (t *Tracker) PingTimeout() time.Duration {
	return t.SuggestedTimeout()
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return time.Duration(math.Max(float64(lo), math.Min(float64(hi), float64(d))))
}
