// Package hlc implements the hybrid logical clock described in spec §4.1:
// monotonic (physical, logical) timestamps that merge cleanly across a
// receive boundary so causally-related events order correctly even when
// wall clocks drift between peers.
package hlc

import (
	"errors"
	"sync"

	"driftmesh/internal/model"
)

// MaxLogical is the largest representable logical component (16 bits).
// Wrapping past it is a clock-skew condition the clock cannot recover from
// locally — see ErrLogicalOverflow.
const MaxLogical = 0xFFFF

// ErrLogicalOverflow is returned when a tick would need a logical component
// beyond MaxLogical, which means many events raced within the same
// millisecond for far longer than the clock's resolution supports.
var ErrLogicalOverflow = errors.New("hlc: logical component overflow (clock skew)")

// TimeSource abstracts wall-clock reads so the clock can be driven by a
// fake in tests, per spec §6's TimePort.
type TimeSource interface {
	NowMs() uint64
}

// Clock is a single node's hybrid logical clock. Safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	time TimeSource
	last model.Hlc
}

// New creates a Clock driven by the given time source, starting at the
// zero Hlc.
func New(ts TimeSource) *Clock {
	return &Clock{time: ts}
}

// Now advances and returns the local clock, per spec §4.1:
// let w = wall time; if w > prev.physical, the new value is (w, 0);
// otherwise it is (prev.physical, prev.logical+1).
func (c *Clock) Now() (model.Hlc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.time.NowMs()
	var next model.Hlc
	if w > c.last.PhysicalMs {
		next = model.Hlc{PhysicalMs: w, Logical: 0}
	} else {
		if c.last.Logical >= MaxLogical {
			return model.Hlc{}, ErrLogicalOverflow
		}
		next = model.Hlc{PhysicalMs: c.last.PhysicalMs, Logical: c.last.Logical + 1}
	}
	c.last = next
	return next, nil
}

// OnReceive merges a remote timestamp into the local clock per spec §4.1.
// Let w = wall time, p* = max(w, local.physical, remote.physical). The
// logical component is chosen by which input "won" the physical max:
//   - 0 if p* came purely from wall time (w alone was the strict max),
//   - local.logical+1 if p* ties the local physical component,
//   - remote.logical+1 if p* ties the remote physical component,
//   - max(local.logical, remote.logical)+1 on a three-way tie.
func (c *Clock) OnReceive(remote model.Hlc) (model.Hlc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.time.NowMs()
	pStar := w
	if c.last.PhysicalMs > pStar {
		pStar = c.last.PhysicalMs
	}
	if remote.PhysicalMs > pStar {
		pStar = remote.PhysicalMs
	}

	tieLocal := pStar == c.last.PhysicalMs
	tieRemote := pStar == remote.PhysicalMs

	var logical uint16
	switch {
	case tieLocal && tieRemote:
		hi := c.last.Logical
		if remote.Logical > hi {
			hi = remote.Logical
		}
		if hi >= MaxLogical {
			return model.Hlc{}, ErrLogicalOverflow
		}
		logical = hi + 1
	case tieLocal:
		if c.last.Logical >= MaxLogical {
			return model.Hlc{}, ErrLogicalOverflow
		}
		logical = c.last.Logical + 1
	case tieRemote:
		if remote.Logical >= MaxLogical {
			return model.Hlc{}, ErrLogicalOverflow
		}
		logical = remote.Logical + 1
	default:
		logical = 0
	}

	next := model.Hlc{PhysicalMs: pStar, Logical: logical}
	c.last = next
	return next, nil
}

// Last returns the most recently produced Hlc without advancing the clock.
func (c *Clock) Last() model.Hlc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
