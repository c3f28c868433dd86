package transport

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ManualClock is a TimePort test double driven entirely by calls to
// Advance. It lets integration tests run many simulated gossip/probe
// rounds without real sleeps, mirroring how the teacher's
// internal/cluster/integration_test.go drives multiple nodes deterministically.
type ManualClock struct {
	mu       sync.Mutex
	nowMs    uint64
	periodic []*manualTimer
	delays   []*manualDelay
}

type manualTimer struct {
	interval time.Duration
	next     uint64
	callback func()
	cancelled bool
}

func (t *manualTimer) Cancel() {
	t.cancelled = true
}

type manualDelay struct {
	due uint64
	ch  chan struct{}
}

// NewManualClock returns a ManualClock starting at startMs.
func NewManualClock(startMs uint64) *ManualClock {
	return &ManualClock{nowMs: startMs}
}

func (c *ManualClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

func (c *ManualClock) SchedulePeriodic(interval time.Duration, callback func()) TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{interval: interval, next: c.nowMs + uint64(interval.Milliseconds()), callback: callback}
	c.periodic = append(c.periodic, t)
	return t
}

func (c *ManualClock) Delay(ctx context.Context, d time.Duration) <-chan struct{} {
	c.mu.Lock()
	ch := make(chan struct{})
	due := c.nowMs + uint64(d.Milliseconds())
	if d <= 0 {
		close(ch)
		c.mu.Unlock()
		return ch
	}
	c.delays = append(c.delays, &manualDelay{due: due, ch: ch})
	c.mu.Unlock()
	return ch
}

// Advance moves the clock forward by d, firing any periodic callbacks and
// resolving any pending delays whose deadlines fall within the new window.
// All due periodic callbacks run first, in firing-time order, and then the
// due delays resolve in deadline order; callbacks already see NowMs at the
// new time.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.nowMs + uint64(d.Milliseconds())

	type firing struct {
		at uint64
		fn func()
	}
	var fires []firing

	for _, t := range c.periodic {
		if t.cancelled {
			continue
		}
		for t.next <= target {
			at := t.next
			cb := t.callback
			fires = append(fires, firing{at: at, fn: cb})
			t.next += uint64(t.interval.Milliseconds())
			if t.interval == 0 {
				break
			}
		}
	}

	var readyDelays []*manualDelay
	remaining := c.delays[:0]
	for _, dl := range c.delays {
		if dl.due <= target {
			readyDelays = append(readyDelays, dl)
		} else {
			remaining = append(remaining, dl)
		}
	}
	c.delays = remaining

	sort.Slice(fires, func(i, j int) bool { return fires[i].at < fires[j].at })
	sort.Slice(readyDelays, func(i, j int) bool { return readyDelays[i].due < readyDelays[j].due })

	c.nowMs = target
	c.mu.Unlock()

	for _, f := range fires {
		f.fn()
	}
	for _, dl := range readyDelays {
		close(dl.ch)
	}
}
