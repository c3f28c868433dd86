package coordinator

import "driftmesh/internal/events"

// publishEvent is a non-blocking send to the event stream; a full buffer
// drops the event and counts it as a buffer overflow instead of stalling
// the caller (spec §5: suspension points must not leak or deadlock the
// single event loop).
func (c *Coordinator) publishEvent(e events.Event) {
	select {
	case c.eventsCh <- e:
	default:
		c.metrics.BufferOverflows.Inc()
	}
}

func (c *Coordinator) publishError(e events.Error) {
	c.publishEvent(events.SyncErrorOccurred{Err: e})
	select {
	case c.errorsCh <- e:
	default:
		c.metrics.BufferOverflows.Inc()
	}
}
