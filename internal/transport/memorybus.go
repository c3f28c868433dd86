package transport

import (
	"context"
	"sync"
	"time"

	"driftmesh/internal/model"
)

// MemoryBus is an in-process MessagePort implementation: every endpoint
// registered on the same bus can reach every other endpoint directly,
// making it suitable for tests that run several coordinators in one process.
// It preserves message boundaries. Delivery is best-effort: a message to an
// unregistered id, across a partition, or into a full inbox is dropped, and
// the pending-send counts always report 0.
type MemoryBus struct {
	mu          sync.Mutex
	endpoints   map[model.NodeID]*busEndpoint
	partitioned map[[2]model.NodeID]bool
}

type busEndpoint struct {
	id     model.NodeID
	bus    *MemoryBus
	inbox  chan InboundMessage
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[model.NodeID]*busEndpoint)}
}

// Endpoint registers id on the bus and returns its MessagePort. Calling
// Endpoint twice for the same id returns the same port.
func (b *MemoryBus) Endpoint(id model.NodeID) *busEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[id]; ok {
		return ep
	}
	ep := &busEndpoint{id: id, bus: b, inbox: make(chan InboundMessage, 256)}
	b.endpoints[id] = ep
	return ep
}

// Partition removes the links, in both directions, between isolated and each
// node listed in from: messages on those links are dropped until Heal is
// called. Links among the listed nodes are not affected. A simple boolean matrix keyed by (from,to) pair is sufficient for
// test scenarios like spec §8's S3 ("partition heal").
func (b *MemoryBus) Partition(isolated model.NodeID, from ...model.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partitioned == nil {
		b.partitioned = make(map[[2]model.NodeID]bool)
	}
	for _, other := range from {
		b.partitioned[[2]model.NodeID{isolated, other}] = true
		b.partitioned[[2]model.NodeID{other, isolated}] = true
	}
}

// Heal removes all partitions previously installed by Partition.
func (b *MemoryBus) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitioned = nil
}

func (b *MemoryBus) blocked(from, to model.NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partitioned == nil {
		return false
	}
	return b.partitioned[[2]model.NodeID{from, to}]
}

func (e *busEndpoint) Send(ctx context.Context, destination model.NodeID, data []byte, priority Priority) error {
	if e.bus.blocked(e.id, destination) {
		return nil // best-effort: dropped silently, as spec §6 requires
	}

	e.bus.mu.Lock()
	dest, ok := e.bus.endpoints[destination]
	e.bus.mu.Unlock()
	if !ok {
		return nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case dest.inbox <- InboundMessage{Sender: e.id, Data: cp, ReceivedAt: time.Now()}:
	default:
		// Inbox full: best-effort drop rather than blocking the sender.
	}
	return nil
}

func (e *busEndpoint) Incoming() <-chan InboundMessage { return e.inbox }

func (e *busEndpoint) Close() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.inbox)
	}
	return nil
}

func (e *busEndpoint) PendingSendCount(peer model.NodeID) uint32  { return 0 }
func (e *busEndpoint) TotalPendingSendCount() uint32              { return 0 }
