// Package transport defines the MessagePort and TimePort capabilities the
// core consumes (spec §6) and ships two concrete implementations: an
// in-process MemoryBus for tests and single-process demos, and a
// GRPCTransport for real network delivery.
package transport

import (
	"context"
	"time"

	"driftmesh/internal/model"
)

// Priority distinguishes urgent control traffic (probes) from background
// anti-entropy traffic, per spec §6.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// InboundMessage is one delivery surfaced on a MessagePort's Incoming feed.
type InboundMessage struct {
	Sender     model.NodeID
	Data       []byte
	ReceivedAt time.Time
}

// MessagePort is the transport capability the core requires. Implementations
// are best-effort: Send never reports per-message delivery failure for an
// unreachable peer, since the failure detector (not the transport) is
// responsible for surfacing reachability.
type MessagePort interface {
	// Send is best-effort; it does not error just because destination is
	// currently unreachable.
	Send(ctx context.Context, destination model.NodeID, data []byte, priority Priority) error
	// Incoming is a broadcast feed of inbound deliveries. The coordinator is
	// the sole subscriber.
	Incoming() <-chan InboundMessage
	Close() error
	// PendingSendCount and TotalPendingSendCount default to 0 when a
	// transport cannot report queue depth (no backpressure signal).
	PendingSendCount(peer model.NodeID) uint32
	TotalPendingSendCount() uint32
}

// TimerHandle is returned by TimePort.SchedulePeriodic; Cancel stops future
// firings. Cancelling twice is a no-op.
type TimerHandle interface {
	Cancel()
}

// TimePort abstracts wall-clock reads and scheduling so the coordinator's
// probe/gossip scheduler and the detector's probe timeouts can be driven by
// a fake clock in tests, per spec §6.
type TimePort interface {
	NowMs() uint64
	SchedulePeriodic(interval time.Duration, callback func()) TimerHandle
	Delay(ctx context.Context, d time.Duration) <-chan struct{}
}
