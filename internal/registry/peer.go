// Package registry implements the peer registry of spec §4.2: per-peer
// status/incarnation/failure bookkeeping, contact tracking, and the
// incarnation-refutation rule shared by the gossip and failure-detector
// protocols.
package registry

import (
	"time"

	"driftmesh/internal/model"
)

// Status is a peer's position in the reachable/suspected/unreachable
// lifecycle (spec §4.2).
type Status int

const (
	StatusReachable Status = iota
	StatusSuspected
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusReachable:
		return "reachable"
	case StatusSuspected:
		return "suspected"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ByteWindow tracks a rolling count of bytes observed within a fixed-width
// window, used for the peer's send/recv counters (spec §3).
type ByteWindow struct {
	widthMs uint64
	buckets map[uint64]int64 // windowIndex -> bytes
}

// NewByteWindow returns a window of the given width.
func NewByteWindow(width time.Duration) *ByteWindow {
	return &ByteWindow{widthMs: uint64(width.Milliseconds()), buckets: make(map[uint64]int64)}
}

// Record adds n bytes to the bucket covering nowMs, and prunes buckets
// older than two window widths.
func (w *ByteWindow) Record(nowMs uint64, n int64) {
	if w.widthMs == 0 {
		return
	}
	idx := nowMs / w.widthMs
	w.buckets[idx] += n
	cutoff := idx
	if cutoff > 1 {
		cutoff -= 2
	} else {
		cutoff = 0
	}
	for k := range w.buckets {
		if k < cutoff {
			delete(w.buckets, k)
		}
	}
}

// Total sums all bytes currently retained: the bucket covering the latest
// Record plus up to two preceding window-width buckets.
func (w *ByteWindow) Total() int64 {
	var total int64
	for _, v := range w.buckets {
		total += v
	}
	return total
}

// Peer is the registry's view of one remote node.
type Peer struct {
	ID                model.NodeID
	DisplayName       string
	Status            Status
	Incarnation       uint64
	FailedProbeCount  int
	LastContactMs     uint64
	LastAntiEntropyMs uint64
	RTTEstimate       *time.Duration
	BytesSent         *ByteWindow
	BytesRecv         *ByteWindow
}

// NewPeer returns a freshly discovered peer in the reachable state, per
// spec §3's "added on discovery event".
func NewPeer(id model.NodeID, displayName string, windowWidth time.Duration) *Peer {
	return &Peer{
		ID:          id,
		DisplayName: displayName,
		Status:      StatusReachable,
		BytesSent:   NewByteWindow(windowWidth),
		BytesRecv:   NewByteWindow(windowWidth),
	}
}
