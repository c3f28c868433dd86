package registry

import (
	"sync"
	"time"

	"driftmesh/internal/model"
)

// StatusChange describes a peer's transition, returned by methods that can
// cause one so callers can translate it into a PeerStatusChanged event.
type StatusChange struct {
	Peer     model.NodeID
	Old, New Status
}

// Registry is the coordinator-owned in-memory peer table of spec §4.2.
// Every mutation is expected to happen on the coordinator's single loop; the
// mutex here guards concurrent reads (e.g. from an introspection HTTP
// handler) rather than serializing writers against each other.
type Registry struct {
	mu                 sync.RWMutex
	localID            model.NodeID
	localIncarnation   uint64
	peers              map[model.NodeID]*Peer
	windowWidth        time.Duration
	suspicionThreshold int
	unreachableThresh  int
}

// New creates a registry for localID. suspicionThreshold and
// unreachableThreshold are the failed-probe counts that drive the status
// transitions of spec §4.2; windowWidth sizes each peer's byte-counter
// sliding window.
func New(localID model.NodeID, suspicionThreshold, unreachableThreshold int, windowWidth time.Duration) *Registry {
	return &Registry{
		localID:            localID,
		peers:              make(map[model.NodeID]*Peer),
		windowWidth:        windowWidth,
		suspicionThreshold: suspicionThreshold,
		unreachableThresh:  unreachableThreshold,
	}
}

// Add registers a newly discovered peer. The local NodeID is never added
// (invariant of spec §3); adding it is a no-op.
func (r *Registry) Add(id model.NodeID, displayName string) *Peer {
	if id == r.localID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		return p
	}
	p := NewPeer(id, displayName, r.windowWidth)
	r.peers[id] = p
	return p
}

// Remove evicts a peer by explicit request. The failure detector never
// calls this directly (spec §3: "never auto-deleted by failure detector").
func (r *Registry) Remove(id model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Get returns the peer, or nil if unknown.
func (r *Registry) Get(id model.NodeID) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// All returns a snapshot slice of every known peer.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// LocalIncarnation returns this node's own incarnation counter.
func (r *Registry) LocalIncarnation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localIncarnation
}

// SetLocalIncarnation restores a persisted incarnation (used on startup via
// LocalNodeRepository.loadIncarnation).
func (r *Registry) SetLocalIncarnation(v uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localIncarnation = v
}

// RecordContact marks a successful interaction with id (ack received, digest
// exchanged, etc.), resetting its failure count and reinstating it to
// reachable per spec §4.2's "any -> reachable" rule.
func (r *Registry) RecordContact(id model.NodeID, nowMs uint64) *StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	p.LastContactMs = nowMs
	p.FailedProbeCount = 0
	return transitionLocked(p, StatusReachable)
}

// RecordAntiEntropyContact marks a completed anti-entropy exchange with id.
func (r *Registry) RecordAntiEntropyContact(id model.NodeID, nowMs uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.LastAntiEntropyMs = nowMs
	}
}

// RecordProbeFailure increments id's failed-probe count and advances its
// status per spec §4.2's thresholds, returning the transition if one
// occurred.
func (r *Registry) RecordProbeFailure(id model.NodeID) *StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	p.FailedProbeCount++

	switch {
	case p.FailedProbeCount >= r.unreachableThresh:
		return transitionLocked(p, StatusUnreachable)
	case p.FailedProbeCount >= r.suspicionThreshold:
		return transitionLocked(p, StatusSuspected)
	default:
		return nil
	}
}

func transitionLocked(p *Peer, newStatus Status) *StatusChange {
	if p.Status == newStatus {
		return nil
	}
	old := p.Status
	p.Status = newStatus
	return &StatusChange{Peer: p.ID, Old: old, New: newStatus}
}

// Refute applies the incarnation-refutation rule of spec §4.2/§4.4: when
// this node is reported suspected at incarnation i, if the local incarnation
// is <= i it must be bumped so the suspicion can be disproved in the next
// outgoing message. Returns true if the local incarnation changed.
func (r *Registry) Refute(suspectedAtIncarnation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.localIncarnation <= suspectedAtIncarnation {
		r.localIncarnation = suspectedAtIncarnation + 1
		return true
	}
	return false
}

// ReinstateByIncarnation reinstates a remote peer to reachable when a
// refutation arrives from it with an incarnation at least as high as the
// one on file (an equal incarnation also reinstates), following spec §4.2's
// "any -> reachable: ... if a remote refutation arrives with a higher
// incarnation the peer is reinstated."
func (r *Registry) ReinstateByIncarnation(id model.NodeID, incarnation uint64) *StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return nil
	}
	if incarnation < p.Incarnation {
		return nil
	}
	p.Incarnation = incarnation
	p.FailedProbeCount = 0
	return transitionLocked(p, StatusReachable)
}

// ApplySuspicionRumor updates a third party's view of id when a Suspicion
// message about id (not about the local node) arrives: the rumor is only
// applied if it carries an incarnation at least as high as what's on file,
// preventing a stale rumor from reviving an already-refuted suspicion.
func (r *Registry) ApplySuspicionRumor(id model.NodeID, incarnation uint64) *StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok || incarnation < p.Incarnation {
		return nil
	}
	p.Incarnation = incarnation
	return transitionLocked(p, StatusSuspected)
}

// RecordBytesSent/RecordBytesRecv update a peer's rolling byte counters.
func (r *Registry) RecordBytesSent(id model.NodeID, nowMs uint64, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.BytesSent.Record(nowMs, n)
	}
}

func (r *Registry) RecordBytesRecv(id model.NodeID, nowMs uint64, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.BytesRecv.Record(nowMs, n)
	}
}
