package store

import (
	"sync"

	"driftmesh/internal/model"
)

// Materializer folds entries into derived application state. It must be
// deterministic and total (spec §4.5); it is consulted only on read and is
// never persisted — callers must re-register it after a process restart.
type Materializer func(state any, entry model.LogEntry) any

// Stream is one channel's named append-only log plus its retention policy
// and optional materializer, per spec §3.
type Stream struct {
	ID           model.StreamID
	Retention    RetentionPolicy
	Materializer Materializer
}

// Channel is a membership set plus an ordered map of streams, per spec §3.
// Channel itself holds no entries; those live in the shared Store, keyed by
// (ChannelID, StreamID, NodeID).
type Channel struct {
	mu      sync.RWMutex
	ID      model.ChannelID
	members map[model.NodeID]bool
	streams map[model.StreamID]*Stream
	order   []model.StreamID // insertion order, for stable iteration
}

// NewChannel creates a channel whose membership includes local initially
// (spec §3: memberIds "includes local").
func NewChannel(id model.ChannelID, local model.NodeID) *Channel {
	return &Channel{
		ID:      id,
		members: map[model.NodeID]bool{local: true},
		streams: make(map[model.StreamID]*Stream),
	}
}

// AddMember adds id to the channel's membership. Idempotent.
func (c *Channel) AddMember(id model.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[id] = true
}

// RemoveMember removes id from the channel's membership. Idempotent.
func (c *Channel) RemoveMember(id model.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, id)
}

// HasMember reports whether id is a member.
func (c *Channel) HasMember(id model.NodeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[id]
}

// Members returns a snapshot of the membership set.
func (c *Channel) Members() []model.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.NodeID, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	return out
}

// CreateStream registers a stream under id if absent (idempotent per spec
// §3's "created on demand"), defaulting to KeepAll retention.
func (c *Channel) CreateStream(id model.StreamID) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[id]; ok {
		return s
	}
	s := &Stream{ID: id, Retention: KeepAll{}}
	c.streams[id] = s
	c.order = append(c.order, id)
	return s
}

// Stream returns the named stream, or nil if it does not exist.
func (c *Channel) Stream(id model.StreamID) *Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[id]
}

// Streams returns every stream in creation order.
func (c *Channel) Streams() []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Stream, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.streams[id])
	}
	return out
}

// RegisterMaterializer attaches (or replaces) fn as stream's materializer.
func (c *Channel) RegisterMaterializer(stream model.StreamID, fn Materializer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[stream]; ok {
		s.Materializer = fn
	}
}

// SetRetention replaces stream's retention policy.
func (c *Channel) SetRetention(stream model.StreamID, policy RetentionPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[stream]; ok {
		s.Retention = policy
	}
}

// Materialize folds entries (already in read order) through stream's
// materializer, starting from an initial state of nil. Returns nil if no
// materializer is registered.
func (s *Stream) Materialize(entries []model.LogEntry) any {
	if s.Materializer == nil {
		return nil
	}
	var state any
	for _, e := range entries {
		state = s.Materializer(state, e)
	}
	return state
}
