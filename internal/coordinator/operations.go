package coordinator

import (
	"fmt"

	"driftmesh/internal/events"
	"driftmesh/internal/model"
	"driftmesh/internal/repo"
	"driftmesh/internal/store"
)

// AddPeer registers a newly discovered peer (spec §3: "added on discovery
// event"). Adding the local NodeID, or a peer already known, is a no-op.
func (c *Coordinator) AddPeer(id model.NodeID, displayName string) {
	if c.reg.Get(id) != nil {
		return
	}
	p := c.reg.Add(id, displayName)
	if p == nil {
		return
	}
	if c.repos.Peer != nil {
		if err := c.repos.Peer.Save(repo.Peer{ID: id}); err != nil {
			c.publishError(events.NewStorageSyncError(nowTime(c), "persist peer: "+err.Error()))
		}
	}
	c.publishEvent(events.PeerAdded{Peer: id})
}

// RemovePeer evicts a peer by explicit request (spec §3: never done
// automatically by the failure detector).
func (c *Coordinator) RemovePeer(id model.NodeID) {
	c.reg.Remove(id)
	if c.repos.Peer != nil {
		if err := c.repos.Peer.Delete(id); err != nil {
			c.publishError(events.NewStorageSyncError(nowTime(c), "delete peer: "+err.Error()))
		}
	}
	c.publishEvent(events.PeerRemoved{Peer: id})
}

// CreateChannel creates (idempotently) a channel whose membership starts
// with just the local node.
func (c *Coordinator) CreateChannel(id model.ChannelID) {
	ch := c.channels.CreateChannel(id)
	c.persistChannel(ch)
	c.publishEvent(events.ChannelCreated{Channel: id})
}

// RemoveChannel deletes a channel and cascades deletion of its entries
// (spec §3: "deletion cascades entries").
func (c *Coordinator) RemoveChannel(id model.ChannelID) {
	c.channels.Remove(id)
	c.entries.DropChannel(id)
	if c.repos.Channel != nil {
		if err := c.repos.Channel.Delete(id); err != nil {
			c.publishError(events.NewChannelSyncError(nowTime(c), id, "delete channel: "+err.Error()))
		}
	}
	if c.repos.Entry != nil {
		if err := c.repos.Entry.ClearChannel(id); err != nil {
			c.publishError(events.NewStorageSyncError(nowTime(c), "clear channel entries: "+err.Error()))
		}
	}
	c.publishEvent(events.ChannelRemoved{Channel: id})
}

// AddMember adds member to channel's membership (advisory, spec §3).
func (c *Coordinator) AddMember(channel model.ChannelID, member model.NodeID) error {
	ch := c.channels.Get(channel)
	if ch == nil {
		return fmt.Errorf("coordinator: unknown channel %q", channel)
	}
	ch.AddMember(member)
	c.persistChannel(ch)
	c.publishEvent(events.MemberAdded{Channel: channel, Member: member})
	return nil
}

// RemoveMember removes member from channel's membership.
func (c *Coordinator) RemoveMember(channel model.ChannelID, member model.NodeID) error {
	ch := c.channels.Get(channel)
	if ch == nil {
		return fmt.Errorf("coordinator: unknown channel %q", channel)
	}
	ch.RemoveMember(member)
	c.persistChannel(ch)
	c.publishEvent(events.MemberRemoved{Channel: channel, Member: member})
	return nil
}

// CreateStream creates (idempotently) a stream within channel, defaulting
// to keep-all retention (spec §3).
func (c *Coordinator) CreateStream(channel model.ChannelID, stream model.StreamID) error {
	ch := c.channels.Get(channel)
	if ch == nil {
		return fmt.Errorf("coordinator: unknown channel %q", channel)
	}
	ch.CreateStream(stream)
	c.persistChannel(ch)
	c.publishEvent(events.StreamCreated{Channel: channel, Stream: stream})
	return nil
}

// SetRetention replaces a stream's retention policy.
func (c *Coordinator) SetRetention(channel model.ChannelID, stream model.StreamID, policy store.RetentionPolicy) error {
	ch := c.channels.Get(channel)
	if ch == nil {
		return fmt.Errorf("coordinator: unknown channel %q", channel)
	}
	ch.SetRetention(stream, policy)
	return nil
}

// RegisterMaterializer attaches fn as stream's fold function (spec §3:
// "registered at runtime ... not persisted").
func (c *Coordinator) RegisterMaterializer(channel model.ChannelID, stream model.StreamID, fn store.Materializer) error {
	ch := c.channels.Get(channel)
	if ch == nil {
		return fmt.Errorf("coordinator: unknown channel %q", channel)
	}
	ch.RegisterMaterializer(stream, fn)
	return nil
}

// AppendEntry appends a new locally-authored entry to (channel, stream),
// stamping it with the next HLC and this node's next sequence number
// (spec §4.1/§4.5).
func (c *Coordinator) AppendEntry(channel model.ChannelID, stream model.StreamID, payload []byte) (model.LogEntry, error) {
	ch := c.channels.Get(channel)
	if ch == nil || ch.Stream(stream) == nil {
		return model.LogEntry{}, fmt.Errorf("coordinator: unknown stream %q/%q", channel, stream)
	}

	ts, err := c.clock.Now()
	if err != nil {
		c.publishError(events.NewTransformSyncError(nowTime(c), stream, "hlc tick: "+err.Error()))
		return model.LogEntry{}, err
	}

	seq := c.entries.LatestSequence(channel, stream, c.localID) + 1
	entry := model.LogEntry{Author: c.localID, Sequence: seq, Timestamp: ts, Payload: payload}

	if _, err := c.entries.Append(channel, stream, entry); err != nil {
		c.publishError(events.NewStorageSyncError(nowTime(c), "append local entry: "+err.Error()))
		return model.LogEntry{}, err
	}

	c.metrics.EntriesAppended.Inc()
	if c.repos.Entry != nil {
		if err := c.repos.Entry.Append(channel, stream, entry); err != nil {
			c.publishError(events.NewStorageSyncError(nowTime(c), "persist local entry: "+err.Error()))
		}
	}

	c.publishEvent(events.EntryAppended{Channel: channel, Stream: stream, Entry: entry})
	c.applyRetention(channel, stream)
	return entry, nil
}

// GetEntries returns every stored entry for (channel, stream), sorted by
// (Hlc, author, sequence).
func (c *Coordinator) GetEntries(channel model.ChannelID, stream model.StreamID) []model.LogEntry {
	return c.entries.Entries(channel, stream)
}

// GetState folds (channel, stream)'s entries through its registered
// materializer (spec §4.5's getState), or returns nil if none is
// registered.
func (c *Coordinator) GetState(channel model.ChannelID, stream model.StreamID) any {
	ch := c.channels.Get(channel)
	if ch == nil {
		return nil
	}
	s := ch.Stream(stream)
	if s == nil {
		return nil
	}
	return s.Materialize(c.entries.Entries(channel, stream))
}

// PendingSendCount reports the transport's queue depth for peer (spec §6).
func (c *Coordinator) PendingSendCount(peer model.NodeID) uint32 {
	return c.port.PendingSendCount(peer)
}

// TotalPendingSendCount reports the transport's aggregate queue depth.
func (c *Coordinator) TotalPendingSendCount() uint32 {
	return c.port.TotalPendingSendCount()
}

func (c *Coordinator) persistChannel(ch *store.Channel) {
	if c.repos.Channel == nil {
		return
	}
	streamIDs := make([]model.StreamID, 0)
	for _, s := range ch.Streams() {
		streamIDs = append(streamIDs, s.ID)
	}
	persisted := repo.Channel{ID: ch.ID, Members: ch.Members(), Streams: streamIDs}
	if err := c.repos.Channel.Save(persisted); err != nil {
		c.publishError(events.NewChannelSyncError(nowTime(c), ch.ID, "persist channel: "+err.Error()))
	}
}
