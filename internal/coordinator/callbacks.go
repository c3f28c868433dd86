package coordinator

import (
	"driftmesh/internal/events"
	"driftmesh/internal/model"
	"driftmesh/internal/registry"
)

func (c *Coordinator) onPeerStatusChange(change registry.StatusChange) {
	c.metrics.PeersByStatus.WithLabelValues(change.New.String()).Inc()
	if change.Old != change.New {
		c.metrics.PeersByStatus.WithLabelValues(change.Old.String()).Dec()
	}
	c.publishEvent(events.PeerStatusChanged{Peer: change.Peer, Old: change.Old, New: change.New})
}

// onRefuted is invoked when this node's own incarnation was bumped in
// response to a Suspicion about itself (spec §4.4's refutation rule). The
// new incarnation is persisted so it survives a restart.
func (c *Coordinator) onRefuted(newIncarnation uint64) {
	if c.repos.LocalNode != nil {
		if err := c.repos.LocalNode.SaveIncarnation(newIncarnation); err != nil {
			c.publishError(events.NewStorageSyncError(nowTime(c), "persist refuted incarnation: "+err.Error()))
		}
	}
}

// onEntriesMerged applies retention after the merge (spec §4.5: "applied
// in-place after every append/merge"), persists via EntryRepository if
// present, and emits the domain events.
func (c *Coordinator) onEntriesMerged(channel model.ChannelID, stream model.StreamID, from model.NodeID, entries []model.LogEntry) {
	c.metrics.EntriesMerged.Add(float64(len(entries)))
	c.publishEvent(events.EntriesMerged{Channel: channel, Stream: stream, From: from, Entries: entries})

	if c.repos.Entry != nil {
		for _, e := range entries {
			if err := c.repos.Entry.Append(channel, stream, e); err != nil {
				c.publishError(events.NewStorageSyncError(nowTime(c), "persist merged entry: "+err.Error()))
			}
		}
	}

	c.applyRetention(channel, stream)
}

func (c *Coordinator) onNonMemberEntriesFlagged(channel model.ChannelID, stream model.StreamID, author model.NodeID) {
	c.publishEvent(events.NonMemberEntriesRejected{Channel: channel, Stream: stream, Author: author})
}

func (c *Coordinator) onSyncError(peer model.NodeID, err error) {
	c.metrics.SyncErrorsTotal.WithLabelValues("peer").Inc()
	c.publishError(events.NewPeerSyncError(nowTime(c), peer, err.Error()))
}

// onUnknownChannel reports a Delta referencing a channel this node has no
// record of (spec §7: "dropped, counted, reported").
func (c *Coordinator) onUnknownChannel(channel model.ChannelID, from model.NodeID) {
	c.metrics.SyncErrorsTotal.WithLabelValues("channel").Inc()
	c.publishError(events.NewChannelSyncError(nowTime(c), channel, "delta from "+string(from)+" references unknown channel"))
}

// applyRetention runs the stream's configured policy and emits
// StreamCompacted if anything was dropped.
func (c *Coordinator) applyRetention(channel model.ChannelID, stream model.StreamID) {
	ch := c.channels.Get(channel)
	if ch == nil {
		return
	}
	s := ch.Stream(stream)
	if s == nil {
		return
	}
	removed := c.entries.ApplyRetention(channel, stream, s.Retention, c.timePort.NowMs())
	if removed > 0 {
		c.metrics.RetentionRemovals.Add(float64(removed))
		c.publishEvent(events.StreamCompacted{Channel: channel, Stream: stream, RemovedCount: removed})
	}
}
