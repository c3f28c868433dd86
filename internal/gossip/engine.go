// Package gossip implements the anti-entropy engine of spec §4.5: the
// digest/delta 4-step exchange that reconciles per-stream version vectors,
// grounded in shape on the teacher's periodic topology-sync loop
// (internal/gossip/protocol.go's startTopologySync/performTopologySync) and
// its peer-iteration broadcast helpers, generalized from full-state gossip
// to a digest-then-delta reconciliation.
package gossip

import (
	"context"
	"math/rand"

	"driftmesh/internal/codec"
	"driftmesh/internal/hlc"
	"driftmesh/internal/logging"
	"driftmesh/internal/model"
	"driftmesh/internal/registry"
	"driftmesh/internal/store"
	"driftmesh/internal/transport"
)

// maxDeltaBytes bounds a single Delta frame to the transport's minimum
// guaranteed payload size (spec §6: "max payload >= 32 KiB"). Open
// Question #1's recorded decision: split an oversized delta into several
// Delta messages rather than stream it.
const maxDeltaBytes = 32 * 1024

// Callbacks lets the coordinator observe gossip-driven events and errors.
type Callbacks struct {
	OnEntriesMerged           func(channel model.ChannelID, stream model.StreamID, from model.NodeID, entries []model.LogEntry)
	OnNonMemberEntriesFlagged func(channel model.ChannelID, stream model.StreamID, author model.NodeID)
	OnSyncError               func(peer model.NodeID, err error)
	OnUnknownChannel          func(channel model.ChannelID, from model.NodeID)
}

// Config carries spec §6's congestion knob.
type Config struct {
	CongestionThreshold uint32
}

// Engine runs one node's half of the anti-entropy protocol.
type Engine struct {
	localID  model.NodeID
	reg      *registry.Registry
	channels *store.ChannelSet
	entries  *store.Store
	clock    *hlc.Clock
	port     transport.MessagePort
	cfg      Config
	cb       Callbacks
}

// New constructs a gossip Engine.
func New(localID model.NodeID, reg *registry.Registry, channels *store.ChannelSet, entries *store.Store, clock *hlc.Clock, port transport.MessagePort, cfg Config, cb Callbacks) *Engine {
	if cfg.CongestionThreshold == 0 {
		cfg.CongestionThreshold = 10
	}
	return &Engine{
		localID: localID, reg: reg, channels: channels, entries: entries,
		clock: clock, port: port, cfg: cfg, cb: cb,
	}
}

// GossipTick runs one anti-entropy round: picks a peer and sends a Digest,
// per spec §4.5 steps 1-4.
func (e *Engine) GossipTick(ctx context.Context, nowMs uint64) {
	if e.port.TotalPendingSendCount() > e.cfg.CongestionThreshold {
		logging.Debug("gossip: skipping round, backpressure exceeds threshold")
		return
	}

	peer, ok := e.selectPeer()
	if !ok {
		return
	}

	digest := e.buildDigest()
	encoded, err := codec.Encode(digest)
	if err != nil {
		logging.Warn("gossip: encode digest failed: %v", err)
		return
	}
	if err := e.port.Send(ctx, peer, encoded, transport.PriorityNormal); err != nil {
		if e.cb.OnSyncError != nil {
			e.cb.OnSyncError(peer, err)
		}
		return
	}
	e.reg.RecordAntiEntropyContact(peer, nowMs)
}

// selectPeer picks a reachable peer, weighted toward whichever has gone
// longest since its last anti-entropy contact (spec §4.5 step 2).
func (e *Engine) selectPeer() (model.NodeID, bool) {
	var candidates []*registry.Peer
	for _, p := range e.reg.All() {
		if p.Status == registry.StatusReachable {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	oldest := candidates[0]
	for _, p := range candidates[1:] {
		if p.LastAntiEntropyMs < oldest.LastAntiEntropyMs {
			oldest = p
		}
	}
	// Among peers tied for least-recent contact (commonly all of them, at
	// startup), break the tie randomly so one peer isn't starved.
	var tied []model.NodeID
	for _, p := range candidates {
		if p.LastAntiEntropyMs == oldest.LastAntiEntropyMs {
			tied = append(tied, p.ID)
		}
	}
	return tied[rand.Intn(len(tied))], true
}

func (e *Engine) buildDigest() codec.Digest {
	var channels []codec.ChannelDigest
	for _, ch := range e.channels.All() {
		var streams []codec.StreamVV
		for _, s := range ch.Streams() {
			streams = append(streams, codec.StreamVV{
				Stream: s.ID,
				VV:     e.entries.VersionVector(ch.ID, s.ID),
			})
		}
		channels = append(channels, codec.ChannelDigest{Channel: ch.ID, Streams: streams})
	}
	return codec.Digest{Channels: channels}
}

// HandleDigest answers an incoming Digest with a Delta carrying whatever
// the sender is missing, per spec §4.5 steps on "receiving a Digest".
func (e *Engine) HandleDigest(ctx context.Context, from model.NodeID, digest codec.Digest) {
	var channelDeltas []codec.ChannelDelta
	for _, chDigest := range digest.Channels {
		ch := e.channels.Get(chDigest.Channel)
		if ch == nil {
			continue // unknown channel: membership is advisory, not requested
		}
		var streamDeltas []codec.StreamDelta
		for _, sv := range chDigest.Streams {
			if ch.Stream(sv.Stream) == nil {
				continue
			}
			missing := e.entries.EntriesAfter(chDigest.Channel, sv.Stream, sv.VV)
			streamDeltas = append(streamDeltas, codec.StreamDelta{
				Stream:  sv.Stream,
				VV:      e.entries.VersionVector(chDigest.Channel, sv.Stream),
				Entries: missing,
			})
		}
		if len(streamDeltas) > 0 {
			channelDeltas = append(channelDeltas, codec.ChannelDelta{Channel: chDigest.Channel, Streams: streamDeltas})
		}
	}
	if len(channelDeltas) == 0 {
		return
	}

	for _, frame := range splitDelta(channelDeltas, maxDeltaBytes) {
		encoded, err := codec.Encode(frame)
		if err != nil {
			logging.Warn("gossip: encode delta failed: %v", err)
			continue
		}
		if err := e.port.Send(ctx, from, encoded, transport.PriorityNormal); err != nil {
			if e.cb.OnSyncError != nil {
				e.cb.OnSyncError(from, err)
			}
		}
	}
}

// HandleDelta merges incoming entries, per spec §4.5's "receiving a Delta"
// rules, then sends a follow-up Digest if the sender's reported VV still
// dominates ours (closing the 4-step cycle).
func (e *Engine) HandleDelta(ctx context.Context, from model.NodeID, delta codec.Delta) {
	for _, chDelta := range delta.Channels {
		ch := e.channels.Get(chDelta.Channel)
		if ch == nil {
			// spec §7: delta referencing an unknown channel is dropped and
			// reported, not merged — a channel this node never created (or
			// already removed) must not silently repopulate from a peer.
			if e.cb.OnUnknownChannel != nil {
				e.cb.OnUnknownChannel(chDelta.Channel, from)
			}
			continue
		}
		for _, sd := range chDelta.Streams {
			var merged []model.LogEntry
			for _, entry := range sd.Entries {
				if entry.Sequence < 1 {
					continue // invariant violation: dropped, not fatal for a gossip peer
				}
				if !ch.HasMember(entry.Author) && e.cb.OnNonMemberEntriesFlagged != nil {
					e.cb.OnNonMemberEntriesFlagged(chDelta.Channel, sd.Stream, entry.Author)
				}
				appended, err := e.entries.Append(chDelta.Channel, sd.Stream, entry)
				if err != nil {
					if e.cb.OnSyncError != nil {
						e.cb.OnSyncError(from, err)
					}
					continue
				}
				if appended {
					merged = append(merged, entry)
					e.clock.OnReceive(entry.Timestamp)
				}
			}
			if len(merged) > 0 && e.cb.OnEntriesMerged != nil {
				e.cb.OnEntriesMerged(chDelta.Channel, sd.Stream, from, merged)
			}

			localVV := e.entries.VersionVector(chDelta.Channel, sd.Stream)
			if sd.VV.Dominates(localVV) && !localVV.Dominates(sd.VV) {
				e.sendFollowUpDigest(ctx, from, chDelta.Channel, sd.Stream)
			}
		}
	}
}

func (e *Engine) sendFollowUpDigest(ctx context.Context, to model.NodeID, channel model.ChannelID, stream model.StreamID) {
	digest := codec.Digest{Channels: []codec.ChannelDigest{{
		Channel: channel,
		Streams: []codec.StreamVV{{Stream: stream, VV: e.entries.VersionVector(channel, stream)}},
	}}}
	encoded, err := codec.Encode(digest)
	if err != nil {
		logging.Warn("gossip: encode follow-up digest failed: %v", err)
		return
	}
	if err := e.port.Send(ctx, to, encoded, transport.PriorityNormal); err != nil && e.cb.OnSyncError != nil {
		e.cb.OnSyncError(to, err)
	}
}

// splitDelta packs channel deltas into one or more Delta frames, each
// bounded by maxBytes (approximated by the serialized entry payload sizes),
// per Open Question #1's recorded decision.
func splitDelta(channels []codec.ChannelDelta, maxBytes int) []codec.Delta {
	var frames []codec.Delta
	current := codec.ChannelDelta{}
	currentSize := 0
	var currentFrame []codec.ChannelDelta

	flushChannel := func() {
		if len(current.Streams) > 0 {
			currentFrame = append(currentFrame, current)
		}
		current = codec.ChannelDelta{}
	}
	flushFrame := func() {
		flushChannel()
		if len(currentFrame) > 0 {
			frames = append(frames, codec.Delta{Channels: currentFrame})
		}
		currentFrame = nil
		currentSize = 0
	}

	for _, ch := range channels {
		current.Channel = ch.Channel
		for _, sd := range ch.Streams {
			streamDelta := codec.StreamDelta{Stream: sd.Stream, VV: sd.VV}
			for _, entry := range sd.Entries {
				entrySize := len(entry.Payload) + 32 // rough per-entry wire overhead
				if currentSize+entrySize > maxBytes && (len(streamDelta.Entries) > 0 || len(current.Streams) > 0 || len(currentFrame) > 0) {
					if len(streamDelta.Entries) > 0 {
						current.Streams = append(current.Streams, streamDelta)
						streamDelta = codec.StreamDelta{Stream: sd.Stream, VV: sd.VV}
					}
					flushFrame()
					current.Channel = ch.Channel
				}
				streamDelta.Entries = append(streamDelta.Entries, entry)
				currentSize += entrySize
			}
			current.Streams = append(current.Streams, streamDelta)
		}
		flushChannel()
	}
	flushFrame()

	if len(frames) == 0 {
		// Nothing had entries (e.g. all streams carry only a VV with no
		// new data) — still send one frame so the peer learns the VVs.
		frames = append(frames, codec.Delta{Channels: channels})
	}
	return frames
}
