package coordinator

import (
	"driftmesh/internal/httpapi"
	"driftmesh/internal/model"
	"driftmesh/internal/registry"
)

func channelIDOf(s string) model.ChannelID { return model.ChannelID(s) }
func streamIDOf(s string) model.StreamID   { return model.StreamID(s) }

// Health implements httpapi.Coordinator's getHealth (spec §4.6).
func (c *Coordinator) Health() httpapi.Health {
	var reachable, suspected, unreachable int
	for _, p := range c.reg.All() {
		switch p.Status {
		case registry.StatusReachable:
			reachable++
		case registry.StatusSuspected:
			suspected++
		case registry.StatusUnreachable:
			unreachable++
		}
	}
	return httpapi.Health{
		State:            c.State().String(),
		ReachablePeers:   reachable,
		SuspectedPeers:   suspected,
		UnreachablePeers: unreachable,
	}
}

// ResourceUsage implements httpapi.Coordinator's getResourceUsage.
func (c *Coordinator) ResourceUsage() httpapi.ResourceUsage {
	channels := c.channels.All()
	streamCount, entryCount := 0, 0
	for _, ch := range channels {
		streams := ch.Streams()
		streamCount += len(streams)
		for _, s := range streams {
			entryCount += len(c.entries.Entries(ch.ID, s.ID))
		}
	}
	return httpapi.ResourceUsage{
		Channels:         len(channels),
		Streams:          streamCount,
		Entries:          entryCount,
		TotalPendingSend: c.port.TotalPendingSendCount(),
	}
}

// AdaptiveTimingStatus implements httpapi.Coordinator's
// getAdaptiveTimingStatus, surfacing the RTT tracker's current view.
func (c *Coordinator) AdaptiveTimingStatus() httpapi.AdaptiveTimingStatus {
	peerRTT := make(map[string]float64)
	for _, p := range c.reg.All() {
		peerRTT[string(p.ID)] = c.detector.PeerRTT(p.ID).SRTT().Seconds() * 1000
	}
	return httpapi.AdaptiveTimingStatus{
		GlobalRTTMs:    c.detector.GlobalRTT().SRTT().Seconds() * 1000,
		PeerRTTMs:      peerRTT,
		ProbeTimeoutMs: c.detector.GlobalRTT().PingTimeout().Milliseconds(),
	}
}

// Peers implements httpapi.Coordinator's /peers endpoint.
func (c *Coordinator) Peers() []httpapi.PeerSummary {
	peers := c.reg.All()
	out := make([]httpapi.PeerSummary, 0, len(peers))
	for _, p := range peers {
		out = append(out, httpapi.PeerSummary{
			ID:          string(p.ID),
			Status:      p.Status.String(),
			Incarnation: p.Incarnation,
		})
	}
	return out
}

// StreamEntries implements httpapi.Coordinator's
// /channels/{id}/streams/{id} endpoint.
func (c *Coordinator) StreamEntries(channel, stream string) (httpapi.StreamEntries, bool) {
	ch := c.channels.Get(channelIDOf(channel))
	if ch == nil || ch.Stream(streamIDOf(stream)) == nil {
		return httpapi.StreamEntries{}, false
	}
	return httpapi.StreamEntries{
		Channel: channel,
		Stream:  stream,
		Entries: c.entries.Entries(channelIDOf(channel), streamIDOf(stream)),
	}, true
}
