// Package metrics exposes Prometheus instrumentation for the mesh,
// grounded on the teacher's NewServer metric construction in
// internal/node/server.go (one CounterVec/Gauge per concern, registered
// against a single registry), generalized from HTTP-request metrics to
// gossip/detector/store metrics per SPEC_FULL.md's domain stack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the coordinator updates. A fresh
// Registry is used (rather than prometheus's global DefaultRegisterer)
// so multiple coordinators can run in the same test process without
// colliding on metric names.
type Metrics struct {
	Registry *prometheus.Registry

	GossipRounds       prometheus.Counter
	ProbeOutcomes      *prometheus.CounterVec // label: outcome (attempted: one per probe tick)
	EntriesMerged      prometheus.Counter
	EntriesAppended    prometheus.Counter
	RetentionRemovals  prometheus.Counter
	PeersByStatus      *prometheus.GaugeVec // label: status
	PeerRTTMs          *prometheus.GaugeVec // label: peer
	PendingSendCount   prometheus.Gauge
	SyncErrorsTotal    *prometheus.CounterVec // label: kind
	BufferOverflows    prometheus.Counter
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		GossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmesh_gossip_rounds_total",
			Help: "Total number of anti-entropy gossip rounds initiated.",
		}),
		ProbeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftmesh_probe_outcomes_total",
			Help: "Failure-detector probe outcomes by result.",
		}, []string{"outcome"}),
		EntriesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmesh_entries_merged_total",
			Help: "Total entries merged in from remote deltas.",
		}),
		EntriesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmesh_entries_appended_total",
			Help: "Total entries appended locally.",
		}),
		RetentionRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmesh_retention_removed_total",
			Help: "Total entries dropped by retention policies.",
		}),
		PeersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driftmesh_peers",
			Help: "Number of known peers by status.",
		}, []string{"status"}),
		PeerRTTMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driftmesh_peer_rtt_milliseconds",
			Help: "Smoothed RTT estimate per peer.",
		}, []string{"peer"}),
		PendingSendCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driftmesh_pending_send_count",
			Help: "Outstanding unacknowledged sends across all peers.",
		}),
		SyncErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftmesh_sync_errors_total",
			Help: "Synchronization errors observed, by kind.",
		}, []string{"kind"}),
		BufferOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmesh_buffer_overflows_total",
			Help: "Total events and errors dropped because a coordinator stream buffer was full.",
		}),
	}

	reg.MustRegister(
		m.GossipRounds, m.ProbeOutcomes, m.EntriesMerged, m.EntriesAppended,
		m.RetentionRemovals, m.PeersByStatus, m.PeerRTTMs, m.PendingSendCount,
		m.SyncErrorsTotal, m.BufferOverflows,
	)
	return m
}
