// Package httpapi is the debug/introspection HTTP surface named in
// SPEC_FULL.md's domain stack. Grounded on the teacher's Router/Server in
// internal/node/server.go (gorilla/mux subrouters, instrumented handlers,
// a security middleware chain) and internal/node/middleware.go's
// per-IP rate limiter, generalized from a data Put/Get API to a
// read-only status/peers/streams API and with the teacher's hand-rolled
// token bucket replaced by golang.org/x/time/rate.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driftmesh/internal/metrics"
	"driftmesh/internal/model"
)

// Health is the coordinator's point-in-time health snapshot (spec §4.6's
// getHealth).
type Health struct {
	State          string `json:"state"`
	ReachablePeers int    `json:"reachablePeers"`
	SuspectedPeers int    `json:"suspectedPeers"`
	UnreachablePeers int  `json:"unreachablePeers"`
}

// ResourceUsage is the coordinator's getResourceUsage snapshot.
type ResourceUsage struct {
	Channels           int   `json:"channels"`
	Streams            int   `json:"streams"`
	Entries            int   `json:"entries"`
	TotalPendingSend   uint32 `json:"totalPendingSend"`
}

// AdaptiveTimingStatus is the coordinator's getAdaptiveTimingStatus
// snapshot — the RTT tracker's current view (spec §4.3).
type AdaptiveTimingStatus struct {
	GlobalRTTMs   float64            `json:"globalRttMs"`
	PeerRTTMs     map[string]float64 `json:"peerRttMs"`
	ProbeTimeoutMs int64             `json:"probeTimeoutMs"`
}

// PeerSummary describes one registry entry for the /peers endpoint.
type PeerSummary struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Incarnation uint64 `json:"incarnation"`
}

// StreamEntries describes one stream's entries for the
// /channels/{id}/streams/{id} endpoint.
type StreamEntries struct {
	Channel string            `json:"channel"`
	Stream  string            `json:"stream"`
	Entries []model.LogEntry `json:"entries"`
}

// Coordinator is the narrow read-only view the HTTP API needs; satisfied
// by *coordinator.Coordinator without an import cycle.
type Coordinator interface {
	Health() Health
	ResourceUsage() ResourceUsage
	AdaptiveTimingStatus() AdaptiveTimingStatus
	Peers() []PeerSummary
	StreamEntries(channel, stream string) (StreamEntries, bool)
}

// Server exposes the coordinator over HTTP.
type Server struct {
	coord   Coordinator
	metrics *metrics.Metrics
	limiter *rateLimiterMiddleware
	start   time.Time
}

// New builds a Server. ratePerSecond/burst configure the per-IP limiter
// (teacher's NewSecurityMiddleware(100, 200, ...) defaults, spec is
// silent so the teacher's numbers are kept).
func New(coord Coordinator, m *metrics.Metrics, ratePerSecond, burst int) *Server {
	return &Server{
		coord:   coord,
		metrics: m,
		limiter: newRateLimiterMiddleware(ratePerSecond, burst),
		start:   time.Now(),
	}
}

// Router builds the mux.Router the caller mounts or serves directly.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.limiter.middleware)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	r.HandleFunc("/channels/{channel}/streams/{stream}", s.streamHandler).Methods(http.MethodGet)

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Health())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Uptime               string               `json:"uptime"`
		Health               Health               `json:"health"`
		ResourceUsage        ResourceUsage        `json:"resourceUsage"`
		AdaptiveTimingStatus AdaptiveTimingStatus `json:"adaptiveTimingStatus"`
	}{
		Uptime:               time.Since(s.start).String(),
		Health:               s.coord.Health(),
		ResourceUsage:        s.coord.ResourceUsage(),
		AdaptiveTimingStatus: s.coord.AdaptiveTimingStatus(),
	})
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Peers())
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entries, ok := s.coord.StreamEntries(vars["channel"], vars["stream"])
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
