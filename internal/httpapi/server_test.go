package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"driftmesh/internal/metrics"
	"driftmesh/internal/model"
)

type fakeCoordinator struct {
	health  Health
	usage   ResourceUsage
	timing  AdaptiveTimingStatus
	peers   []PeerSummary
	streams map[string]StreamEntries
}

func (f *fakeCoordinator) Health() Health                             { return f.health }
func (f *fakeCoordinator) ResourceUsage() ResourceUsage                { return f.usage }
func (f *fakeCoordinator) AdaptiveTimingStatus() AdaptiveTimingStatus  { return f.timing }
func (f *fakeCoordinator) Peers() []PeerSummary                       { return f.peers }
func (f *fakeCoordinator) StreamEntries(channel, stream string) (StreamEntries, bool) {
	se, ok := f.streams[channel+"/"+stream]
	return se, ok
}

func newTestServer() (*Server, *fakeCoordinator) {
	fc := &fakeCoordinator{
		health: Health{State: "running", ReachablePeers: 2},
		streams: map[string]StreamEntries{
			"c1/s1": {Channel: "c1", Stream: "s1", Entries: []model.LogEntry{{Author: "a", Sequence: 1}}},
		},
	}
	return New(fc, metrics.New(), 1000, 1000), fc
}

func TestHealthEndpointReturnsCoordinatorSnapshot(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Health
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "running" || got.ReachablePeers != 2 {
		t.Fatalf("unexpected health: %+v", got)
	}
}

func TestStreamEndpointReturns404ForUnknownStream(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/channels/c1/streams/missing", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStreamEndpointReturnsEntries(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/channels/c1/streams/s1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got StreamEntries
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got.Entries))
	}
}

func TestRateLimiterRejectsBeyondBurst(t *testing.T) {
	fc := &fakeCoordinator{health: Health{State: "running"}}
	s := New(fc, metrics.New(), 0, 1) // zero refill rate, burst of 1
	router := s.Router()

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = "10.0.0.5:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)
		return rec
	}

	if rec := req(); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := req(); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
