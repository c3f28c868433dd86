package registry

import (
	"testing"
	"time"

	"driftmesh/internal/model"
)

func newTestRegistry() *Registry {
	return New("local", 3, 6, 10*time.Second)
}

func TestAddNeverAddsLocalID(t *testing.T) {
	r := newTestRegistry()
	if p := r.Add("local", "me"); p != nil {
		t.Fatalf("expected Add(localID) to be a no-op, got %#v", p)
	}
	if len(r.All()) != 0 {
		t.Fatalf("expected empty registry, got %d peers", len(r.All()))
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	p1 := r.Add("peer-a", "A")
	p2 := r.Add("peer-a", "A again")
	if p1 != p2 {
		t.Fatalf("expected Add to return the same peer on repeat discovery")
	}
	if len(r.All()) != 1 {
		t.Fatalf("expected exactly one entry per NodeID, got %d", len(r.All()))
	}
}

func TestNewPeerStartsReachable(t *testing.T) {
	r := newTestRegistry()
	p := r.Add("peer-a", "A")
	if p.Status != StatusReachable {
		t.Fatalf("expected new peer reachable, got %v", p.Status)
	}
}

func TestProbeFailuresTransitionToSuspectedThenUnreachable(t *testing.T) {
	r := newTestRegistry()
	r.Add("peer-a", "A")

	var last *StatusChange
	for i := 0; i < 2; i++ {
		if c := r.RecordProbeFailure("peer-a"); c != nil {
			t.Fatalf("expected no transition before threshold, got %#v", c)
		}
	}
	last = r.RecordProbeFailure("peer-a") // 3rd failure hits suspicionThreshold
	if last == nil || last.New != StatusSuspected {
		t.Fatalf("expected transition to suspected at 3 failures, got %#v", last)
	}

	for i := 0; i < 2; i++ {
		if c := r.RecordProbeFailure("peer-a"); c != nil {
			t.Fatalf("expected no further transition, got %#v", c)
		}
	}
	last = r.RecordProbeFailure("peer-a") // 6th failure hits unreachableThreshold
	if last == nil || last.New != StatusUnreachable {
		t.Fatalf("expected transition to unreachable at 6 failures, got %#v", last)
	}
}

func TestSuccessfulContactReinstatesToReachable(t *testing.T) {
	r := newTestRegistry()
	r.Add("peer-a", "A")
	for i := 0; i < 4; i++ {
		r.RecordProbeFailure("peer-a")
	}
	if r.Get("peer-a").Status != StatusSuspected {
		t.Fatalf("expected suspected before contact")
	}
	change := r.RecordContact("peer-a", 1000)
	if change == nil || change.New != StatusReachable {
		t.Fatalf("expected reinstatement to reachable, got %#v", change)
	}
	if r.Get("peer-a").FailedProbeCount != 0 {
		t.Fatalf("expected failure count reset on contact")
	}
}

func TestRefuteBumpsLocalIncarnationOnlyWhenNotAlreadyHigher(t *testing.T) {
	r := newTestRegistry()
	if !r.Refute(0) {
		t.Fatalf("expected refutation at incarnation 0 to bump local incarnation")
	}
	if r.LocalIncarnation() != 1 {
		t.Fatalf("expected local incarnation 1, got %d", r.LocalIncarnation())
	}
	if r.Refute(0) {
		t.Fatalf("expected no bump when local incarnation already exceeds suspected-at incarnation")
	}
	if r.LocalIncarnation() != 1 {
		t.Fatalf("expected local incarnation unchanged at 1, got %d", r.LocalIncarnation())
	}
}

func TestReinstateByIncarnationIgnoresStaleIncarnation(t *testing.T) {
	r := newTestRegistry()
	r.Add("peer-a", "A")
	for i := 0; i < 4; i++ {
		r.RecordProbeFailure("peer-a")
	}
	r.Get("peer-a").Incarnation = 5

	if c := r.ReinstateByIncarnation("peer-a", 3); c != nil {
		t.Fatalf("expected stale incarnation to be ignored, got %#v", c)
	}
	if r.Get("peer-a").Status != StatusSuspected {
		t.Fatalf("expected peer to remain suspected")
	}

	c := r.ReinstateByIncarnation("peer-a", 6)
	if c == nil || c.New != StatusReachable {
		t.Fatalf("expected reinstatement with higher incarnation, got %#v", c)
	}
}

func TestApplySuspicionRumorIgnoresStaleIncarnation(t *testing.T) {
	r := newTestRegistry()
	r.Add("peer-a", "A")
	r.Get("peer-a").Incarnation = 5

	if c := r.ApplySuspicionRumor("peer-a", 3); c != nil {
		t.Fatalf("expected stale rumor ignored, got %#v", c)
	}
	c := r.ApplySuspicionRumor("peer-a", 5)
	if c == nil || c.New != StatusSuspected {
		t.Fatalf("expected transition to suspected, got %#v", c)
	}
}

func TestRemoveEvictsPeer(t *testing.T) {
	r := newTestRegistry()
	r.Add("peer-a", "A")
	r.Remove("peer-a")
	if r.Get("peer-a") != nil {
		t.Fatalf("expected peer removed")
	}
}

func TestRecordBytesTracksWindow(t *testing.T) {
	r := newTestRegistry()
	r.Add("peer-a", "A")
	r.RecordBytesSent("peer-a", 0, 100)
	r.RecordBytesRecv("peer-a", 0, 50)
	p := r.Get("peer-a")
	if p.BytesSent.Total() != 100 {
		t.Fatalf("expected 100 bytes sent tracked, got %d", p.BytesSent.Total())
	}
	if p.BytesRecv.Total() != 50 {
		t.Fatalf("expected 50 bytes recv tracked, got %d", p.BytesRecv.Total())
	}
}

func TestUnknownPeerOperationsAreNoops(t *testing.T) {
	r := newTestRegistry()
	if c := r.RecordContact("ghost", 0); c != nil {
		t.Fatalf("expected nil for unknown peer contact, got %#v", c)
	}
	if c := r.RecordProbeFailure("ghost"); c != nil {
		t.Fatalf("expected nil for unknown peer probe failure, got %#v", c)
	}
	var _ model.NodeID = "ghost"
}
