package coordinator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"driftmesh/internal/codec"
	"driftmesh/internal/config"
	"driftmesh/internal/model"
	"driftmesh/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestCoordinator(t *testing.T, id model.NodeID, bus *transport.MemoryBus, clock *transport.ManualClock) *Coordinator {
	t.Helper()
	c := New(id, bus.Endpoint(id), clock, config.Default(), nil, Repositories{})
	t.Cleanup(func() {
		_ = c.Stop()
		_ = c.Dispose()
	})
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

// --- lifecycle state machine ---

func TestLifecycleStartIsIdempotentWhileRunning(t *testing.T) {
	bus := transport.NewMemoryBus()
	clock := transport.NewManualClock(0)
	c := newTestCoordinator(t, "a", bus, clock)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("expected running, got %v", c.State())
	}
}

func TestLifecyclePauseRequiresRunning(t *testing.T) {
	bus := transport.NewMemoryBus()
	clock := transport.NewManualClock(0)
	c := newTestCoordinator(t, "a", bus, clock)

	if err := c.Pause(); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.State() != StatePaused {
		t.Fatalf("expected paused, got %v", c.State())
	}
}

func TestLifecycleResumeRequiresPaused(t *testing.T) {
	bus := transport.NewMemoryBus()
	clock := transport.NewManualClock(0)
	c := newTestCoordinator(t, "a", bus, clock)

	if err := c.Resume(); err != ErrNotPaused {
		t.Fatalf("expected ErrNotPaused, got %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.State() != StateRunning {
		t.Fatalf("expected running, got %v", c.State())
	}
}

func TestLifecycleDisposeRequiresStopped(t *testing.T) {
	bus := transport.NewMemoryBus()
	clock := transport.NewManualClock(0)
	c := New("a", bus.Endpoint("a"), clock, config.Default(), nil, Repositories{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Dispose(); err != ErrNotStopped {
		t.Fatalf("expected ErrNotStopped while running, got %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if c.State() != StateDisposed {
		t.Fatalf("expected disposed, got %v", c.State())
	}
}

func TestLifecycleDisposedIsTerminal(t *testing.T) {
	bus := transport.NewMemoryBus()
	clock := transport.NewManualClock(0)
	c := New("a", bus.Endpoint("a"), clock, config.Default(), nil, Repositories{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	if err := c.Start(context.Background()); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from Start, got %v", err)
	}
	if err := c.Pause(); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from Pause, got %v", err)
	}
	if err := c.Resume(); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from Resume, got %v", err)
	}
	if err := c.Dispose(); err != ErrDisposed {
		t.Fatalf("expected ErrDisposed from second Dispose, got %v", err)
	}
}

// --- end-to-end scenarios (spec §8) ---

// pairedNodes wires two coordinators onto one MemoryBus/ManualClock, each
// already aware of the other as a peer, with a matching channel/stream
// created on both sides.
func pairedNodes(t *testing.T) (a, b *Coordinator, bus *transport.MemoryBus, clock *transport.ManualClock) {
	t.Helper()
	bus = transport.NewMemoryBus()
	clock = transport.NewManualClock(0)

	a = newTestCoordinator(t, "a", bus, clock)
	b = newTestCoordinator(t, "b", bus, clock)

	a.AddPeer("b", "")
	b.AddPeer("a", "")

	a.CreateChannel("c1")
	if err := a.CreateStream("c1", "s1"); err != nil {
		t.Fatalf("a.CreateStream: %v", err)
	}
	b.CreateChannel("c1")
	if err := b.CreateStream("c1", "s1"); err != nil {
		t.Fatalf("b.CreateStream: %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	return a, b, bus, clock
}

// runGossipRounds advances the shared clock enough for several gossip
// rounds to complete, giving the dispatch loop goroutines time to drain the
// resulting MemoryBus deliveries in between.
func runGossipRounds(clock *transport.ManualClock, rounds int) {
	for i := 0; i < rounds; i++ {
		clock.Advance(3 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
}

// S1: basic sync — an entry appended on a reaches b via anti-entropy.
func TestScenarioBasicSync(t *testing.T) {
	a, b, _, clock := pairedNodes(t)

	entry, err := a.AppendEntry("c1", "s1", []byte("hello"))
	if err != nil {
		t.Fatalf("AppendEntry: %v", err)
	}

	runGossipRounds(clock, 4)

	waitFor(t, time.Second, func() bool {
		return len(b.GetEntries("c1", "s1")) == 1
	})
	got := b.GetEntries("c1", "s1")
	if len(got) != 1 || got[0].Payload == nil || string(got[0].Payload) != "hello" {
		t.Fatalf("expected b to have received %v's entry, got %#v", entry, got)
	}
}

// S2: bidirectional — entries appended on both sides reach each other.
func TestScenarioBidirectional(t *testing.T) {
	a, b, _, clock := pairedNodes(t)

	if _, err := a.AppendEntry("c1", "s1", []byte("from-a")); err != nil {
		t.Fatalf("a.AppendEntry: %v", err)
	}
	if _, err := b.AppendEntry("c1", "s1", []byte("from-b")); err != nil {
		t.Fatalf("b.AppendEntry: %v", err)
	}

	runGossipRounds(clock, 6)

	waitFor(t, time.Second, func() bool {
		return len(a.GetEntries("c1", "s1")) == 2 && len(b.GetEntries("c1", "s1")) == 2
	})
}

// S3: partition heal — entries written during a partition converge once it
// heals.
func TestScenarioPartitionHeal(t *testing.T) {
	a, b, bus, clock := pairedNodes(t)

	bus.Partition("b", "a")
	if _, err := a.AppendEntry("c1", "s1", []byte("during-partition")); err != nil {
		t.Fatalf("a.AppendEntry: %v", err)
	}

	runGossipRounds(clock, 3)
	if len(b.GetEntries("c1", "s1")) != 0 {
		t.Fatalf("expected no sync while partitioned, got %v", b.GetEntries("c1", "s1"))
	}

	bus.Heal()
	runGossipRounds(clock, 4)

	waitFor(t, time.Second, func() bool {
		return len(b.GetEntries("c1", "s1")) == 1
	})
}

// S4: failure detection — a peer that keeps failing probes advances
// suspected -> unreachable per spec §4.2's thresholds. The direct
// probe/timeout race is exercised at the detector-package level already
// (internal/detector's own tests); here the registry-level bookkeeping the
// coordinator's Peers() surfaces is driven directly, the same way
// internal/detector's own timeout test exercises the failure path without
// depending on goroutine scheduling.
func TestScenarioFailureDetection(t *testing.T) {
	bus := transport.NewMemoryBus()
	clock := transport.NewManualClock(0)
	a := newTestCoordinator(t, "a", bus, clock)
	a.AddPeer("ghost", "")

	for i := 0; i < config.Default().SuspicionThreshold; i++ {
		a.reg.RecordProbeFailure("ghost")
	}
	if status := peerStatus(a, "ghost"); status != "suspected" {
		t.Fatalf("expected suspected after %d failures, got %s", config.Default().SuspicionThreshold, status)
	}

	for i := config.Default().SuspicionThreshold; i < config.Default().UnreachableThreshold; i++ {
		a.reg.RecordProbeFailure("ghost")
	}
	if status := peerStatus(a, "ghost"); status != "unreachable" {
		t.Fatalf("expected unreachable after %d failures, got %s", config.Default().UnreachableThreshold, status)
	}
}

func peerStatus(c *Coordinator, id model.NodeID) string {
	for _, p := range c.Peers() {
		if p.ID == string(id) {
			return p.Status
		}
	}
	return ""
}

// S5: refutation — a node suspected at its current incarnation bumps its
// own incarnation in response, per the registry's refutation rule.
func TestScenarioRefutation(t *testing.T) {
	a, b, _, _ := pairedNodes(t)

	// b believes a is suspected at a's current (zero) incarnation.
	if change := b.reg.ApplySuspicionRumor("a", 0); change == nil {
		t.Fatalf("expected a status change recording the rumor")
	}

	before := a.reg.LocalIncarnation()
	a.detector.HandleSuspicion(codec.Suspicion{About: a.localID, Incarnation: before})

	if after := a.reg.LocalIncarnation(); after <= before {
		t.Fatalf("expected a's incarnation to be bumped above %d, got %d", before, after)
	}
}

// S6: rapid writes — many local appends all land with strictly increasing
// per-author sequence numbers and are eventually observed by the peer.
func TestScenarioRapidWrites(t *testing.T) {
	a, b, _, clock := pairedNodes(t)

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := a.AppendEntry("c1", "s1", []byte{byte(i)}); err != nil {
			t.Fatalf("AppendEntry #%d: %v", i, err)
		}
	}

	seen := map[uint32]bool{}
	for _, e := range a.GetEntries("c1", "s1") {
		if seen[e.Sequence] {
			t.Fatalf("duplicate sequence %d", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct sequences, got %d", n, len(seen))
	}

	runGossipRounds(clock, 6)
	waitFor(t, 2*time.Second, func() bool {
		return len(b.GetEntries("c1", "s1")) == n
	})
}
