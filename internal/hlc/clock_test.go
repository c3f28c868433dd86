package hlc

import (
	"testing"

	"pgregory.net/rapid"

	"driftmesh/internal/model"
)

type fakeTime struct{ ms uint64 }

func (f *fakeTime) NowMs() uint64 { return f.ms }

func TestNowAdvancesPhysicalWhenWallMoves(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)

	h1, err := c.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1.PhysicalMs != 100 || h1.Logical != 0 {
		t.Fatalf("expected (100,0), got %+v", h1)
	}

	ft.ms = 150
	h2, err := c.Now()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h2.PhysicalMs != 150 || h2.Logical != 0 {
		t.Fatalf("expected (150,0), got %+v", h2)
	}
}

func TestNowIncrementsLogicalWhenWallStalls(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)

	h1, _ := c.Now()
	h2, err := c.Now() // wall clock hasn't moved
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h2.PhysicalMs != h1.PhysicalMs || h2.Logical != h1.Logical+1 {
		t.Fatalf("expected logical tick, got %+v -> %+v", h1, h2)
	}
}

func TestNowIsMonotone(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ft := &fakeTime{ms: 1000}
		c := New(ft)

		var prev model.Hlc
		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			// wall clock either stalls or advances, never regresses
			ft.ms += uint64(rapid.IntRange(0, 5).Draw(t, "delta"))
			next, err := c.Now()
			if err != nil {
				t.Fatalf("unexpected overflow: %v", err)
			}
			if i > 0 && !next.After(prev) {
				t.Fatalf("clock did not advance: prev=%+v next=%+v", prev, next)
			}
			prev = next
		}
	})
}

func TestOnReceiveAdoptsHigherRemotePhysical(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)
	c.Now() // local = (100, 0)

	remote := model.Hlc{PhysicalMs: 500, Logical: 3}
	merged, err := c.OnReceive(remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.PhysicalMs != 500 || merged.Logical != 4 {
		t.Fatalf("expected (500,4), got %+v", merged)
	}
}

func TestOnReceiveTieBreaksOnLocal(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)
	c.Now() // local = (100, 0)
	ft.ms = 50 // wall regresses relative to local physical (simulated drift)

	remote := model.Hlc{PhysicalMs: 80, Logical: 9} // below local physical
	merged, err := c.OnReceive(remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.PhysicalMs != 100 || merged.Logical != 1 {
		t.Fatalf("expected tie-break on local (100,1), got %+v", merged)
	}
}

func TestOnReceiveThreeWayTie(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)
	c.Now() // local = (100, 2) after three ticks
	c.Now()
	c.Now()

	remote := model.Hlc{PhysicalMs: 100, Logical: 10}
	merged, err := c.OnReceive(remote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.PhysicalMs != 100 || merged.Logical != 11 {
		t.Fatalf("expected (100,11), got %+v", merged)
	}
}

func TestLogicalOverflowIsReported(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)
	c.last = model.Hlc{PhysicalMs: 100, Logical: MaxLogical}

	if _, err := c.Now(); err != ErrLogicalOverflow {
		t.Fatalf("expected ErrLogicalOverflow, got %v", err)
	}
}

func TestOnReceiveOverflowIsReported(t *testing.T) {
	ft := &fakeTime{ms: 100}
	c := New(ft)
	c.last = model.Hlc{PhysicalMs: 100, Logical: MaxLogical}

	remote := model.Hlc{PhysicalMs: 100, Logical: 1}
	if _, err := c.OnReceive(remote); err != ErrLogicalOverflow {
		t.Fatalf("expected ErrLogicalOverflow, got %v", err)
	}
}
