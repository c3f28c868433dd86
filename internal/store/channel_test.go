package store

import (
	"testing"

	"driftmesh/internal/model"
)

func TestNewChannelIncludesLocalMember(t *testing.T) {
	ch := NewChannel("c1", "local")
	if !ch.HasMember("local") {
		t.Fatalf("expected local node to be a member of its own newly created channel")
	}
}

func TestCreateStreamIsIdempotent(t *testing.T) {
	ch := NewChannel("c1", "local")
	s1 := ch.CreateStream("s1")
	s2 := ch.CreateStream("s1")
	if s1 != s2 {
		t.Fatalf("expected CreateStream to return the existing stream on repeat creation")
	}
}

func TestMaterializeFoldsEntriesInOrder(t *testing.T) {
	ch := NewChannel("c1", "local")
	ch.CreateStream("s1")
	ch.RegisterMaterializer("s1", func(state any, e model.LogEntry) any {
		count, _ := state.(int)
		return count + 1
	})

	entries := []model.LogEntry{
		{Author: "n1", Sequence: 1, Payload: []byte("a")},
		{Author: "n1", Sequence: 2, Payload: []byte("b")},
	}
	got := ch.Stream("s1").Materialize(entries)
	if got.(int) != 2 {
		t.Fatalf("expected materialized count 2, got %v", got)
	}
}

func TestMaterializeWithoutMaterializerReturnsNil(t *testing.T) {
	ch := NewChannel("c1", "local")
	s := ch.CreateStream("s1")
	if got := s.Materialize(nil); got != nil {
		t.Fatalf("expected nil materialize result without a registered materializer, got %v", got)
	}
}

func TestChannelSetCreateIsIdempotentAndRemoveEvicts(t *testing.T) {
	cs := NewChannelSet("local")
	ch1 := cs.CreateChannel("c1")
	ch2 := cs.CreateChannel("c1")
	if ch1 != ch2 {
		t.Fatalf("expected CreateChannel idempotent")
	}
	cs.Remove("c1")
	if cs.Get("c1") != nil {
		t.Fatalf("expected channel removed")
	}
}
