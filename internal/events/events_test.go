package events

import (
	"testing"
	"time"
)

func TestErrorVariantsCarryOccurredAtAndMessage(t *testing.T) {
	now := time.Unix(100, 0)
	errs := []Error{
		NewPeerSyncError(now, "n1", "probe failed"),
		NewChannelSyncError(now, "c1", "unknown channel"),
		NewStorageSyncError(now, "repository unavailable"),
		NewTransformSyncError(now, "s1", "materializer panicked"),
		NewBufferOverflowError(now, "n1", "send queue full"),
	}
	for _, e := range errs {
		if e.OccurredAt() != now {
			t.Fatalf("expected OccurredAt %v, got %v", now, e.OccurredAt())
		}
		if e.Message() == "" {
			t.Fatalf("expected non-empty message for %T", e)
		}
	}
}

func TestEventVariantsSatisfyTheSealedUnion(t *testing.T) {
	var evts []Event
	evts = append(evts,
		PeerAdded{Peer: "n1"},
		PeerRemoved{Peer: "n1"},
		PeerStatusChanged{Peer: "n1"},
		ChannelCreated{Channel: "c1"},
		ChannelRemoved{Channel: "c1"},
		MemberAdded{Channel: "c1", Member: "n1"},
		MemberRemoved{Channel: "c1", Member: "n1"},
		StreamCreated{Channel: "c1", Stream: "s1"},
		EntryAppended{Channel: "c1", Stream: "s1"},
		EntriesMerged{Channel: "c1", Stream: "s1"},
		StreamCompacted{Channel: "c1", Stream: "s1", RemovedCount: 2},
		BufferOverflowOccurred{Peer: "n1"},
		NonMemberEntriesRejected{Channel: "c1", Stream: "s1", Author: "n2"},
	)
	if len(evts) != 13 {
		t.Fatalf("expected 13 event variants constructed, got %d", len(evts))
	}
}
