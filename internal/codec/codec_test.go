package codec

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"

	"driftmesh/internal/model"
)

func TestRoundTripPingAckPingReqSuspicion(t *testing.T) {
	cases := []Message{
		Ping{Seq: 1, Incarnation: 2},
		Ping{Seq: 1, Incarnation: 2, SenderVV: model.VersionVector{"n1": 5, "n2": 9}},
		Ack{Seq: 7, Incarnation: 3},
		PingReq{Seq: 8, Target: "node-b"},
		Suspicion{About: "node-c", Incarnation: 42},
	}

	for _, m := range cases {
		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("encode %#v: %v", m, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode %#v: %v", m, err)
		}
		if !reflect.DeepEqual(m, decoded) {
			t.Fatalf("round trip mismatch: want %#v got %#v", m, decoded)
		}
	}
}

func TestRoundTripDigest(t *testing.T) {
	d := Digest{
		Channels: []ChannelDigest{
			{
				Channel: "c1",
				Streams: []StreamVV{
					{Stream: "s1", VV: model.VersionVector{"n1": 3, "n2": 0}},
					{Stream: "s2", VV: model.VersionVector{}},
				},
			},
		},
	}
	encoded, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(Digest)
	if !ok {
		t.Fatalf("expected Digest, got %T", decoded)
	}
	if len(got.Channels) != 1 || got.Channels[0].Channel != "c1" {
		t.Fatalf("unexpected decoded digest: %#v", got)
	}
	if got.Channels[0].Streams[0].VV.Get("n1") != 3 {
		t.Fatalf("unexpected vv: %#v", got.Channels[0].Streams[0].VV)
	}
}

func TestRoundTripDelta(t *testing.T) {
	delta := Delta{
		Channels: []ChannelDelta{
			{
				Channel: "c1",
				Streams: []StreamDelta{
					{
						Stream: "s1",
						VV:     model.VersionVector{"n1": 2},
						Entries: []model.LogEntry{
							{Author: "n1", Sequence: 1, Timestamp: model.Hlc{PhysicalMs: 100, Logical: 1}, Payload: []byte("hello")},
							{Author: "n1", Sequence: 2, Timestamp: model.Hlc{PhysicalMs: 101, Logical: 0}, Payload: []byte{}},
						},
					},
				},
			},
		},
	}

	encoded, err := Encode(delta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(Delta)
	if !ok {
		t.Fatalf("expected Delta, got %T", decoded)
	}
	entries := got.Channels[0].Streams[0].Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %q", entries[0].Payload)
	}
	if entries[0].Timestamp.PhysicalMs != 100 || entries[0].Timestamp.Logical != 1 {
		t.Fatalf("unexpected hlc round trip: %+v", entries[0].Timestamp)
	}
}

func TestDecodeUnknownKindIsReported(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0x01, 0x02})
	if err != ErrUnknownKind {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestHlcPackingRoundTrips(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := model.Hlc{
			PhysicalMs: uint64(rapid.Uint64Range(0, 0xFFFFFFFFFFFF).Draw(t, "physical")),
			Logical:    uint16(rapid.IntRange(0, 0xFFFF).Draw(t, "logical")),
		}
		got := unpackHlc(packHlc(h))
		if got != h {
			t.Fatalf("hlc pack/unpack mismatch: want %+v got %+v", h, got)
		}
	})
}

func TestPingReqRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := PingReq{
			Seq:    uint32(rapid.Uint32().Draw(t, "seq")),
			Target: model.NodeID(rapid.StringMatching(`[a-zA-Z0-9_-]{1,20}`).Draw(t, "target")),
		}
		encoded, err := Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded != m {
			t.Fatalf("round trip mismatch: want %+v got %+v", m, decoded)
		}
	})
}
