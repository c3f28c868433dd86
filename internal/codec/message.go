// Package codec implements the framed binary wire protocol of spec §4.7:
// one leading kind byte followed by a kind-specific payload, for the six
// SWIM/anti-entropy message types the engine exchanges.
package codec

import "driftmesh/internal/model"

// Kind identifies a wire message's payload shape.
type Kind byte

const (
	KindPing      Kind = 0x10
	KindAck       Kind = 0x11
	KindPingReq   Kind = 0x12
	KindSuspicion Kind = 0x13
	KindDigest    Kind = 0x20
	KindDelta     Kind = 0x21
)

// Message is the sealed union of the six wire message types.
type Message interface {
	Kind() Kind
	isMessage()
}

// Ping is a direct liveness probe, optionally piggy-backing a summary of the
// sender's version-vector state so the receiver can opportunistically fold
// it in without waiting for the next digest round.
type Ping struct {
	Seq         uint32
	Incarnation uint64
	SenderVV    model.VersionVector // nil when no summary is piggy-backed
}

func (Ping) Kind() Kind { return KindPing }
func (Ping) isMessage() {}

// Ack answers a Ping (or, carrying the original probe's Seq, an indirect
// PingReq relayed on the prober's behalf).
type Ack struct {
	Seq         uint32
	Incarnation uint64
}

func (Ack) Kind() Kind { return KindAck }
func (Ack) isMessage() {}

// PingReq asks the receiver to relay a direct ping to Target on the
// sender's behalf (the SWIM indirect-probe step).
type PingReq struct {
	Seq    uint32
	Target model.NodeID
}

func (PingReq) Kind() Kind { return KindPingReq }
func (PingReq) isMessage() {}

// Suspicion informs About that it has been suspected at Incarnation,
// triggering the refutation rule of spec §4.4 if About's local incarnation
// is not already higher.
type Suspicion struct {
	About       model.NodeID
	Incarnation uint64
}

func (Suspicion) Kind() Kind { return KindSuspicion }
func (Suspicion) isMessage() {}

// StreamVV pairs a stream with a version vector, used inside both Digest
// and Delta.
type StreamVV struct {
	Stream model.StreamID
	VV     model.VersionVector
}

// ChannelDigest is one channel's contribution to a Digest.
type ChannelDigest struct {
	Channel model.ChannelID
	Streams []StreamVV
}

// Digest summarizes the sender's per-stream version vectors across every
// channel it knows about, inviting the peer to reply with whatever the
// sender is missing.
type Digest struct {
	Channels []ChannelDigest
}

func (Digest) Kind() Kind { return KindDigest }
func (Digest) isMessage() {}

// StreamDelta carries one stream's closing-the-gap entries plus the
// sender's version vector for that stream (so the peer can tell whether a
// follow-up Digest is still needed).
type StreamDelta struct {
	Stream  model.StreamID
	VV      model.VersionVector
	Entries []model.LogEntry
}

// ChannelDelta is one channel's contribution to a Delta.
type ChannelDelta struct {
	Channel model.ChannelID
	Streams []StreamDelta
}

// Delta carries the entries a node sends to close the gap indicated by a
// Digest it received.
type Delta struct {
	Channels []ChannelDelta
}

func (Delta) Kind() Kind { return KindDelta }
func (Delta) isMessage() {}
