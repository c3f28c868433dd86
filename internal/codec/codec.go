package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"driftmesh/internal/model"
)

// ErrUnknownKind is returned by Decode for a leading byte that does not
// match any known Kind. Per spec §4.7, callers should silently drop such
// frames rather than treat them as a protocol error (forward compatibility
// with future message kinds).
var ErrUnknownKind = errors.New("codec: unknown message kind")

// Encode serializes m into the framed wire format: one kind byte followed
// by a kind-specific payload.
func Encode(m Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(m.Kind()))

	switch v := m.(type) {
	case Ping:
		writeU32(buf, v.Seq)
		writeU64(buf, v.Incarnation)
		writeVVOptional(buf, v.SenderVV)
	case Ack:
		writeU32(buf, v.Seq)
		writeU64(buf, v.Incarnation)
	case PingReq:
		writeU32(buf, v.Seq)
		if err := writeIdent(buf, string(v.Target)); err != nil {
			return nil, err
		}
	case Suspicion:
		if err := writeIdent(buf, string(v.About)); err != nil {
			return nil, err
		}
		writeU64(buf, v.Incarnation)
	case Digest:
		if err := writeDigest(buf, v); err != nil {
			return nil, err
		}
	case Delta:
		if err := writeDelta(buf, v); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("codec: unsupported message type %T", m)
	}

	return buf.Bytes(), nil
}

// Decode parses a framed wire message. Unknown kinds return ErrUnknownKind;
// callers should drop the frame and continue (spec §4.7).
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, io.ErrUnexpectedEOF
	}
	r := bytes.NewReader(data[1:])
	switch Kind(data[0]) {
	case KindPing:
		seq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		inc, err := readU64(r)
		if err != nil {
			return nil, err
		}
		vv, err := readVVOptional(r)
		if err != nil {
			return nil, err
		}
		return Ping{Seq: seq, Incarnation: inc, SenderVV: vv}, nil
	case KindAck:
		seq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		inc, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return Ack{Seq: seq, Incarnation: inc}, nil
	case KindPingReq:
		seq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		target, err := readIdent(r)
		if err != nil {
			return nil, err
		}
		return PingReq{Seq: seq, Target: model.NodeID(target)}, nil
	case KindSuspicion:
		about, err := readIdent(r)
		if err != nil {
			return nil, err
		}
		inc, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return Suspicion{About: model.NodeID(about), Incarnation: inc}, nil
	case KindDigest:
		return readDigest(r)
	case KindDelta:
		return readDelta(r)
	default:
		return nil, ErrUnknownKind
	}
}

// --- primitive helpers -----------------------------------------------------

func writeU16(buf *bytes.Buffer, v uint16) { binary.Write(buf, binary.BigEndian, v) }
func writeU32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.BigEndian, v) }
func writeU64(buf *bytes.Buffer, v uint64) { binary.Write(buf, binary.BigEndian, v) }

func readU16(r *bytes.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func readU64(r *bytes.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

// writeIdent writes a u16-length-prefixed UTF-8 identifier string.
func writeIdent(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("codec: identifier %q exceeds u16 length prefix", s)
	}
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readIdent(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// writeBlob writes a u32-length-prefixed payload.
func writeBlob(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func packHlc(h model.Hlc) uint64 {
	return (h.PhysicalMs&0xFFFFFFFFFFFF)<<16 | uint64(h.Logical)
}

func unpackHlc(v uint64) model.Hlc {
	return model.Hlc{PhysicalMs: v >> 16, Logical: uint16(v & 0xFFFF)}
}

// --- version vector encoding -------------------------------------------------

func writeVV(buf *bytes.Buffer, vv model.VersionVector) error {
	if len(vv) > 0xFFFF {
		return fmt.Errorf("codec: version vector has more than 65535 entries")
	}
	writeU16(buf, uint16(len(vv)))
	for id, seq := range vv {
		if err := writeIdent(buf, string(id)); err != nil {
			return err
		}
		writeU32(buf, seq)
	}
	return nil
}

func readVV(r *bytes.Reader) (model.VersionVector, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	vv := model.NewVersionVector()
	for i := uint16(0); i < n; i++ {
		id, err := readIdent(r)
		if err != nil {
			return nil, err
		}
		seq, err := readU32(r)
		if err != nil {
			return nil, err
		}
		vv.Set(model.NodeID(id), seq)
	}
	return vv, nil
}

// writeVVOptional writes a presence byte followed by the vector when
// present, used for Ping's optional piggy-backed summary.
func writeVVOptional(buf *bytes.Buffer, vv model.VersionVector) error {
	if vv == nil {
		buf.WriteByte(0)
		return nil
	}
	buf.WriteByte(1)
	return writeVV(buf, vv)
}

func readVVOptional(r *bytes.Reader) (model.VersionVector, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	return readVV(r)
}

// --- digest / delta encoding --------------------------------------------------

func writeDigest(buf *bytes.Buffer, d Digest) error {
	if len(d.Channels) > 0xFFFF {
		return fmt.Errorf("codec: digest has more than 65535 channels")
	}
	writeU16(buf, uint16(len(d.Channels)))
	for _, ch := range d.Channels {
		if err := writeIdent(buf, string(ch.Channel)); err != nil {
			return err
		}
		if len(ch.Streams) > 0xFFFF {
			return fmt.Errorf("codec: digest channel %q has more than 65535 streams", ch.Channel)
		}
		writeU16(buf, uint16(len(ch.Streams)))
		for _, sv := range ch.Streams {
			if err := writeIdent(buf, string(sv.Stream)); err != nil {
				return err
			}
			if err := writeVV(buf, sv.VV); err != nil {
				return err
			}
		}
	}
	return nil
}

func readDigest(r *bytes.Reader) (Message, error) {
	chCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	d := Digest{Channels: make([]ChannelDigest, 0, chCount)}
	for i := uint16(0); i < chCount; i++ {
		chID, err := readIdent(r)
		if err != nil {
			return nil, err
		}
		streamCount, err := readU16(r)
		if err != nil {
			return nil, err
		}
		streams := make([]StreamVV, 0, streamCount)
		for j := uint16(0); j < streamCount; j++ {
			streamID, err := readIdent(r)
			if err != nil {
				return nil, err
			}
			vv, err := readVV(r)
			if err != nil {
				return nil, err
			}
			streams = append(streams, StreamVV{Stream: model.StreamID(streamID), VV: vv})
		}
		d.Channels = append(d.Channels, ChannelDigest{Channel: model.ChannelID(chID), Streams: streams})
	}
	return d, nil
}

func writeDelta(buf *bytes.Buffer, d Delta) error {
	if len(d.Channels) > 0xFFFF {
		return fmt.Errorf("codec: delta has more than 65535 channels")
	}
	writeU16(buf, uint16(len(d.Channels)))
	for _, ch := range d.Channels {
		if err := writeIdent(buf, string(ch.Channel)); err != nil {
			return err
		}
		if len(ch.Streams) > 0xFFFF {
			return fmt.Errorf("codec: delta channel %q has more than 65535 streams", ch.Channel)
		}
		writeU16(buf, uint16(len(ch.Streams)))
		for _, sd := range ch.Streams {
			if err := writeIdent(buf, string(sd.Stream)); err != nil {
				return err
			}
			if err := writeVV(buf, sd.VV); err != nil {
				return err
			}
			writeU32(buf, uint32(len(sd.Entries)))
			for _, e := range sd.Entries {
				if err := writeIdent(buf, string(e.Author)); err != nil {
					return err
				}
				writeU32(buf, e.Sequence)
				writeU64(buf, packHlc(e.Timestamp))
				writeBlob(buf, e.Payload)
			}
		}
	}
	return nil
}

func readDelta(r *bytes.Reader) (Message, error) {
	chCount, err := readU16(r)
	if err != nil {
		return nil, err
	}
	d := Delta{Channels: make([]ChannelDelta, 0, chCount)}
	for i := uint16(0); i < chCount; i++ {
		chID, err := readIdent(r)
		if err != nil {
			return nil, err
		}
		streamCount, err := readU16(r)
		if err != nil {
			return nil, err
		}
		streams := make([]StreamDelta, 0, streamCount)
		for j := uint16(0); j < streamCount; j++ {
			streamID, err := readIdent(r)
			if err != nil {
				return nil, err
			}
			vv, err := readVV(r)
			if err != nil {
				return nil, err
			}
			entryCount, err := readU32(r)
			if err != nil {
				return nil, err
			}
			entries := make([]model.LogEntry, 0, entryCount)
			for k := uint32(0); k < entryCount; k++ {
				author, err := readIdent(r)
				if err != nil {
					return nil, err
				}
				seq, err := readU32(r)
				if err != nil {
					return nil, err
				}
				hlcRaw, err := readU64(r)
				if err != nil {
					return nil, err
				}
				payload, err := readBlob(r)
				if err != nil {
					return nil, err
				}
				entries = append(entries, model.LogEntry{
					Author:    model.NodeID(author),
					Sequence:  seq,
					Timestamp: unpackHlc(hlcRaw),
					Payload:   payload,
				})
			}
			streams = append(streams, StreamDelta{Stream: model.StreamID(streamID), VV: vv, Entries: entries})
		}
		d.Channels = append(d.Channels, ChannelDelta{Channel: model.ChannelID(chID), Streams: streams})
	}
	return d, nil
}
