package transport

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/grpc/encoding"

	"driftmesh/internal/model"
)

// envelope is the single wire message GRPCTransport exchanges: a sender id
// plus the already-encoded codec.Message bytes produced by internal/codec.
type envelope struct {
	Sender model.NodeID
	Data   []byte
}

// rawCodec marshals an envelope without protobuf, since driftmesh's wire
// format is already internal/codec's own length-prefixed encoding; gRPC
// here is used purely as the connection/multiplexing transport, not as a
// second serialization layer on top of the first.
type rawCodec struct{}

const rawCodecName = "driftmesh-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	e, ok := v.(*envelope)
	if !ok {
		return nil, fmt.Errorf("transport: rawCodec cannot marshal %T", v)
	}
	sender := []byte(e.Sender)
	buf := make([]byte, 4+len(sender)+len(e.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(sender)))
	copy(buf[4:], sender)
	copy(buf[4+len(sender):], e.Data)
	return buf, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	e, ok := v.(*envelope)
	if !ok {
		return fmt.Errorf("transport: rawCodec cannot unmarshal into %T", v)
	}
	if len(data) < 4 {
		return fmt.Errorf("transport: envelope too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+n {
		return fmt.Errorf("transport: envelope sender length %d exceeds frame", n)
	}
	e.Sender = model.NodeID(data[4 : 4+n])
	e.Data = append([]byte(nil), data[4+n:]...)
	return nil
}
