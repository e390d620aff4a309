package substrate

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// gobCodec implements google.golang.org/grpc/encoding.Codec. It stands in
// for the protoc-generated protobuf codec gRPC normally uses (see
// DESIGN.md), while keeping gRPC itself — framing, deadlines, connection
// management — fully in play.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}
