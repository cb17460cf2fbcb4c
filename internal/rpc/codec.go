package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the registered name of the wire codec.
const CodecName = "resultgraph-json"

// Codec frames messages as JSON. The build has no protoc step, so the
// service runs over grpc's pluggable codec support instead of generated
// protobuf types; both ends force this codec explicitly.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
