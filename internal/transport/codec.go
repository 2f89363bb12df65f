package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype peers use for every call.
const CodecName = "skipgraph-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the plain request and reply structs of the skipgraph
// package as JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
