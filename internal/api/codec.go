package api

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype ("application/grpc+json").
const codecName = "json"

// jsonCodec carries the local API's plain Go structs over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CallOption selects the JSON codec for a client call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}
