package monitorrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated as the grpc content-subtype
// ("application/grpc+json"); clients and the server must both import
// this package so the codec is registered before dialing/serving.
const codecName = "json"

// jsonCodec marshals request/response structs as JSON instead of
// protobuf wire format, since no .pb.go stubs are generated here.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
