package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName intentionally collides with grpc-go's built-in protobuf codec
// name. There is no protoc in this environment to generate real .pb.go
// stubs, so registering a JSON codec under the same name makes grpc's
// default wire negotiation (content-type "application/grpc", codec
// "proto") route to this codec instead, without touching any client or
// server dial/serve options.
const codecName = "proto"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
