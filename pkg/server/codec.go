package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype used on the wire ("application/grpc+json").
const codecName = "json"

// jsonCodec carries the service messages as JSON. The messages are plain Go
// structs; byte fields travel base64-encoded.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
