package rpc

import (
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype the client requests; the server resolves
// it through the gRPC codec registry.
const codecName = "json"

var wire = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return wire.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return wire.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
