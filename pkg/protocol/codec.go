// Package protocol defines the wire messages exchanged between cluster
// nodes and the gRPC codec they travel over. No .proto/.pb.go exists for
// this system, so wire structs are hand-written Go types carried by a
// JSON codec registered with grpc's generic encoding.Codec hook, rather
// than protobuf-generated messages.
package protocol

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const CodecName = "json"

// jsonCodec lets grpc carry plain Go structs instead of proto.Message,
// registered globally via init so both pkg/workerclient (master-side
// caller) and pkg/clustermanager (node-side server) can select it with
// grpc.CallContentSubtype/grpc.ForceCodec without repeating the wiring.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
