package service

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName 是 gRPC content-subtype: application/grpc+cbor
const CodecName = "cbor"

// cborCodec 用 CBOR 编码消息，不需要生成的 protobuf 类型
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
