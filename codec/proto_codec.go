package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// ProtoCodec serializes protocol buffer messages.
// Values passed to Encode and Decode must implement proto.Message.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("ProtoCodec: %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Decode(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("ProtoCodec: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
