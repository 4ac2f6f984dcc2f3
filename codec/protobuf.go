package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf encodes proto messages, for deployments whose API schema ships .proto
// definitions for records.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *structpb.Struct { return &structpb.Struct{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// ProtoValue stores any JSON-encodable V as a google.protobuf.Value holding its
// JSON text, so integers past 2^53 survive. Values written as a structured
// Value tree are still read, with numbers as doubles.
type ProtoValue[V any] struct {
	pb Protobuf[*structpb.Value]
}

func NewProtoValue[V any]() ProtoValue[V] {
	return ProtoValue[V]{pb: NewProtobuf(func() *structpb.Value { return &structpb.Value{} })}
}

func (c ProtoValue[V]) Encode(v V) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.pb.Encode(structpb.NewStringValue(string(raw)))
}

func (c ProtoValue[V]) Decode(b []byte) (V, error) {
	var out V
	pv, err := c.pb.Decode(b)
	if err != nil {
		return out, err
	}
	if sv, ok := pv.GetKind().(*structpb.Value_StringValue); ok {
		if err := json.Unmarshal([]byte(sv.StringValue), &out); err == nil {
			return out, nil
		}
		out = *new(V)
	}
	raw, err := json.Marshal(pv.AsInterface())
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(raw, &out)
	return out, err
}
