// Package codec turns typed values into the payload bytes the cache store frames.
//
// The queue persists []queue.Operation, the sync engine persists checkpoints and
// record maps, the lineage loader persists graphs; each picks a codec by name from
// configuration (see For) or is handed one explicitly.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names accepted by For.
const (
	NameJSON     = "json"
	NameCBOR     = "cbor"
	NameMsgpack  = "msgpack"
	NameProtobuf = "protobuf"
)

// For returns the named codec for V. "" selects JSON.
func For[V any](name string) (Codec[V], error) {
	switch name {
	case "", NameJSON:
		return JSON[V]{}, nil
	case NameCBOR:
		return NewCBOR[V](false)
	case NameMsgpack:
		return Msgpack[V]{}, nil
	case NameProtobuf:
		return NewProtoValue[V](), nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
