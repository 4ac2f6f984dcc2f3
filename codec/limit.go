package codec

import "fmt"

// Limit wraps another codec and bounds payload sizes in both directions.
// Local storage media have quotas; a single oversized record must not be able to
// evict the mutation queue. A limit <= 0 disables that direction.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

// ErrTooLarge is returned (wrapped) when a payload exceeds the configured limit.
type ErrTooLarge struct {
	Op    string
	Size  int
	Limit int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("codec: %s payload too large: %d > %d", e.Op, e.Size, e.Limit)
}

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if c.MaxEncode > 0 && len(b) > c.MaxEncode {
		return nil, &ErrTooLarge{Op: "encode", Size: len(b), Limit: c.MaxEncode}
	}
	return b, nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, &ErrTooLarge{Op: "decode", Size: len(b), Limit: c.MaxDecode}
	}
	return c.Inner.Decode(b)
}
