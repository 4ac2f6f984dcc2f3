package herdsync

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/herdsync/codec"
)

// Bucket is a typed view over a Store. Every key is stored as "<prefix>:<key>", so
// Clear invalidates exactly the bucket.
type Bucket[V any] struct {
	store  Store
	prefix string
	codec  c.Codec[V]
	ttl    time.Duration
}

// NewBucket binds prefix and codec to s. ttl is the default for Set (0 => store default).
func NewBucket[V any](s Store, prefix string, codec c.Codec[V], ttl time.Duration) *Bucket[V] {
	if codec == nil {
		codec = c.JSON[V]{}
	}
	return &Bucket[V]{store: s, prefix: prefix, codec: codec, ttl: ttl}
}

// Key returns the store key (without namespace) used for key.
func (b *Bucket[V]) Key(key string) string {
	return b.prefix + ":" + key
}

// Get decodes the value for key. A payload the codec cannot read is deleted and
// reported as a miss.
func (b *Bucket[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, ok, err := b.store.Get(ctx, b.Key(key))
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := b.codec.Decode(raw)
	if err != nil {
		_ = b.store.Delete(ctx, b.Key(key))
		return zero, false, nil
	}
	return v, true, nil
}

// Entry returns the value together with when it was written.
func (b *Bucket[V]) Entry(ctx context.Context, key string) (V, time.Time, bool, error) {
	var zero V
	e, ok, err := b.store.Entry(ctx, b.Key(key))
	if err != nil || !ok {
		return zero, time.Time{}, false, err
	}
	v, err := b.codec.Decode(e.Data)
	if err != nil {
		_ = b.store.Delete(ctx, b.Key(key))
		return zero, time.Time{}, false, nil
	}
	return v, e.Timestamp, true, nil
}

func (b *Bucket[V]) Set(ctx context.Context, key string, v V) error {
	return b.SetWithTTL(ctx, key, v, b.ttl)
}

func (b *Bucket[V]) SetWithTTL(ctx context.Context, key string, v V, ttl time.Duration) error {
	raw, err := b.codec.Encode(v)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, b.Key(key), raw, ttl)
}

func (b *Bucket[V]) Delete(ctx context.Context, key string) error {
	return b.store.Delete(ctx, b.Key(key))
}

// DeletePrefix removes every key of the bucket starting with keyPrefix.
func (b *Bucket[V]) DeletePrefix(ctx context.Context, keyPrefix string) error {
	return b.store.DeleteByPrefix(ctx, b.Key(keyPrefix))
}

// Clear removes every key of the bucket.
func (b *Bucket[V]) Clear(ctx context.Context) error {
	return b.store.DeleteByPrefix(ctx, b.prefix+":")
}
