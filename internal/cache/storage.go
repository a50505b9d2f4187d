package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"
)

// ErrStorage wraps backing store failures. The cache treats them as misses.
var ErrStorage = errors.New("cache storage fault")

type Storage[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Put(ctx context.Context, key string, value V) error
}

// MemoryStorage is a size-bounded LRU with per-entry expiry.
type MemoryStorage[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewMemoryStorage keeps at most size entries; ttl <= 0 disables expiry.
func NewMemoryStorage[V any](size int, ttl time.Duration) *MemoryStorage[V] {
	return &MemoryStorage[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (m *MemoryStorage[V]) Get(_ context.Context, key string) (V, bool, error) {
	v, ok := m.lru.Get(key)
	return v, ok, nil
}

func (m *MemoryStorage[V]) Put(_ context.Context, key string, value V) error {
	m.lru.Add(key, value)
	return nil
}

func (m *MemoryStorage[V]) Len() int { return m.lru.Len() }

// NATSStorage persists JSON-encoded values in a JetStream key-value bucket so
// several workers share one cache.
type NATSStorage[V any] struct {
	kv     nats.KeyValue
	prefix string
}

func NewNATSStorage[V any](kv nats.KeyValue, prefix string) *NATSStorage[V] {
	return &NATSStorage[V]{kv: kv, prefix: prefix}
}

func (s *NATSStorage[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	if err := ctx.Err(); err != nil {
		return v, false, err
	}
	entry, err := s.kv.Get(s.prefix + key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("%w: get %s: %v", ErrStorage, key, err)
	}
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return v, false, fmt.Errorf("%w: decode %s: %v", ErrStorage, key, err)
	}
	return v, true, nil
}

func (s *NATSStorage[V]) Put(ctx context.Context, key string, value V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStorage, key, err)
	}
	if _, err := s.kv.Put(s.prefix+key, data); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorage, key, err)
	}
	return nil
}

// OpenBucket binds to a key-value bucket, creating it when missing.
func OpenBucket(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "loqa-scribe analysis and transcript cache",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return kv, nil
}
