// Package cache deduplicates expensive analysis and recognition work. Callers
// asking for the same key at the same time share one computation and later
// callers are served from storage.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Outcome reports how a GetOrCompute call was satisfied.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeComputed Outcome = "computed"
	OutcomeShared   Outcome = "shared"
	OutcomeBypass   Outcome = "bypass"
)

type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Shared        int64 `json:"shared"`
	StorageFaults int64 `json:"storage_faults"`
	// Entries is reported by storages that can count locally held values.
	Entries *int `json:"entries,omitempty"`
}

type counter interface {
	Len() int
}

// ComputeFunc produces a value on a miss. It receives a context detached from
// the caller's cancellation and must bound its own running time.
type ComputeFunc[V any] func(ctx context.Context) (V, error)

type Cache[V any] struct {
	name  string
	store Storage[V]
	group singleflight.Group
	log   *slog.Logger

	hits, misses, shared, faults atomic.Int64
}

func New[V any](name string, store Storage[V], log *slog.Logger) *Cache[V] {
	return &Cache[V]{
		name:  name,
		store: store,
		log:   log.With(slog.String("cache", name)),
	}
}

type flight[V any] struct {
	value V
	hit   bool
}

// GetOrCompute returns the value for key, running compute at most once across
// concurrent callers. A caller whose ctx ends stops waiting, but the shared
// computation runs to completion for everyone else. Failed computations are
// not stored.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute ComputeFunc[V]) (V, Outcome, error) {
	var zero V
	if v, ok := c.lookup(ctx, key); ok {
		c.hits.Add(1)
		return v, OutcomeHit, nil
	}

	detached := context.WithoutCancel(ctx)
	led := false
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		// A flight that finished between our lookup and DoChan has already
		// stored its value.
		if v, ok := c.lookup(detached, key); ok {
			return flight[V]{value: v, hit: true}, nil
		}
		v, err := compute(detached)
		if err != nil {
			return nil, err
		}
		if err := c.store.Put(detached, key, v); err != nil {
			c.faults.Add(1)
			c.log.Warn("cache store failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return flight[V]{value: v}, nil
	})

	select {
	case <-ctx.Done():
		return zero, "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, "", res.Err
		}
		f := res.Val.(flight[V])
		switch {
		case f.hit:
			c.hits.Add(1)
			return f.value, OutcomeHit, nil
		case led:
			c.misses.Add(1)
			return f.value, OutcomeComputed, nil
		default:
			c.shared.Add(1)
			return f.value, OutcomeShared, nil
		}
	}
}

func (c *Cache[V]) lookup(ctx context.Context, key string) (V, bool) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.faults.Add(1)
		c.log.Warn("cache lookup failed, treating as miss", slog.String("key", key), slog.String("error", err.Error()))
		var zero V
		return zero, false
	}
	return v, ok
}

func (c *Cache[V]) Name() string { return c.name }

func (c *Cache[V]) Stats() Stats {
	st := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Shared:        c.shared.Load(),
		StorageFaults: c.faults.Load(),
	}
	if n, ok := c.store.(counter); ok {
		entries := n.Len()
		st.Entries = &entries
	}
	return st
}
