package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"precept-serve/internal/descriptor"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheMetrics receives cache hit/miss notifications.
type CacheMetrics interface {
	CacheHitsInc()
	CacheMissesInc()
}

// Cached memoizes successful predictions of a deterministic Predictor, keyed
// on the exact bit pattern of the input.
type Cached struct {
	next    Predictor
	cache   *lru.Cache[string, []float64]
	metrics CacheMetrics

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCached wraps next with an LRU cache holding up to size entries.
func NewCached(next Predictor, size int, m CacheMetrics) (*Cached, error) {
	cache, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, fmt.Errorf("create prediction cache: %w", err)
	}
	return &Cached{next: next, cache: cache, metrics: m}, nil
}

func (c *Cached) PredictContext(ctx context.Context, input []float64) ([]float64, error) {
	key := cacheKey(input)
	if out, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		if c.metrics != nil {
			c.metrics.CacheHitsInc()
		}
		return append([]float64(nil), out...), nil
	}
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesInc()
	}

	out, err := c.next.PredictContext(ctx, input)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, append([]float64(nil), out...))
	return out, nil
}

func (c *Cached) Predict(input []float64) ([]float64, error) {
	return c.PredictContext(context.Background(), input)
}

func (c *Cached) Descriptor() *descriptor.Descriptor {
	return c.next.Descriptor()
}

// Stats returns cumulative hit and miss counts.
func (c *Cached) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len is the number of cached predictions.
func (c *Cached) Len() int {
	return c.cache.Len()
}

func (c *Cached) Close() error {
	c.cache.Purge()
	return c.next.Close()
}

func cacheKey(input []float64) string {
	buf := make([]byte, 8*len(input))
	for i, v := range input {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return string(buf)
}
