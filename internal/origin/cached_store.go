package origin

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2"
)

type CacheConfig struct {
	MaxEntries int
	MaxBytes   int64
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 256,
		MaxBytes:   128 * 1024 * 1024, // 128MiB
	}
}

type MetricsSnapshot struct {
	Hits        uint64
	Misses      uint64
	OriginReads uint64
	OriginErr   uint64
	Evictions   uint64
}

type cacheMetrics struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	originReads atomic.Uint64
	originErr   atomic.Uint64
	evictions   atomic.Uint64
}

// CachedStore is a read-through memory tier in front of another store.
// Manifests bypass it. Callers Purge it when the tree underneath is
// republished.
type CachedStore struct {
	origin   Store
	cache    *lru.Cache[string, []byte]
	maxBytes int64
	bytes    atomic.Int64
	metrics  cacheMetrics
}

func NewCachedStore(origin Store, cfg CacheConfig) (*CachedStore, error) {
	def := DefaultCacheConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes < 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	s := &CachedStore{origin: origin, maxBytes: cfg.MaxBytes}
	cache, err := lru.NewWithEvict[string, []byte](cfg.MaxEntries, func(_ string, v []byte) {
		s.bytes.Add(-int64(len(v)))
		s.metrics.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *CachedStore) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if raw, ok := s.cache.Get(key); ok {
		s.metrics.hits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	raw, err := s.origin.Get(ctx, key)
	if err != nil {
		s.metrics.originErr.Add(1)
		return nil, err
	}
	s.add(key, raw)
	return raw, nil
}

func (s *CachedStore) Open(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	raw, err := s.Get(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(raw)), int64(len(raw)), nil
}

// Purge empties the memory tier.
func (s *CachedStore) Purge() {
	s.cache.Purge()
}

func (s *CachedStore) add(key string, raw []byte) {
	size := int64(len(raw))
	if s.maxBytes > 0 && size > s.maxBytes {
		return
	}
	copied := append([]byte(nil), raw...)
	if s.cache.Contains(key) {
		s.cache.Remove(key)
	}
	s.cache.Add(key, copied)
	s.bytes.Add(size)
	for s.maxBytes > 0 && s.bytes.Load() > s.maxBytes {
		if _, _, ok := s.cache.RemoveOldest(); !ok {
			break
		}
	}
}

func (s *CachedStore) Len() int { return s.cache.Len() }

func (s *CachedStore) Bytes() int64 { return s.bytes.Load() }

func (s *CachedStore) Metrics() MetricsSnapshot {
	if s == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Hits:        s.metrics.hits.Load(),
		Misses:      s.metrics.misses.Load(),
		OriginReads: s.metrics.originReads.Load(),
		OriginErr:   s.metrics.originErr.Load(),
		Evictions:   s.metrics.evictions.Load(),
	}
}
