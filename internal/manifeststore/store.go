// Package manifeststore persists the last manifest that was downloaded
// successfully so the next start can bootstrap offline.
package manifeststore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// Store reads and writes raw manifest documents under a key.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, raw []byte) error
	Close() error
}

// Key returns the well-known key of the cached manifest for a build target.
func Key(buildTarget string) string {
	target := strings.TrimSpace(buildTarget)
	if target == "" {
		target = "default"
	}
	return "cached_manifest." + target
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	return key, nil
}

// MemoryStore keeps manifests in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, raw []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), raw...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Mirror reads from the first store and writes to all of them.
type Mirror struct {
	stores []Store
}

func NewMirror(primary Store, others ...Store) *Mirror {
	stores := []Store{primary}
	for _, s := range others {
		if s != nil {
			stores = append(stores, s)
		}
	}
	return &Mirror{stores: stores}
}

func (m *Mirror) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var errs error
	for _, s := range m.stores {
		raw, ok, err := s.Load(ctx, key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			return raw, true, nil
		}
	}
	return nil, false, errs
}

func (m *Mirror) Save(ctx context.Context, key string, raw []byte) error {
	var errs error
	for _, s := range m.stores {
		errs = multierr.Append(errs, s.Save(ctx, key, raw))
	}
	return errs
}

func (m *Mirror) Close() error {
	var errs error
	for _, s := range m.stores {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

// Open builds a store from configuration. kind is "file", "postgres" or
// "memory"; postgres mirrors into the file store when path is also set.
func Open(kind, path, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "file":
		return NewFileStore(path)
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "pg":
		pg, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(path) == "" {
			return pg, nil
		}
		file, err := NewFileStore(path)
		if err != nil {
			return nil, multierr.Append(err, pg.Close())
		}
		return NewMirror(pg, file), nil
	default:
		return nil, fmt.Errorf("unknown manifest store %q", kind)
	}
}
