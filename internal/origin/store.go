// Package origin fetches bundle payloads and manifests from the local
// package directory, a remote HTTP endpoint or object storage.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrHashMismatch = errors.New("payload hash mismatch")
)

// Store reads objects by slash-separated path.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Publisher writes objects. Build tooling publishes through it.
type Publisher interface {
	Put(ctx context.Context, path string, content []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Opener is implemented by stores that can stream, which lets the fetcher
// report byte progress. size is -1 when unknown.
type Opener interface {
	Open(ctx context.Context, path string) (rc io.ReadCloser, size int64, err error)
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, path string, content []byte) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	key, err := cleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), raw...), nil
}

func (s *MemoryStore) Delete(path string) {
	if s == nil {
		return
	}
	key, err := cleanPath(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "/")
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func cleanPath(path string) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	return path, nil
}

// Join builds an object path from its segments, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
