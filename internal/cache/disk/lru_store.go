package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Config struct {
	Root      string
	IndexFile string
	// MaxBytes caps the store on every Put. Zero leaves pruning to ClearTo.
	MaxBytes int64
	Clock    clock.Clock
	Logger   *slog.Logger
}

type diskEntry struct {
	Name       string    `json:"name"`
	Hash       string    `json:"hash"`
	File       string    `json:"file"`
	Size       int64     `json:"size"`
	AccessedAt time.Time `json:"accessed_at"`
}

type diskIndex struct {
	Entries map[string]diskEntry `json:"entries"`
}

// LRUStore keeps bundle payloads on disk keyed by name and hash, with an
// index for least-recently-used pruning.
type LRUStore struct {
	mu sync.Mutex

	root      string
	dataDir   string
	indexPath string
	maxBytes  int64
	clock     clock.Clock
	log       *slog.Logger

	totalBytes int64
	entries    map[string]diskEntry
}

func NewLRUStore(cfg Config) (*LRUStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	indexFile := strings.TrimSpace(cfg.IndexFile)
	if indexFile == "" {
		indexFile = "index.json"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &LRUStore{
		root:      root,
		dataDir:   filepath.Join(root, "data"),
		indexPath: filepath.Join(root, indexFile),
		maxBytes:  cfg.MaxBytes,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		entries:   map[string]diskEntry{},
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if err := s.cleanupLocked(); err != nil {
		return nil, err
	}
	if s.maxBytes > 0 {
		s.evictLocked(s.maxBytes)
	}
	if err := s.persistIndexLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func entryKey(name, hash string) (string, error) {
	name = strings.TrimSpace(name)
	hash = strings.TrimSpace(hash)
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	if hash == "" {
		return "", fmt.Errorf("hash is required")
	}
	return name + "@" + hash, nil
}

func (s *LRUStore) Get(_ context.Context, name, hash string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, fmt.Errorf("store is nil")
	}
	key, err := entryKey(name, hash)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.dataDir, ent.File))
	if err != nil {
		if os.IsNotExist(err) {
			s.removeEntryLocked(key, ent)
			_ = s.persistIndexLocked()
			return nil, false, nil
		}
		return nil, false, err
	}
	ent.AccessedAt = s.clock.Now()
	s.entries[key] = ent
	if err := s.persistIndexLocked(); err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *LRUStore) Put(_ context.Context, name, hash string, data []byte) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	key, err := entryKey(name, hash)
	if err != nil {
		return err
	}
	file := hashedName(key)
	path := filepath.Join(s.dataDir, file)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.totalBytes -= old.Size
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.entries[key] = diskEntry{
		Name:       strings.TrimSpace(name),
		Hash:       strings.TrimSpace(hash),
		File:       file,
		Size:       int64(len(data)),
		AccessedAt: s.clock.Now(),
	}
	s.totalBytes += int64(len(data))

	if s.maxBytes > 0 {
		s.evictLocked(s.maxBytes)
	}
	return s.persistIndexLocked()
}

// IsCached reports whether the payload for name at hash is on disk.
func (s *LRUStore) IsCached(name, hash string) bool {
	if s == nil {
		return false
	}
	key, err := entryKey(name, hash)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		return false
	}
	if _, err := os.Stat(filepath.Join(s.dataDir, ent.File)); err != nil {
		s.removeEntryLocked(key, ent)
		_ = s.persistIndexLocked()
		return false
	}
	return true
}

// MarkUsed bumps the entry so ClearTo prunes it last.
func (s *LRUStore) MarkUsed(name, hash string) {
	if s == nil {
		return
	}
	key, err := entryKey(name, hash)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[key]
	if !ok {
		return
	}
	ent.AccessedAt = s.clock.Now()
	s.entries[key] = ent
	if err := s.persistIndexLocked(); err != nil {
		s.log.Warn("persist cache index failed", "error", err)
	}
}

// ClearTo removes least recently used entries until the store holds at
// most targetBytes.
func (s *LRUStore) ClearTo(targetBytes int64) error {
	if s == nil {
		return nil
	}
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.evictLocked(targetBytes)
	if removed > 0 {
		s.log.Info("pruned bundle cache", "removed", removed, "bytes", s.totalBytes, "target", targetBytes)
	}
	return s.persistIndexLocked()
}

func (s *LRUStore) Delete(_ context.Context, name, hash string) error {
	if s == nil {
		return nil
	}
	key, err := entryKey(name, hash)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.entries[key]; ok {
		s.removeEntryLocked(key, ent)
		return s.persistIndexLocked()
	}
	return nil
}

func (s *LRUStore) Clear(_ context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ent := range s.entries {
		_ = os.Remove(filepath.Join(s.dataDir, ent.File))
	}
	s.entries = map[string]diskEntry{}
	s.totalBytes = 0
	return s.persistIndexLocked()
}

// Size returns the number of bytes held.
func (s *LRUStore) Size() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func (s *LRUStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *LRUStore) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.entries = map[string]diskEntry{}
			s.totalBytes = 0
			return nil
		}
		return err
	}
	var idx diskIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		s.log.Warn("discarding unreadable cache index", "path", s.indexPath, "error", err)
		idx = diskIndex{}
	}
	if idx.Entries == nil {
		idx.Entries = map[string]diskEntry{}
	}
	s.entries = idx.Entries
	s.totalBytes = 0
	for _, ent := range s.entries {
		s.totalBytes += ent.Size
	}
	return nil
}

func (s *LRUStore) cleanupLocked() error {
	for key, ent := range s.entries {
		if _, err := os.Stat(filepath.Join(s.dataDir, ent.File)); err != nil {
			if os.IsNotExist(err) {
				s.removeEntryLocked(key, ent)
				continue
			}
			return err
		}
	}
	return nil
}

func (s *LRUStore) evictLocked(limit int64) int {
	removed := 0
	for len(s.entries) > 0 && s.totalBytes > limit {
		key, ent, ok := s.leastRecentlyUsedLocked()
		if !ok {
			break
		}
		s.removeEntryLocked(key, ent)
		removed++
	}
	return removed
}

func (s *LRUStore) leastRecentlyUsedLocked() (string, diskEntry, bool) {
	if len(s.entries) == 0 {
		return "", diskEntry{}, false
	}
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		li := s.entries[keys[i]].AccessedAt
		lj := s.entries[keys[j]].AccessedAt
		if li.Equal(lj) {
			return keys[i] < keys[j]
		}
		return li.Before(lj)
	})
	k := keys[0]
	return k, s.entries[k], true
}

func (s *LRUStore) removeEntryLocked(key string, ent diskEntry) {
	delete(s.entries, key)
	s.totalBytes -= ent.Size
	if s.totalBytes < 0 {
		s.totalBytes = 0
	}
	_ = os.Remove(filepath.Join(s.dataDir, ent.File))
}

func (s *LRUStore) persistIndexLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.indexPath), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(diskIndex{Entries: s.entries}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

func hashedName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".bin"
}
