package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLRUStoreKeysByNameAndHash(t *testing.T) {
	store, err := NewLRUStore(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "A", "h1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !store.IsCached("A", "h1") {
		t.Fatalf("expected A@h1 to be cached")
	}
	if store.IsCached("A", "h2") {
		t.Fatalf("A@h2 was never stored")
	}
	raw, ok, err := store.Get(ctx, "A", "h1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(raw) != "v1" {
		t.Fatalf("unexpected value: %q", string(raw))
	}
	if _, ok, err := store.Get(ctx, "A", "h2"); err != nil || ok {
		t.Fatalf("expected miss for other hash: ok=%v err=%v", ok, err)
	}
	if err := store.Put(ctx, "", "h", nil); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestLRUStoreClearToKeepsRecentlyUsed(t *testing.T) {
	mock := clock.NewMock()
	store, err := NewLRUStore(Config{Root: t.TempDir(), Clock: mock})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if err := store.Put(ctx, name, "h", []byte("xx")); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
		mock.Add(time.Second)
	}
	store.MarkUsed("a", "h")
	mock.Add(time.Second)

	if err := store.ClearTo(4); err != nil {
		t.Fatalf("clear to: %v", err)
	}
	if store.IsCached("b", "h") {
		t.Fatalf("expected b to be pruned")
	}
	if !store.IsCached("a", "h") || !store.IsCached("c", "h") {
		t.Fatalf("expected a and c to remain")
	}
	if got := store.Size(); got != 4 {
		t.Fatalf("unexpected size: %d", got)
	}

	if err := store.ClearTo(0); err != nil {
		t.Fatalf("clear to zero: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", store.Len())
	}
}

func TestLRUStoreMaxBytesOnPut(t *testing.T) {
	mock := clock.NewMock()
	store, err := NewLRUStore(Config{Root: t.TempDir(), Clock: mock, MaxBytes: 4})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "a", "h", []byte("aa")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	mock.Add(time.Second)
	if err := store.Put(ctx, "b", "h", []byte("bb")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	mock.Add(time.Second)
	if _, ok, err := store.Get(ctx, "a", "h"); err != nil || !ok {
		t.Fatalf("touch a: ok=%v err=%v", ok, err)
	}
	mock.Add(time.Second)
	if err := store.Put(ctx, "c", "h", []byte("cc")); err != nil {
		t.Fatalf("put c: %v", err)
	}
	if store.IsCached("b", "h") {
		t.Fatalf("expected b to be evicted")
	}
	if !store.IsCached("a", "h") || !store.IsCached("c", "h") {
		t.Fatalf("expected a and c to remain")
	}
}

func TestLRUStoreRestoresFromIndex(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	store, err := NewLRUStore(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Put(ctx, "persist", "h", []byte("value")); err != nil {
		t.Fatalf("put persist: %v", err)
	}
	if err := store.Put(ctx, "gone", "h", []byte("value")); err != nil {
		t.Fatalf("put gone: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "data", hashedName("gone@h"))); err != nil {
		t.Fatalf("remove payload: %v", err)
	}

	store2, err := NewLRUStore(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	raw, ok, err := store2.Get(ctx, "persist", "h")
	if err != nil {
		t.Fatalf("get persist: %v", err)
	}
	if !ok {
		t.Fatalf("expected persisted key to exist")
	}
	if string(raw) != "value" {
		t.Fatalf("unexpected value: %q", string(raw))
	}
	if store2.IsCached("gone", "h") {
		t.Fatalf("expected entry with missing payload to be dropped")
	}
	if store2.Size() != 5 {
		t.Fatalf("unexpected size after reopen: %d", store2.Size())
	}
}
