package manifeststore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := store.Load(ctx, Key("linux"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, Key("linux"), []byte(`{"buildTarget":"linux"}`)))
	raw, ok, err := store.Load(ctx, Key("linux"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"buildTarget":"linux"}`, string(raw))

	assert.Error(t, store.Save(ctx, "../escape", nil))
	assert.Error(t, store.Save(ctx, " ", nil))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "cached_manifest.linux", Key(" linux "))
	assert.Equal(t, "cached_manifest.default", Key(""))
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) Save(context.Context, string, []byte) error { return errors.New("write failed") }
func (f *failingStore) Close() error                              { return errors.New("close failed") }

func TestMirrorAggregatesErrors(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	broken := &failingStore{MemoryStore: NewMemoryStore()}
	m := NewMirror(primary, broken, nil)

	err := m.Save(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")

	raw, ok, err := m.Load(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(raw))

	assert.EqualError(t, m.Close(), "close failed")
}

func TestOpen(t *testing.T) {
	s, err := Open("file", t.TempDir(), "")
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open("memory", "", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open("postgres", "", "")
	assert.Error(t, err)
	_, err = Open("etcd", "", "")
	assert.Error(t, err)
}
