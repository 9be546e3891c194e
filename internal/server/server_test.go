package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlekit/internal/manifest"
	"bundlekit/internal/origin"
	"bundlekit/internal/watch"
)

func newTestServer(t *testing.T) (*httptest.Server, *watch.Hub, *manifest.Manifest) {
	t.Helper()
	store, err := origin.NewDirStore(t.TempDir())
	require.NoError(t, err)
	m, err := manifest.New("linux", "", 1_700_000_000_000, []manifest.BundleInfo{
		{Name: "A", Hash: "h1", Dependencies: []string{"A"}, Size: 5},
	})
	require.NoError(t, err)
	raw, err := m.Marshal()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "linux/Manifest.json", raw))
	require.NoError(t, store.Put(ctx, "linux/A", []byte("bytes")))

	hub := watch.NewHub(nil)
	srv := httptest.NewServer(NewMux(Deps{Store: store, Hub: hub, Gatherer: prometheus.NewRegistry()}))
	t.Cleanup(srv.Close)
	return srv, hub, m
}

func TestServesBundles(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/bundles/linux/A")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "bytes", string(body))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// the HTTP origin reads the same tree
	hs, err := origin.NewHTTPStore(srv.URL+"/bundles", nil)
	require.NoError(t, err)
	data, err := hs.Get(context.Background(), "linux/A")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestPublishBroadcasts(t *testing.T) {
	srv, hub, m := newTestServer(t)
	client, err := watch.NewClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/publish", watch.ClientOptions{BuildTarget: "linux"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan watch.Notification, 1)
	go func() { _ = client.Run(ctx, func(n watch.Notification) { got <- n }) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/publish", "application/json", strings.NewReader(`{"buildTarget":"linux"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, m.GlobalHash, out["globalHash"])
	assert.EqualValues(t, 1, out["subscribers"])

	select {
	case n := <-got:
		assert.Equal(t, m.GlobalHash, n.GlobalHash)
		assert.Equal(t, "linux", n.BuildTarget)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not notified")
	}
}

func TestPublishErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	cases := []struct {
		body string
		want int
	}{
		{`{`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"buildTarget":"ios"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+"/publish", "application/json", strings.NewReader(tc.body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, tc.body)
	}
	resp, err := http.Get(srv.URL + "/publish")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishPurgesMemoryTier(t *testing.T) {
	store, err := origin.NewDirStore(t.TempDir())
	require.NoError(t, err)
	m, err := manifest.New("linux", "", 1, []manifest.BundleInfo{{Name: "A", Hash: "h1", Dependencies: []string{"A"}}})
	require.NoError(t, err)
	raw, err := m.Marshal()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "linux/Manifest.json", raw))
	require.NoError(t, store.Put(ctx, "linux/A", []byte("old")))

	cache, err := origin.NewCachedStore(store, origin.CacheConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(NewMux(Deps{Store: store, Cache: cache, Hub: watch.NewHub(nil)}))
	t.Cleanup(srv.Close)

	get := func() string {
		resp, err := http.Get(srv.URL + "/bundles/linux/A")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}
	assert.Equal(t, "old", get())
	require.NoError(t, store.Put(ctx, "linux/A", []byte("new")))
	assert.Equal(t, "old", get(), "served from memory")

	resp, err := http.Post(srv.URL+"/publish", "application/json", strings.NewReader(`{"buildTarget":"linux"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", get())
	assert.EqualValues(t, 1, cache.Metrics().Hits)

	resp, err = http.Get(srv.URL + "/bundles/linux/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
