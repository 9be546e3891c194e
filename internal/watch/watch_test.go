package watch

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientReceivesBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	client, err := NewClient(wsURL(srv), ClientOptions{BuildTarget: "linux", MinBackoff: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Notification, 4)
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, func(n Notification) { got <- n }) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, hub.Broadcast(Notification{BuildTarget: "android", GlobalHash: "skip"}))
	assert.Equal(t, 1, hub.Broadcast(Notification{BuildTarget: "linux", GlobalHash: "abc"}))

	select {
	case n := <-got:
		assert.Equal(t, TypePublished, n.Type)
		assert.Equal(t, "abc", n.GlobalHash)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientReconnects(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	client, err := NewClient(wsURL(srv), ClientOptions{MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Notification, 4)
	go func() { _ = client.Run(ctx, func(n Notification) { got <- n }) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	srv.CloseClientConnections()
	require.Eventually(t, func() bool {
		return hub.Broadcast(Notification{GlobalHash: "after"}) == 1 && len(got) > 0
	}, 3*time.Second, 20*time.Millisecond)
	n := <-got
	assert.Equal(t, "after", n.GlobalHash)
}

func TestNewClientRejectsHTTP(t *testing.T) {
	_, err := NewClient("http://example.com/ws", ClientOptions{})
	assert.Error(t, err)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}
