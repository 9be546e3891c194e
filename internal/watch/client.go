package watch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives every published notification.
type Handler func(Notification)

type ClientOptions struct {
	Logger      *slog.Logger
	BuildTarget string
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Dialer      *websocket.Dialer
}

// Client keeps a subscription to a hub open, reconnecting with
// exponential backoff.
type Client struct {
	url    string
	log    *slog.Logger
	dialer *websocket.Dialer
	min    time.Duration
	max    time.Duration
}

// NewClient creates a client for a ws:// or wss:// hub URL.
func NewClient(rawURL string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("watch url must use ws or wss")
	}
	if opts.BuildTarget != "" {
		q := u.Query()
		q.Set("build_target", opts.BuildTarget)
		u.RawQuery = q.Encode()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{
		url:    u.String(),
		log:    opts.Logger,
		dialer: opts.Dialer,
		min:    opts.MinBackoff,
		max:    opts.MaxBackoff,
	}, nil
}

// Run delivers notifications to fn until ctx ends. It always returns a
// non-nil error, ctx.Err() on a clean stop.
func (c *Client) Run(ctx context.Context, fn Handler) error {
	backoff := c.min
	for {
		delivered, err := c.session(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			backoff = c.min
		}
		c.log.Warn("publish watch disconnected", "url", c.url, "error", err, "retry", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.max)
	}
}

// session runs one connection. delivered reports whether the hub
// acknowledged the subscription.
func (c *Client) session(ctx context.Context, fn Handler) (delivered bool, err error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})
	for {
		var n Notification
		if err := conn.ReadJSON(&n); err != nil {
			return delivered, err
		}
		switch n.Type {
		case TypeSubscribed:
			delivered = true
			c.log.Debug("publish watch subscribed", "url", c.url)
		case TypePublished:
			if fn != nil {
				fn(n)
			}
		case TypeError:
			c.log.Warn("publish watch error", "message", n.Message)
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}
