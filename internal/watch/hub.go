package watch

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type subscriber struct {
	target string
	ch     chan Notification
}

// Hub fans publish notifications out to websocket subscribers. A
// subscriber may filter by build target with ?build_target=.
type Hub struct {
	log  *slog.Logger
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger, subs: make(map[*subscriber]struct{})}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast queues n for every matching subscriber and returns how many
// received it. Slow subscribers lose their oldest queued message.
func (h *Hub) Broadcast(n Notification) int {
	if n.Type == "" {
		n.Type = TypePublished
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for sub := range h.subs {
		if sub.target != "" && n.BuildTarget != "" && sub.target != n.BuildTarget {
			continue
		}
		push(sub.ch, n)
		sent++
	}
	h.log.Info("publish broadcast", "target", n.BuildTarget, "globalHash", n.GlobalHash, "subscribers", sent)
	return sent
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		h.log.Warn("publish ws set read deadline failed", "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	sub := &subscriber{
		target: strings.TrimSpace(r.URL.Query().Get("build_target")),
		ch:     make(chan Notification, 32),
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-sub.ch:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	push(sub.ch, Notification{Type: TypeSubscribed, BuildTarget: sub.target})
	h.add(sub)
	defer h.remove(sub)

	for {
		var in Notification
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			return
		}
		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case TypePing:
			push(sub.ch, Notification{Type: TypePong})
		default:
			push(sub.ch, Notification{Type: TypeError, Message: "unsupported type: " + in.Type})
		}
	}
}

func push(ch chan Notification, n Notification) {
	select {
	case ch <- n:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- n:
	default:
	}
}
