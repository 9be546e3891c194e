// Package watch carries publish notifications from a bundle server to
// running sessions over a websocket.
package watch

import "time"

const (
	TypePublished  = "published"
	TypeSubscribed = "subscribed"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Notification is one message on the publish channel.
type Notification struct {
	Type        string    `json:"type"`
	BuildTarget string    `json:"buildTarget,omitempty"`
	GlobalHash  string    `json:"globalHash,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitzero"`
	Message     string    `json:"message,omitempty"`
}

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)
