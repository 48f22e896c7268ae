package chronos

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one committed write, published after its metadata transaction.
type Event struct {
	Type       EventType `json:"type"`
	Database   string    `json:"db"`
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	OV         int64     `json:"ov"`
	CV         int64     `json:"cv"`
	At         time.Time `json:"at"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// WatchConfig configures the change-stream hub.
type WatchConfig struct {
	// BufferSize is the channel buffer per subscription. A subscriber that
	// falls behind loses events rather than blocking writers. Default: 1000.
	BufferSize int
	// PingInterval for WebSocket keepalive. Default: 30s.
	PingInterval time.Duration
	// WriteTimeout for WebSocket writes. Default: 10s.
	WriteTimeout time.Duration
}

// Subscription is one active change-stream subscription.
type Subscription struct {
	ID         string
	Database   string // empty matches all
	Collection string // empty matches all
	ch         chan Event
	closed     bool
	mu         sync.Mutex
}

// C returns the channel delivering matched events.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Slow consumer: drop rather than stall the write path.
	}
}

// Hub fans committed write events out to subscribers.
type Hub struct {
	config WatchConfig
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	nextID uint64
}

func newHub(cfg WatchConfig, logger *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{config: cfg, logger: logger, subs: make(map[string]*Subscription)}
}

// Subscribe registers for events on a database/collection. Empty strings
// match everything.
func (h *Hub) Subscribe(database, collection string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		ID:         fmt.Sprintf("sub-%d", h.nextID),
		Database:   database,
		Collection: collection,
		ch:         make(chan Event, h.config.BufferSize),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Publish delivers an event to matching subscribers. Non-blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.Database != "" && sub.Database != ev.Database {
			continue
		}
		if sub.Collection != "" && sub.Collection != ev.Collection {
			continue
		}
		sub.deliver(ev)
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP streams change events over a WebSocket. Query parameters `db`
// and `collection` filter the stream; each event is one JSON text message.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.Subscribe(r.URL.Query().Get("db"), r.URL.Query().Get("collection"))
	defer h.Unsubscribe(sub.ID)

	// Reader goroutine: surface client disconnects.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("event marshal failed", "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
