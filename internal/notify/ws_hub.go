package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/paper-broker/internal/metrics"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex // gorilla allows one concurrent writer
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

type delivery struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections keyed by user and pushes each
// notification to every connection its user has open. It is a Sender.
type WSHub struct {
	clients    map[string]map[*wsClient]struct{}
	deliver    chan delivery
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]map[*wsClient]struct{}),
		deliver:    make(chan delivery, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled,
// closing every open connection.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					c.conn.Close()
				}
			}
			h.clients = make(map[string]map[*wsClient]struct{})
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*wsClient]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", c.userID)

		case c := <-h.unregister:
			h.remove(c)

		case d := <-h.deliver:
			h.mu.RLock()
			targets := make([]*wsClient, 0, len(h.clients[d.userID]))
			for c := range h.clients[d.userID] {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				if err := c.write(websocket.TextMessage, d.data); err != nil {
					h.remove(c)
				}
			}
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	c.conn.Close()
	metrics.WebSocketClients.Dec()
}

// ClientCount returns the number of open connections for userID.
func (h *WSHub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Send queues a notification for the user's connections. Users without an
// open connection simply miss it.
func (h *WSHub) Send(_ context.Context, userID, title, message string) error {
	data, err := json.Marshal(WSMessage{
		Type:      "notification",
		UserID:    userID,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}
	select {
	case h.deliver <- delivery{userID: userID, data: data}:
		return nil
	default:
		return fmt.Errorf("websocket: delivery buffer full")
	}
}

// Name returns the sender identifier.
func (h *WSHub) Name() string {
	return "websocket"
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws?user_id=... and subscribes the
// connection to that user's notifications.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	c := &wsClient{userID: userID, conn: conn}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for range ticker.C {
			if h.ClientCount(userID) == 0 {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

var (
	_ Sender = (*WSHub)(nil)
	_ Sender = (*DiscordSender)(nil)
)
