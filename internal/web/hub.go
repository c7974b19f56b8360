package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a state-change message pushed to connected subscribers.
type Event struct {
	Type string      `json:"type"` // "state"
	Data interface{} `json:"data"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The status stream carries no secrets and no mutations.
		return true
	},
}

// Client is one connected websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains active websocket connections and fans manager state
// events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("state_hub_started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("state_hub_stopping")
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Info("ws_client_connected", slog.Int("total_clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("ws_client_disconnected", slog.Int("total_clients", len(h.clients)))
			}

		case event := <-h.broadcast:
			message, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("ws_json_marshal_error", slog.String("error", err.Error()))
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than stall the
					// manager's event path.
					h.logger.Warn("ws_client_blocked_dropping_client")
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// Broadcast queues an event without blocking; under pressure the event
// is dropped, the next state snapshot supersedes it anyway.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws_hub_blocked_dropping_event")
	}
}

// HandleWS upgrades an HTTP request into a subscriber connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, 64)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection, keeping the pong deadline fresh. The
// stream is one-way; incoming payloads are ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
