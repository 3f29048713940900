// Package websocket is the push transport for notification fan-out. It
// implements a hub-and-spoke pattern where clients subscribe to audience
// topics (patient:<id>, doctor:<id>, doctors) and receive events published
// to those audiences. Delivery is push-only: nothing is queued for
// disconnected clients.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/scanhub/scanhub/internal/platform/notify"
)

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action    string   `json:"action"`
	Audiences []string `json:"audiences"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID        string
	Audiences []string
	Send      chan []byte
	hub       *Hub
	conn      Conn
}

// Hub is the central connection manager tracking clients per audience. All
// operations are thread-safe via sync.RWMutex. Publish calls for one scan
// arrive sequentially from the pipeline and are appended to each client's
// ordered Send channel, which preserves per-scan FIFO delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // audience -> set of clients
	all     map[*Client]struct{}
}

// NewHub creates a Hub ready to manage clients.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and subscribes it to its initial audiences.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, audience := range client.Audiences {
		if h.clients[audience] == nil {
			h.clients[audience] = make(map[*Client]struct{})
		}
		h.clients[audience][client] = struct{}{}
	}
}

// Unregister removes a client from all audiences and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, audience := range client.Audiences {
		if subscribers, ok := h.clients[audience]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, audience)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds audiences to an already-registered client.
func (h *Hub) Subscribe(client *Client, audiences []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, audience := range audiences {
		if h.clients[audience] == nil {
			h.clients[audience] = make(map[*Client]struct{})
		}
		h.clients[audience][client] = struct{}{}
	}
	client.Audiences = append(client.Audiences, audiences...)
}

// Unsubscribe removes audiences from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, audiences []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(audiences))
	for _, a := range audiences {
		removeSet[a] = struct{}{}
	}

	for _, audience := range audiences {
		if subscribers, ok := h.clients[audience]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, audience)
			}
		}
	}

	remaining := make([]string, 0, len(client.Audiences))
	for _, a := range client.Audiences {
		if _, rm := removeSet[a]; !rm {
			remaining = append(remaining, a)
		}
	}
	client.Audiences = remaining
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Audiences)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Audiences)
	}
}

// Publish implements notify.Router. Delivering to zero subscribers is not an
// error; the audience may simply be offline.
func (h *Hub) Publish(_ context.Context, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers, ok := h.clients[event.Audience]
	if !ok {
		return nil
	}
	for client := range subscribers {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// AudienceCount returns the number of clients subscribed to an audience.
func (h *Hub) AudienceCount(audience string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[audience])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler handles HTTP-to-WebSocket upgrades and message routing.
type Handler struct {
	hub *Hub
}

// NewHandler creates a handler bound to the given Hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client, and starts
// read/write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:        uuid.New().String(),
		Audiences: []string{},
		Send:      make(chan []byte, 256),
		hub:       wsh.hub,
		conn:      &gorillaConnAdapter{ws},
	}

	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			log.Printf("websocket: write to client %s failed: %v", client.ID, err)
			break
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
