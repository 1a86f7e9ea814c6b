// Package ws pushes the message snapshot to WebSocket subscribers after every refresh.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"discord-map-bridge/backend/internal/models"
	"discord-map-bridge/backend/internal/store"
	"discord-map-bridge/backend/pkg/errors"
	"discord-map-bridge/backend/pkg/logger"
	pkgws "discord-map-bridge/backend/pkg/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SnapshotContent is the content of a snapshot frame
type SnapshotContent struct {
	Count      int                      `json:"count"`
	Messages   []models.ResolvedMessage `json:"messages"`
	LastUpdate *int64                   `json:"lastUpdate"`
}

// Hub tracks subscribers and fans the current snapshot out to them
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	notify     chan struct{}
	done       chan struct{}
	cache      *store.MessageCache
	upgrader   websocket.Upgrader
	log        *logger.Logger
	mu         sync.Mutex
}

// NewHub creates a hub serving snapshots from cache. Browser handshakes are
// accepted from allowedOrigins, where "*" admits any origin.
func NewHub(cache *store.MessageCache, allowedOrigins []string, log *logger.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		cache:      cache,
		log:        log,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      originChecker(allowedOrigins),
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no Origin
		return origin == "" || set[origin]
	}
}

// Notify tells the hub a new snapshot was written. Bursts coalesce into one push.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run serves registrations and pushes until ctx is done, then closes every subscriber
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			client.enqueue(h.snapshotFrame())
			client.log.Debug("stream subscriber registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				client.log.Debug("stream subscriber unregistered")
			}
			h.mu.Unlock()

		case <-h.notify:
			frame := h.snapshotFrame()
			if frame == nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- frame:
				default:
					close(client.send)
					delete(h.clients, client)
					client.log.Warn("stream subscriber removed, send buffer full")
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) snapshotFrame() []byte {
	snapshot := h.cache.Read()
	frame, err := json.Marshal(pkgws.Message{
		Type: pkgws.TypeSnapshot,
		Content: SnapshotContent{
			Count:      len(snapshot.Messages),
			Messages:   snapshot.Messages,
			LastUpdate: snapshot.LastUpdateMillis(),
		},
	})
	if err != nil {
		h.log.LogError(err, "failed to encode snapshot frame")
		return nil
	}
	return frame
}

// ServeWs upgrades the request and subscribes the connection
func (h *Hub) ServeWs(c *gin.Context) {
	select {
	case <-h.done:
		c.Error(errors.NewServiceUnavailableError("STREAM_CLOSED", "Snapshot stream is shutting down"))
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered the client
		logger.FromContext(c).Debug("stream handshake rejected", "error", err.Error())
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	client.log = &logger.Logger{Logger: logger.FromContext(c).Named("stream").With("client_id", client.id)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}
