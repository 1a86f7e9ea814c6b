package ws

import (
	"encoding/json"
	"time"

	"discord-map-bridge/backend/pkg/logger"
	pkgws "discord-map-bridge/backend/pkg/ws"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Subscribers only send small control messages
	maxMessageSize = 4 * 1024

	sendBuffer = 16
)

// Client is one stream subscriber
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *logger.Logger
}

// enqueue queues a frame without blocking; a full buffer drops it
func (c *Client) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug("stream read failed", "error", err.Error())
			}
			return
		}

		var message pkgws.Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.reply(pkgws.TypeError, map[string]string{"message": "invalid message"})
			continue
		}

		switch message.Type {
		case pkgws.TypePing:
			c.reply(pkgws.TypePong, nil)
		case pkgws.TypeSnapshot:
			c.deliver(c.hub.snapshotFrame())
		default:
			c.reply(pkgws.TypeError, map[string]string{"message": "unknown message type"})
		}
	}
}

func (c *Client) reply(messageType string, content interface{}) {
	frame, err := json.Marshal(pkgws.Message{Type: messageType, Content: content})
	if err != nil {
		return
	}
	c.deliver(frame)
}

// deliver queues a frame from outside the hub loop. The hub closes send, so
// frames are only queued while the client is still registered.
func (c *Client) deliver(frame []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.clients[c] {
		c.enqueue(frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
