package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"lessond/pkg/logger"
	"lessond/pkg/slug"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second // Must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Any origin may watch; there is no authentication to protect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one WebSocket connection acting as a watch subscriber.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	ConnID string
	Send   chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Hub:    hub,
		Conn:   conn,
		ConnID: ulid.Make().String(),
		Send:   make(chan []byte, sendBufferSize),
	}
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := NewClient(hub, conn)
	logger.Sugar.Debugf("Watcher %s connected from %s", client.ConnID, r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string { return c.ConnID }

// Deliver queues msg for the write pump without blocking. A client whose
// queue is full is lagging and gets disconnected.
func (c *Client) Deliver(msg WSMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.Send <- payload:
		return nil
	default:
		if c.Conn != nil {
			// readPump notices and unregisters.
			c.Conn.Close()
		}
		return ErrSendBufferFull
	}
}

// close stops further deliveries and lets the write pump drain and exit.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}

func (c *Client) readPump() {
	defer func() {
		// Drop all subscriptions before the connection goes away.
		c.Hub.Unregister(c)
		c.close()
		c.Conn.Close()
		logger.Sugar.Debugf("Watcher %s disconnected", c.ConnID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Warnf("Error unmarshalling message from %s: %v", c.ConnID, err)
			c.reject("", "malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	switch msg.Type {
	case WatchType, WatchEndType:
		if err := slug.Validate(msg.Slug); err != nil {
			c.reject(msg.Slug, err.Error())
			return
		}
		if msg.Type == WatchType {
			c.Hub.Join(msg.Slug, c)
		} else {
			c.Hub.Leave(msg.Slug, c)
		}
	default:
		c.reject(msg.Slug, "unknown message type "+msg.Type)
	}
}

func (c *Client) reject(s, reason string) {
	if err := c.Deliver(WSMessage{Type: ErrorType, Slug: s, Message: reason}); err != nil {
		logger.Sugar.Warnf("Failed to send error to %s: %v", c.ConnID, err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		}
	}
}
