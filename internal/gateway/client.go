package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fractalmind-ai/chorus/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	readLimit      = 1 << 20
	sendBufferSize = 64
)

// Client is one connected debugger session. Routed events are pushed to it;
// a client that cannot keep up is dropped rather than slowing the stream.
type Client struct {
	ID     string
	conn   *websocket.Conn
	server *Server

	send      chan protocol.Message
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, server *Server) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		server: server,
		send:   make(chan protocol.Message, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Deliver queues one event for the client. Reports false when the client's
// buffer is full.
func (c *Client) Deliver(msg protocol.Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writePump streams queued events to the connection.
func (c *Client) writePump() {
	defer c.Close()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames; the stream is one-way, so reads only feed
// the keepalive handler and detect disconnects.
func (c *Client) readPump() {
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway client %s: %v", c.ID, err)
			}
			return
		}
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.server.removeClient(c.ID)
	})
}
