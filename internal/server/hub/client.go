package hub

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/roamly/roamchat/internal/wire"
)

// ConnLike abstracts the websocket connection so the hub can be tested
// with in-memory fakes.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Client is one connected realtime session.
type Client struct {
	UserID string
	Conn   ConnLike
	Send   chan []byte

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with a buffered send channel.
func NewClient(userID string, conn ConnLike) *Client {
	return &Client{UserID: userID, Conn: conn, Send: make(chan []byte, 32)}
}

// ReadPump reads envelopes off the connection and forwards them to the
// hub until the connection errors. Malformed frames are skipped.
func (c *Client) ReadPump(h *Hub) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			h.Unregister(c)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		h.HandleCommand(c, env)
	}
}

// WritePump drains the send channel onto the connection. Exits when the
// hub closes Send on unregister.
func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// trySend queues a frame for the write pump. A broadcast snapshot can
// still hold a client whose disconnect is underway, so frames to a
// closed client are dropped, like frames to a slow one.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		// Drop frame if the client is not keeping up.
	}
}

// closeSend shuts the send channel exactly once; trySend drops frames
// from then on.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}
