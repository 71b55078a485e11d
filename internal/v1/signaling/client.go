package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
)

const (
	// writeWait bounds a single frame write before the connection is
	// considered wedged.
	writeWait = 10 * time.Second

	// sendBufferSize is the per-connection outbound queue. A slow consumer
	// that falls this far behind gets frames dropped rather than stalling
	// the whole room.
	sendBufferSize = 64
)

// wsConn is the slice of *websocket.Conn the client needs; tests substitute
// an in-memory pipe.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live WebSocket connection inside a room.
type Client struct {
	ConnID string
	UserID string
	Name   string

	// routeRoom is the room code taken from the URL path, used when the join
	// payload omits one.
	routeRoom string

	conn wsConn
	hub  *Hub
	room *Room

	send chan []byte

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newClient(hub *Hub, conn wsConn, connID, userID, name string) *Client {
	return &Client{
		ConnID: connID,
		UserID: userID,
		Name:   name,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
	}
}

// Send queues an encoded event for delivery. Frames are dropped when the
// buffer is full or the connection is closing.
func (c *Client) Send(event string, payload any) {
	data := Encode(event, payload)
	if data == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		metrics.DroppedMessages.WithLabelValues(event).Inc()
		logging.Warn(context.Background(), "Send buffer full; dropping frame",
			zap.String("conn_id", c.ConnID), zap.String("event", event))
	}
}

// SendError delivers a meeting-error frame to this connection only.
func (c *Client) SendError(code, message string) {
	c.Send(EventMeetingError, ErrorPayload{Code: code, Message: message})
}

// Disconnect closes the send channel exactly once, which lets writePump
// flush and send the close frame.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump consumes inbound frames and dispatches them to the room. It owns
// connection teardown: when the read loop exits for any reason the client is
// removed from its room and the socket is closed.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.room != nil {
			c.room.handleDisconnect(ctx, c)
		}
		c.Disconnect()
		_ = c.conn.Close()
		metrics.ActiveWebSocketConnections.Dec()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(ctx, "WebSocket read error",
					zap.String("conn_id", c.ConnID), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.SendError("bad_message", "malformed message")
			continue
		}
		c.hub.dispatch(ctx, c, msg)
	}
}

// writePump drains the send channel onto the socket. A closed channel means
// the client was disconnected server-side: flush a close frame, then close
// the socket so the read loop unblocks.
func (c *Client) writePump() {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Warn(context.Background(), "WebSocket write error",
				zap.String("conn_id", c.ConnID), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
