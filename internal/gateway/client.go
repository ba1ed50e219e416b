package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

const (
	// maxWSMessageSize bounds inbound frames. Audio arrives base64-encoded
	// in a single frame, so this is well above the media size limit.
	maxWSMessageSize = 16 << 20

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// FrameHandler consumes the frames of one connection. Both session kinds
// implement it.
type FrameHandler interface {
	HandleFrame(ctx context.Context, data []byte)
	Close(ctx context.Context)
}

// Client represents a single WebSocket connection.
type Client struct {
	id      string
	channel string // "device" or "admin"
	conn    *websocket.Conn
	send    chan []byte

	pongWait   time.Duration
	pingPeriod time.Duration

	mu     sync.Mutex
	seq    int64
	closed bool
}

func NewClient(conn *websocket.Conn, channel string) *Client {
	return &Client{
		id:      uuid.NewString(),
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),

		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Run starts the write pump and serves reads until the connection ends.
// The handler's Close runs after the last frame has been handled.
func (c *Client) Run(ctx context.Context, h FrameHandler) {
	go c.writePump()
	c.readPump(ctx, h)
	h.Close(context.WithoutCancel(ctx))
	c.Close()
}

// readPump reads frames from the WebSocket connection. Frames are handled
// in arrival order on this goroutine. Pongs are only processed while
// reading, so the deadline restarts once a handler returns; a media call
// longer than pongWait must not end the connection.
func (c *Client) readPump(ctx context.Context, h FrameHandler) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxWSMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "channel", c.channel, "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if msgType != websocket.TextMessage {
			c.Send(protocol.EventProtocolError, protocol.ErrorPayload{
				Error: "binary frames are not supported",
				Code:  protocol.ErrMalformedPayload,
			})
		} else {
			h.HandleFrame(ctx, data)
		}

		// Reset read deadline on activity
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	}
}

// writePump writes frames and pings to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Send queues an event frame. Events sent after Close are dropped.
func (c *Client) Send(event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.seq++
	frame := protocol.NewEvent(event, payload)
	frame.Seq = c.seq
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal event failed", "event", event, "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping event", "client", c.id, "event", event)
	}
}

// Close shuts down the client connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
