package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spark-chat/internal/session"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 16 * 1024           // Maximum frame size allowed from peer.
	sendBuffer     = 256
)

// Client is a middleman between one websocket connection and the dispatcher.
// The identity was verified at handshake and is never read from frames.
type Client struct {
	sessionID   string
	identity    string
	conn        *websocket.Conn
	dispatcher  *Dispatcher
	registry    *session.Registry
	log         *slog.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewClient(sessionID, identity string, conn *websocket.Conn, dispatcher *Dispatcher,
	registry *session.Registry, log *slog.Logger, sendTimeout time.Duration) *Client {
	return &Client{
		sessionID:   sessionID,
		identity:    identity,
		conn:        conn,
		dispatcher:  dispatcher,
		registry:    registry,
		log:         log.With("session", sessionID, "identity", identity),
		sendTimeout: sendTimeout,
		send:        make(chan []byte, sendBuffer),
	}
}

// Push queues payload for the write pump without blocking.
func (c *Client) Push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which then closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps frames from the websocket connection to the dispatcher.
func (c *Client) ReadPump() {
	defer func() {
		// Cleanup: If connection dies, the session stops being reachable
		c.registry.Unregister(c.sessionID)
		c.Close()
		c.conn.Close()
		c.log.Debug("Session closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Unexpected close", "err", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.reject(ErrInvalidPayload)
		return
	}
	if err := validate.Struct(frame); err != nil {
		c.reject(ErrInvalidPayload)
		return
	}

	// Not the connection's context: a send that started keeps going if the
	// client disconnects, only delivery to this session is lost.
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	switch frame.Type {
	case FrameTyping:
		if err := c.dispatcher.Typing(ctx, c.identity, frame.Recipient, frame.Typing); err != nil {
			c.log.Debug("Typing signal dropped", "err", err)
		}
	case "", FrameMessage:
		if _, err := c.dispatcher.Send(ctx, SendRequestFrom(c.identity, frame)); err != nil {
			c.log.Info("Send rejected", "recipient", frame.Recipient, "err", err)
			c.reject(err)
		}
	default:
		c.reject(ErrInvalidPayload)
	}
}

func (c *Client) reject(err error) {
	payload, _ := json.Marshal(ErrorFrame{Type: FrameError, Error: ErrorCode(err)})
	c.Push(payload)
}

// WritePump pumps payloads from the send buffer to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session was closed.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per payload, clients decode them individually.
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
