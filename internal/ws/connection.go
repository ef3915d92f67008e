package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Alannxna/redfire-gateway/internal/auth"
	"github.com/Alannxna/redfire-gateway/internal/logging"
	"github.com/Alannxna/redfire-gateway/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Upstream auth happens over the authenticate frame; origin is not
		// part of the trust model.
		return true
	},
	EnableCompression: true,
}

// Connection is one client socket. The hub owns the subscription state; the
// connection owns the socket and its pumps. All writes go through send so the
// socket has a single writer.
type Connection struct {
	ID          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	logger      zerolog.Logger
	connectedAt time.Time

	mu            sync.Mutex
	user          *auth.UserContext
	lastHeartbeat time.Time
	sendClosed    bool

	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, hub *Hub, logger zerolog.Logger) *Connection {
	id := uuid.NewString()
	now := time.Now()
	return &Connection{
		ID:            id,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		hub:           hub,
		logger:        logger.With().Str("connection_id", id).Logger(),
		connectedAt:   now,
		lastHeartbeat: now,
	}
}

// User returns the bound user context, nil before authentication.
func (c *Connection) User() *auth.UserContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Connection) setUser(user *auth.UserContext) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Connection) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

// sendMessage enqueues a frame. Drops when the send buffer is full: a slow
// client loses messages rather than stalling the hub.
func (c *Connection) sendMessage(m *Message) {
	data, err := m.encode()
	if err != nil {
		c.logger.Error().Err(err).Str("type", m.Type).Msg("Failed to encode frame")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn().Str("type", m.Type).Msg("Send channel full, dropping frame")
	}
}

// closeSend closes the send channel exactly once; writePump drains it, writes
// the close frame and exits. The flag keeps concurrent sendMessage calls from
// hitting a closed channel.
func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// readPump pumps frames from the socket to the hub. One per connection.
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	defer logging.RecoverPanic(c.logger, "readPump", nil)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touchHeartbeat()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touchHeartbeat()
		metrics.IncrementWSReceived()

		msg, err := decodeMessage(data)
		if err != nil {
			c.sendMessage(errorMessage(CodeBadFrame, "malformed frame"))
			continue
		}
		c.hub.handleFrame(c, msg)
	}
}

// writePump pumps frames from the send channel to the socket, interleaved
// with protocol pings. One per connection; the single socket writer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	defer logging.RecoverPanic(c.logger, "writePump", nil)

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("WebSocket write error")
				return
			}
			metrics.IncrementWSSent(1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
