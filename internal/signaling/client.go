package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenvid/signal-relay/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// client is one live WebSocket connection. Outbound frames go through a
// buffered send queue drained by a single write pump; Deliver never blocks.
type client struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	metrics      *metrics.Metrics
	pingInterval time.Duration

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, logger *slog.Logger, m *metrics.Metrics, queueDepth int, pingInterval time.Duration) *client {
	return &client{
		id:           id,
		conn:         conn,
		logger:       logger,
		metrics:      m,
		pingInterval: pingInterval,
		send:         make(chan []byte, queueDepth),
		done:         make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Deliver enqueues a frame for the write pump. A full queue or a stopped
// connection drops the frame; the relay never blocks on a slow reader.
func (c *client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.metrics.Inc(metrics.SendQueueOverflow)
		c.logger.Warn("send queue full, dropping frame")
		return false
	}
}

// shutdown stops the write pump. Safe to call more than once and from any
// goroutine; the underlying conn is closed by the connection handler.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// closeWith sends a close control frame, then stops the pump.
func (c *client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.shutdown()
}

// writePump serializes all data writes to the conn and keeps the connection
// alive with periodic pings. It exits when the client shuts down or a write
// fails.
func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
