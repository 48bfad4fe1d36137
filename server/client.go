package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/tligentia/PacientIA/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
)

// client owns the write side of one browser connection. Every outgoing
// message goes through writeChan so only writePump touches the socket.
type client struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	keepAlive time.Duration

	// Use channels for non-blocking writes
	writeChan chan *messages.ServerMessage
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, keepAlive time.Duration, logger *slog.Logger) *client {
	return &client{
		conn:      conn,
		logger:    logger,
		keepAlive: keepAlive,
		writeChan: make(chan *messages.ServerMessage, writeBufferSize),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

// writePump handles all outgoing messages in a single goroutine
func (c *client) writePump() {
	defer close(c.pumpDone)
	defer func() {
		// Send close message before exiting
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	var ping <-chan time.Time
	if c.keepAlive > 0 {
		ticker := time.NewTicker(c.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			c.flush()
			return
		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				c.logger.Debug("write to client failed", "type", msg.Type, "error", err)
				return
			}
		}
	}
}

// flush writes whatever is still queued, so teardown updates reach the UI.
func (c *client) flush() {
	for {
		select {
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(msg *messages.ServerMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode server message", "type", msg.Type, "error", err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage adds a message to the write queue (non-blocking)
func (c *client) queueMessage(msg *messages.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.writeChan <- msg:
	default:
		c.logger.Warn("client write queue full, dropping message", "type", msg.Type)
	}
}

// close stops the pump after it flushes the queue and closes the socket.
// writeChan stays open so a late queueMessage never panics.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		select {
		case <-c.pumpDone:
		case <-time.After(writeTimeout):
		}
		_ = c.conn.Close()
	})
}
