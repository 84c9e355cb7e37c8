package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gatecheck/pkg/types"
)

// Connection wraps one WebSocket subscriber. Writes are serialized
// through a single writer goroutine; Send queues into a bounded buffer
// and fails instead of blocking, which is what keeps a slow consumer
// from stalling the hub.
type Connection struct {
	id          string
	conn        *websocket.Conn
	sendChannel chan *types.Event

	pingInterval time.Duration
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded connection and starts its writer.
func NewConnection(conn *websocket.Conn, sendBuffer int, pingInterval, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		sendChannel:  make(chan *types.Event, sendBuffer),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()
	return c
}

// ID returns the subscriber identity used in hub recipient sets.
func (c *Connection) ID() string {
	return c.id
}

// Send queues an event for delivery. Never blocks.
func (c *Connection) Send(event *types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendChannel <- event:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case event := <-c.sendChannel:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
