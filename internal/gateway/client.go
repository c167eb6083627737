package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewdhq/crewd/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Client is one connected /ws consumer. The stream is push-only:
// inbound frames are read and discarded so control frames get serviced.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan *protocol.EventFrame
	once sync.Once
	done chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan *protocol.EventFrame, sendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection id, also used as the bus subscription key.
func (c *Client) ID() string { return c.id }

// SendHello writes the greeting frame. Call before Run starts the
// write pump; afterwards the pump owns the connection.
func (c *Client) SendHello(server, version string) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(protocol.HelloFrame{
		Type:     protocol.FrameHello,
		Server:   server,
		Version:  version,
		ClientID: c.id,
	})
}

// SendEvent queues a frame for delivery. Never blocks: it runs on the
// bus fan-out path, so a lagging client drops frames instead.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		slog.Debug("gateway.client_lagging", "id", c.id, "dropped", ev.Name)
	}
}

// Run services the connection until the peer disconnects or ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	c.readPump()
}

// readPump consumes and discards inbound frames. Read errors mean the
// peer is gone.
func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
