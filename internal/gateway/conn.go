package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/relay"
)

// conn is one attached websocket client. Reads and writes run on
// separate goroutines; send is the only way to reach the socket from
// outside the write pump.
type conn struct {
	id     string
	server *Server
	sock   *websocket.Conn
	cfg    config.ServerConfig

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(s *Server, sock *websocket.Conn, cfg config.ServerConfig) *conn {
	return &conn{
		id:     uuid.NewString(),
		server: s,
		sock:   sock,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// run drives the connection until either pump exits. It blocks on the
// read pump; the write pump runs alongside.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
	c.close()
	c.server.dropConn(c)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *conn) readPump() {
	c.sock.SetReadLimit(c.cfg.MaxPayloadBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("read error", "conn_id", c.id, "error", err)
			}
			return
		}
		frame, err := relay.DecodeFrame(data)
		if err != nil {
			c.server.logger.Warn("malformed frame", "conn_id", c.id, "error", err)
			continue
		}
		c.server.relay.Publish(c.id, frame.Event, frame.Payload)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
