package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/fundpulse/pkg/auth"
)

// ClientConfig tunes the per-connection pumps.
type ClientConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		SendBuffer:   256,
		ReadLimit:    64 * 1024,
	}
}

// Client is one websocket connection. It has exactly one reader and one
// writer goroutine; everything else talks to it through Enqueue.
type Client struct {
	id       string
	identity auth.Identity
	conn     *websocket.Conn
	cfg      ClientConfig
	log      *zap.Logger

	// send is never closed; done signals shutdown to the writer and to
	// concurrent Enqueue callers.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*Client)(nil)

func newClient(id string, identity auth.Identity, conn *websocket.Conn, cfg ClientConfig, log *zap.Logger) *Client {
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
		log: log.With(
			zap.String("conn_id", id),
			zap.String("kind", string(identity.Kind)),
			zap.String("user_id", identity.UserID),
		),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() auth.Identity { return c.identity }

// Enqueue queues a frame for the writer without blocking.
func (c *Client) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer, which then closes the socket and unblocks the
// reader.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames until the peer goes away or misses a pong, passing
// each to handle. It owns registry cleanup for the connection.
func (c *Client) readPump(ctx context.Context, handle func(ctx context.Context, c Conn, data []byte), cleanup func()) {
	defer func() {
		cleanup()
		c.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection dropped", zap.Error(err))
			} else {
				c.log.Debug("connection closed", zap.Error(err))
			}
			return
		}
		handle(ctx, c, data)
	}
}

// writePump drains the send queue in order and pings the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}
