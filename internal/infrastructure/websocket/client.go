package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

// ErrStaleConnection is reported when the server stopped answering pings.
var ErrStaleConnection = errors.New("stale connection: no pong within ping timeout")

type DialerConfig struct {
	URL              string
	Header           http.Header
	WriteTimeout     time.Duration
	PingTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
}

func (c DialerConfig) withDefaults() DialerConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.PingTimeout / 2
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}

// Dialer opens push transport connections. It is the only place that knows
// the transport is a websocket.
type Dialer struct {
	cfg DialerConfig
	log logger.Logger
}

func NewDialer(cfg DialerConfig, log logger.Logger) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), log: log}
}

func (d *Dialer) Dial(ctx context.Context) (domain.Conn, error) {
	header := d.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.cfg.URL, err)
	}

	c := newClient(conn, d.cfg, d.log)
	d.log.Debug("Websocket connected", "url", d.cfg.URL)
	return c, nil
}

// Client is one websocket session. It is single use.
type Client struct {
	cfg  DialerConfig
	conn *websocket.Conn
	log  logger.Logger

	messages chan domain.RawFrame
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	lastPongAt time.Time
	closed     bool
}

func newClient(conn *websocket.Conn, cfg DialerConfig, log logger.Logger) *Client {
	c := &Client{
		cfg:        cfg,
		conn:       conn,
		log:        log,
		messages:   make(chan domain.RawFrame, cfg.BufferSize),
		errors:     make(chan error, 1),
		done:       make(chan struct{}),
		lastPongAt: time.Now(),
	}

	conn.SetPingHandler(func(data string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) Messages() <-chan domain.RawFrame {
	return c.messages
}

func (c *Client) Errors() <-chan error {
	return c.errors
}

func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure and releases the socket. Safe to call more
// than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) fail(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop never drops a frame: a full buffer applies backpressure to the
// socket instead, since a dropped bid would surface as a gap.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(err)
			}
			return
		}

		select {
		case c.messages <- domain.RawFrame{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("Failed to send ping", "error", err)
			}

			c.mu.Lock()
			last := c.lastPongAt
			c.mu.Unlock()

			if time.Since(last) > c.cfg.PingTimeout {
				c.log.Warn("No pong received, connection stale", "last_pong", last, "timeout", c.cfg.PingTimeout)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}
