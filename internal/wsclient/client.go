// Package wsclient implements the client-side reconnection agent: it owns
// one WebSocket connection to the dashboard, re-dials on unclean closes
// with bounded retries, and re-surfaces inbound frames to application
// callbacks.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// errClosed marks a dial that lost the race against Close.
var errClosed = errors.New("client closed")

// Config controls dialing and reconnection behavior.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HandshakeTimeout     time.Duration
}

// DefaultConfig returns sensible defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    3 * time.Second,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Client is the reconnection agent. Callbacks run on the read goroutine;
// they must not block.
type Client struct {
	cfg   Config
	clock clockwork.Clock

	// OnMessage receives every inbound text frame.
	OnMessage func(raw []byte)
	// OnError receives the terminal error after reconnect attempts are
	// exhausted.
	OnError func(err error)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an unconnected agent.
func New(cfg Config, clock clockwork.Clock) *Client {
	return &Client{
		cfg:   cfg,
		clock: clock,
		done:  make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop. Reconnection after
// an unclean close is automatic up to MaxReconnectAttempts.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client already closed")
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Send writes one text frame. Fails when not connected.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the agent down; no further reconnects are attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	c.mu.Lock()
	if c.closed {
		// Close won the race while the handshake was in flight. Installing
		// the connection now would leave a socket nobody shuts down.
		c.mu.Unlock()
		_ = conn.Close()
		return errClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.mu.Unlock()

			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}

			slog.Warn("Connection lost, reconnecting", "url", c.cfg.URL, "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		if c.OnMessage != nil {
			c.OnMessage(raw)
		}
	}
}

// reconnect re-dials with a fixed backoff, up to the configured attempt
// budget. Returns false when the agent gives up or is closed.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		timer := c.clock.NewTimer(c.cfg.ReconnectInterval)
		select {
		case <-timer.Chan():
		case <-c.done:
			timer.Stop()
			return false
		}
		timer.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			slog.Info("Reconnected", "url", c.cfg.URL, "attempt", attempt)
			return true
		}
		if errors.Is(err, errClosed) {
			return false
		}
		slog.Warn("Reconnect attempt failed", "url", c.cfg.URL, "attempt", attempt, "error", err)
	}

	err := fmt.Errorf("gave up after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
	if c.OnError != nil {
		c.OnError(err)
	}
	return false
}
