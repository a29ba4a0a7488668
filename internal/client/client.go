// ABOUTME: Websocket client with bounded exponential reconnect backoff
// ABOUTME: Decodes server frames and dispatches them to caller callbacks

package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finsight/chatgate/internal/session"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// ErrNotConnected is returned by Send when no connection is live.
var ErrNotConnected = errors.New("not connected")

// Callbacks receive decoded server frames. Nil members are skipped. They are
// invoked from the client's read goroutine.
type Callbacks struct {
	OnTyping     func(typing bool)
	OnResponse   func(frame session.ResponseFrame)
	OnError      func(frame session.ErrorFrame)
	OnConnect    func()
	OnDisconnect func(err error)
}

// Client maintains a session connection to the gateway, reconnecting with
// exponential backoff when it drops.
type Client struct {
	url       string
	callbacks Callbacks
	dialer    *websocket.Dialer
	logger    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client for the given websocket URL. The URL carries the
// token query parameter; the server authenticates the handshake with it.
func New(url string, callbacks Callbacks, logger *slog.Logger) *Client {
	return &Client{
		url:       url,
		callbacks: callbacks,
		dialer:    websocket.DefaultDialer,
		logger:    logger.With("component", "client"),
	}
}

// Run connects and keeps the connection alive until ctx is cancelled.
// Each drop triggers a reconnect after a backoff delay that doubles from
// 500ms up to 30s and resets after a successful connect.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("connect failed, retrying", "error", err, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		c.setConn(conn)
		if c.callbacks.OnConnect != nil {
			c.callbacks.OnConnect()
		}

		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		if c.callbacks.OnDisconnect != nil {
			c.callbacks.OnDisconnect(readErr)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("connection lost, reconnecting", "error", readErr, "backoff", backoff)
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff)
	}
}

// Send writes a request frame on the live connection.
func (c *Client) Send(frame session.RequestFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame.Type = session.FrameRequest
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// readLoop decodes frames until the connection drops or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// unblock the read when the context is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Warn("malformed frame from server", "error", err)
		return
	}

	switch probe.Type {
	case session.FrameTyping:
		var frame session.TypingFrame
		if err := json.Unmarshal(data, &frame); err == nil && c.callbacks.OnTyping != nil {
			c.callbacks.OnTyping(frame.Typing)
		}
	case session.FrameResponse:
		var frame session.ResponseFrame
		if err := json.Unmarshal(data, &frame); err == nil && c.callbacks.OnResponse != nil {
			c.callbacks.OnResponse(frame)
		}
	case session.FrameError:
		var frame session.ErrorFrame
		if err := json.Unmarshal(data, &frame); err == nil && c.callbacks.OnError != nil {
			c.callbacks.OnError(frame)
		}
	default:
		c.logger.Warn("unknown frame type from server", "type", probe.Type)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
