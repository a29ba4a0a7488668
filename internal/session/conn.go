// ABOUTME: Websocket connection wrapper with a buffered outbound write loop
// ABOUTME: Safe for concurrent sends; close is idempotent and force-closable

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxFrameBytes = 64 * 1024
)

// ErrConnClosed is returned by Send after the connection has closed.
var ErrConnClosed = errors.New("connection closed")

// WSConn wraps a websocket and coordinates outbound writes via a buffered
// channel. It satisfies both the registry's and the engine's view of a
// connection.
type WSConn struct {
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// NewWSConn wraps an upgraded websocket. Start must be called before Send.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{
		ws:     ws,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Start launches the write loop. Call exactly once.
func (c *WSConn) Start() {
	go c.writeLoop()
}

// Send enqueues payload for delivery. A full buffer closes the connection so
// a stalled client cannot block the session.
func (c *WSConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.send <- payload:
		return nil
	default:
		_ = c.Close()
		return errors.New("send buffer full")
	}
}

// Close terminates the connection and stops the write loop. Idempotent, never
// blocks, so an administrative evictor can call it from any goroutine.
func (c *WSConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
	return nil
}

// ReadFrames blocks reading inbound text frames, invoking handle for each one.
// It returns when the peer disconnects or Close is called; the websocket read
// unblocks because Close tears down the underlying connection.
func (c *WSConn) ReadFrames(handle func(data []byte)) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *WSConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
