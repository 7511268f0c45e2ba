// Package wsconn adapts a gorilla/websocket connection into a bidirectional
// frame stream: a single-writer goroutine draining a bounded send queue, and
// a blocking Read for the session's own read loop.
package wsconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendQueueCapacity bounds the outbound frame queue at 256 pending frames.
// A full queue blocks callers of Write until the writer goroutine drains it
// or their ctx ends, rather than growing unbounded. It does not pause the
// session's read loop, which keeps reading client frames meanwhile.
const sendQueueCapacity = 256

const (
	writeDeadline = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait / 2
)

var ErrClosed = errors.New("wsconn: connection closed")

// Conn wraps one accepted WebSocket connection. Callers read with Read and
// enqueue outbound frames with Write; a background goroutine owns the
// underlying socket for writes (gorilla/websocket forbids concurrent
// writers) and periodic ping keepalive.
type Conn struct {
	ws *websocket.Conn

	sendCh chan []byte
	closed chan struct{}
	once   sync.Once
	closeErr error
}

// New wraps ws and starts its writer goroutine. Callers must call Close
// when done to release the goroutine and the underlying socket.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:     ws,
		sendCh: make(chan []byte, sendQueueCapacity),
		closed: make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close(err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Write enqueues a text frame for delivery. It blocks if the send queue is
// full (the backpressure signal described in spec §5) up to ctx's deadline,
// and returns ErrClosed if the connection has already closed.
func (c *Conn) Write(ctx context.Context, payload []byte) error {
	select {
	case c.sendCh <- payload:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read blocks for the next text frame. Binary frames are rejected per
// spec §6 rather than silently accepted; the caller is expected to send an
// unsupported_frame error and keep reading.
func (c *Conn) Read() (payload []byte, binary bool, err error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, kind == websocket.BinaryMessage, nil
}

// Close shuts the connection down, closing the underlying socket at most
// once. cause, if non-nil, is retained for CloseCause.
func (c *Conn) Close(cause error) error {
	c.once.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.ws.Close()
	})
	return nil
}

// CloseWithCode sends a WebSocket close frame with code before tearing the
// connection down, per spec §6/§4.7 (1000, 1001, 1008, 1011).
func (c *Conn) CloseWithCode(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.Close(nil)
}

// CloseCause returns the error that triggered Close, if any.
func (c *Conn) CloseCause() error {
	return c.closeErr
}
