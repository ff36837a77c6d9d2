// Package wsconn provides the read/write pump pair shared by every
// inbound WebSocket surface in this system: the broker's /ws and /gw
// endpoints and the WS gateway's /node endpoint (each gateway's outbound
// link to the broker, in gwlink, drives its socket directly). Each connection gets a buffered send channel and a ping/pong
// keepalive, split across two goroutines so a slow reader never blocks a
// write or vice versa.
package wsconn

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 1 << 16
	sendBufferSize = 64
)

// Conn wraps a *websocket.Conn with a buffered outbound queue so a slow
// peer can never block the sender; when the queue is full the frame being
// sent is simply dropped rather than applying backpressure to the whole
// message fabric.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
}

// New wraps ws. Callers must start WritePump in its own goroutine and then
// run ReadPump (which blocks until the connection closes).
func New(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for delivery. Returns false if the connection is
// closed or the outbound queue is full (the frame is dropped).
func (c *Conn) Send(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close shuts down the connection and unblocks WritePump/ReadPump.
func (c *Conn) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.ws.Close()
}

// WritePump drains the send queue to the socket and sends periodic pings.
// Runs until Close is called or a write fails.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump reads frames from the socket and invokes handle for each text
// frame. Returns when the connection closes or handle returns an error
// (handle returning an error terminates the connection, e.g. on malformed
// JSON).
func (c *Conn) ReadPump(handle func([]byte) error) error {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if err := handle(b); err != nil {
			return err
		}
	}
}

// CloseWithReason writes a close frame with the given code and reason
// before tearing the connection down (e.g. malformed message -> close 1003
// with reason text).
func (c *Conn) CloseWithReason(code int, reason string) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.Close()
}
