// WebSocket channel adapter. Each accepted connection becomes one
// Channel; a single writer goroutine owns the socket for writes and a
// reader goroutine feeds the receive stream, matching gorilla's
// one-reader/one-writer concurrency contract.

package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 256
)

// wsChannel wraps a gorilla websocket connection as a Channel.
type wsChannel struct {
	conn   *websocket.Conn
	bearer string
	desc   string

	sendCh chan Frame
	recvCh chan Frame
	done   chan struct{}
	once   sync.Once
}

// NewWebSocketChannel adapts an upgraded connection. bearer is the token
// from the Authorization header, "" if none was presented.
func NewWebSocketChannel(conn *websocket.Conn, bearer string) Channel {
	ch := &wsChannel{
		conn:   conn,
		bearer: bearer,
		desc:   "ws " + conn.RemoteAddr().String(),
		sendCh: make(chan Frame, wsSendBuffer),
		recvCh: make(chan Frame, wsSendBuffer),
		done:   make(chan struct{}),
	}
	go ch.readPump()
	go ch.writePump()
	return ch
}

// readPump feeds inbound messages into the receive stream until the
// connection dies.
func (c *wsChannel) readPump() {
	defer close(c.recvCh)
	defer c.Close("read pump exit")
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			// Malformed stream header; surface the raw bytes so the
			// gateway can account for the decode failure.
			frame = Frame{Data: data}
		}
		select {
		case <-c.done:
			return
		case c.recvCh <- frame:
		}
	}
}

// writePump is the only goroutine that writes to the socket.
func (c *wsChannel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			messageType := websocket.TextMessage
			if frame.StreamID != "" {
				messageType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(messageType, EncodeFrame(frame)); err != nil {
				c.Close("write error")
				return
			}
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, frame Frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.sendCh <- frame:
		return nil
	}
}

func (c *wsChannel) Receive() <-chan Frame { return c.recvCh }

func (c *wsChannel) Close(reason string) error {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		c.conn.Close()
	})
	return nil
}

func (c *wsChannel) Description() string { return c.desc }

func (c *wsChannel) BearerToken() string { return c.bearer }

// bearerFromHeader extracts the token from an Authorization header
// value, tolerating a missing "Bearer" scheme prefix.
func bearerFromHeader(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}
