package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pose-stream-go/internal/ingest"
)

const (
	// closeWait bounds the closure handshake write; a stalled peer must not
	// hold up the caller of Close.
	closeWait        = time.Second
	defaultReadLimit = 16 << 20
)

// WebSocketDialer connects to the analysis backend's websocket endpoint.
type WebSocketDialer struct {
	Dialer    *websocket.Dialer
	Header    http.Header
	ReadLimit int64
	// ReadTimeout fails the connection when no message arrives in time.
	// Zero waits forever.
	ReadTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

func (c *wsConn) ReadMessage() (ingest.Kind, []byte, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return 0, nil, io.EOF
			}
			if c.closed.Load() {
				return 0, nil, ingest.ErrConnClosed
			}
			return 0, nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			return ingest.Text, payload, nil
		case websocket.BinaryMessage:
			return ingest.Binary, payload, nil
		}
	}
}

// Close sends a normal closure frame and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ZMQDialer connects to a backend that streams over a ZeroMQ ROUTER socket.
type ZMQDialer struct {
	Endpoint string
}

func (d ZMQDialer) Dial(ctx context.Context, target string) (Conn, error) {
	conn, err := ingest.DialZMQ(ctx, d.Endpoint, target)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
