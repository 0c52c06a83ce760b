package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

const zmqPollInterval = 200 * time.Millisecond

var ErrConnClosed = errors.New("connection closed")

// ZMQConn receives stream messages from a DEALER socket. The analysis target
// is sent as the first frame; the peer then streams one message per frame and
// an empty message once the stream is finished.
type ZMQConn struct {
	mu     sync.Mutex
	socket *zmq4.Socket
}

func DialZMQ(ctx context.Context, endpoint string, target string) (*ZMQConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	socket, err := zmq4.NewSocket(zmq4.DEALER)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvtimeo(zmqPollInterval); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if _, err := socket.Send(target, 0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &ZMQConn{socket: socket}, nil
}

// ReadMessage blocks until a message arrives or the connection is closed.
func (c *ZMQConn) ReadMessage() (Kind, []byte, error) {
	for {
		c.mu.Lock()
		if c.socket == nil {
			c.mu.Unlock()
			return 0, nil, ErrConnClosed
		}
		msg, err := c.socket.RecvBytes(0)
		c.mu.Unlock()
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			_ = c.Close()
			return 0, nil, err
		}
		if len(msg) == 0 {
			return 0, nil, io.EOF
		}
		return SniffKind(msg), msg, nil
	}
}

// Close releases the socket. It waits for an in-flight receive to time out,
// so it may block for up to one poll interval.
func (c *ZMQConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return nil
	}
	err := c.socket.Close()
	c.socket = nil
	return err
}

// SniffKind classifies an unframed payload: JSON objects are text, anything
// else is treated as CBOR.
func SniffKind(payload []byte) Kind {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return Text
	}
	return Binary
}
