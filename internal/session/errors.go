package session

import (
	"errors"
	"fmt"

	"pose-stream-go/internal/decode"
)

var (
	ErrAlreadyOpened = errors.New("session already opened")
	ErrClosed        = errors.New("session closed")
)

// ErrorKind classifies session failures for logs and viewers.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransport is a connection failure. Terminal.
	KindTransport
	// KindProtocol is an inbound message that failed to parse.
	KindProtocol
	// KindServer is an error reported by the analysis backend. Terminal.
	KindServer
	// KindDecode is a single frame that failed to decode. Recoverable.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type ProtocolFault struct {
	Err error
}

func (e *ProtocolFault) Error() string {
	return fmt.Sprintf("protocol fault: %v", e.Err)
}

func (e *ProtocolFault) Unwrap() error {
	return e.Err
}

// ServerReportedError carries the backend's error text unchanged.
type ServerReportedError struct {
	Message string
}

func (e *ServerReportedError) Error() string {
	return e.Message
}

func Classify(err error) ErrorKind {
	var (
		transportErr *TransportError
		protocolErr  *ProtocolFault
		serverErr    *ServerReportedError
		decodeErr    *decode.DecodeError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &serverErr):
		return KindServer
	case errors.As(err, &protocolErr):
		return KindProtocol
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &decodeErr):
		return KindDecode
	default:
		return KindUnknown
	}
}
