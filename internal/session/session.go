// Package session owns the lifecycle of one analysis stream connection.
//
// A Session moves Idle -> Connecting -> Open -> Closed, with Closing as the
// transient state after Close and Errored as the terminal state after a
// transport failure or protocol fault. Handler callbacks are always invoked
// from the session's own goroutine, never from inside Open or Close, and
// exactly one of OnClose or OnError ends every opened session.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"pose-stream-go/internal/ingest"
	"pose-stream-go/internal/logging"
	"pose-stream-go/internal/types"
)

// Conn is one established stream connection.
type Conn interface {
	ReadMessage() (ingest.Kind, []byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// Handler receives session events in order.
type Handler interface {
	OnOpen()
	OnMessage(msg types.StreamMessage)
	OnError(err error)
	OnClose()
}

// Recorder captures raw inbound payloads before parsing.
type Recorder interface {
	Record(kind ingest.Kind, payload []byte) error
}

type Options struct {
	// ID names the session in logs. A random UUID is used when empty.
	ID    string
	Parse ingest.Options
	// SkipMalformed drops unparseable messages instead of aborting.
	SkipMalformed bool
	Recorder      Recorder
	Logger        *slog.Logger
	LogEvery      int
}

type Session struct {
	id      string
	dialer  Dialer
	handler Handler
	opts    Options
	logger  *slog.Logger
	noisy   *logging.EveryN

	mu     sync.Mutex
	state  State
	target string
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	ended  sync.Once

	received atomic.Uint64
	skipped  atomic.Uint64
}

func New(dialer Dialer, handler Handler, opts Options) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:      id,
		dialer:  dialer,
		handler: handler,
		opts:    opts,
		logger:  logger.With("session_id", id),
		noisy:   logging.NewEveryN(opts.LogEvery),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stats returns the number of parsed and skipped inbound messages.
func (s *Session) Stats() (received uint64, skipped uint64) {
	return s.received.Load(), s.skipped.Load()
}

// Open starts connecting to target and returns immediately. Cancelling ctx
// closes the session.
func (s *Session) Open(ctx context.Context, target string) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		if state.Terminal() {
			return ErrClosed
		}
		return ErrAlreadyOpened
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.state = Connecting
	s.target = target
	s.cancel = cancel
	s.logger = s.logger.With("target", target)
	s.mu.Unlock()

	s.logger.Info("session connecting")
	go s.run(runCtx)
	return nil
}

// Close requests an orderly shutdown. It is a no-op on a session that is
// already closing, closed or errored. The Closed notification is delivered
// asynchronously.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.state = Closed
		s.mu.Unlock()
		s.end()
		return nil
	case Connecting:
		s.state = Closing
		cancel := s.cancel
		s.mu.Unlock()
		cancel()
		return nil
	case Open:
		s.state = Closing
		conn := s.conn
		s.mu.Unlock()
		s.logger.Info("session closing")
		return conn.Close()
	default:
		s.mu.Unlock()
		return nil
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.end()
	defer s.cancel()

	conn, err := s.dialer.Dial(ctx, s.target)
	if err != nil {
		s.mu.Lock()
		if s.state == Closing || ctx.Err() != nil {
			s.state = Closed
			s.mu.Unlock()
			s.logger.Info("session closed before connecting")
			s.handler.OnClose()
			return
		}
		s.state = Errored
		s.mu.Unlock()
		s.logger.Error("session connect failed", "err", err)
		s.handler.OnError(&TransportError{Op: "dial", Err: err})
		return
	}

	s.mu.Lock()
	if s.state == Closing {
		s.state = Closed
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info("session closed before connecting")
		s.handler.OnClose()
		return
	}
	s.state = Open
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("session open")
	s.handler.OnOpen()
	s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			s.finish(conn, err)
			return
		}
		if s.opts.Recorder != nil {
			if err := s.opts.Recorder.Record(kind, payload); err != nil && s.noisy.Allow() {
				s.logger.Warn("raw log record failed", "err", err)
			}
		}

		msg, err := ingest.Parse(kind, payload, s.opts.Parse)
		if err != nil {
			if s.opts.SkipMalformed {
				s.skipped.Add(1)
				if s.noisy.Allow() {
					s.logger.Warn("skipping malformed message", "err", err, "skipped", s.skipped.Load())
				}
				continue
			}
			s.fault(conn, &ProtocolFault{Err: err})
			return
		}
		s.received.Add(1)
		if s.State() != Open {
			continue
		}
		s.handler.OnMessage(msg)
	}
}

// finish handles the end of the read loop.
func (s *Session) finish(conn Conn, readErr error) {
	s.mu.Lock()
	prev := s.state
	switch {
	case prev == Closing:
		s.state = Closed
	case prev == Open && isNormalClose(readErr):
		s.state = Closed
	case prev == Open:
		s.state = Errored
	}
	next := s.state
	s.mu.Unlock()
	_ = conn.Close()

	if prev != Open && prev != Closing {
		return
	}
	if next == Closed {
		s.logger.Info("session closed")
		s.handler.OnClose()
		return
	}
	s.logger.Error("session transport failed", "err", readErr)
	s.handler.OnError(&TransportError{Op: "read", Err: readErr})
}

func (s *Session) fault(conn Conn, fault *ProtocolFault) {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case Open:
		s.state = Errored
	case Closing:
		s.state = Closed
	}
	s.mu.Unlock()
	_ = conn.Close()

	switch prev {
	case Open:
		s.logger.Error("session aborted on malformed message", "err", fault.Err)
		s.handler.OnError(fault)
	case Closing:
		s.logger.Info("session closed")
		s.handler.OnClose()
	}
}

func (s *Session) end() {
	s.ended.Do(func() { close(s.done) })
}

func isNormalClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ingest.ErrConnClosed)
}
