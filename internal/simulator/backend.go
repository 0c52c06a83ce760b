package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pebbe/zmq4"

	"pose-stream-go/internal/ingest"
	"pose-stream-go/internal/types"
)

// MissingID is the artifact id the backend always reports as not found.
const MissingID = "missing"

const (
	notFoundMessage = "Video file not found."
	writeWait       = 10 * time.Second
	zmqPoll         = 200 * time.Millisecond
)

type BackendOptions struct {
	Frames Options
	// Binary sends CBOR binary messages instead of JSON text.
	Binary   bool
	Encoding ingest.FrameEncoding
	Logger   *slog.Logger
}

// Backend mimics the analysis service: an upload endpoint and a websocket
// endpoint streaming analysed frames for an uploaded artifact.
type Backend struct {
	opts     BackendOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	uploads map[string]int64
}

func NewBackend(opts BackendOptions) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Encoding == "" {
		opts.Encoding = ingest.EncodingBase64
	}
	return &Backend{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.With("component", "simulator"),
		uploads: make(map[string]int64),
	}
}

func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload_video/", b.handleUpload)
	mux.HandleFunc("/ws/analyze_video/", b.handleAnalyze)
	return mux
}

// Uploaded reports the size of an uploaded artifact.
func (b *Backend) Uploaded(id string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size, ok := b.uploads[id]
	return size, ok
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "Method Not Allowed"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "missing file field"})
		return
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Could not upload file: " + err.Error()})
		return
	}
	b.mu.Lock()
	b.uploads[header.Filename] = size
	b.mu.Unlock()
	b.logger.Info("video uploaded", "filename", header.Filename, "bytes", size)
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Video uploaded successfully",
		"filename": header.Filename,
	})
}

func (b *Backend) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/analyze_video/")
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// drain control frames; a read error means the client went away
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := b.logger.With("artifact", id)
	if id == "" || id == MissingID {
		_ = b.send(conn, types.StreamMessage{Error: notFoundMessage})
		closeNormal(conn, "")
		logger.Info("unknown artifact requested")
		return
	}

	sent := 0
	for msg := range Stream(ctx, b.opts.Frames) {
		if err := b.send(conn, msg); err != nil {
			logger.Info("client went away", "sent", sent, "err", err)
			return
		}
		sent++
	}
	if ctx.Err() != nil {
		return
	}
	closeNormal(conn, "analysis finished")
	logger.Info("analysis finished", "sent", sent)
}

func closeNormal(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait),
	)
}

func (b *Backend) send(conn *websocket.Conn, msg types.StreamMessage) error {
	messageType, payload, err := b.encode(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (b *Backend) encode(msg types.StreamMessage) (int, []byte, error) {
	if b.opts.Binary {
		payload, err := ingest.MarshalCBOR(msg)
		return websocket.BinaryMessage, payload, err
	}
	payload, err := ingest.MarshalJSON(msg, b.opts.Encoding)
	return websocket.TextMessage, payload, err
}

// Serve runs the backend on a loopback port until ctx is cancelled and
// returns its base URL.
func Serve(ctx context.Context, backend *Backend) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	httpServer := &http.Server{
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			backend.logger.Error("simulator server stopped", "err", err)
		}
	}()
	return "http://" + ln.Addr().String(), nil
}

// ServeZMQ answers stream requests on a ROUTER socket bound to endpoint. Each
// request carries the artifact id; the reply is the frame stream for it, one
// message per frame, sent to the requesting peer. Requests are served one at
// a time. The socket is bound before ServeZMQ returns.
func ServeZMQ(ctx context.Context, backend *Backend, endpoint string) error {
	socket, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return err
	}
	for _, set := range []func() error{
		func() error { return socket.SetLinger(0) },
		func() error { return socket.SetRcvtimeo(zmqPoll) },
		func() error { return socket.SetSndtimeo(writeWait) },
		func() error { return socket.Bind(endpoint) },
	} {
		if err := set(); err != nil {
			_ = socket.Close()
			return err
		}
	}

	go func() {
		defer socket.Close()
		for ctx.Err() == nil {
			frames, err := socket.RecvMessageBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				backend.logger.Error("zmq receive failed", "err", err)
				return
			}
			if len(frames) < 2 {
				continue
			}
			peer, id := frames[0], string(frames[len(frames)-1])
			backend.streamZMQ(ctx, socket, peer, id)
		}
	}()
	return nil
}

func (b *Backend) streamZMQ(ctx context.Context, socket *zmq4.Socket, peer []byte, id string) {
	logger := b.logger.With("artifact", id, "transport", "zmq")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	send := func(msg types.StreamMessage) error {
		_, payload, err := b.encode(msg)
		if err != nil {
			return err
		}
		_, err = socket.SendMessage(peer, payload)
		return err
	}
	if id == "" || id == MissingID {
		_ = send(types.StreamMessage{Error: notFoundMessage})
		return
	}
	sent := 0
	for msg := range Stream(ctx, b.opts.Frames) {
		if err := send(msg); err != nil {
			logger.Info("zmq send failed", "sent", sent, "err", err)
			return
		}
		sent++
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := socket.SendMessage(peer, []byte{}); err != nil {
		logger.Info("zmq end of stream failed", "err", err)
		return
	}
	logger.Info("analysis finished", "sent", sent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
