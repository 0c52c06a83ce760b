package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"pose-stream-go/internal/metrics"
	"pose-stream-go/internal/render"
	"pose-stream-go/internal/session"
	"pose-stream-go/internal/types"
)

const feedBuffer = 32

// ErrNoSession is returned by Stop before a session was bound.
var ErrNoSession = errors.New("no session to stop")

// Feed collects render and lifecycle events for viewers. It satisfies the
// compositor's listener contract and never blocks the caller: updates that
// do not fit the buffer are dropped and counted.
type Feed struct {
	surface   *render.Surface
	sessionID string
	statusFn  func() map[string]any
	updates   chan any

	stopMu sync.Mutex
	stopFn func() error

	mu         sync.Mutex
	lastFrame  *types.FrameUpdate
	lastStatus types.StatusUpdate
	lastRender time.Time

	dropped atomic.Uint64
}

// NewFeed creates a feed for the session with the given id. statusFn may be
// nil; its result is merged into Status.
func NewFeed(surface *render.Surface, sessionID string, statusFn func() map[string]any) *Feed {
	return &Feed{
		surface:   surface,
		sessionID: sessionID,
		statusFn:  statusFn,
		updates:   make(chan any, feedBuffer),
		lastStatus: types.StatusUpdate{
			Type:      "status",
			SessionID: sessionID,
			State:     session.Connecting.String(),
		},
	}
}

func (f *Feed) OnOpen() {
	f.setStatus(session.Open.String(), nil)
}

func (f *Feed) OnRender(display metrics.Display) {
	update := types.FrameUpdate{
		Type:     "frame",
		FrameNum: display.FrameNum,
		Metrics:  display.Values,
	}
	f.mu.Lock()
	f.lastFrame = &update
	f.lastRender = time.Now()
	f.mu.Unlock()
	f.publish(update)
}

func (f *Feed) OnError(err error) {
	f.setStatus(session.Errored.String(), err)
}

func (f *Feed) OnClose() {
	f.setStatus(session.Closed.String(), nil)
}

func (f *Feed) setStatus(state string, err error) {
	f.mu.Lock()
	update := types.StatusUpdate{
		Type:      "status",
		SessionID: f.sessionID,
		State:     state,
	}
	if err != nil {
		update.Error = err.Error()
		update.ErrorKind = session.Classify(err).String()
	} else if f.lastStatus.Error != "" {
		// a close after an error keeps the error visible
		update.Error = f.lastStatus.Error
		update.ErrorKind = f.lastStatus.ErrorKind
	}
	f.lastStatus = update
	f.mu.Unlock()
	f.publish(update)
}

func (f *Feed) publish(update any) {
	select {
	case f.updates <- update:
	default:
		f.dropped.Add(1)
	}
}

// Updates is the stream of FrameUpdate and StatusUpdate values.
func (f *Feed) Updates() <-chan any {
	return f.updates
}

// Snapshot returns the latest status and, once a frame was rendered, the
// latest frame update.
func (f *Feed) Snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []any{f.lastStatus}
	if f.lastFrame != nil {
		out = append(out, *f.lastFrame)
	}
	return out
}

func (f *Feed) Status() map[string]any {
	payload := map[string]any{}
	if f.statusFn != nil {
		for k, v := range f.statusFn() {
			payload[k] = v
		}
	}
	f.mu.Lock()
	payload["session_id"] = f.sessionID
	payload["state"] = f.lastStatus.State
	if f.lastStatus.Error != "" {
		payload["error"] = f.lastStatus.Error
		payload["error_kind"] = f.lastStatus.ErrorKind
	}
	if f.lastFrame != nil {
		payload["frame_num"] = f.lastFrame.FrameNum
		payload["metrics"] = f.lastFrame.Metrics
		payload["last_render"] = f.lastRender.Format(time.RFC3339)
	}
	f.mu.Unlock()
	payload["updates_dropped_total"] = f.dropped.Load()
	return payload
}

func (f *Feed) WriteFrame(w io.Writer, quality int) error {
	return f.surface.EncodeJPEG(w, quality)
}

// SetStop binds the function that ends the live session, usually the
// session's Close.
func (f *Feed) SetStop(fn func() error) {
	f.stopMu.Lock()
	f.stopFn = fn
	f.stopMu.Unlock()
}

// Stop ends the live session. Stopping an already finished session is a
// no-op.
func (f *Feed) Stop() error {
	f.stopMu.Lock()
	fn := f.stopFn
	f.stopMu.Unlock()
	if fn == nil {
		return ErrNoSession
	}
	return fn()
}
