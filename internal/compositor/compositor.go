// Package compositor turns parsed stream messages into rendered frames.
//
// All session events and decode completions are funnelled into one event
// loop (Run). Only the result for the most recently dispatched frame is ever
// drawn; slower decodes of older frames are discarded.
package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"pose-stream-go/internal/decode"
	"pose-stream-go/internal/logging"
	"pose-stream-go/internal/metrics"
	"pose-stream-go/internal/render"
	"pose-stream-go/internal/session"
	"pose-stream-go/internal/types"
)

const eventBuffer = 64

// Closer is the part of a session the compositor needs to stop a stream.
type Closer interface {
	Close() error
}

// Listener observes what the compositor did. Methods are called from the
// event loop and must not block for long.
type Listener interface {
	OnOpen()
	OnRender(display metrics.Display)
	OnError(err error)
	OnClose()
}

type Options struct {
	Surface *render.Surface
	Decoder decode.Decoder
	Overlay *render.Overlay
	Sink    *metrics.Sink
	// Upscale lets the base image grow to fill the surface.
	Upscale          bool
	HUD              bool
	RejectOutOfOrder bool
	Listener         Listener
	Logger           *slog.Logger
	LogEvery         int
}

type Stats struct {
	Dispatched   uint64 `json:"dispatched"`
	Rendered     uint64 `json:"rendered"`
	Stale        uint64 `json:"stale"`
	DecodeFailed uint64 `json:"decode_failed"`
	OutOfOrder   uint64 `json:"out_of_order"`
	Ignored      uint64 `json:"ignored"`
}

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evDecoded
	evError
	evClose
)

type event struct {
	kind       eventKind
	generation uint64
	msg        types.StreamMessage
	result     decode.Result
	err        error
}

type Compositor struct {
	opts     Options
	listener Listener
	logger   *slog.Logger
	noisy    *logging.EveryN

	events   chan event
	done     chan struct{}
	doneOnce sync.Once

	closerMu sync.Mutex
	closer   Closer

	// loop state, owned by Run
	generation uint64
	latest     int
	hasLatest  bool
	stopped    bool

	// dispatchSeq changes whenever the current frame does; decode workers
	// compare against it to skip superseded frames.
	dispatchSeq atomic.Uint64

	dispatched   atomic.Uint64
	rendered     atomic.Uint64
	stale        atomic.Uint64
	decodeFailed atomic.Uint64
	outOfOrder   atomic.Uint64
	ignored      atomic.Uint64
}

func New(opts Options) *Compositor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listener := opts.Listener
	if listener == nil {
		listener = nopListener{}
	}
	if opts.Sink == nil {
		opts.Sink = metrics.NewSink(nil)
	}
	return &Compositor{
		opts:     opts,
		listener: listener,
		logger:   logger.With("component", "compositor"),
		noisy:    logging.NewEveryN(opts.LogEvery),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Attach sets the session that is closed when the server reports an error.
func (c *Compositor) Attach(closer Closer) {
	c.closerMu.Lock()
	c.closer = closer
	c.closerMu.Unlock()
}

func (c *Compositor) Stats() Stats {
	return Stats{
		Dispatched:   c.dispatched.Load(),
		Rendered:     c.rendered.Load(),
		Stale:        c.stale.Load(),
		DecodeFailed: c.decodeFailed.Load(),
		OutOfOrder:   c.outOfOrder.Load(),
		Ignored:      c.ignored.Load(),
	}
}

// Run processes events until ctx is cancelled. Events posted after Run
// returned are dropped.
func (c *Compositor) Run(ctx context.Context) error {
	defer c.doneOnce.Do(func() { close(c.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Compositor) OnOpen() {
	c.post(event{kind: evOpen})
}

func (c *Compositor) OnMessage(msg types.StreamMessage) {
	c.post(event{kind: evMessage, msg: msg})
}

func (c *Compositor) OnError(err error) {
	c.post(event{kind: evError, err: err})
}

func (c *Compositor) OnClose() {
	c.post(event{kind: evClose})
}

func (c *Compositor) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Compositor) handle(ev event) {
	switch ev.kind {
	case evOpen:
		c.generation++
		c.dispatchSeq.Add(1)
		c.hasLatest = false
		c.stopped = false
		c.listener.OnOpen()
	case evMessage:
		c.handleMessage(ev.msg)
	case evDecoded:
		c.handleDecoded(ev)
	case evError:
		c.listener.OnError(ev.err)
	case evClose:
		c.listener.OnClose()
	}
}

func (c *Compositor) handleMessage(msg types.StreamMessage) {
	if c.stopped {
		c.ignored.Add(1)
		return
	}
	if msg.IsError() {
		c.stopped = true
		c.dispatchSeq.Add(1)
		err := &session.ServerReportedError{Message: msg.Error}
		c.logger.Error("server reported error", "err", err)
		c.listener.OnError(err)
		c.closerMu.Lock()
		closer := c.closer
		c.closerMu.Unlock()
		if closer != nil {
			// closing may wait on the peer; keep the loop free meanwhile
			go func() {
				if cerr := closer.Close(); cerr != nil {
					c.logger.Warn("close after server error failed", "err", cerr)
				}
			}()
		}
		return
	}
	if c.opts.RejectOutOfOrder && c.hasLatest && msg.FrameNum <= c.latest {
		c.outOfOrder.Add(1)
		if c.noisy.Allow() {
			c.logger.Warn("skipping out of order frame", "frame_num", msg.FrameNum, "latest", c.latest)
		}
		return
	}

	c.latest = msg.FrameNum
	c.hasLatest = true
	c.dispatched.Add(1)
	generation := c.generation
	seq := c.dispatchSeq.Add(1)
	req := decode.Request{
		FrameNum:   msg.FrameNum,
		Payload:    msg.FrameData,
		Superseded: func() bool { return c.dispatchSeq.Load() != seq },
	}
	c.opts.Decoder.Decode(req, func(result decode.Result) {
		c.post(event{kind: evDecoded, generation: generation, msg: msg, result: result})
	})
}

func (c *Compositor) handleDecoded(ev event) {
	result := ev.result
	if c.stopped || ev.generation != c.generation || !c.hasLatest || result.FrameNum != c.latest {
		c.stale.Add(1)
		return
	}
	if result.Err != nil || result.Image == nil {
		c.decodeFailed.Add(1)
		if c.noisy.Allow() {
			c.logger.Warn("dropping undecodable frame", "frame_num", result.FrameNum, "err", result.Err, "failed", c.decodeFailed.Load())
		}
		return
	}

	msg := ev.msg
	img := result.Image
	srcW, srcH := img.Bounds().Dx(), img.Bounds().Dy()
	surfW, surfH := c.opts.Surface.Size()
	fit := render.ComputeFit(srcW, srcH, surfW, surfH, c.opts.Upscale)
	if !fit.Valid() {
		c.decodeFailed.Add(1)
		if c.noisy.Allow() {
			c.logger.Warn("dropping frame with empty bitmap", "frame_num", msg.FrameNum, "width", srcW, "height", srcH)
		}
		return
	}
	c.opts.Surface.Render(func(canvas *render.Canvas) {
		canvas.Clear()
		canvas.DrawImage(img, fit)
		if len(msg.Landmarks) > 0 && c.opts.Overlay != nil {
			c.opts.Overlay.Draw(canvas.Image(), msg.Landmarks, fit, srcW, srcH)
		}
		if c.opts.HUD {
			render.DrawLabel(canvas.Image(), fmt.Sprintf("frame %d", msg.FrameNum))
		}
	})

	c.opts.Sink.SetFrame(msg.FrameNum)
	display := c.opts.Sink.Display(msg.Metrics)
	c.rendered.Add(1)
	c.logger.Debug("frame rendered", "frame_num", msg.FrameNum, "format", result.Format, "scale", fit.Scale)
	c.listener.OnRender(display)
}

type nopListener struct{}

func (nopListener) OnOpen()                  {}
func (nopListener) OnRender(metrics.Display) {}
func (nopListener) OnError(error)            {}
func (nopListener) OnClose()                 {}
