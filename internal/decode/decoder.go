// Package decode turns encoded frame payloads into drawable bitmaps without
// blocking the caller.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels bounds width*height of a decoded frame.
const DefaultMaxPixels = 4096 * 4096

var (
	ErrEmptyPayload = errors.New("empty frame payload")
	ErrTooLarge     = errors.New("frame dimensions exceed limit")
	// ErrSuperseded is reported for a frame that was no longer current when a
	// worker became free. It is not counted as a failure.
	ErrSuperseded = errors.New("frame superseded before decode")
)

// DecodeError reports a payload that could not be turned into a bitmap.
// It is recoverable: the frame is dropped and the stream continues.
type DecodeError struct {
	FrameNum int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %d: %v", e.FrameNum, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type Result struct {
	FrameNum int
	Image    image.Image
	Format   string
	Err      error
}

type Request struct {
	FrameNum int
	Payload  []byte
	// Superseded, when set, is checked before decoding starts.
	Superseded func() bool
}

// Decoder decodes payloads asynchronously. done is called exactly once per
// Decode call, from a goroutine other than the caller's. Completions may
// arrive in any order.
type Decoder interface {
	Decode(req Request, done func(Result))
}

// ImageDecoder decodes any format registered with the image package using a
// bounded number of concurrent decodes.
type ImageDecoder struct {
	slots     chan struct{}
	maxPixels int64

	decodeCount atomic.Uint64
	decodeNanos atomic.Uint64
	failures    atomic.Uint64
	superseded  atomic.Uint64
}

// NewImageDecoder runs at most workers decodes at once and rejects frames
// larger than maxPixels. A non-positive maxPixels means DefaultMaxPixels.
func NewImageDecoder(workers int, maxPixels int64) *ImageDecoder {
	if workers < 1 {
		workers = 1
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &ImageDecoder{slots: make(chan struct{}, workers), maxPixels: maxPixels}
}

func (d *ImageDecoder) Decode(req Request, done func(Result)) {
	go func() {
		d.slots <- struct{}{}
		defer func() { <-d.slots }()
		if req.Superseded != nil && req.Superseded() {
			d.superseded.Add(1)
			done(Result{FrameNum: req.FrameNum, Err: &DecodeError{FrameNum: req.FrameNum, Err: ErrSuperseded}})
			return
		}
		done(d.decode(req.FrameNum, req.Payload))
	}()
}

func (d *ImageDecoder) decode(frameNum int, payload []byte) (result Result) {
	result.FrameNum = frameNum
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{FrameNum: frameNum, Err: &DecodeError{FrameNum: frameNum, Err: fmt.Errorf("decoder panic: %v", r)}}
		}
		d.decodeCount.Add(1)
		d.decodeNanos.Add(uint64(time.Since(start).Nanoseconds()))
		if result.Err != nil {
			d.failures.Add(1)
		}
	}()

	if len(payload) == 0 {
		result.Err = &DecodeError{FrameNum: frameNum, Err: ErrEmptyPayload}
		return result
	}
	// the header is enough to reject oversized frames before any pixel
	// buffer is allocated
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		result.Err = &DecodeError{FrameNum: frameNum, Err: err}
		return result
	}
	if int64(cfg.Width)*int64(cfg.Height) > d.maxPixels {
		result.Err = &DecodeError{FrameNum: frameNum, Err: fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)}
		return result
	}
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		result.Err = &DecodeError{FrameNum: frameNum, Err: err}
		return result
	}
	result.Image = img
	result.Format = format
	return result
}

// Timing returns the number of decodes and their total duration in nanoseconds.
func (d *ImageDecoder) Timing() (uint64, uint64) {
	return d.decodeCount.Load(), d.decodeNanos.Load()
}

func (d *ImageDecoder) Failures() uint64 {
	return d.failures.Load()
}

// Superseded counts frames skipped because a newer frame was dispatched
// while they waited for a worker.
func (d *ImageDecoder) Superseded() uint64 {
	return d.superseded.Load()
}
