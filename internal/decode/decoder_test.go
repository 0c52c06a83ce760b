package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

func decodeSync(t *testing.T, d Decoder, frameNum int, payload []byte) Result {
	t.Helper()
	ch := make(chan Result, 1)
	d.Decode(Request{FrameNum: frameNum, Payload: payload}, func(r Result) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("decode of frame %d did not complete", frameNum)
		return Result{}
	}
}

func TestDecodeFormats(t *testing.T) {
	d := NewImageDecoder(2, 0)
	cases := []struct {
		name    string
		payload []byte
		format  string
	}{
		{"png", encodePNG(t, 100, 50), "png"},
		{"jpeg", encodeJPEG(t, 64, 48), "jpeg"},
	}
	for _, tc := range cases {
		r := decodeSync(t, d, 3, tc.payload)
		if r.Err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, r.Err)
		}
		if r.FrameNum != 3 || r.Format != tc.format {
			t.Fatalf("%s: unexpected result %+v", tc.name, r)
		}
	}
	r := decodeSync(t, d, 1, encodePNG(t, 100, 50))
	if b := r.Image.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestDecodeCorruptPayload(t *testing.T) {
	d := NewImageDecoder(1, 0)
	r := decodeSync(t, d, 9, []byte("definitely not an image"))
	var decErr *DecodeError
	if !errors.As(r.Err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", r.Err)
	}
	if decErr.FrameNum != 9 {
		t.Fatalf("unexpected frame in error: %d", decErr.FrameNum)
	}

	r = decodeSync(t, d, 10, nil)
	if !errors.Is(r.Err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", r.Err)
	}
	if d.Failures() != 2 {
		t.Fatalf("unexpected failure count %d", d.Failures())
	}
	count, _ := d.Timing()
	if count != 2 {
		t.Fatalf("unexpected decode count %d", count)
	}
}

func TestDecodeDoesNotBlockCaller(t *testing.T) {
	d := NewImageDecoder(1, 0)
	payload := encodePNG(t, 32, 32)
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(8)
	start := time.Now()
	for i := 1; i <= 8; i++ {
		d.Decode(Request{FrameNum: i, Payload: payload}, func(r Result) {
			mu.Lock()
			got = append(got, r.FrameNum)
			mu.Unlock()
			wg.Done()
		})
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("Decode blocked the caller")
	}
	wg.Wait()
	sort.Ints(got)
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("unexpected completions %v", got)
		}
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	d := NewImageDecoder(1, 0)
	payload := encodePNG(t, 100, 50)
	// rewrite the IHDR dimensions to 16000x16000; the header alone must be
	// enough to reject it
	binary.BigEndian.PutUint32(payload[16:20], 16000)
	binary.BigEndian.PutUint32(payload[20:24], 16000)
	binary.BigEndian.PutUint32(payload[29:33], crc32.ChecksumIEEE(payload[12:29]))

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	r := decodeSync(t, d, 4, payload)
	runtime.ReadMemStats(&after)

	if !errors.Is(r.Err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", r.Err)
	}
	var decErr *DecodeError
	if !errors.As(r.Err, &decErr) || decErr.FrameNum != 4 {
		t.Fatalf("expected DecodeError for frame 4, got %v", r.Err)
	}
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 16<<20 {
		t.Fatalf("oversized frame allocated %d bytes", grown)
	}

	small := NewImageDecoder(1, 100*49)
	if r := decodeSync(t, small, 5, encodePNG(t, 100, 50)); !errors.Is(r.Err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge under a custom limit, got %v", r.Err)
	}
	if r := decodeSync(t, small, 6, encodePNG(t, 70, 70)); r.Err != nil {
		t.Fatalf("frame within the limit failed: %v", r.Err)
	}
}

func TestDecodeSkipsSupersededFrame(t *testing.T) {
	d := NewImageDecoder(1, 0)
	ch := make(chan Result, 1)
	d.Decode(Request{
		FrameNum:   3,
		Payload:    encodePNG(t, 8, 8),
		Superseded: func() bool { return true },
	}, func(r Result) { ch <- r })
	select {
	case r := <-ch:
		if !errors.Is(r.Err, ErrSuperseded) || r.Image != nil {
			t.Fatalf("expected superseded result, got %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("superseded frame never completed")
	}
	if d.Superseded() != 1 || d.Failures() != 0 {
		t.Fatalf("unexpected counters superseded=%d failures=%d", d.Superseded(), d.Failures())
	}
}
