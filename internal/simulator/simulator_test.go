package simulator

import (
	"bytes"
	"context"
	"image/color"
	"image/jpeg"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/image/draw"

	"pose-stream-go/internal/compositor"
	"pose-stream-go/internal/decode"
	"pose-stream-go/internal/ingest"
	"pose-stream-go/internal/metrics"
	"pose-stream-go/internal/render"
	"pose-stream-go/internal/session"
	"pose-stream-go/internal/upload"
)

func TestElbowAngle(t *testing.T) {
	cases := []struct {
		a, b, c [2]float64
		want    float64
	}{
		{[2]float64{0, -1}, [2]float64{0, 0}, [2]float64{1, 0}, 90},
		{[2]float64{-1, 0}, [2]float64{0, 0}, [2]float64{1, 0}, 180},
		{[2]float64{1, 0}, [2]float64{0, 0}, [2]float64{1, 1}, 45},
		{[2]float64{1, 1}, [2]float64{0, 0}, [2]float64{1, -1}, 90},
	}
	for _, tc := range cases {
		if got := ElbowAngle(tc.a, tc.b, tc.c); got != tc.want {
			t.Fatalf("ElbowAngle(%v, %v, %v) = %v, want %v", tc.a, tc.b, tc.c, got, tc.want)
		}
	}
}

func TestFrameIsDecodable(t *testing.T) {
	msg, err := Frame(7, Options{Width: 160, Height: 120})
	if err != nil {
		t.Fatalf("Frame error: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(msg.FrameData))
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	if img.Bounds().Dx() != 160 || img.Bounds().Dy() != 120 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	if msg.FrameNum != 7 || len(msg.Landmarks) != render.PosePoints {
		t.Fatalf("unexpected message frame=%d landmarks=%d", msg.FrameNum, len(msg.Landmarks))
	}
	angle, ok := msg.Metrics["left_elbow_angle"]
	if !ok || angle < 0 || angle > 180 {
		t.Fatalf("unexpected elbow angle %v", msg.Metrics)
	}
	for _, lm := range msg.Landmarks {
		if lm.X < 0 || lm.X > 1 || lm.Y < 0 || lm.Y > 1 {
			t.Fatalf("landmark %d out of range: %+v", lm.ID, lm)
		}
	}
}

func TestLandmarksAnimateLeftArm(t *testing.T) {
	a := Landmarks(0)
	b := Landmarks(period / 4)
	if a[leftWrist] == b[leftWrist] {
		t.Fatalf("left wrist did not move")
	}
	if a[leftShoulder].Y != b[leftShoulder].Y {
		t.Fatalf("shoulder height changed")
	}
}

func TestStreamStopsAfterFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var nums []int
	for msg := range Stream(ctx, Options{Width: 64, Height: 48, Rate: 500, Frames: 3}) {
		nums = append(nums, msg.FrameNum)
	}
	if len(nums) != 3 || nums[0] != 1 || nums[2] != 3 {
		t.Fatalf("unexpected frames %v", nums)
	}
}

func wsURL(base string, id string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws/analyze_video/" + id
}

func TestBackendUpload(t *testing.T) {
	backend := NewBackend(BackendOptions{})
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pitch.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	id, err := upload.Upload(context.Background(), srv.URL, path)
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if id != "pitch.mp4" {
		t.Fatalf("unexpected id %q", id)
	}
	if size, ok := backend.Uploaded(id); !ok || size != 10 {
		t.Fatalf("upload not recorded: %d %v", size, ok)
	}
}

func TestBackendMissingArtifact(t *testing.T) {
	srv := httptest.NewServer(NewBackend(BackendOptions{}).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, MissingID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	messageType, payload, err := conn.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		t.Fatalf("read: type=%d err=%v", messageType, err)
	}
	msg, err := ingest.Parse(ingest.Text, payload, ingest.Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Error != "Video file not found." {
		t.Fatalf("unexpected error %q", msg.Error)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestBackendBinaryStream(t *testing.T) {
	backend := NewBackend(BackendOptions{Binary: true, Frames: Options{Width: 64, Height: 48, Rate: 500, Frames: 2}})
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "clip.mp4"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for want := 1; want <= 2; want++ {
		messageType, payload, err := conn.ReadMessage()
		if err != nil || messageType != websocket.BinaryMessage {
			t.Fatalf("read: type=%d err=%v", messageType, err)
		}
		msg, err := ingest.Parse(ingest.Binary, payload, ingest.Options{})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if msg.FrameNum != want || len(msg.FrameData) == 0 {
			t.Fatalf("unexpected frame %d with %d bytes", msg.FrameNum, len(msg.FrameData))
		}
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

type pipelineListener struct {
	mu       sync.Mutex
	rendered []metrics.Display
	errs     []error
	closed   chan struct{}
	once     sync.Once
}

func newPipelineListener() *pipelineListener {
	return &pipelineListener{closed: make(chan struct{})}
}

func (l *pipelineListener) OnOpen() {}

func (l *pipelineListener) OnRender(d metrics.Display) {
	l.mu.Lock()
	l.rendered = append(l.rendered, d)
	l.mu.Unlock()
}

func (l *pipelineListener) OnError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *pipelineListener) OnClose() {
	l.once.Do(func() { close(l.closed) })
}

func runPipeline(t *testing.T, dialer session.Dialer, target string) (*pipelineListener, *session.Session, *compositor.Compositor) {
	t.Helper()
	listener := newPipelineListener()
	comp := compositor.New(compositor.Options{
		Surface:          render.NewSurface(320, 240, color.RGBA{A: 255}, draw.ApproxBiLinear),
		Decoder:          decode.NewImageDecoder(2, 0),
		Overlay:          render.NewOverlay(render.DefaultTopology(), render.DefaultOverlayStyle()),
		Sink:             metrics.NewSink([]string{"left_elbow_angle"}),
		Upscale:          true,
		RejectOutOfOrder: true,
		Listener:         listener,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = comp.Run(ctx) }()

	sess := session.New(dialer, comp, session.Options{})
	comp.Attach(sess)
	if err := sess.Open(ctx, target); err != nil {
		t.Fatalf("Open error: %v", err)
	}
	select {
	case <-listener.closed:
	case <-time.After(10 * time.Second):
		t.Fatalf("pipeline did not finish, state=%s", sess.State())
	}
	return listener, sess, comp
}

func TestPipelineAgainstBackend(t *testing.T) {
	backend := NewBackend(BackendOptions{Frames: Options{Width: 160, Height: 120, Rate: 200, Frames: 5}})
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	target, err := upload.TargetURL(srv.URL, "clip.mp4")
	if err != nil {
		t.Fatalf("TargetURL: %v", err)
	}
	listener, sess, comp := runPipeline(t, session.WebSocketDialer{}, target)

	if sess.State() != session.Closed {
		t.Fatalf("expected closed session, got %s", sess.State())
	}
	stats := comp.Stats()
	if stats.Dispatched != 5 || stats.DecodeFailed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	// the last frame may finish decoding after the close notification
	deadline := time.Now().Add(5 * time.Second)
	for comp.Stats().Rendered == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.rendered) == 0 || len(listener.errs) != 0 {
		t.Fatalf("rendered=%d errs=%v", len(listener.rendered), listener.errs)
	}
	last := listener.rendered[len(listener.rendered)-1]
	if last.Values["left_elbow_angle"] == metrics.Placeholder {
		t.Fatalf("elbow angle missing in %+v", last)
	}
}

func TestPipelineMissingArtifact(t *testing.T) {
	srv := httptest.NewServer(NewBackend(BackendOptions{}).Handler())
	defer srv.Close()

	target, _ := upload.TargetURL(srv.URL, MissingID)
	listener, sess, _ := runPipeline(t, session.WebSocketDialer{}, target)

	if sess.State() != session.Closed {
		t.Fatalf("expected closed session, got %s", sess.State())
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.errs) != 1 || listener.errs[0].Error() != "Video file not found." {
		t.Fatalf("unexpected errors %v", listener.errs)
	}
	if session.Classify(listener.errs[0]) != session.KindServer {
		t.Fatalf("unexpected error kind %s", session.Classify(listener.errs[0]))
	}
}

func TestPipelineOverZMQ(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	endpoint := "inproc://pose-sim-test"
	backend := NewBackend(BackendOptions{Binary: true, Frames: Options{Width: 96, Height: 72, Rate: 200, Frames: 3}})
	if err := ServeZMQ(ctx, backend, endpoint); err != nil {
		t.Fatalf("ServeZMQ: %v", err)
	}

	_, sess, comp := runPipeline(t, session.ZMQDialer{Endpoint: endpoint}, "clip.mp4")
	if sess.State() != session.Closed {
		t.Fatalf("expected closed session, got %s", sess.State())
	}
	if comp.Stats().Dispatched != 3 {
		t.Fatalf("unexpected stats %+v", comp.Stats())
	}
}
