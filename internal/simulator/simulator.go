// Package simulator produces a synthetic pose analysis stream: JPEG frames of
// a moving stick figure with matching landmarks and an elbow angle metric.
package simulator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"time"

	"golang.org/x/image/draw"

	"pose-stream-go/internal/render"
	"pose-stream-go/internal/types"
)

const (
	leftShoulder = 11
	leftElbow    = 13
	leftWrist    = 15
	period       = 90
)

type Options struct {
	Width   int
	Height  int
	Rate    float64
	Frames  int // 0 streams until cancelled
	Quality int
}

func (o Options) withDefaults() Options {
	if o.Width < 1 {
		o.Width = 320
	}
	if o.Height < 1 {
		o.Height = 240
	}
	if o.Rate <= 0 {
		o.Rate = 30
	}
	if o.Quality < 1 || o.Quality > 100 {
		o.Quality = 70
	}
	return o
}

// restPose holds normalised positions for the 33 pose points of a figure
// facing the camera. The left arm is animated separately.
var restPose = [render.PosePoints][2]float64{
	{0.50, 0.20},
	{0.51, 0.18}, {0.52, 0.18}, {0.53, 0.18},
	{0.49, 0.18}, {0.48, 0.18}, {0.47, 0.18},
	{0.54, 0.19}, {0.46, 0.19},
	{0.51, 0.23}, {0.49, 0.23},
	{0.58, 0.32}, {0.42, 0.32},
	{0.61, 0.45}, {0.38, 0.45},
	{0.63, 0.57}, {0.36, 0.57},
	{0.64, 0.59}, {0.355, 0.59},
	{0.635, 0.60}, {0.36, 0.60},
	{0.625, 0.59}, {0.37, 0.59},
	{0.55, 0.60}, {0.45, 0.60},
	{0.56, 0.75}, {0.44, 0.75},
	{0.56, 0.90}, {0.44, 0.90},
	{0.555, 0.92}, {0.445, 0.92},
	{0.58, 0.93}, {0.42, 0.93},
}

// Landmarks returns the figure's landmarks for frame n.
func Landmarks(n int) []types.Landmark {
	phase := 2 * math.Pi * float64(n) / period
	sway := 0.08 * math.Sin(phase/3)

	out := make([]types.Landmark, render.PosePoints)
	for id, p := range restPose {
		visibility := 0.95
		if id >= 29 {
			// feet are usually poorly tracked
			visibility = 0.4
		}
		out[id] = types.Landmark{ID: id, X: p[0] + sway, Y: p[1], Visibility: visibility}
	}

	elbow := out[leftElbow]
	forearm := math.Pi/2 - 0.8*math.Pi*(0.5+0.5*math.Sin(phase))
	wx := elbow.X + 0.09*math.Cos(forearm)
	wy := elbow.Y + 0.12*math.Sin(forearm)
	dx, dy := wx-out[leftWrist].X, wy-out[leftWrist].Y
	for _, id := range []int{leftWrist, 17, 19, 21} {
		out[id].X += dx
		out[id].Y += dy
	}
	return out
}

// ElbowAngle is the angle at b between the segments to a and c in degrees,
// folded into [0, 180].
func ElbowAngle(a, b, c [2]float64) float64 {
	radians := math.Atan2(c[1]-b[1], c[0]-b[0]) - math.Atan2(a[1]-b[1], a[0]-b[0])
	angle := math.Abs(radians * 180 / math.Pi)
	if angle > 180 {
		angle = 360 - angle
	}
	return math.Round(angle*100) / 100
}

func pixel(lm types.Landmark, w, h int) [2]float64 {
	return [2]float64{lm.X * float64(w), lm.Y * float64(h)}
}

// Frame builds the complete message for frame n (1-based).
func Frame(n int, opts Options) (types.StreamMessage, error) {
	opts = opts.withDefaults()
	landmarks := Landmarks(n)

	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 30, G: 34, B: 48, A: 255}), image.Point{}, draw.Src)
	band := (n * 3) % opts.Height
	draw.Draw(img, image.Rect(0, band, opts.Width, band+opts.Height/12), image.NewUniform(color.RGBA{R: 44, G: 50, B: 70, A: 255}), image.Point{}, draw.Src)

	body := render.NewOverlay(render.DefaultTopology(), render.OverlayStyle{
		LineColor:    color.RGBA{R: 200, G: 180, B: 160, A: 255},
		MarkerColor:  color.RGBA{R: 230, G: 210, B: 190, A: 255},
		LineWidth:    float64(opts.Width) / 48,
		MarkerRadius: float64(opts.Width) / 64,
		Threshold:    0,
	})
	fit := render.FitTransform{Scale: 1}
	body.Draw(img, landmarks, fit, opts.Width, opts.Height)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return types.StreamMessage{}, err
	}

	angle := ElbowAngle(
		pixel(landmarks[leftShoulder], opts.Width, opts.Height),
		pixel(landmarks[leftElbow], opts.Width, opts.Height),
		pixel(landmarks[leftWrist], opts.Width, opts.Height),
	)
	return types.StreamMessage{
		FrameNum:  n,
		FrameData: buf.Bytes(),
		Landmarks: landmarks,
		Metrics:   map[string]float64{"left_elbow_angle": angle},
	}, nil
}

// Stream emits frames at opts.Rate until ctx is done or opts.Frames frames
// were sent. The channel is closed when streaming stops.
func Stream(ctx context.Context, opts Options) <-chan types.StreamMessage {
	opts = opts.withDefaults()
	out := make(chan types.StreamMessage)
	go func() {
		defer close(out)

		frameInterval := time.Duration(float64(time.Second) / opts.Rate)
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()

		for n := 1; opts.Frames == 0 || n <= opts.Frames; n++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			msg, err := Frame(n, opts)
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}()

	return out
}
