package render

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"
	"sync"

	"golang.org/x/image/draw"
)

// Surface is the fixed-size drawing target. Render holds an exclusive lock for
// the whole draw sequence so readers never observe a half-drawn frame.
type Surface struct {
	mu     sync.RWMutex
	img    *image.RGBA
	bg     *image.Uniform
	scaler draw.Scaler
}

func NewSurface(width, height int, background color.Color, scaler draw.Scaler) *Surface {
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	s := &Surface{
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
		bg:     image.NewUniform(background),
		scaler: scaler,
	}
	draw.Draw(s.img, s.img.Bounds(), s.bg, image.Point{}, draw.Src)
	return s
}

func (s *Surface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Canvas is the mutable view handed to Render callbacks.
type Canvas struct {
	surface *Surface
}

func (c *Canvas) Image() *image.RGBA {
	return c.surface.img
}

func (c *Canvas) Clear() {
	draw.Draw(c.surface.img, c.surface.img.Bounds(), c.surface.bg, image.Point{}, draw.Src)
}

// DrawImage scales src into the rectangle described by fit.
func (c *Canvas) DrawImage(src image.Image, fit FitTransform) {
	if src == nil || !fit.Valid() {
		return
	}
	sb := src.Bounds()
	dr := fit.Rect(sb.Dx(), sb.Dy())
	if dr.Empty() {
		return
	}
	c.surface.scaler.Scale(c.surface.img, dr, src, sb, draw.Over, nil)
}

func (s *Surface) Render(fn func(c *Canvas)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Canvas{surface: s})
}

// Snapshot returns a copy of the current surface contents.
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

func (s *Surface) EncodeJPEG(w io.Writer, quality int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return jpeg.Encode(w, s.img, &jpeg.Options{Quality: quality})
}

// ParseScaler maps a config name to an x/image scaler.
func ParseScaler(name string) (draw.Scaler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return draw.NearestNeighbor, nil
	case "", "bilinear", "approx-bilinear":
		return draw.ApproxBiLinear, nil
	case "catmullrom", "catmull-rom":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown scaler %q", name)
	}
}

// ParseColor accepts #rgb and #rrggbb hex colors.
func ParseColor(value string) (color.RGBA, error) {
	s := strings.TrimPrefix(strings.TrimSpace(value), "#")
	var r, g, b uint8
	switch len(s) {
	case 6:
		if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
			return color.RGBA{}, fmt.Errorf("invalid color %q: %w", value, err)
		}
	case 3:
		if _, err := fmt.Sscanf(s, "%1x%1x%1x", &r, &g, &b); err != nil {
			return color.RGBA{}, fmt.Errorf("invalid color %q: %w", value, err)
		}
		r, g, b = r*17, g*17, b*17
	default:
		return color.RGBA{}, fmt.Errorf("invalid color %q", value)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}
