package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"golang.org/x/image/draw"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestSurfaceLetterboxesImage(t *testing.T) {
	surface := NewSurface(640, 480, color.RGBA{A: 255}, draw.NearestNeighbor)
	blue := color.RGBA{B: 255, A: 255}
	src := solid(100, 50, blue)
	fit := ComputeFit(100, 50, 640, 480, true)

	surface.Render(func(c *Canvas) {
		c.Clear()
		c.DrawImage(src, fit)
	})

	snap := surface.Snapshot()
	if got := snap.RGBAAt(10, 100); got != blue {
		t.Fatalf("expected image pixel, got %v", got)
	}
	if got := snap.RGBAAt(10, 40); got != (color.RGBA{A: 255}) {
		t.Fatalf("expected letterbox margin, got %v", got)
	}
	if got := snap.RGBAAt(10, 440); got != (color.RGBA{A: 255}) {
		t.Fatalf("expected letterbox margin, got %v", got)
	}
}

func TestSurfaceClearResetsBackground(t *testing.T) {
	bg := color.RGBA{R: 9, G: 9, B: 9, A: 255}
	surface := NewSurface(20, 10, bg, nil)
	surface.Render(func(c *Canvas) {
		c.DrawImage(solid(20, 10, color.RGBA{R: 255, A: 255}), ComputeFit(20, 10, 20, 10, true))
	})
	surface.Render(func(c *Canvas) { c.Clear() })
	if got := surface.Snapshot().RGBAAt(5, 5); got != bg {
		t.Fatalf("expected background after clear, got %v", got)
	}
}

func TestSurfaceSkipsInvalidFit(t *testing.T) {
	surface := NewSurface(20, 10, color.RGBA{A: 255}, nil)
	surface.Render(func(c *Canvas) {
		c.DrawImage(solid(5, 5, color.RGBA{R: 255, A: 255}), FitTransform{})
	})
	if got := surface.Snapshot().RGBAAt(10, 5); got != (color.RGBA{A: 255}) {
		t.Fatalf("invalid fit drew pixels: %v", got)
	}
}

func TestSurfaceEncodeJPEG(t *testing.T) {
	surface := NewSurface(32, 16, color.RGBA{A: 255}, nil)
	var buf bytes.Buffer
	if err := surface.EncodeJPEG(&buf, 80); err != nil {
		t.Fatalf("EncodeJPEG error: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(&buf)
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Fatalf("unexpected size %dx%d", cfg.Width, cfg.Height)
	}
}

func TestParseColorAndScaler(t *testing.T) {
	c, err := ParseColor("#ff8000")
	if err != nil || c != (color.RGBA{R: 255, G: 128, A: 255}) {
		t.Fatalf("unexpected color %v err=%v", c, err)
	}
	c, err = ParseColor("#0f0")
	if err != nil || c != (color.RGBA{G: 255, A: 255}) {
		t.Fatalf("unexpected short color %v err=%v", c, err)
	}
	if _, err := ParseColor("green"); err == nil {
		t.Fatalf("expected error for named color")
	}
	if _, err := ParseScaler("lanczos"); err == nil {
		t.Fatalf("expected error for unknown scaler")
	}
	if s, err := ParseScaler("catmullrom"); err != nil || s != draw.CatmullRom {
		t.Fatalf("unexpected scaler %v err=%v", s, err)
	}
}

func TestDrawLabelPaintsText(t *testing.T) {
	img := solid(200, 60, color.RGBA{R: 40, G: 40, B: 40, A: 255})
	DrawLabel(img, "frame 12")
	changed := false
	for y := 0; y < 30 && !changed; y++ {
		for x := 0; x < 100; x++ {
			if img.RGBAAt(x, y) != (color.RGBA{R: 40, G: 40, B: 40, A: 255}) {
				changed = true
				break
			}
		}
	}
	if !changed {
		t.Fatalf("label left image untouched")
	}
}
