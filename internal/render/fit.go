package render

import (
	"image"
	"math"
)

// FitTransform maps source-image pixels onto the render surface.
type FitTransform struct {
	Scale   float64
	OffsetX float64
	OffsetY float64
}

// ComputeFit letterboxes a srcW x srcH image into a surfW x surfH surface,
// preserving aspect ratio. A source larger than the surface in either
// dimension is always scaled down; a smaller one is scaled up only when
// upscale is set. Degenerate sizes yield the zero transform.
func ComputeFit(srcW, srcH, surfW, surfH int, upscale bool) FitTransform {
	if srcW <= 0 || srcH <= 0 || surfW <= 0 || surfH <= 0 {
		return FitTransform{}
	}
	sw, sh := float64(srcW), float64(srcH)
	dw, dh := float64(surfW), float64(surfH)

	scale := 1.0
	if upscale || srcW > surfW || srcH > surfH {
		scale = math.Min(dw/sw, dh/sh)
	}
	return FitTransform{
		Scale:   scale,
		OffsetX: (dw - scale*sw) / 2,
		OffsetY: (dh - scale*sh) / 2,
	}
}

// Valid reports whether anything can be drawn with f.
func (f FitTransform) Valid() bool {
	return f.Scale > 0
}

// Project maps normalised coordinates of a srcW x srcH image to surface space.
func (f FitTransform) Project(x, y float64, srcW, srcH int) (float64, float64) {
	return x*float64(srcW)*f.Scale + f.OffsetX, y*float64(srcH)*f.Scale + f.OffsetY
}

// Rect is the surface rectangle covered by a srcW x srcH image.
func (f FitTransform) Rect(srcW, srcH int) image.Rectangle {
	return image.Rect(
		int(math.Round(f.OffsetX)),
		int(math.Round(f.OffsetY)),
		int(math.Round(f.OffsetX+f.Scale*float64(srcW))),
		int(math.Round(f.OffsetY+f.Scale*float64(srcH))),
	)
}
