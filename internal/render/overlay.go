package render

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"pose-stream-go/internal/types"
)

const markerSegments = 24

// Normalised coordinates outside [minCoord, maxCoord] are treated as
// garbage. Points slightly off the image still draw so limbs leaving the
// frame keep their edge.
const (
	minCoord = -1.0
	maxCoord = 2.0
)

type OverlayStyle struct {
	LineColor    color.Color
	MarkerColor  color.Color
	LineWidth    float64
	MarkerRadius float64
	// Threshold is exclusive: a landmark is drawn only when its visibility
	// is strictly greater.
	Threshold float64
}

func DefaultOverlayStyle() OverlayStyle {
	return OverlayStyle{
		LineColor:    color.RGBA{R: 0, G: 255, B: 0, A: 255},
		MarkerColor:  color.RGBA{R: 255, G: 0, B: 0, A: 255},
		LineWidth:    2,
		MarkerRadius: 4,
		Threshold:    0.5,
	}
}

// Overlay draws a skeleton over an already rendered base image. It never
// clears the destination. An Overlay is not safe for concurrent use.
type Overlay struct {
	topology Topology
	style    OverlayStyle
	lines    *vector.Rasterizer
	markers  *vector.Rasterizer
}

func NewOverlay(topology Topology, style OverlayStyle) *Overlay {
	return &Overlay{
		topology: topology,
		style:    style,
		lines:    vector.NewRasterizer(0, 0),
		markers:  vector.NewRasterizer(0, 0),
	}
}

func (o *Overlay) Topology() Topology {
	return o.topology
}

// Draw renders edges and markers for landmarks of a srcW x srcH source image
// placed on dst by fit. It returns the number of edges and markers drawn.
func (o *Overlay) Draw(dst draw.Image, landmarks []types.Landmark, fit FitTransform, srcW, srcH int) (int, int) {
	if len(landmarks) == 0 || !fit.Valid() {
		return 0, 0
	}
	bounds := dst.Bounds()
	if bounds.Empty() {
		return 0, 0
	}

	byID := make(map[int]types.Landmark, len(landmarks))
	for _, lm := range landmarks {
		if !o.topology.known(lm.ID) || !plausible(lm) {
			continue
		}
		if _, dup := byID[lm.ID]; dup {
			continue
		}
		byID[lm.ID] = lm
	}

	w, h := bounds.Dx(), bounds.Dy()
	o.lines.Reset(w, h)
	o.lines.DrawOp = draw.Over
	o.markers.Reset(w, h)
	o.markers.DrawOp = draw.Over

	project := func(lm types.Landmark) (float64, float64) {
		x, y := fit.Project(lm.X, lm.Y, srcW, srcH)
		return x - float64(bounds.Min.X), y - float64(bounds.Min.Y)
	}

	half := o.style.LineWidth / 2
	lineClip := clipRect{-half - 1, -half - 1, float64(w) + half + 1, float64(h) + half + 1}
	edges := 0
	for _, edge := range o.topology.Edges {
		a, okA := byID[edge.A]
		b, okB := byID[edge.B]
		if !okA || !okB || !o.visible(a) || !o.visible(b) {
			continue
		}
		ax, ay := project(a)
		bx, by := project(b)
		x0, y0, x1, y1, ok := lineClip.segment(ax, ay, bx, by)
		if !ok {
			continue
		}
		if addSegment(o.lines, x0, y0, x1, y1, float32(half)) {
			edges++
		}
	}

	radius := o.style.MarkerRadius
	markerClip := clipRect{-radius, -radius, float64(w) + radius, float64(h) + radius}
	markers := 0
	for _, lm := range byID {
		if !o.visible(lm) {
			continue
		}
		x, y := project(lm)
		if !markerClip.contains(x, y) {
			continue
		}
		addDisc(o.markers, float32(x), float32(y), float32(radius))
		markers++
	}

	if edges > 0 {
		o.lines.Draw(dst, bounds, image.NewUniform(o.style.LineColor), image.Point{})
	}
	if markers > 0 {
		o.markers.Draw(dst, bounds, image.NewUniform(o.style.MarkerColor), image.Point{})
	}
	return edges, markers
}

func (o *Overlay) visible(lm types.Landmark) bool {
	return lm.Visibility > o.style.Threshold
}

func plausible(lm types.Landmark) bool {
	for _, v := range []float64{lm.X, lm.Y} {
		if math.IsNaN(v) || v < minCoord || v > maxCoord {
			return false
		}
	}
	return true
}

type clipRect struct {
	minX, minY, maxX, maxY float64
}

func (r clipRect) contains(x, y float64) bool {
	return x >= r.minX && x <= r.maxX && y >= r.minY && y <= r.maxY
}

// segment clips a-b to r (Liang-Barsky). ok is false when nothing of the
// segment lies inside.
func (r clipRect) segment(ax, ay, bx, by float64) (float32, float32, float32, float32, bool) {
	dx, dy := bx-ax, by-ay
	t0, t1 := 0.0, 1.0
	for _, edge := range [4][2]float64{
		{-dx, ax - r.minX},
		{dx, r.maxX - ax},
		{-dy, ay - r.minY},
		{dy, r.maxY - ay},
	} {
		p, q := edge[0], edge[1]
		if p == 0 {
			if q < 0 {
				return 0, 0, 0, 0, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return 0, 0, 0, 0, false
			}
			if t > t0 {
				t0 = t
			}
		} else {
			if t < t0 {
				return 0, 0, 0, 0, false
			}
			if t < t1 {
				t1 = t
			}
		}
	}
	return float32(ax + t0*dx), float32(ay + t0*dy), float32(ax + t1*dx), float32(ay + t1*dy), true
}

func addSegment(r *vector.Rasterizer, ax, ay, bx, by, half float32) bool {
	dx, dy := bx-ax, by-ay
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 || half <= 0 {
		return false
	}
	nx, ny := -dy/length*half, dx/length*half
	r.MoveTo(ax+nx, ay+ny)
	r.LineTo(bx+nx, by+ny)
	r.LineTo(bx-nx, by-ny)
	r.LineTo(ax-nx, ay-ny)
	r.ClosePath()
	return true
}

func addDisc(r *vector.Rasterizer, cx, cy, radius float32) {
	if radius <= 0 {
		return
	}
	r.MoveTo(cx+radius, cy)
	for i := 1; i < markerSegments; i++ {
		theta := 2 * math.Pi * float64(i) / markerSegments
		r.LineTo(cx+radius*float32(math.Cos(theta)), cy+radius*float32(math.Sin(theta)))
	}
	r.ClosePath()
}
