package structures

import (
	"github.com/chewxy/math32"
)

// toRemove is the pixel-inclusive offset used for widths and heights:
// a box spanning x1..x2 covers x2-x1+1 pixels.
const toRemove = 1

// Point is a 2D coordinate in image space.
type Point struct {
	X float32
	Y float32
}

// Box is an axis-aligned box in absolute corner (xyxy) coordinates.
type Box struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

// NewBox constructs a Box from corner coordinates.
func NewBox(x1, y1, x2, y2 float32) Box {
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Width returns the pixel-inclusive box width.
func (b Box) Width() float32 { return b.X2 - b.X1 + toRemove }

// Height returns the pixel-inclusive box height.
func (b Box) Height() float32 { return b.Y2 - b.Y1 + toRemove }

// Area returns the box area, or 0 for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Finite reports whether every coordinate is a finite number.
func (b Box) Finite() bool {
	for _, v := range [4]float32{b.X1, b.Y1, b.X2, b.Y2} {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clip clamps the box to an image of the given size.
func (b Box) Clip(size Size) Box {
	maxX := float32(size.Width - toRemove)
	maxY := float32(size.Height - toRemove)
	return Box{
		X1: clamp(b.X1, 0, maxX),
		Y1: clamp(b.Y1, 0, maxY),
		X2: clamp(b.X2, 0, maxX),
		Y2: clamp(b.Y2, 0, maxY),
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IoU computes intersection over union for two boxes. Degenerate boxes and
// non-positive unions yield 0.
func IoU(a, b Box) float32 {
	areaA := a.Area()
	areaB := b.Area()
	if areaA == 0 || areaB == 0 {
		return 0
	}

	iw := math32.Min(a.X2, b.X2) - math32.Max(a.X1, b.X1) + toRemove
	ih := math32.Min(a.Y2, b.Y2) - math32.Max(a.Y1, b.Y1) + toRemove
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Size is an image size in pixels.
type Size struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool { return s.Height > 0 && s.Width > 0 }
