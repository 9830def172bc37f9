// Package boxcoder converts between box-regression deltas and absolute
// box coordinates.
package boxcoder

import (
	"github.com/chewxy/math32"

	"github.com/MeKo-Tech/detpost/internal/structures"
)

// BBoxXformClip bounds the width/height exponent during decoding so that
// exp() cannot overflow.
var BBoxXformClip = math32.Log(1000.0 / 16)

// Weights scale the (dx, dy, dw, dh) deltas.
type Weights [4]float32

// DefaultWeights is the unit weighting used by the RPN.
var DefaultWeights = Weights{1, 1, 1, 1}

// BoxCoder encodes and decodes anchor-relative regression deltas. It is
// stateless after construction and safe for concurrent use.
type BoxCoder struct {
	weights Weights
	clip    float32
}

// New creates a coder with the given weights and exponent clip.
func New(weights Weights, clip float32) *BoxCoder {
	return &BoxCoder{weights: weights, clip: clip}
}

// Default creates a coder with unit weights and BBoxXformClip.
func Default() *BoxCoder {
	return New(DefaultWeights, BBoxXformClip)
}

// Weights returns the delta weights.
func (c *BoxCoder) Weights() Weights { return c.weights }

// Encode computes the deltas that map each reference box onto its target.
// The result holds 4 values per row.
func (c *BoxCoder) Encode(targets, refs []structures.Box) []float32 {
	n := min(len(targets), len(refs))
	wx, wy, ww, wh := c.weights[0], c.weights[1], c.weights[2], c.weights[3]

	out := make([]float32, 4*n)
	for i := range n {
		rw, rh, rcx, rcy := centerForm(refs[i])
		tw, th, tcx, tcy := centerForm(targets[i])

		out[4*i] = wx * (tcx - rcx) / rw
		out[4*i+1] = wy * (tcy - rcy) / rh
		out[4*i+2] = ww * math32.Log(tw/rw)
		out[4*i+3] = wh * math32.Log(th/rh)
	}
	return out
}

// Decode applies deltas (4 values per row) to reference boxes. Rows beyond
// the shorter of the two inputs are ignored. Coordinates that overflow are
// saturated to ±MaxFloat32.
func (c *BoxCoder) Decode(deltas []float32, refs []structures.Box) []structures.Box {
	n := min(len(deltas)/4, len(refs))
	wx, wy, ww, wh := c.weights[0], c.weights[1], c.weights[2], c.weights[3]

	out := make([]structures.Box, n)
	for i := range n {
		w, h, cx, cy := centerForm(refs[i])

		dx := deltas[4*i] / wx
		dy := deltas[4*i+1] / wy
		dw := math32.Min(deltas[4*i+2]/ww, c.clip)
		dh := math32.Min(deltas[4*i+3]/wh, c.clip)

		predCX := dx*w + cx
		predCY := dy*h + cy
		predW := math32.Exp(dw) * w
		predH := math32.Exp(dh) * h

		out[i] = saturate(structures.Box{
			X1: predCX - 0.5*predW,
			Y1: predCY - 0.5*predH,
			X2: predCX + 0.5*predW - 1,
			Y2: predCY + 0.5*predH - 1,
		})
	}
	return out
}

// saturate replaces overflowed coordinates with the largest finite value of
// the same sign, so clipping to the image still yields a valid box.
func saturate(b structures.Box) structures.Box {
	return structures.Box{X1: sat(b.X1), Y1: sat(b.Y1), X2: sat(b.X2), Y2: sat(b.Y2)}
}

func sat(v float32) float32 {
	switch {
	case math32.IsInf(v, 1):
		return math32.MaxFloat32
	case math32.IsInf(v, -1):
		return -math32.MaxFloat32
	}
	return v
}

func centerForm(b structures.Box) (w, h, cx, cy float32) {
	w = b.Width()
	h = b.Height()
	return w, h, b.X1 + 0.5*w, b.Y1 + 0.5*h
}

// DecodeLocations turns per-location edge distances (left, top, right,
// bottom; 4 values per row) into boxes around each location point.
func DecodeLocations(distances []float32, locations []structures.Point) []structures.Box {
	n := min(len(distances)/4, len(locations))
	out := make([]structures.Box, n)
	for i := range n {
		p := locations[i]
		out[i] = saturate(structures.Box{
			X1: p.X - distances[4*i],
			Y1: p.Y - distances[4*i+1],
			X2: p.X + distances[4*i+2],
			Y2: p.Y + distances[4*i+3],
		})
	}
	return out
}
