// Package layout validates detector-head level tensors and reorders their
// NCHW data into the per-location rows used by candidate extraction.
package layout

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/MeKo-Tech/detpost/internal/mempool"
)

// ErrBadTensor reports a level tensor with the wrong rank, dtype or size.
var ErrBadTensor = errors.New("malformed level tensor")

// NCHW holds the dimensions of a level tensor.
type NCHW struct {
	N, C, H, W int
}

// Spatial returns H*W.
func (d NCHW) Spatial() int { return d.H * d.W }

func (d NCHW) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", d.N, d.C, d.H, d.W)
}

// ValidateNCHW ensures a shape is [N, C, H, W] with positive dimensions.
func ValidateNCHW(shape []int) (NCHW, error) {
	if len(shape) != 4 {
		return NCHW{}, fmt.Errorf("%w: shape rank %d != 4", ErrBadTensor, len(shape))
	}
	for i, v := range shape {
		if v <= 0 {
			return NCHW{}, fmt.Errorf("%w: dimension %d must be > 0, got %d", ErrBadTensor, i, v)
		}
	}
	return NCHW{N: shape[0], C: shape[1], H: shape[2], W: shape[3]}, nil
}

// Float32Data validates a float32 NCHW tensor and returns its dimensions and
// row-major backing data. The data must not be modified.
func Float32Data(t *tensor.Dense) (NCHW, []float32, error) {
	if t == nil {
		return NCHW{}, nil, fmt.Errorf("%w: nil tensor", ErrBadTensor)
	}
	if t.Dtype() != tensor.Float32 {
		return NCHW{}, nil, fmt.Errorf("%w: dtype %v, want float32", ErrBadTensor, t.Dtype())
	}
	dims, err := ValidateNCHW(t.Shape())
	if err != nil {
		return NCHW{}, nil, err
	}

	if t.IsView() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return NCHW{}, nil, fmt.Errorf("%w: cannot materialize view", ErrBadTensor)
		}
		t = m
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return NCHW{}, nil, fmt.Errorf("%w: backing is %T", ErrBadTensor, t.Data())
	}
	if want := dims.N * dims.C * dims.H * dims.W; len(data) != want {
		return NCHW{}, nil, fmt.Errorf("%w: data length %d != expected %d for shape %v", ErrBadTensor, len(data), want, dims)
	}
	return dims, data, nil
}

// PermuteAndFlatten reorders an [N, A*C, H, W] tensor into N blocks of
// [H*W*A, C] rows. Within an image, row (h*W+w)*A + a holds channels
// a*C .. a*C+C-1 at position (h, w). This is the order anchors are generated
// in: location-major, anchor-minor.
//
// The returned buffer comes from a pool; hand it back with Release.
func PermuteAndFlatten(data []float32, d NCHW, a, c int) ([]float32, error) {
	if a <= 0 || c <= 0 || d.C != a*c {
		return nil, fmt.Errorf("%w: %d channels cannot hold %d anchors x %d values", ErrBadTensor, d.C, a, c)
	}
	if len(data) != d.N*d.C*d.H*d.W {
		return nil, fmt.Errorf("%w: data length %d does not match %v", ErrBadTensor, len(data), d)
	}

	hw := d.Spatial()
	out := mempool.GetFloat32(len(data))
	for n := range d.N {
		src := data[n*d.C*hw : (n+1)*d.C*hw]
		dst := out[n*d.C*hw : (n+1)*d.C*hw]
		for ai := range a {
			for ci := range c {
				ch := ai*c + ci
				plane := src[ch*hw : (ch+1)*hw]
				for pos, v := range plane {
					dst[(pos*a+ai)*c+ci] = v
				}
			}
		}
	}
	return out, nil
}

// Release returns a buffer obtained from PermuteAndFlatten to the pool.
func Release(buf []float32) {
	mempool.PutFloat32(buf)
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// SigmoidInPlace applies Sigmoid to every element.
func SigmoidInPlace(values []float32) {
	for i, v := range values {
		values[i] = Sigmoid(v)
	}
}

// Logit is the inverse of Sigmoid, for building test inputs from probabilities.
func Logit(p float32) float32 {
	return math32.Log(p / (1 - p))
}

// Stats computes min, max and mean for debug output.
func Stats(data []float32) (float32, float32, float32) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	minVal, maxVal := data[0], data[0]
	var sum float64
	for _, v := range data {
		minVal = math32.Min(minVal, v)
		maxVal = math32.Max(maxVal, v)
		sum += float64(v)
	}
	return minVal, maxVal, float32(sum / float64(len(data)))
}
