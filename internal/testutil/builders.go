package testutil

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/MeKo-Tech/detpost/internal/structures"
)

// Tensor builds a float32 tensor with the given shape over a copy of data.
func Tensor(t testing.TB, shape []int, data []float32) *tensor.Dense {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}
	require.Len(t, data, n, "tensor data does not match shape %v", shape)

	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]float32(nil), data...)))
}

// Zeros builds a zero-filled float32 tensor.
func Zeros(t testing.TB, shape ...int) *tensor.Dense {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor(t, shape, make([]float32, n))
}

// LogitTensor builds a tensor whose sigmoid equals probs.
func LogitTensor(t testing.TB, shape []int, probs []float32) *tensor.Dense {
	t.Helper()

	logits := make([]float32, len(probs))
	for i, p := range probs {
		logits[i] = math32.Log(p / (1 - p))
	}
	return Tensor(t, shape, logits)
}

// Boxes builds a BoxList from corner coordinates.
func Boxes(t testing.TB, size structures.Size, coords ...[4]float32) *structures.BoxList {
	t.Helper()

	boxes := make([]structures.Box, len(coords))
	for i, c := range coords {
		boxes[i] = structures.NewBox(c[0], c[1], c[2], c[3])
	}
	bl, err := structures.New(boxes, size)
	require.NoError(t, err)
	return bl
}

// ScoredBoxes builds a BoxList with a float column.
func ScoredBoxes(t testing.TB, size structures.Size, field structures.Field, scores []float32,
	coords ...[4]float32,
) *structures.BoxList {
	t.Helper()

	bl := Boxes(t, size, coords...)
	require.NoError(t, bl.AddFloat32Field(field, scores))
	return bl
}

// RepeatBox builds a BoxList holding n copies of one box, as an anchor set
// for a single location with n anchors, or n locations sharing one anchor.
func RepeatBox(t testing.TB, size structures.Size, n int, box [4]float32) *structures.BoxList {
	t.Helper()

	coords := make([][4]float32, n)
	for i := range coords {
		coords[i] = box
	}
	return Boxes(t, size, coords...)
}

// Float32Field fetches a float column, failing the test when it is missing.
func Float32Field(t testing.TB, bl *structures.BoxList, field structures.Field) []float32 {
	t.Helper()

	v, err := bl.Float32Field(field)
	require.NoError(t, err)
	return v
}

// Int64Field fetches an integer column, failing the test when it is missing.
func Int64Field(t testing.TB, bl *structures.BoxList, field structures.Field) []int64 {
	t.Helper()

	v, err := bl.Int64Field(field)
	require.NoError(t, err)
	return v
}
