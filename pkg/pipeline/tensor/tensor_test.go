package tensor_test

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

func iota32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}

	return out
}

func TestShapeString(t *testing.T) {
	t.Parallel()

	shape := shapes.Make(dtypes.Float32, 64, 512)
	assert.Equal(t, "(Float32)[64 512]", shape.String())
	assert.Equal(t, 64*512, shape.Size())
	assert.Equal(t, uintptr(64*512*4), shape.Memory())
	assert.Equal(t, 512, shape.Dim(-1))
	assert.True(t, shape.Equal(shapes.Make(dtypes.Float32, 64, 512)))
	assert.False(t, shape.Equal(shapes.Make(dtypes.Float64, 64, 512)))
	assert.True(t, shape.EqualDimensions(shapes.Make(dtypes.Float64, 64, 512)))
}

func TestFromFlatSizeMismatchPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { tensor.FromFlat([]float32{1, 2, 3}, 2, 2) })
}

func TestDataWrongTypePanics(t *testing.T) {
	t.Parallel()

	x := tensor.FromFlat([]float32{1, 2}, 2)
	assert.Panics(t, func() { _ = tensor.Data[int64](x) })
	assert.Equal(t, []float32{1, 2}, tensor.Data[float32](x))
}

func TestSplitConcat(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		dims  []int
		axis  int
		sizes []int
	}{
		"axis 0 even":   {dims: []int{8, 3}, axis: 0, sizes: []int{2, 2, 2, 2}},
		"axis 0 uneven": {dims: []int{7, 3}, axis: 0, sizes: []int{2, 2, 2, 1}},
		"axis 1":        {dims: []int{2, 6, 2}, axis: 1, sizes: []int{3, 3}},
		"last axis":     {dims: []int{3, 4}, axis: 1, sizes: []int{1, 3}},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			size := 1
			for _, d := range tc.dims {
				size *= d
			}

			x := tensor.FromFlat(iota32(size), tc.dims...)
			pieces, err := tensor.Split(x, tc.axis, tc.sizes)
			require.NoError(t, err)
			require.Len(t, pieces, len(tc.sizes))

			for i, piece := range pieces {
				assert.Equal(t, tc.sizes[i], piece.Shape().Dimensions[tc.axis])
			}

			back, err := tensor.Concat(tc.axis, pieces...)
			require.NoError(t, err)
			assert.Equal(t, x.Shape(), back.Shape())
			assert.Equal(t, tensor.Data[float32](x), tensor.Data[float32](back))
		})
	}
}

func TestSplitAxis1Values(t *testing.T) {
	t.Parallel()

	x := tensor.FromFlat([]int64{0, 1, 2, 3, 4, 5}, 2, 3)
	pieces, err := tensor.Split(x, 1, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 3}, tensor.Data[int64](pieces[0]))
	assert.Equal(t, []int64{1, 2, 4, 5}, tensor.Data[int64](pieces[1]))
}

func TestSplitFloat16(t *testing.T) {
	t.Parallel()

	flat := make([]float16.Float16, 8)
	for i := range flat {
		flat[i] = float16.Fromfloat32(float32(i) / 2)
	}

	x := tensor.FromFlat(flat, 4, 2)
	assert.Equal(t, dtypes.Float16, x.DType())

	pieces, err := tensor.Split(x, 0, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2.5, 3, 3.5}, tensor.Float64s(pieces[1]))
}

func TestSplitErrors(t *testing.T) {
	t.Parallel()

	x := tensor.FromFlat(iota32(6), 2, 3)

	_, err := tensor.Split(x, 2, []int{1, 1})
	require.ErrorIs(t, err, tensor.ErrAxis)

	_, err = tensor.Split(x, 0, []int{1, 2})
	require.Error(t, err)
}

func TestConcatErrors(t *testing.T) {
	t.Parallel()

	a := tensor.FromFlat(iota32(6), 2, 3)
	b := tensor.FromFlat(iota32(4), 2, 2)

	_, err := tensor.Concat(0, a, b)
	require.Error(t, err)

	_, err = tensor.Concat(0)
	require.Error(t, err)

	c := tensor.FromFlat([]float64{1, 2, 3}, 1, 3)
	_, err = tensor.Concat(0, a, c)
	require.Error(t, err)
}

func TestReshapeCopies(t *testing.T) {
	t.Parallel()

	x := tensor.FromFlat(iota32(6), 2, 3)
	flat, err := x.Reshape(6)
	require.NoError(t, err)
	assert.True(t, flat.Shape().Equal(shapes.Make(dtypes.Float32, 6)))
	assert.Equal(t, tensor.Data[float32](x), tensor.Data[float32](flat))

	tensor.Data[float32](flat)[0] = 42
	assert.Equal(t, float32(0), tensor.Data[float32](x)[0])

	_, err = x.Reshape(4)
	require.Error(t, err)
}

func TestShapeIsACopy(t *testing.T) {
	t.Parallel()

	shape := shapes.Make(dtypes.Float64, 2, 3)
	z := tensor.Zeros(shape)
	shape.Dimensions[0] = 5
	assert.Equal(t, []int{2, 3}, z.Shape().Dimensions)

	got := z.Shape()
	got.Dimensions[1] = 7
	assert.Equal(t, []int{2, 3}, z.Shape().Dimensions)
	assert.Equal(t, "Tensor(Float64)[2 3]", z.String())
	assert.Equal(t, uintptr(2*3*8), z.Memory())
}

func TestZerosFullClone(t *testing.T) {
	t.Parallel()

	z := tensor.Zeros(shapes.Make(dtypes.Int32, 2, 2))
	assert.Equal(t, []int32{0, 0, 0, 0}, tensor.Data[int32](z))

	f := tensor.Full(float64(1.5), 3)
	c := f.Clone()
	tensor.Data[float64](c)[0] = 7
	assert.Equal(t, 1.5, tensor.Data[float64](f)[0])
}

func TestAllClose(t *testing.T) {
	t.Parallel()

	a := tensor.FromFlat([]float32{1, 2, 3}, 3)
	b := tensor.FromFlat([]float32{1, 2.0005, 3}, 3)
	assert.True(t, tensor.AllClose(a, b, 0, 1e-3))
	assert.False(t, tensor.AllClose(a, b, 0, 1e-5))
	assert.False(t, tensor.AllClose(a, tensor.FromFlat([]float32{1, 2, 3}, 1, 3), 1, 1))
}
