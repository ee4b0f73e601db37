package tensor

import (
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ErrAxis is returned when an axis does not exist in the tensor.
var ErrAxis = errors.New("axis out of range")

// blocks returns how many contiguous "outer" blocks precede axis and how many elements follow it.
func blocks(dims []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, dim := range dims[:axis] {
		outer *= dim
	}

	for _, dim := range dims[axis+1:] {
		inner *= dim
	}

	return outer, inner
}

// Split cuts t along axis into consecutive pieces with the given sizes, which must add up to the
// axis dimension. Pieces own their data.
func Split(t *Tensor, axis int, sizes []int) ([]*Tensor, error) {
	if axis < 0 || axis >= t.Rank() {
		return nil, errors.Wrapf(ErrAxis, "split axis %d of %s", axis, t.Shape())
	}

	shape := t.Shape()

	total := 0
	for _, size := range sizes {
		if size < 0 {
			return nil, errors.Errorf("split of %s: negative piece size %d", shape, size)
		}

		total += size
	}

	dim := shape.Dimensions[axis]
	if total != dim {
		return nil, errors.Errorf("split of %s along axis %d: sizes %v add up to %d, want %d",
			shape, axis, sizes, total, dim)
	}

	outer, inner := blocks(shape.Dimensions, axis)
	src := reflect.ValueOf(t.flat())
	pieces := make([]*Tensor, len(sizes))
	offset := 0

	for i, size := range sizes {
		block := size * inner
		pieces[i] = fromShapeAndFlat(withDim(shape, axis, size), func(dst reflect.Value) {
			for o := range outer {
				start := (o*dim + offset) * inner
				reflect.Copy(dst.Slice(o*block, (o+1)*block), src.Slice(start, start+block))
			}
		})
		offset += size
	}

	return pieces, nil
}

// Concat joins tensors along axis. All inputs must share dtype, rank and every other dimension.
func Concat(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("concat of zero tensors")
	}

	first := tensors[0].Shape()
	if axis < 0 || axis >= first.Rank() {
		return nil, errors.Wrapf(ErrAxis, "concat axis %d of %s", axis, first)
	}

	total := 0
	parts := make([]shapes.Shape, len(tensors))

	for i, t := range tensors {
		parts[i] = t.Shape()
		if parts[i].DType != first.DType || parts[i].Rank() != first.Rank() {
			return nil, errors.Errorf("concat: tensor #%d %s is incompatible with %s", i, parts[i], first)
		}

		for d := range first.Dimensions {
			if d != axis && parts[i].Dimensions[d] != first.Dimensions[d] {
				return nil, errors.Errorf("concat: tensor #%d %s differs from %s outside axis %d",
					i, parts[i], first, axis)
			}
		}

		total += parts[i].Dimensions[axis]
	}

	shape := withDim(first, axis, total)
	outer, inner := blocks(shape.Dimensions, axis)

	return fromShapeAndFlat(shape, func(dst reflect.Value) {
		for o := range outer {
			pos := 0

			for i, t := range tensors {
				block := parts[i].Dimensions[axis] * inner
				start := (o*total + pos) * inner
				reflect.Copy(dst.Slice(start, start+block), reflect.ValueOf(t.flat()).Slice(o*block, (o+1)*block))
				pos += parts[i].Dimensions[axis]
			}
		}
	}), nil
}

// Float64s converts any real numeric tensor to a fresh []float64.
func Float64s(t *Tensor) []float64 {
	out := make([]float64, t.Size())

	switch flat := t.flat().(type) {
	case []float64:
		copy(out, flat)
	case []float32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float16.Float16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	default:
		src := reflect.ValueOf(flat)
		for i := range out {
			elem := src.Index(i)
			switch {
			case elem.CanInt():
				out[i] = float64(elem.Int())
			case elem.CanUint():
				out[i] = float64(elem.Uint())
			case elem.CanFloat():
				out[i] = elem.Float()
			default:
				exceptions.Panicf("tensor.Float64s: dtype %s is not a real number type", t.DType())
			}
		}
	}

	return out
}

// AllClose reports whether a and b have equal shapes and |a-b| <= atol + rtol*|b| element-wise.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !a.Shape().Equal(b.Shape()) {
		return false
	}

	av, bv := Float64s(a), Float64s(b)
	for i := range av {
		if math.Abs(av[i]-bv[i]) > atol+rtol*math.Abs(bv[i]) {
			return false
		}
	}

	return true
}
