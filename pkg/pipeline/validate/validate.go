// Package validate compares values against recorded interface metadata.
//
// Every function is pure: it returns a *model.PipeliningShapeError describing the first
// discrepancy, or nil. Stage, Rank and Microbatch are left at -1 for the caller to fill in.
package validate

import (
	"fmt"

	"github.com/gomlx/gomlx/types/shapes"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// Options tune the comparison.
type Options struct {
	// ChunkAxis is the axis along which the batch was cut.
	ChunkAxis int
	// ChunkSize, when set, replaces the recorded size of the chunk axis for values recorded with
	// TracedChunkSize there, as when an uneven split hands out microbatches of different sizes.
	ChunkSize       int
	TracedChunkSize int
	// Label prefixes the value names reported by Values. Defaults to "values".
	Label string
}

func newError(kind model.ShapeErrorKind, expected shapes.Shape, actual shapes.Shape, name string) *model.PipeliningShapeError {
	return &model.PipeliningShapeError{
		Kind:       kind,
		Expected:   expected,
		Actual:     actual,
		Stage:      -1,
		Rank:       -1,
		Microbatch: -1,
		Value:      name,
	}
}

func withDetail(err *model.PipeliningShapeError, format string, args ...any) *model.PipeliningShapeError {
	err.Detail = fmt.Sprintf(format, args...)

	return err
}

// Value checks one value. The element type, the rank and every dimension must match exactly, with
// the chunk axis taken from opts.ChunkSize when it applies.
func Value(expected shapes.Shape, actual *tensor.Tensor, opts Options) *model.PipeliningShapeError {
	return value("", expected, actual, opts)
}

func value(name string, expected shapes.Shape, actual *tensor.Tensor, opts Options) *model.PipeliningShapeError {
	if actual == nil {
		return withDetail(newError(model.ShapeMismatch, expected, shapes.Invalid(), name),
			"expected %s, got no value", expected)
	}

	shape := actual.Shape()
	if shape.DType != expected.DType {
		return newError(model.DTypeMismatch, expected, shape, name)
	}

	if shape.Rank() != expected.Rank() {
		return newError(model.ShapeMismatch, expected, shape, name)
	}

	for axis, want := range expected.Dimensions {
		if opts.ChunkSize > 0 && axis == opts.ChunkAxis && want == opts.TracedChunkSize {
			want = opts.ChunkSize
		}

		if shape.Dimensions[axis] != want {
			return newError(model.ShapeMismatch, expected, shape, name)
		}
	}

	return nil
}

// Values checks a positional list, including its length.
func Values(expected []shapes.Shape, actual []*tensor.Tensor, opts Options) *model.PipeliningShapeError {
	label := opts.Label
	if label == "" {
		label = "values"
	}

	if len(actual) != len(expected) {
		return withDetail(newError(model.ShapeMismatch, shapes.Invalid(), shapes.Invalid(), label),
			"expected %d values, got %d", len(expected), len(actual))
	}

	for i, want := range expected {
		if err := value(fmt.Sprintf("%s[%d]", label, i), want, actual[i], opts); err != nil {
			return err
		}
	}

	return nil
}

// Interface checks the positional and keyword arguments of a call.
func Interface(expected model.Interface, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor, opts Options) *model.PipeliningShapeError {
	opts.Label = "args"
	if err := Values(expected.Args, args, opts); err != nil {
		return err
	}

	for _, name := range expected.KwargNames() {
		label := fmt.Sprintf("kwargs[%s]", name)

		actual, ok := kwargs[name]
		if !ok {
			return withDetail(newError(model.ShapeMismatch, expected.Kwargs[name], shapes.Invalid(), label),
				"missing keyword argument, expected %s", expected.Kwargs[name])
		}

		if err := value(label, expected.Kwargs[name], actual, opts); err != nil {
			return err
		}
	}

	for name, actual := range kwargs {
		if _, ok := expected.Kwargs[name]; !ok {
			var shape shapes.Shape
			if actual != nil {
				shape = actual.Shape()
			}

			return withDetail(newError(model.ShapeMismatch, shapes.Invalid(), shape, fmt.Sprintf("kwargs[%s]", name)),
				"unexpected keyword argument")
		}
	}

	return nil
}
