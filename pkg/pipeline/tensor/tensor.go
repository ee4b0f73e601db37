// Package tensor provides the dense host tensor exchanged between pipeline stages.
//
// A Tensor keeps its values in a local gomlx tensors.Tensor and is described by a gomlx
// shapes.Shape. The shape (element type and dimensions) is also the unit of interface metadata
// recorded by a stage and checked by the validator, so two values are interchangeable between
// stages exactly when their shapes are equal.
package tensor

import (
	"reflect"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a dense, row-major, host-resident value. Tensors are treated as immutable once they
// leave the fragment that produced them: stages, the validator and the transport never write to
// their data.
type Tensor struct {
	local *tensors.Tensor
}

// FromFlat copies flat into a tensor with the given dimensions. No dimensions means a scalar,
// which needs exactly one element.
func FromFlat[T dtypes.Supported](flat []T, dims ...int) *Tensor {
	return &Tensor{local: tensors.FromFlatDataAndDimensions(flat, dims...)}
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape shapes.Shape) *Tensor {
	return &Tensor{local: tensors.FromShape(shape.Clone())}
}

// Full allocates a tensor with every element set to value.
func Full[T dtypes.Supported](value T, dims ...int) *Tensor {
	return &Tensor{local: tensors.FromScalarAndDimensions(value, dims...)}
}

// Data returns the flat slice holding the values of t. It panics if T does not match the tensor's
// DType. The values always live in host memory, so the slice stays valid as long as t does.
func Data[T dtypes.Supported](t *Tensor) []T {
	var flat []T

	tensors.MutableFlatData(t.local, func(data []T) {
		flat = data
	})

	return flat
}

// flat returns the values of t as an untyped slice.
func (t *Tensor) flat() any {
	var flat any

	t.local.ConstFlatData(func(data any) {
		flat = data
	})

	return flat
}

// fromShapeAndFlat allocates a tensor of shape and lets fill write its values.
func fromShapeAndFlat(shape shapes.Shape, fill func(dst reflect.Value)) *Tensor {
	out := tensors.FromShape(shape)
	out.MutableFlatData(func(data any) {
		fill(reflect.ValueOf(data))
	})

	return &Tensor{local: out}
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() shapes.Shape {
	return t.local.Shape().Clone()
}

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType {
	return t.local.DType()
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return t.local.Rank()
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return t.local.Size()
}

// Memory is the number of bytes the values take.
func (t *Tensor) Memory() uintptr {
	return t.local.Memory()
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{local: t.local.LocalClone()}
}

// Reshape returns a copy of t with new dimensions of the same total size.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	shape := shapes.Make(t.DType(), dims...)
	if shape.Size() != t.Size() {
		return nil, errors.Errorf("cannot reshape %s to %v: size mismatch", t.local.Shape(), dims)
	}

	src := reflect.ValueOf(t.flat())

	return fromShapeAndFlat(shape, func(dst reflect.Value) {
		reflect.Copy(dst, src)
	}), nil
}

// String prints the shape, not the values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}

	return "Tensor" + t.local.Shape().String()
}

// withDim returns a copy of shape with axis resized to dim.
func withDim(shape shapes.Shape, axis, dim int) shapes.Shape {
	out := shape.Clone()
	out.Dimensions[axis] = dim

	return out
}
