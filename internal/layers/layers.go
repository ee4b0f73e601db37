// Package layers holds small differentiable fragments used to build reference models for tests
// and demos. Only float32 and float64 tensors of rank 2 ([batch, features]) are supported.
package layers

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// Real lists the element types the kernels run on.
type Real interface {
	float32 | float64
}

var ErrUnsupportedDType = errors.New("unsupported dtype")

func singleInput(args []*tensor.Tensor, features int) (*tensor.Tensor, error) {
	if len(args) != 1 || args[0] == nil {
		return nil, errors.Errorf("expected one input, got %d", len(args))
	}

	x := args[0]
	if x.Rank() != 2 {
		return nil, errors.Errorf("expected a [batch, features] input, got %s", x.Shape())
	}

	if features > 0 && x.Shape().Dimensions[1] != features {
		return nil, errors.Errorf("expected %d features, got %s", features, x.Shape())
	}

	return x, nil
}

// Linear computes x @ weight + bias with weight of shape [in, out]. Backward accumulates the
// parameter gradients until ZeroGrad.
type Linear struct {
	In, Out int

	weight, bias         *tensor.Tensor
	weightGrad, biasGrad *tensor.Tensor
}

// NewLinear initialises weights uniformly in [-1/sqrt(in), 1/sqrt(in)].
func NewLinear[T Real](in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	uniform := func(n int) []T {
		values := make([]T, n)
		for i := range values {
			values[i] = T((rng.Float64()*2 - 1) * bound)
		}

		return values
	}

	return &Linear{
		In:         in,
		Out:        out,
		weight:     tensor.FromFlat(uniform(in*out), in, out),
		bias:       tensor.FromFlat(uniform(out), out),
		weightGrad: tensor.FromFlat(make([]T, in*out), in, out),
		biasGrad:   tensor.FromFlat(make([]T, out), out),
	}
}

func (l *Linear) Forward(_ context.Context, args []*tensor.Tensor, _ map[string]*tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	x, err := singleInput(args, l.In)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case x.DType() != l.weight.DType():
		return nil, nil, errors.Wrapf(ErrUnsupportedDType, "linear of %s weights applied to %s", l.weight.DType(), x.DType())
	case x.DType() == dtypes.Float32:
		return linearForward[float32](l, x)
	case x.DType() == dtypes.Float64:
		return linearForward[float64](l, x)
	default:
		return nil, nil, errors.Wrapf(ErrUnsupportedDType, "linear: %s", x.DType())
	}
}

func linearForward[T Real](l *Linear, x *tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	batch := x.Shape().Dimensions[0]
	xv := tensor.Data[T](x)
	weight := tensor.Data[T](l.weight)

	y := matMul(xv, weight, batch, l.In, l.Out)
	addRowVector(y, tensor.Data[T](l.bias), l.Out)

	backward := func(_ context.Context, grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
		gy := tensor.Data[T](grads[0])
		accMatMulTransA(tensor.Data[T](l.weightGrad), xv, gy, batch, l.In, l.Out)
		accColumnSums(tensor.Data[T](l.biasGrad), gy, l.Out)

		return []*tensor.Tensor{tensor.FromFlat(matMulTransB(gy, weight, batch, l.Out, l.In), batch, l.In)}, nil
	}

	return []*tensor.Tensor{tensor.FromFlat(y, batch, l.Out)}, backward, nil
}

func (l *Linear) Parameters() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": l.weight, "bias": l.bias}
}

// Grads returns the accumulated gradients keyed like Parameters.
func (l *Linear) Grads() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": l.weightGrad, "bias": l.biasGrad}
}

// ZeroGrad clears the accumulated gradients.
func (l *Linear) ZeroGrad() {
	l.weightGrad = tensor.Zeros(l.weightGrad.Shape())
	l.biasGrad = tensor.Zeros(l.biasGrad.Shape())
}

type activationKind int

const (
	reluKind activationKind = iota
	tanhKind
)

// Activation is an element-wise non-linearity without parameters.
type Activation struct {
	kind activationKind
}

func ReLU() *Activation { return &Activation{kind: reluKind} }

func Tanh() *Activation { return &Activation{kind: tanhKind} }

func (a *Activation) Forward(_ context.Context, args []*tensor.Tensor, _ map[string]*tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	x, err := singleInput(args, 0)
	if err != nil {
		return nil, nil, err
	}

	switch x.DType() {
	case dtypes.Float32:
		return activationForward[float32](a.kind, x)
	case dtypes.Float64:
		return activationForward[float64](a.kind, x)
	default:
		return nil, nil, errors.Wrapf(ErrUnsupportedDType, "activation: %s", x.DType())
	}
}

func activationForward[T Real](kind activationKind, x *tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	dims := x.Shape().Dimensions
	xv := tensor.Data[T](x)

	var y []T
	if kind == reluKind {
		y = relu(xv)
	} else {
		y = tanh(xv)
	}

	backward := func(_ context.Context, grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
		gy := tensor.Data[T](grads[0])
		if kind == reluKind {
			return []*tensor.Tensor{tensor.FromFlat(reluGrad(xv, gy), dims...)}, nil
		}

		return []*tensor.Tensor{tensor.FromFlat(tanhGrad(y, gy), dims...)}, nil
	}

	return []*tensor.Tensor{tensor.FromFlat(y, dims...)}, backward, nil
}

func (a *Activation) Parameters() map[string]*tensor.Tensor {
	return nil
}

// AddKwarg adds the keyword argument Key to its input. The gradient passes through unchanged.
type AddKwarg struct {
	Key string
}

func (a *AddKwarg) Forward(_ context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	x, err := singleInput(args, 0)
	if err != nil {
		return nil, nil, err
	}

	other, ok := kwargs[a.Key]
	if !ok || other == nil {
		return nil, nil, errors.Errorf("keyword argument %q is missing", a.Key)
	}

	if !other.Shape().Equal(x.Shape()) {
		return nil, nil, errors.Errorf("cannot add %s to %s", other.Shape(), x.Shape())
	}

	var sum *tensor.Tensor

	switch x.DType() {
	case dtypes.Float32:
		sum = tensor.FromFlat(add(tensor.Data[float32](x), tensor.Data[float32](other)), x.Shape().Dimensions...)
	case dtypes.Float64:
		sum = tensor.FromFlat(add(tensor.Data[float64](x), tensor.Data[float64](other)), x.Shape().Dimensions...)
	default:
		return nil, nil, errors.Wrapf(ErrUnsupportedDType, "add: %s", x.DType())
	}

	backward := func(_ context.Context, grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
		return grads, nil
	}

	return []*tensor.Tensor{sum}, backward, nil
}

func (a *AddKwarg) Parameters() map[string]*tensor.Tensor {
	return nil
}

// SquaredError is sum((y-target)^2) over every element. Summing keeps the gradients of the
// microbatches adding up to the gradient of the whole batch.
func SquaredError(outputs []*tensor.Tensor, target *tensor.Tensor) (float64, []*tensor.Tensor, error) {
	if len(outputs) != 1 || outputs[0] == nil || target == nil {
		return 0, nil, errors.New("squared error needs one output and a target")
	}

	y := outputs[0]
	if !y.Shape().Equal(target.Shape()) {
		return 0, nil, errors.Errorf("squared error of %s against target %s", y.Shape(), target.Shape())
	}

	switch y.DType() {
	case dtypes.Float32:
		loss, grad := squaredError(tensor.Data[float32](y), tensor.Data[float32](target))

		return loss, []*tensor.Tensor{tensor.FromFlat(grad, y.Shape().Dimensions...)}, nil
	case dtypes.Float64:
		loss, grad := squaredError(tensor.Data[float64](y), tensor.Data[float64](target))

		return loss, []*tensor.Tensor{tensor.FromFlat(grad, y.Shape().Dimensions...)}, nil
	default:
		return 0, nil, errors.Wrapf(ErrUnsupportedDType, "squared error: %s", y.DType())
	}
}
