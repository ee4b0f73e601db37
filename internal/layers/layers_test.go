package layers_test

import (
	"context"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askiada/go-pipeline-parallel/internal/layers"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/pipe"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

func lossOf(t *testing.T, model *pipe.Model, x, target *tensor.Tensor) float64 {
	t.Helper()

	outputs, _, err := model.Forward(context.Background(), []*tensor.Tensor{x}, nil)
	require.NoError(t, err)

	loss, _, err := layers.SquaredError(outputs, target)
	require.NoError(t, err)

	return loss
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	t.Parallel()

	rng := layers.NewRand(7)
	lin := layers.NewLinear[float64](3, 2, rng)
	model := pipe.Sequential(
		pipe.Layer{Name: "lin", Fragment: lin},
		pipe.Layer{Name: "tanh", Fragment: layers.Tanh()},
	)
	x := tensor.FromFlat(layers.RandomBatch[float64](4, 3, rng), 4, 3)
	target := tensor.FromFlat(layers.RandomBatch[float64](4, 2, rng), 4, 2)

	ctx := context.Background()
	outputs, backward, err := model.Forward(ctx, []*tensor.Tensor{x}, nil)
	require.NoError(t, err)

	_, grads, err := layers.SquaredError(outputs, target)
	require.NoError(t, err)

	inputGrads := must.M1(backward(ctx, grads))
	require.Len(t, inputGrads, 1)

	const eps = 1e-6

	xv := tensor.Data[float64](x)
	for i := range xv {
		orig := xv[i]
		xv[i] = orig + eps
		up := lossOf(t, model, x, target)
		xv[i] = orig - eps
		down := lossOf(t, model, x, target)
		xv[i] = orig

		assert.InDelta(t, (up-down)/(2*eps), tensor.Data[float64](inputGrads[0])[i], 1e-5, "input %d", i)
	}

	weight := tensor.Data[float64](lin.Parameters()["weight"])
	weightGrad := tensor.Data[float64](lin.Grads()["weight"])

	for i := range weight {
		orig := weight[i]
		weight[i] = orig + eps
		up := lossOf(t, model, x, target)
		weight[i] = orig - eps
		down := lossOf(t, model, x, target)
		weight[i] = orig

		assert.InDelta(t, (up-down)/(2*eps), weightGrad[i], 1e-5, "weight %d", i)
	}

	lin.ZeroGrad()
	assert.Equal(t, make([]float64, 6), tensor.Data[float64](lin.Grads()["weight"]))
}

func TestReLU(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := tensor.FromFlat([]float32{-1, 2, 0, 3}, 2, 2)

	outputs, backward, err := layers.ReLU().Forward(ctx, []*tensor.Tensor{x}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2, 0, 3}, tensor.Data[float32](outputs[0]))

	grads := must.M1(backward(ctx, []*tensor.Tensor{tensor.Full[float32](1, 2, 2)}))
	assert.Equal(t, []float32{0, 1, 0, 1}, tensor.Data[float32](grads[0]))
}

func TestAddKwarg(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	add := &layers.AddKwarg{Key: "y"}
	x := tensor.FromFlat([]float64{1, 2}, 1, 2)

	outputs, _, err := add.Forward(ctx, []*tensor.Tensor{x}, map[string]*tensor.Tensor{"y": tensor.FromFlat([]float64{10, 20}, 1, 2)})
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 22}, tensor.Data[float64](outputs[0]))

	_, _, err = add.Forward(ctx, []*tensor.Tensor{x}, nil)
	require.Error(t, err)
}

func TestLinearRejectsOtherDTypes(t *testing.T) {
	t.Parallel()

	lin := layers.NewLinear[float32](2, 2, layers.NewRand(1))
	_, _, err := lin.Forward(context.Background(), []*tensor.Tensor{tensor.FromFlat([]int32{1, 2}, 1, 2)}, nil)
	require.ErrorIs(t, err, layers.ErrUnsupportedDType)
}

func TestMultiMLPSplits(t *testing.T) {
	t.Parallel()

	model, splits := layers.MultiMLP[float32](8, 4, 0)
	assert.Len(t, model.Layers(), 12)
	assert.Equal(t, []pipe.SplitPoint{"mlp0.net2", "mlp1.net2", "mlp2.net2"}, splits)
	assert.Contains(t, model.Parameters(), "mlp3.net1.weight")

	_, splits = layers.ModelWithKwargs[float32](8, 3, 0)
	assert.Equal(t, []pipe.SplitPoint{"relu0", "tanh1"}, splits)
}
