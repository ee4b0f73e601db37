package layers

import (
	"fmt"
	"math/rand/v2"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/pipe"
)

// NewRand returns the deterministic generator used by the reference models.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// MLP returns the layers of a two-layer perceptron block named prefix.
func MLP[T Real](prefix string, dim int, rng *rand.Rand) []pipe.Layer {
	return []pipe.Layer{
		{Name: prefix + ".net1", Fragment: NewLinear[T](dim, dim, rng)},
		{Name: prefix + ".relu", Fragment: ReLU()},
		{Name: prefix + ".net2", Fragment: NewLinear[T](dim, dim, rng)},
	}
}

// MultiMLP stacks blocks MLP blocks named mlp0, mlp1, ... and splits after each but the last.
func MultiMLP[T Real](dim, blocks int, seed uint64) (*pipe.Model, []pipe.SplitPoint) {
	rng := NewRand(seed)

	var (
		layers []pipe.Layer
		splits []pipe.SplitPoint
	)

	for b := range blocks {
		prefix := fmt.Sprintf("mlp%d", b)
		layers = append(layers, MLP[T](prefix, dim, rng)...)

		if b < blocks-1 {
			splits = append(splits, pipe.SplitPoint(prefix+".net2"))
		}
	}

	return pipe.Sequential(layers...), splits
}

// ModelWithKwargs adds the keyword argument "y" to the projected input in its first stage. Every
// following stage is a Linear and a Tanh.
func ModelWithKwargs[T Real](dim, stages int, seed uint64) (*pipe.Model, []pipe.SplitPoint) {
	rng := NewRand(seed)
	layers := []pipe.Layer{
		{Name: "lin0", Fragment: NewLinear[T](dim, dim, rng)},
		{Name: "add_y", Fragment: &AddKwarg{Key: "y"}},
		{Name: "relu0", Fragment: ReLU()},
	}

	var splits []pipe.SplitPoint

	for s := 1; s < stages; s++ {
		splits = append(splits, pipe.SplitPoint(layers[len(layers)-1].Name))
		layers = append(layers,
			pipe.Layer{Name: fmt.Sprintf("lin%d", s), Fragment: NewLinear[T](dim, dim, rng)},
			pipe.Layer{Name: fmt.Sprintf("tanh%d", s), Fragment: Tanh()},
		)
	}

	return pipe.Sequential(layers...), splits
}

// RandomBatch returns a [batch, dim] tensor of standard normal values.
func RandomBatch[T Real](batch, dim int, rng *rand.Rand) []T {
	values := make([]T, batch*dim)
	for i := range values {
		values[i] = T(rng.NormFloat64())
	}

	return values
}

// ZeroGrads clears the gradients of every Linear in model.
func ZeroGrads(model *pipe.Model) {
	for _, layer := range model.Layers() {
		if lin, ok := layer.Fragment.(*Linear); ok {
			lin.ZeroGrad()
		}
	}
}
