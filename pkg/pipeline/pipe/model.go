package pipe

import (
	"context"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// Model is an unpartitioned sequential model. It is also a Fragment, which makes it the reference
// a pipelined run is compared against.
type Model struct {
	chain *Chain
}

// Sequential builds a model from layers run in order.
func Sequential(layers ...Layer) *Model {
	return &Model{chain: NewChain(layers...)}
}

// Layers returns the layers of the model.
func (m *Model) Layers() []Layer {
	return m.chain.Layers()
}

func (m *Model) Forward(ctx context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	return m.chain.Forward(ctx, args, kwargs)
}

// Parameters are keyed by their qualified name "<layer name>.<parameter>".
func (m *Model) Parameters() map[string]*tensor.Tensor {
	params := make(map[string]*tensor.Tensor)

	for _, layer := range m.chain.layers {
		for name, value := range layer.Fragment.Parameters() {
			params[layer.Name+"."+name] = value
		}
	}

	return params
}
