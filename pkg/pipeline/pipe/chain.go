// Package pipe turns a sequential model and a list of split points into per-stage fragments with
// recorded interfaces and qualified parameter names.
package pipe

import (
	"context"
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// Layer is a named fragment of a sequential model. Names are dotted paths such as "mlp0.net1".
type Layer struct {
	Name     string
	Fragment stage.Fragment
}

// Chain runs layers one after the other. Each layer receives the outputs of the previous one as
// positional arguments and the keyword arguments of the call.
type Chain struct {
	layers []Layer
}

// NewChain composes layers.
func NewChain(layers ...Layer) *Chain {
	return &Chain{layers: slices.Clone(layers)}
}

// Layers returns the composed layers.
func (c *Chain) Layers() []Layer {
	return slices.Clone(c.layers)
}

func (c *Chain) Forward(ctx context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, stage.BackwardFunc, error) {
	backwards := make([]stage.BackwardFunc, len(c.layers))
	values := args

	for i, layer := range c.layers {
		outputs, backward, err := layer.Fragment.Forward(ctx, values, kwargs)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "layer %s", layer.Name)
		}

		backwards[i] = backward
		values = outputs
	}

	backward := func(ctx context.Context, grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
		for i := len(c.layers) - 1; i >= 0; i-- {
			if backwards[i] == nil {
				return nil, errors.Wrapf(stage.ErrNoBackward, "layer %s", c.layers[i].Name)
			}

			var err error

			grads, err = backwards[i](ctx, grads)
			if err != nil {
				return nil, errors.Wrapf(err, "layer %s backward", c.layers[i].Name)
			}
		}

		return grads, nil
	}

	return values, backward, nil
}

// Parameters are keyed "<position in chain>.<parameter>".
func (c *Chain) Parameters() map[string]*tensor.Tensor {
	params := make(map[string]*tensor.Tensor)

	for i, layer := range c.layers {
		for name, value := range layer.Fragment.Parameters() {
			params[fmt.Sprintf("%d.%s", i, name)] = value
		}
	}

	return params
}

// QualNames maps the chain's parameter names to "<layer name>.<parameter>".
func (c *Chain) QualNames() map[string]string {
	names := make(map[string]string)

	for i, layer := range c.layers {
		for name := range layer.Fragment.Parameters() {
			names[fmt.Sprintf("%d.%s", i, name)] = layer.Name + "." + name
		}
	}

	return names
}
