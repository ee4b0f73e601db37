// Package stage runs one partition of a model on one worker.
//
// A Stage wraps a Fragment (the computation of its partition) with the bookkeeping a schedule
// needs: interface metadata recorded up front or on first use, validation of everything that
// enters or leaves the stage, and a bounded cache of the backward closures of in-flight
// microbatches.
package stage

import (
	"context"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// BackwardFunc maps the gradients of a forward's outputs to the gradients of its positional
// inputs. It may accumulate parameter gradients as a side effect.
type BackwardFunc func(ctx context.Context, grads []*tensor.Tensor) ([]*tensor.Tensor, error)

// Fragment is the computation of one partition.
type Fragment interface {
	// Forward computes the outputs of a microbatch and the closure that differentiates them.
	Forward(ctx context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, BackwardFunc, error)
	// Parameters returns the fragment's parameters keyed by their local name.
	Parameters() map[string]*tensor.Tensor
}

// FragmentFunc adapts a stateless function to Fragment.
type FragmentFunc func(ctx context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, BackwardFunc, error)

func (f FragmentFunc) Forward(ctx context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, BackwardFunc, error) {
	return f(ctx, args, kwargs)
}

func (f FragmentFunc) Parameters() map[string]*tensor.Tensor {
	return nil
}

// OutputHook observes or rewrites the outputs of a forward before they are validated.
type OutputHook func(outputs []*tensor.Tensor) ([]*tensor.Tensor, error)
