package schedule

import (
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// LossFunc reduces the outputs of the last stage for one microbatch against its target and returns
// the gradients of the loss with respect to those outputs.
type LossFunc func(outputs []*tensor.Tensor, target *tensor.Tensor) (float64, []*tensor.Tensor, error)

type Option func(s *Schedule)

// WithLoss turns the step into a training step. Every rank of a pipeline must get the option, even
// though only the rank owning the last stage calls the function.
func WithLoss(loss LossFunc) Option {
	return func(s *Schedule) {
		s.loss = loss
	}
}

// WithSplitSpec sets how the first stage cuts the batch.
func WithSplitSpec(spec microbatch.Spec) Option {
	return func(s *Schedule) {
		s.spec = spec
	}
}

// WithMergeAxis sets the axis along which the last stage cuts targets and joins outputs.
// Defaults to 0.
func WithMergeAxis(axis int) Option {
	return func(s *Schedule) {
		s.mergeAxis = axis
	}
}

// WithObserver registers an observer called around every step and action.
func WithObserver(observer model.StepObserver) Option {
	return func(s *Schedule) {
		s.observers = append(s.observers, observer)
	}
}

// WithWorldSize overrides the number of ranks reported by the transport.
func WithWorldSize(worldSize int) Option {
	return func(s *Schedule) {
		s.worldSize = worldSize
	}
}
