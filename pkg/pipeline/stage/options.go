package stage

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/types/shapes"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

type Option func(s *Stage)

// WithInterface configures the input interface and output shapes by hand.
func WithInterface(input model.Interface, outputs []shapes.Shape) Option {
	return func(s *Stage) {
		s.input = &input
		s.outputs = slices.Clone(outputs)
	}
}

// WithExampleInputs makes New run the fragment once on a representative microbatch and record its
// interface from what goes in and comes out.
func WithExampleInputs(args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) Option {
	return func(s *Stage) {
		s.exampleArgs = args
		s.exampleKwargs = kwargs
		s.dryRun = true
	}
}

// WithQualNames maps local parameter names to their names in the unpartitioned model.
func WithQualNames(names map[string]string) Option {
	return func(s *Stage) {
		s.qualNames = maps.Clone(names)
	}
}

// WithChunkAxis sets the batch axis of the values the stage exchanges. Defaults to 0.
func WithChunkAxis(axis int) Option {
	return func(s *Stage) {
		s.chunkAxis = axis
	}
}

// WithChunkSizes sets the size of every microbatch along the chunk axis, as cut by
// microbatch.Sizes. Values are then checked against the size of their own microbatch rather than
// the one the interface was recorded on.
func WithChunkSizes(sizes []int) Option {
	return func(s *Stage) {
		s.chunkSizes = slices.Clone(sizes)
	}
}
