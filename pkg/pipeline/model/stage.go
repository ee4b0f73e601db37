package model

import (
	"maps"
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// StageDescriptor identifies one stage of the chain and the worker that owns it.
// With more than one stage per worker (interleaved schedules) stage Index lives on rank
// Index % WorldSize.
type StageDescriptor struct {
	Index     int
	NumStages int
	Rank      int
	WorldSize int
	Device    string
}

// NewStageDescriptor derives the rank of stage index for a world of worldSize workers.
func NewStageDescriptor(index, numStages, worldSize int, device string) (StageDescriptor, error) {
	desc := StageDescriptor{
		Index:     index,
		NumStages: numStages,
		WorldSize: worldSize,
		Device:    device,
	}
	if worldSize > 0 {
		desc.Rank = index % worldSize
	}

	return desc, desc.Validate()
}

// Validate checks that the descriptor is consistent.
func (d StageDescriptor) Validate() error {
	switch {
	case d.NumStages <= 0:
		return errors.Wrapf(ErrConfiguration, "number of stages must be positive, got %d", d.NumStages)
	case d.WorldSize <= 0:
		return errors.Wrapf(ErrConfiguration, "world size must be positive, got %d", d.WorldSize)
	case d.Index < 0 || d.Index >= d.NumStages:
		return errors.Wrapf(ErrConfiguration, "stage index %d out of range [0, %d)", d.Index, d.NumStages)
	case d.NumStages%d.WorldSize != 0:
		return errors.Wrapf(ErrConfiguration, "%d stages cannot be spread evenly over %d workers",
			d.NumStages, d.WorldSize)
	case d.Rank != d.Index%d.WorldSize:
		return errors.Wrapf(ErrConfiguration, "stage %d belongs to rank %d, not %d",
			d.Index, d.Index%d.WorldSize, d.Rank)
	}

	return nil
}

// IsFirst is true for the stage that consumes the real inputs.
func (d StageDescriptor) IsFirst() bool {
	return d.Index == 0
}

// IsLast is true for the stage that produces the batch output.
func (d StageDescriptor) IsLast() bool {
	return d.Index == d.NumStages-1
}

// VirtualStage is the position of the stage among those held by its rank.
func (d StageDescriptor) VirtualStage() int {
	return d.Index / d.WorldSize
}

// Interface is the recorded input metadata of a stage: one shape per positional argument and per
// keyword argument.
type Interface struct {
	Args   []shapes.Shape
	Kwargs map[string]shapes.Shape
}

// InterfaceOf records the shapes of the given values.
func InterfaceOf(args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) Interface {
	iface := Interface{Args: ShapesOf(args)}
	if len(kwargs) > 0 {
		iface.Kwargs = make(map[string]shapes.Shape, len(kwargs))
		for name, value := range kwargs {
			iface.Kwargs[name] = value.Shape()
		}
	}

	return iface
}

// KwargNames returns the keyword names in sorted order.
func (i Interface) KwargNames() []string {
	return slices.Sorted(maps.Keys(i.Kwargs))
}

// ShapesOf returns the shapes of values; nil values yield a zero Shape.
func ShapesOf(values []*tensor.Tensor) []shapes.Shape {
	out := make([]shapes.Shape, len(values))
	for i, value := range values {
		if value != nil {
			out[i] = value.Shape()
		}
	}

	return out
}

// Microbatch is one slice of the full batch. Index is consistent across every stage for one step.
type Microbatch struct {
	Index  int
	Args   []*tensor.Tensor
	Kwargs map[string]*tensor.Tensor
}
