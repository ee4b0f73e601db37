package pipe

import (
	"context"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

var (
	ErrModelMustBeSet  = errors.New("model must be set")
	ErrUnknownSplit    = errors.Wrap(model.ErrConfiguration, "split point does not name a layer")
	ErrSplitOutOfOrder = errors.Wrap(model.ErrConfiguration, "split points must follow layer order")
)

// SplitPoint ends a stage after the named layer.
type SplitPoint string

// Partition is one stage of a built pipe: its fragment and the interface recorded for it.
type Partition struct {
	Chain     *Chain
	Input     model.Interface
	Outputs   []shapes.Shape
	QualNames map[string]string
}

// Pipe is a model cut into stages whose interfaces were recorded on a representative microbatch.
type Pipe struct {
	Partitions []Partition
	Chunks     int
	Spec       microbatch.Spec
	// ChunkSizes is the size of every microbatch of the example batch. The interfaces were
	// recorded on the first one.
	ChunkSizes []int
}

// NumStages is the number of partitions.
func (p *Pipe) NumStages() int {
	return len(p.Partitions)
}

// Build cuts m after every split point and runs one microbatch of the example batch through the
// stages in order to record what each stage receives and produces.
//
// Keyword arguments are only passed to the first stage. Each later stage receives nothing but the
// positional outputs of the stage before it, so a layer reading a keyword argument has to sit
// before the first split point.
func Build(ctx context.Context, m *Model, splits []SplitPoint, chunks int,
	exampleArgs []*tensor.Tensor, exampleKwargs map[string]*tensor.Tensor, spec microbatch.Spec,
) (*Pipe, error) {
	if m == nil {
		return nil, ErrModelMustBeSet
	}

	groups, err := partition(m.Layers(), splits)
	if err != nil {
		return nil, err
	}

	mbs, err := microbatch.Split(exampleArgs, exampleKwargs, chunks, spec)
	if err != nil {
		return nil, errors.Wrap(err, "unable to split example inputs")
	}

	sizes, err := microbatch.BatchSizes(exampleArgs, exampleKwargs, chunks, spec)
	if err != nil {
		return nil, errors.Wrap(err, "unable to split example inputs")
	}

	p := &Pipe{Chunks: chunks, Spec: spec, ChunkSizes: sizes}
	args, kwargs := mbs[0].Args, mbs[0].Kwargs

	for i, layers := range groups {
		chain := NewChain(layers...)

		outputs, _, err := chain.Forward(ctx, args, kwargs)
		switch {
		case err != nil && i > 0 && len(exampleKwargs) > 0:
			return nil, errors.Wrapf(err, "stage %d: dry run, keyword arguments %v only reach stage 0",
				i, slices.Sorted(maps.Keys(exampleKwargs)))
		case err != nil:
			return nil, errors.Wrapf(err, "stage %d: dry run", i)
		}

		part := Partition{
			Chain:     chain,
			Input:     model.InterfaceOf(args, kwargs),
			Outputs:   model.ShapesOf(outputs),
			QualNames: chain.QualNames(),
		}
		p.Partitions = append(p.Partitions, part)

		klog.V(1).Infof("pipe: stage %d has %d layers, inputs %v, outputs %v", i, len(layers), part.Input.Args, part.Outputs)

		args, kwargs = outputs, nil
	}

	return p, nil
}

func partition(layers []Layer, splits []SplitPoint) ([][]Layer, error) {
	if len(layers) == 0 {
		return nil, errors.Wrap(model.ErrConfiguration, "model has no layers")
	}

	var groups [][]Layer

	start := 0
	for _, split := range splits {
		idx := slices.IndexFunc(layers, func(l Layer) bool { return l.Name == string(split) })
		switch {
		case idx < 0:
			return nil, errors.Wrapf(ErrUnknownSplit, "%q", split)
		case idx < start:
			return nil, errors.Wrapf(ErrSplitOutOfOrder, "%q", split)
		case idx == len(layers)-1:
			return nil, errors.Wrapf(model.ErrConfiguration, "split after the last layer %q leaves an empty stage", split)
		}

		groups = append(groups, layers[start:idx+1])
		start = idx + 1
	}

	return append(groups, layers[start:]), nil
}

// NewStage builds stage index for a world of worldSize workers, configured with the recorded
// interface and qualified names.
func (p *Pipe) NewStage(index, worldSize int, device string, opts ...stage.Option) (*stage.Stage, error) {
	if index < 0 || index >= len(p.Partitions) {
		return nil, errors.Wrapf(model.ErrConfiguration, "stage %d out of range [0, %d)", index, len(p.Partitions))
	}

	desc, err := model.NewStageDescriptor(index, len(p.Partitions), worldSize, device)
	if err != nil {
		return nil, err
	}

	part := p.Partitions[index]
	opts = append([]stage.Option{
		stage.WithInterface(part.Input, part.Outputs),
		stage.WithQualNames(part.QualNames),
		stage.WithChunkSizes(p.ChunkSizes),
	}, opts...)

	return stage.New(desc, part.Chain, opts...)
}
