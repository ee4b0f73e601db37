package pipe_test

import (
	"context"
	"maps"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askiada/go-pipeline-parallel/internal/layers"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/pipe"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

func batchOf(rows, dim int) *tensor.Tensor {
	return tensor.FromFlat(layers.RandomBatch[float32](rows, dim, layers.NewRand(1)), rows, dim)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	m, splits := layers.MultiMLP[float32](4, 3, 1)
	p, err := pipe.Build(context.Background(), m, splits, 4, []*tensor.Tensor{batchOf(8, 4)}, nil, microbatch.Spec{})
	require.NoError(t, err)

	require.Equal(t, 3, p.NumStages())
	assert.Equal(t, 4, p.Chunks)
	assert.Equal(t, []int{2, 2, 2, 2}, p.ChunkSizes)

	for i, part := range p.Partitions {
		assert.Len(t, part.Chain.Layers(), 3, "stage %d", i)
		assert.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 2, 4)}, part.Input.Args)
		assert.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 2, 4)}, part.Outputs)
	}

	assert.Equal(t, "mlp1.net1", p.Partitions[1].Chain.Layers()[0].Name)
}

func TestBuildKeywordArguments(t *testing.T) {
	t.Parallel()

	m, splits := layers.ModelWithKwargs[float32](4, 3, 1)
	kwargs := map[string]*tensor.Tensor{"y": batchOf(6, 4)}

	p, err := pipe.Build(context.Background(), m, splits, 2, []*tensor.Tensor{batchOf(6, 4)}, kwargs, microbatch.Spec{})
	require.NoError(t, err)
	require.Equal(t, 3, p.NumStages())

	assert.Equal(t, []string{"y"}, p.Partitions[0].Input.KwargNames())
	assert.Equal(t, shapes.Make(dtypes.Float32, 3, 4), p.Partitions[0].Input.Kwargs["y"])

	for _, part := range p.Partitions[1:] {
		assert.Empty(t, part.Input.Kwargs)
	}
}

func TestBuildKeywordArgumentsStopAtFirstStage(t *testing.T) {
	t.Parallel()

	rng := layers.NewRand(1)
	m := pipe.Sequential(
		pipe.Layer{Name: "lin0", Fragment: layers.NewLinear[float32](4, 4, rng)},
		pipe.Layer{Name: "relu0", Fragment: layers.ReLU()},
		pipe.Layer{Name: "add_y", Fragment: &layers.AddKwarg{Key: "y"}},
	)
	kwargs := map[string]*tensor.Tensor{"y": batchOf(6, 4)}

	_, err := pipe.Build(context.Background(), m, []pipe.SplitPoint{"relu0"}, 2,
		[]*tensor.Tensor{batchOf(6, 4)}, kwargs, microbatch.Spec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage 1: dry run, keyword arguments [y] only reach stage 0")
	assert.Contains(t, err.Error(), `keyword argument "y" is missing`)

	p, err := pipe.Build(context.Background(), m, nil, 2, []*tensor.Tensor{batchOf(6, 4)}, kwargs, microbatch.Spec{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.NumStages())
}

func TestBuildUnevenChunkSizes(t *testing.T) {
	t.Parallel()

	m, splits := layers.MultiMLP[float32](4, 2, 1)
	spec := microbatch.Spec{Remainder: microbatch.RemainderSpread}

	p, err := pipe.Build(context.Background(), m, splits, 3, []*tensor.Tensor{batchOf(7, 4)}, nil, spec)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, p.ChunkSizes)
	assert.Equal(t, []int{3, 4}, p.Partitions[1].Input.Args[0].Dimensions)

	st := must.M1(p.NewStage(1, 2, "cpu:1"))
	require.NoError(t, st.Attach(3))
	require.ErrorIs(t, st.Attach(2), model.ErrConfiguration)
}

func TestSubmoduleStateUsesQualifiedNames(t *testing.T) {
	t.Parallel()

	m, splits := layers.MultiMLP[float32](4, 2, 1)
	p := must.M1(pipe.Build(context.Background(), m, splits, 2, []*tensor.Tensor{batchOf(4, 4)}, nil, microbatch.Spec{}))

	all := m.Parameters()
	seen := make(map[string]bool)

	for i := range p.NumStages() {
		st := must.M1(p.NewStage(i, 2, "cpu"))

		for name, value := range st.SubmoduleState() {
			want, ok := all[name]
			require.True(t, ok, "stage %d exposes %q which the model does not have", i, name)
			assert.Same(t, want, value)
			assert.False(t, seen[name], "%q owned by two stages", name)

			seen[name] = true
		}
	}

	names := slices.Sorted(maps.Keys(all))
	assert.Equal(t, names, slices.Sorted(maps.Keys(seen)))
	assert.Contains(t, names, "mlp1.net2.weight")
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	m, _ := layers.MultiMLP[float32](4, 2, 1)

	tcs := map[string]struct {
		model    *pipe.Model
		splits   []pipe.SplitPoint
		chunks   int
		expected error
	}{
		"nil model": {
			chunks:   1,
			expected: pipe.ErrModelMustBeSet,
		},
		"no layers": {
			model:    pipe.Sequential(),
			chunks:   1,
			expected: model.ErrConfiguration,
		},
		"unknown split": {
			model:    m,
			splits:   []pipe.SplitPoint{"mlp9.net2"},
			chunks:   1,
			expected: pipe.ErrUnknownSplit,
		},
		"splits out of order": {
			model:    m,
			splits:   []pipe.SplitPoint{"mlp1.net1", "mlp0.net2"},
			chunks:   1,
			expected: pipe.ErrSplitOutOfOrder,
		},
		"split after the last layer": {
			model:    m,
			splits:   []pipe.SplitPoint{"mlp1.net2"},
			chunks:   1,
			expected: model.ErrConfiguration,
		},
		"too many chunks": {
			model:    m,
			splits:   []pipe.SplitPoint{"mlp0.net2"},
			chunks:   16,
			expected: model.ErrConfiguration,
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := pipe.Build(context.Background(), tc.model, tc.splits, tc.chunks,
				[]*tensor.Tensor{batchOf(8, 4)}, nil, microbatch.Spec{})
			require.ErrorIs(t, err, tc.expected)
		})
	}

	require.ErrorIs(t, pipe.ErrUnknownSplit, model.ErrConfiguration)
}

func TestNewStage(t *testing.T) {
	t.Parallel()

	m, splits := layers.MultiMLP[float32](4, 2, 1)
	p := must.M1(pipe.Build(context.Background(), m, splits, 2, []*tensor.Tensor{batchOf(4, 4)}, nil, microbatch.Spec{}))

	st, err := p.NewStage(1, 2, "cpu:1")
	require.NoError(t, err)

	desc := st.Descriptor()
	assert.Equal(t, 1, desc.Rank)
	assert.True(t, desc.IsLast())
	assert.Equal(t, "cpu:1", desc.Device)

	input, ok := st.InputInterface()
	require.True(t, ok)
	assert.Equal(t, p.Partitions[1].Input, input)

	_, err = p.NewStage(2, 2, "cpu")
	require.ErrorIs(t, err, model.ErrConfiguration)
}
