package schedule_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/askiada/go-pipeline-parallel/internal/layers"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/comm"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/pipe"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

const (
	dim   = 4
	batch = 8
	seed  = 11
	rtol  = 1e-6
	atol  = 1e-9
)

type setup struct {
	policy  schedule.Policy
	ranks   int
	virtual int
	chunks  int
}

func (s setup) String() string {
	return fmt.Sprintf("%s/ranks=%d/virtual=%d/chunks=%d", s.policy, s.ranks, s.virtual, s.chunks)
}

// newSchedules builds one schedule per rank over a fresh mesh. Stage s runs on rank s % ranks.
func newSchedules(t *testing.T, s setup, p *pipe.Pipe, opts ...schedule.Option) []*schedule.Schedule {
	t.Helper()

	mesh, err := comm.NewMesh(s.ranks, comm.WithLinkCapacity(4*s.chunks*s.virtual))
	require.NoError(t, err)

	return newSchedulesOn(t, mesh, s, p, opts...)
}

func newSchedulesOn(t *testing.T, mesh *comm.Mesh, s setup, p *pipe.Pipe, opts ...schedule.Option) []*schedule.Schedule {
	t.Helper()

	var err error

	schedules := make([]*schedule.Schedule, s.ranks)

	for rank := range s.ranks {
		stages := make([]*stage.Stage, 0, s.virtual)
		for v := range s.virtual {
			st, err := p.NewStage(v*s.ranks+rank, s.ranks, fmt.Sprintf("cpu:%d", rank))
			require.NoError(t, err)

			stages = append(stages, st)
		}

		schedules[rank], err = schedule.New(s.policy, stages, s.chunks, mesh.Endpoint(rank), opts...)
		require.NoError(t, err)
	}

	return schedules
}

// step runs every rank concurrently and returns the result of the last one.
func step(ctx context.Context, schedules []*schedule.Schedule, b *schedule.Batch) (*schedule.Result, error) {
	results := make([]*schedule.Result, len(schedules))

	g, gctx := errgroup.WithContext(ctx)
	for rank, sched := range schedules {
		g.Go(func() error {
			res, err := sched.Step(gctx, b)
			results[rank] = res

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results[len(results)-1], nil
}

func reference(t *testing.T, m *pipe.Model, x, y, target *tensor.Tensor) ([]*tensor.Tensor, float64) {
	t.Helper()

	ctx := context.Background()

	var kwargs map[string]*tensor.Tensor
	if y != nil {
		kwargs = map[string]*tensor.Tensor{"y": y}
	}

	outputs, backward, err := m.Forward(ctx, []*tensor.Tensor{x}, kwargs)
	require.NoError(t, err)

	if target == nil {
		return outputs, 0
	}

	loss, grads, err := layers.SquaredError(outputs, target)
	require.NoError(t, err)

	_, err = backward(ctx, grads)
	require.NoError(t, err)

	return outputs, loss
}

func assertSameGrads(t *testing.T, want, got *pipe.Model) {
	t.Helper()

	wantLayers, gotLayers := want.Layers(), got.Layers()
	require.Len(t, gotLayers, len(wantLayers))

	for i, layer := range wantLayers {
		wantLin, ok := layer.Fragment.(*layers.Linear)
		if !ok {
			continue
		}

		gotLin := gotLayers[i].Fragment.(*layers.Linear)
		for name, grad := range wantLin.Grads() {
			assert.True(t, tensor.AllClose(gotLin.Grads()[name], grad, rtol, atol), "%s.%s", layer.Name, name)
		}
	}
}

func trainingSetups() []setup {
	return []setup{
		{policy: schedule.GPipe, ranks: 2, virtual: 1, chunks: 4},
		{policy: schedule.OneFOneB, ranks: 2, virtual: 1, chunks: 4},
		{policy: schedule.OneFOneB, ranks: 4, virtual: 1, chunks: 2},
		{policy: schedule.Interleaved1F1B, ranks: 2, virtual: 2, chunks: 4},
		{policy: schedule.LoopedBFS, ranks: 2, virtual: 2, chunks: 4},
		{policy: schedule.Interleaved1F1B, ranks: 1, virtual: 3, chunks: 2},
		{policy: schedule.LoopedBFS, ranks: 1, virtual: 2, chunks: 8},
	}
}

func TestStepMatchesReference(t *testing.T) {
	t.Parallel()

	for _, s := range trainingSetups() {
		t.Run(s.String(), func(t *testing.T) {
			t.Parallel()

			stages := s.ranks * s.virtual
			m, splits := layers.MultiMLP[float64](dim, stages, seed)
			ref, _ := layers.MultiMLP[float64](dim, stages, seed)

			rng := layers.NewRand(3)
			x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
			target := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)

			wantOutputs, wantLoss := reference(t, ref, x, nil, target)

			ctx := context.Background()
			p, err := pipe.Build(ctx, m, splits, s.chunks, []*tensor.Tensor{x}, nil, microbatch.Spec{})
			require.NoError(t, err)
			require.Equal(t, stages, p.NumStages())

			schedules := newSchedules(t, s, p, schedule.WithLoss(layers.SquaredError))

			res, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{x}, Target: target})
			require.NoError(t, err)
			require.NotNil(t, res)

			require.Len(t, res.Outputs, 1)
			assert.True(t, tensor.AllClose(res.Outputs[0], wantOutputs[0], rtol, atol))
			assert.InDelta(t, wantLoss, res.Loss, 1e-9)
			assert.Len(t, res.Losses, s.chunks)
			assertSameGrads(t, ref, m)

			for _, sched := range schedules {
				for _, a := range sched.Table().Compute(sched.Rank()) {
					st, ok := sched.Stage(a.Stage)
					require.True(t, ok)
					assert.Equal(t, 0, st.InFlight())
				}
			}
		})
	}
}

func TestStepOverUnbufferedLinks(t *testing.T) {
	t.Parallel()

	setups := append(trainingSetups(),
		setup{policy: schedule.OneFOneB, ranks: 3, virtual: 1, chunks: 5},
		setup{policy: schedule.Interleaved1F1B, ranks: 3, virtual: 2, chunks: 4},
		setup{policy: schedule.Interleaved1F1B, ranks: 2, virtual: 3, chunks: 3},
	)

	for _, s := range setups {
		t.Run(s.String(), func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			stages := s.ranks * s.virtual
			m, splits := layers.MultiMLP[float64](dim, stages, seed)
			ref, _ := layers.MultiMLP[float64](dim, stages, seed)

			rng := layers.NewRand(37)
			x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
			target := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)

			wantOutputs, wantLoss := reference(t, ref, x, nil, target)

			p := must.M1(pipe.Build(ctx, m, splits, s.chunks, []*tensor.Tensor{x}, nil, microbatch.Spec{}))

			// Every send waits for the peer to take the message.
			mesh := must.M1(comm.NewMesh(s.ranks, comm.WithLinkCapacity(0)))
			schedules := newSchedulesOn(t, mesh, s, p, schedule.WithLoss(layers.SquaredError))

			res, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{x}, Target: target})
			require.NoError(t, err)
			assert.True(t, tensor.AllClose(res.Outputs[0], wantOutputs[0], rtol, atol))
			assert.InDelta(t, wantLoss, res.Loss, 1e-9)
			assertSameGrads(t, ref, m)

			for rank := range s.ranks {
				for src := range s.ranks {
					assert.Equal(t, 0, mesh.Endpoint(rank).Pending(src))
				}
			}
		})
	}
}

func TestLoopedPoliciesAgreeWithGPipe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(5)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)

	run := func(s setup) *tensor.Tensor {
		m, splits := layers.MultiMLP[float64](dim, s.ranks*s.virtual, seed)
		p := must.M1(pipe.Build(ctx, m, splits, s.chunks, []*tensor.Tensor{x}, nil, microbatch.Spec{}))

		res, err := step(ctx, newSchedules(t, s, p), &schedule.Batch{Args: []*tensor.Tensor{x}})
		require.NoError(t, err)

		return res.Outputs[0]
	}

	// Four stages in every case: one per rank, or two per rank on two ranks.
	want := run(setup{policy: schedule.GPipe, ranks: 4, virtual: 1, chunks: 4})

	for _, s := range []setup{
		{policy: schedule.OneFOneB, ranks: 4, virtual: 1, chunks: 4},
		{policy: schedule.Interleaved1F1B, ranks: 2, virtual: 2, chunks: 4},
		{policy: schedule.LoopedBFS, ranks: 2, virtual: 2, chunks: 4},
	} {
		assert.True(t, tensor.AllClose(run(s), want, 0, 0), s.String())
	}
}

func TestChunkCountIsTransparent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(9)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	y := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	kwargs := map[string]*tensor.Tensor{"y": y}

	ref, _ := layers.ModelWithKwargs[float64](dim, 2, seed)
	want, _ := reference(t, ref, x, y, nil)

	for _, chunks := range []int{1, 2, 4, 8} {
		m, splits := layers.ModelWithKwargs[float64](dim, 2, seed)
		p := must.M1(pipe.Build(ctx, m, splits, chunks, []*tensor.Tensor{x}, kwargs, microbatch.Spec{}))

		s := setup{policy: schedule.OneFOneB, ranks: 2, virtual: 1, chunks: chunks}
		res, err := step(ctx, newSchedules(t, s, p), &schedule.Batch{Args: []*tensor.Tensor{x}, Kwargs: kwargs})
		require.NoError(t, err)
		assert.True(t, tensor.AllClose(res.Outputs[0], want[0], rtol, atol), "chunks=%d", chunks)
	}
}

func TestSingleStageChunkingIsTransparent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(31)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)

	ref, _ := layers.MultiMLP[float64](dim, 1, seed)
	want, _ := reference(t, ref, x, nil, nil)

	for _, policy := range schedule.Policies() {
		for _, chunks := range []int{1, 2, 4, 8} {
			s := setup{policy: policy, ranks: 1, virtual: 1, chunks: chunks}
			m, splits := layers.MultiMLP[float64](dim, 1, seed)
			p := must.M1(pipe.Build(ctx, m, splits, chunks, []*tensor.Tensor{x}, nil, microbatch.Spec{}))

			res, err := step(ctx, newSchedules(t, s, p), &schedule.Batch{Args: []*tensor.Tensor{x}})
			require.NoError(t, err, s.String())
			assert.True(t, tensor.AllClose(res.Outputs[0], want[0], rtol, atol), s.String())
		}
	}
}

func TestUnevenBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(13)
	x := tensor.FromFlat(layers.RandomBatch[float64](7, dim, rng), 7, dim)
	target := tensor.FromFlat(layers.RandomBatch[float64](7, dim, rng), 7, dim)

	ref, _ := layers.MultiMLP[float64](dim, 2, seed)
	want, wantLoss := reference(t, ref, x, nil, target)

	m, splits := layers.MultiMLP[float64](dim, 2, seed)
	spec := microbatch.Spec{Remainder: microbatch.RemainderSpread}
	p := must.M1(pipe.Build(ctx, m, splits, 3, []*tensor.Tensor{x}, nil, spec))

	s := setup{policy: schedule.GPipe, ranks: 2, virtual: 1, chunks: 3}
	schedules := newSchedules(t, s, p, schedule.WithLoss(layers.SquaredError), schedule.WithSplitSpec(spec))

	res, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{x}, Target: target})
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(res.Outputs[0], want[0], rtol, atol))
	assert.InDelta(t, wantLoss, res.Loss, 1e-9)
	assertSameGrads(t, ref, m)
}

func TestUnevenBatchSizesAreExact(t *testing.T) {
	t.Parallel()

	x := tensor.FromFlat(layers.RandomBatch[float64](7, dim, layers.NewRand(19)), 7, dim)
	spec := microbatch.Spec{Remainder: microbatch.RemainderSpread}

	tcs := map[string]struct {
		rows       int
		microbatch int
	}{
		"shrunk first microbatch": {rows: 6, microbatch: 0},
		"grown second microbatch": {rows: 8, microbatch: 1},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			m, splits := layers.MultiMLP[float64](dim, 2, seed)
			p := must.M1(pipe.Build(ctx, m, splits, 3, []*tensor.Tensor{x}, nil, spec))
			require.Equal(t, []int{3, 2, 2}, p.ChunkSizes)

			s := setup{policy: schedule.GPipe, ranks: 2, virtual: 1, chunks: 3}
			schedules := newSchedules(t, s, p, schedule.WithSplitSpec(spec))

			input := tensor.FromFlat(layers.RandomBatch[float64](tc.rows, dim, layers.NewRand(uint64(tc.rows))), tc.rows, dim)
			_, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{input}})

			var shapeErr *model.PipeliningShapeError
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, model.ShapeMismatch, shapeErr.Kind)
			assert.Equal(t, 0, shapeErr.Stage)
			assert.Equal(t, tc.microbatch, shapeErr.Microbatch)
		})
	}
}

func TestStepShapeErrors(t *testing.T) {
	t.Parallel()

	rng := layers.NewRand(17)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)

	tcs := map[string]struct {
		input    *tensor.Tensor
		expected model.ShapeErrorKind
	}{
		"batch size changed": {
			input:    tensor.FromFlat(layers.RandomBatch[float64](2*batch, dim, rng), 2*batch, dim),
			expected: model.ShapeMismatch,
		},
		"integer input": {
			input:    tensor.FromFlat(make([]int32, batch*dim), batch, dim),
			expected: model.DTypeMismatch,
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			m, splits := layers.MultiMLP[float64](dim, 2, seed)
			p := must.M1(pipe.Build(ctx, m, splits, 4, []*tensor.Tensor{x}, nil, microbatch.Spec{}))
			schedules := newSchedules(t, setup{policy: schedule.OneFOneB, ranks: 2, virtual: 1, chunks: 4}, p)

			_, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{tc.input}})

			var shapeErr *model.PipeliningShapeError
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, tc.expected, shapeErr.Kind)
			assert.Equal(t, 0, shapeErr.Stage)
			assert.Equal(t, 0, shapeErr.Rank)
			assert.Equal(t, 0, shapeErr.Microbatch)
		})
	}
}

func TestOutputHookFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rng := layers.NewRand(19)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	m, splits := layers.MultiMLP[float64](dim, 2, seed)
	p := must.M1(pipe.Build(ctx, m, splits, 2, []*tensor.Tensor{x}, nil, microbatch.Spec{}))
	schedules := newSchedules(t, setup{policy: schedule.GPipe, ranks: 2, virtual: 1, chunks: 2}, p)

	first, ok := schedules[0].Stage(0)
	require.True(t, ok)

	remove := first.RegisterOutputHook(func(outputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
		flat, err := outputs[0].Reshape(outputs[0].Size())
		if err != nil {
			return nil, err
		}

		return []*tensor.Tensor{flat}, nil
	})

	_, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{x}})

	var shapeErr *model.PipeliningShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, model.ShapeMismatch, shapeErr.Kind)

	remove()

	// Rank 0 failed before sending anything, so the same schedules can run again.
	res, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{x}})
	require.NoError(t, err)
	assert.Equal(t, []int{batch, dim}, res.Outputs[0].Shape().Dimensions)
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(23)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	m, splits := layers.MultiMLP[float64](dim, 4, seed)
	p := must.M1(pipe.Build(ctx, m, splits, 2, []*tensor.Tensor{x}, nil, microbatch.Spec{}))
	mesh := must.M1(comm.NewMesh(2))

	stage0 := must.M1(p.NewStage(0, 2, "cpu"))
	stage1 := must.M1(p.NewStage(1, 2, "cpu"))
	stage2 := must.M1(p.NewStage(2, 2, "cpu"))
	alone := must.M1(p.NewStage(0, 4, "cpu"))

	tcs := map[string]struct {
		policy schedule.Policy
		stages []*stage.Stage
		chunks int
	}{
		"no stages":              {policy: schedule.GPipe, chunks: 2},
		"stage of another rank":  {policy: schedule.LoopedBFS, stages: []*stage.Stage{stage0, stage1}, chunks: 2},
		"missing virtual stage":  {policy: schedule.LoopedBFS, stages: []*stage.Stage{stage0}, chunks: 2},
		"stage given twice":      {policy: schedule.LoopedBFS, stages: []*stage.Stage{stage0, stage0}, chunks: 2},
		"world size mismatch":    {policy: schedule.GPipe, stages: []*stage.Stage{alone}, chunks: 2},
		"gpipe on virtual stage": {policy: schedule.GPipe, stages: []*stage.Stage{stage0, stage2}, chunks: 2},
		"no chunks":              {policy: schedule.LoopedBFS, stages: []*stage.Stage{stage0, stage2}, chunks: 0},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := schedule.New(tc.policy, tc.stages, tc.chunks, mesh.Endpoint(0))
			require.ErrorIs(t, err, model.ErrConfiguration)
		})
	}
}

func TestStepMissingInputs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(29)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	m, splits := layers.MultiMLP[float64](dim, 1, seed)
	p := must.M1(pipe.Build(ctx, m, splits, 2, []*tensor.Tensor{x}, nil, microbatch.Spec{}))

	s := setup{policy: schedule.GPipe, ranks: 1, virtual: 1, chunks: 2}

	_, err := step(ctx, newSchedules(t, s, p), nil)
	require.ErrorIs(t, err, schedule.ErrMissingBatch)

	_, err = step(ctx, newSchedules(t, s, p, schedule.WithLoss(layers.SquaredError)), &schedule.Batch{Args: []*tensor.Tensor{x}})
	require.ErrorIs(t, err, schedule.ErrMissingTarget)
	require.ErrorIs(t, err, model.ErrConfiguration)
}

type countingObserver struct {
	mu      sync.Mutex
	before  int
	after   int
	actions map[model.ActionKind]int
}

func (o *countingObserver) BeforeStep(int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.before++

	return nil
}

func (o *countingObserver) OnAction(a model.Action, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.actions[a.Kind]++

	return nil
}

func (o *countingObserver) AfterStep(int, time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.after++

	return nil
}

func TestObserver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rng := layers.NewRand(31)
	x := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	target := tensor.FromFlat(layers.RandomBatch[float64](batch, dim, rng), batch, dim)
	m, splits := layers.MultiMLP[float64](dim, 2, seed)
	p := must.M1(pipe.Build(ctx, m, splits, 4, []*tensor.Tensor{x}, nil, microbatch.Spec{}))

	obs := &countingObserver{actions: make(map[model.ActionKind]int)}
	s := setup{policy: schedule.OneFOneB, ranks: 2, virtual: 1, chunks: 4}
	schedules := newSchedules(t, s, p, schedule.WithLoss(layers.SquaredError), schedule.WithObserver(obs))

	_, err := step(ctx, schedules, &schedule.Batch{Args: []*tensor.Tensor{x}, Target: target})
	require.NoError(t, err)

	assert.Equal(t, 2, obs.before)
	assert.Equal(t, 2, obs.after)
	assert.Equal(t, map[model.ActionKind]int{
		model.Forward:      8,
		model.Backward:     8,
		model.SendForward:  4,
		model.RecvForward:  4,
		model.SendBackward: 4,
		model.RecvBackward: 4,
	}, obs.actions)
}
