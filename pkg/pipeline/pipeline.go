package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/comm"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/drawer"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/measure"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/pipe"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
)

var ErrPipeMustBeSet = errors.New("pipe must be set")

// Pipeline runs every rank of a pipeline in the current process, one goroutine per rank.
type Pipeline struct {
	cfg       Config
	policy    schedule.Policy
	mesh      *comm.Mesh
	schedules []*schedule.Schedule
	stages    [][]*stage.Stage

	loss      schedule.LossFunc
	spec      microbatch.Spec
	measure   measure.Measure
	drawer    drawer.Drawer
	observers []model.StepObserver

	elapsed time.Duration
}

// New splits the stages of p over cfg.WorldSize ranks: stage i runs on rank i % WorldSize.
func New(p *pipe.Pipe, cfg Config, opts ...PipelineOption) (*Pipeline, error) {
	if p == nil {
		return nil, ErrPipeMustBeSet
	}

	if cfg.Chunks == 0 {
		cfg.Chunks = p.Chunks
	}

	if cfg.Chunks != p.Chunks {
		return nil, errors.Wrapf(model.ErrConfiguration, "pipe was traced with %d chunks, config asks for %d",
			p.Chunks, cfg.Chunks)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if p.NumStages() != cfg.NumStages() {
		return nil, errors.Wrapf(model.ErrConfiguration, "pipe has %d stages, %d ranks with %d virtual stages need %d",
			p.NumStages(), cfg.WorldSize, cfg.Virtual(), cfg.NumStages())
	}

	pl := newPipeline(cfg, opts)
	pl.spec = p.Spec

	var stageOpts []stage.Option
	if cfg.ChunkAxis != 0 {
		stageOpts = append(stageOpts, stage.WithChunkAxis(cfg.ChunkAxis))
	}

	byRank := make([][]*stage.Stage, cfg.WorldSize)

	for i := range p.NumStages() {
		rank := i % cfg.WorldSize

		st, err := p.NewStage(i, cfg.WorldSize, fmt.Sprintf("cpu:%d", rank), stageOpts...)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to build stage %d", i)
		}

		byRank[rank] = append(byRank[rank], st)
	}

	if err := pl.init(byRank); err != nil {
		return nil, err
	}

	return pl, nil
}

// FromStages runs stages built by the caller. stagesByRank[r] holds the stages of rank r.
func FromStages(stagesByRank [][]*stage.Stage, cfg Config, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(stagesByRank) != cfg.WorldSize {
		return nil, errors.Wrapf(model.ErrConfiguration, "got stages for %d ranks, world size is %d",
			len(stagesByRank), cfg.WorldSize)
	}

	pl := newPipeline(cfg, opts)
	if err := pl.init(stagesByRank); err != nil {
		return nil, err
	}

	return pl, nil
}

func newPipeline(cfg Config, opts []PipelineOption) *Pipeline {
	pl := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(pl)
	}

	return pl
}

func (p *Pipeline) init(stagesByRank [][]*stage.Stage) error {
	var err error

	// Validate already parsed both.
	p.policy, _ = p.cfg.SchedulePolicy()
	if p.cfg.Remainder != "" {
		p.spec.Remainder, _ = p.cfg.RemainderPolicy()
	}

	p.mesh, err = comm.NewMesh(p.cfg.WorldSize, comm.WithLinkCapacity(p.cfg.Capacity()))
	if err != nil {
		return err
	}

	opts := []schedule.Option{
		schedule.WithSplitSpec(p.spec),
		schedule.WithMergeAxis(p.cfg.ChunkAxis),
	}

	if p.loss != nil {
		opts = append(opts, schedule.WithLoss(p.loss))
	}

	for _, obs := range p.observers {
		opts = append(opts, schedule.WithObserver(obs))
	}

	p.stages = stagesByRank
	p.schedules = make([]*schedule.Schedule, p.cfg.WorldSize)

	for rank, stages := range stagesByRank {
		p.schedules[rank], err = schedule.New(p.policy, stages, p.cfg.Chunks, p.mesh.Endpoint(rank), opts...)
		if err != nil {
			return errors.Wrapf(err, "rank %d", rank)
		}
	}

	klog.V(1).Infof("pipeline: %s over %d ranks, %d stages, %d microbatches",
		p.policy, p.cfg.WorldSize, p.cfg.NumStages(), p.cfg.Chunks)

	return nil
}

// Config returns the config with its defaults applied.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Table is the action table every rank runs.
func (p *Pipeline) Table() *schedule.Table {
	return p.schedules[0].Table()
}

// Stages returns the stages of every rank.
func (p *Pipeline) Stages() [][]*stage.Stage {
	return p.stages
}

// Step runs one batch through every rank. The first rank to fail cancels the others; the mesh is
// then drained and every stage forgets its cached microbatches so the next step starts clean.
func (p *Pipeline) Step(ctx context.Context, batch *schedule.Batch) (*schedule.Result, error) {
	start := time.Now()
	results := make([]*schedule.Result, len(p.schedules))

	g, gctx := errgroup.WithContext(ctx)
	for rank, sched := range p.schedules {
		g.Go(func() error {
			res, err := sched.Step(gctx, batch)
			if err != nil {
				return errors.Wrapf(err, "rank %d", rank)
			}

			results[rank] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		klog.Errorf("pipeline step failed: %v", err)
		p.reset()

		return nil, err
	}

	p.elapsed += time.Since(start)

	// The last stage always lives on the last rank.
	return results[len(results)-1], nil
}

func (p *Pipeline) reset() {
	dropped := p.mesh.Drain()

	for _, stages := range p.stages {
		for _, st := range stages {
			st.ResetCache()
		}
	}

	klog.V(1).Infof("pipeline: reset after failure, %d messages dropped", dropped)
}

// Finish draws the stages with their measures when a drawer is set.
func (p *Pipeline) Finish() error {
	if p.drawer == nil {
		return nil
	}

	if err := drawer.DrawStages(p.drawer, p.cfg.NumStages(), p.loss != nil); err != nil {
		return errors.Wrap(err, "unable to draw stages")
	}

	if p.measure != nil {
		if err := p.drawer.AddMeasure(p.measure); err != nil {
			return errors.Wrap(err, "unable to add measure")
		}
	}

	if err := p.drawer.SetTotalTime(drawer.OutputName, p.elapsed); err != nil {
		return errors.Wrap(err, "unable to set total time")
	}

	return errors.Wrap(p.drawer.Draw(), "unable to draw pipeline")
}
