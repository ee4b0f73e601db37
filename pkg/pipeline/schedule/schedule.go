package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/comm"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/stage"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

var (
	ErrNoStages      = errors.Wrap(model.ErrConfiguration, "schedule needs at least one stage")
	ErrMissingBatch  = errors.Wrap(model.ErrConfiguration, "the rank owning the first stage needs a batch")
	ErrMissingTarget = errors.Wrap(model.ErrConfiguration, "the rank owning the last stage needs a target to compute the loss")
)

// Batch is the input of one step. Only the rank owning the first stage reads Args and Kwargs and
// only the rank owning the last stage reads Target.
type Batch struct {
	Args   []*tensor.Tensor
	Kwargs map[string]*tensor.Tensor
	Target *tensor.Tensor
}

// Result is what the rank owning the last stage gets back from a step.
type Result struct {
	// Outputs are the outputs of the last stage, merged back into a full batch.
	Outputs []*tensor.Tensor
	// Losses holds the loss of every microbatch when a loss is set.
	Losses []float64
	// Loss is the sum of Losses.
	Loss float64
}

// Schedule runs the actions of one rank.
type Schedule struct {
	policy    Policy
	chunks    int
	transport comm.Transport
	rank      int
	worldSize int

	stages    map[int]*stage.Stage
	numStages int
	table     *Table

	loss      LossFunc
	spec      microbatch.Spec
	mergeAxis int
	observers []model.StepObserver
}

// New prepares the stages this rank owns to run policy with chunks microbatches per step. The
// table of the policy is built and verified here, so a Schedule that exists can run.
func New(policy Policy, stages []*stage.Stage, chunks int, transport comm.Transport, opts ...Option) (*Schedule, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	if transport == nil {
		return nil, errors.Wrap(model.ErrConfiguration, "schedule needs a transport")
	}

	s := &Schedule{
		policy:    policy,
		chunks:    chunks,
		transport: transport,
		rank:      transport.Rank(),
		worldSize: transport.WorldSize(),
		stages:    make(map[int]*stage.Stage, len(stages)),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.numStages = stages[0].Descriptor().NumStages

	for _, st := range stages {
		desc := st.Descriptor()

		switch {
		case desc.NumStages != s.numStages:
			return nil, errors.Wrapf(model.ErrConfiguration, "stage %d belongs to a chain of %d stages, want %d",
				desc.Index, desc.NumStages, s.numStages)
		case desc.WorldSize != s.worldSize:
			return nil, errors.Wrapf(model.ErrConfiguration, "stage %d expects %d ranks, the schedule has %d",
				desc.Index, desc.WorldSize, s.worldSize)
		case desc.Rank != s.rank:
			return nil, errors.Wrapf(model.ErrConfiguration, "stage %d belongs to rank %d, not rank %d",
				desc.Index, desc.Rank, s.rank)
		}

		if _, ok := s.stages[desc.Index]; ok {
			return nil, errors.Wrapf(model.ErrConfiguration, "stage %d given twice", desc.Index)
		}

		s.stages[desc.Index] = st
	}

	if s.numStages%s.worldSize != 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "%d stages cannot be spread over %d ranks",
			s.numStages, s.worldSize)
	}

	virtualStages := s.numStages / s.worldSize
	if len(s.stages) != virtualStages {
		return nil, errors.Wrapf(model.ErrConfiguration, "rank %d owns %d stages, want %d",
			s.rank, len(s.stages), virtualStages)
	}

	table, err := BuildTable(policy, s.worldSize, chunks, virtualStages)
	if err != nil {
		return nil, err
	}

	if s.loss == nil {
		table = table.ForwardOnly()
		if err := table.Verify(); err != nil {
			return nil, errors.Wrapf(err, "%s forward-only table", policy)
		}
	}

	s.table = table

	for _, st := range s.stages {
		if err := st.Attach(chunks); err != nil {
			return nil, err
		}

		st.SetRequiresGrad(s.loss != nil)
	}

	klog.V(1).Infof("rank %d: %s schedule over stages %v, %d microbatches, %d actions",
		s.rank, policy, s.table.stagesOf(s.rank), chunks, len(s.table.Actions[s.rank]))

	return s, nil
}

// Table is the verified table the schedule runs.
func (s *Schedule) Table() *Table {
	return s.table
}

func (s *Schedule) Rank() int {
	return s.rank
}

// Stage returns the local stage with the given global index.
func (s *Schedule) Stage(index int) (*stage.Stage, bool) {
	st, ok := s.stages[index]

	return st, ok
}

func (s *Schedule) ownsStage(index int) bool {
	_, ok := s.stages[index]

	return ok
}

type bufKey struct {
	stage int
	mb    int
}

// run holds the state of one step on one rank.
type run struct {
	id      string
	batch   *Batch
	inputs  []model.Microbatch
	targets []*tensor.Tensor

	activations map[bufKey][]*tensor.Tensor // received, waiting for FORWARD
	gradients   map[bufKey][]*tensor.Tensor // received or produced by the loss, waiting for BACKWARD
	outbox      map[msgKey][]*tensor.Tensor // produced, waiting for SEND

	outputs  [][]*tensor.Tensor
	losses   []float64
	requests []comm.Request
}

// Step runs one batch through the local actions of the table. Every rank of the pipeline must
// call Step concurrently. The result is nil on ranks that do not own the last stage.
func (s *Schedule) Step(ctx context.Context, batch *Batch) (*Result, error) {
	r := &run{
		id:          uuid.NewString(),
		batch:       batch,
		activations: make(map[bufKey][]*tensor.Tensor),
		gradients:   make(map[bufKey][]*tensor.Tensor),
		outbox:      make(map[msgKey][]*tensor.Tensor),
	}

	start := time.Now()

	for _, obs := range s.observers {
		if err := obs.BeforeStep(s.rank); err != nil {
			return nil, errors.Wrap(err, "before step")
		}
	}

	for _, st := range s.stages {
		st.ResetCache()
	}

	if err := s.prepare(r); err != nil {
		return nil, errors.Wrapf(err, "step %s", r.id)
	}

	klog.V(1).Infof("rank %d: step %s started", s.rank, r.id)

	for _, a := range s.table.Actions[s.rank] {
		actionStart := time.Now()

		if err := s.execute(ctx, r, a); err != nil {
			return nil, errors.Wrapf(err, "step %s: %s", r.id, a)
		}

		elapsed := time.Since(actionStart)
		klog.V(2).Infof("rank %d: step %s: %s took %s", s.rank, r.id, a, elapsed)

		for _, obs := range s.observers {
			if err := obs.OnAction(a, elapsed); err != nil {
				return nil, errors.Wrapf(err, "step %s: observing %s", r.id, a)
			}
		}
	}

	for _, req := range r.requests {
		if err := req.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "step %s", r.id)
		}
	}

	result, err := s.result(r)
	if err != nil {
		return nil, errors.Wrapf(err, "step %s", r.id)
	}

	total := time.Since(start)
	klog.V(1).Infof("rank %d: step %s done in %s", s.rank, r.id, total)

	for _, obs := range s.observers {
		if err := obs.AfterStep(s.rank, total); err != nil {
			return nil, errors.Wrap(err, "after step")
		}
	}

	return result, nil
}

func (s *Schedule) prepare(r *run) error {
	if s.ownsStage(0) {
		if r.batch == nil {
			return ErrMissingBatch
		}

		inputs, err := microbatch.Split(r.batch.Args, r.batch.Kwargs, s.chunks, s.spec)
		if err != nil {
			return errors.Wrap(err, "unable to split the batch")
		}

		r.inputs = inputs
	}

	if !s.ownsStage(s.numStages - 1) {
		return nil
	}

	r.outputs = make([][]*tensor.Tensor, s.chunks)

	if s.loss == nil {
		return nil
	}

	if r.batch == nil || r.batch.Target == nil {
		return ErrMissingTarget
	}

	targets, err := microbatch.Split([]*tensor.Tensor{r.batch.Target}, nil, s.chunks, microbatch.Spec{
		Args:      []microbatch.ChunkSpec{{Axis: s.mergeAxis}},
		Remainder: s.spec.Remainder,
	})
	if err != nil {
		return errors.Wrap(err, "unable to split the target")
	}

	r.targets = make([]*tensor.Tensor, s.chunks)
	for i, mb := range targets {
		r.targets[i] = mb.Args[0]
	}

	r.losses = make([]float64, s.chunks)

	return nil
}

func (s *Schedule) execute(ctx context.Context, r *run, a model.Action) error {
	key := bufKey{stage: a.Stage, mb: a.Microbatch}
	st := s.stages[a.Stage]

	switch a.Kind {
	case model.RecvForward, model.RecvBackward:
		payload, err := s.transport.Recv(ctx, a.Peer(s.worldSize), comm.Tag{
			Stage: a.Stage, Microbatch: a.Microbatch, Gradient: a.Kind.IsGradient(),
		})
		if err != nil {
			return err
		}

		if a.Kind == model.RecvForward {
			r.activations[key] = payload
		} else {
			r.gradients[key] = payload
		}
	case model.SendForward, model.SendBackward:
		out := msgKey{stage: a.PeerStage(), mb: a.Microbatch, gradient: a.Kind.IsGradient()}

		req, err := s.transport.Send(ctx, a.Peer(s.worldSize), comm.Tag{
			Stage: out.stage, Microbatch: out.mb, Gradient: out.gradient,
		}, r.outbox[out])
		if err != nil {
			return err
		}

		delete(r.outbox, out)
		r.requests = append(r.requests, req)
	case model.Forward:
		return s.forward(ctx, r, st, a)
	case model.Backward:
		grads, err := st.Backward(ctx, a.Microbatch, r.gradients[key])
		if err != nil {
			return err
		}

		delete(r.gradients, key)

		if a.Stage > 0 {
			s.handOff(r, msgKey{stage: a.Stage - 1, mb: a.Microbatch, gradient: true}, grads)
		}
	}

	return nil
}

func (s *Schedule) forward(ctx context.Context, r *run, st *stage.Stage, a model.Action) error {
	key := bufKey{stage: a.Stage, mb: a.Microbatch}

	mb := model.Microbatch{Index: a.Microbatch}
	if a.Stage == 0 {
		mb = r.inputs[a.Microbatch]
	} else {
		mb.Args = r.activations[key]
		delete(r.activations, key)
	}

	outputs, err := st.Forward(ctx, mb)
	if err != nil {
		return err
	}

	if a.Stage < s.numStages-1 {
		s.handOff(r, msgKey{stage: a.Stage + 1, mb: a.Microbatch}, outputs)

		return nil
	}

	r.outputs[a.Microbatch] = outputs

	if s.loss == nil {
		return nil
	}

	loss, grads, err := s.loss(outputs, r.targets[a.Microbatch])
	if err != nil {
		return errors.Wrapf(err, "loss of microbatch %d", a.Microbatch)
	}

	r.losses[a.Microbatch] = loss
	r.gradients[key] = grads

	return nil
}

// handOff queues a payload for the SEND of the table. On a single rank the table has no messages
// and the payload goes straight to the consuming stage.
func (s *Schedule) handOff(r *run, k msgKey, payload []*tensor.Tensor) {
	if s.worldSize > 1 {
		r.outbox[k] = payload

		return
	}

	key := bufKey{stage: k.stage, mb: k.mb}
	if k.gradient {
		r.gradients[key] = payload
	} else {
		r.activations[key] = payload
	}
}

func (s *Schedule) result(r *run) (*Result, error) {
	if !s.ownsStage(s.numStages - 1) {
		return nil, nil //nolint:nilnil
	}

	outputs, err := microbatch.Merge(r.outputs, s.mergeAxis)
	if err != nil {
		return nil, errors.Wrap(err, "unable to merge outputs")
	}

	result := &Result{Outputs: outputs, Losses: r.losses}
	for _, l := range r.losses {
		result.Loss += l
	}

	return result, nil
}
