package stage

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/validate"
)

var (
	ErrFragmentMustBeSet = errors.New("fragment must be set")
	ErrNotInFlight       = errors.New("microbatch has no cached forward")
	ErrNoBackward        = errors.New("fragment returned no backward function")
)

// Stage is one partition bound to a worker. A Stage is driven by a single goroutine; only hook
// registration may happen concurrently with Forward.
type Stage struct {
	desc      model.StageDescriptor
	fragment  Fragment
	chunkAxis int
	qualNames map[string]string

	input   *model.Interface
	outputs []shapes.Shape

	dryRun        bool
	exampleArgs   []*tensor.Tensor
	exampleKwargs map[string]*tensor.Tensor

	chunks       int
	chunkSizes   []int
	requiresGrad bool
	cache        map[int]BackwardFunc

	mu     sync.Mutex
	hookID int
	hooks  []hook
}

type hook struct {
	id int
	fn OutputHook
}

// New binds a fragment to a stage descriptor.
func New(desc model.StageDescriptor, fragment Fragment, opts ...Option) (*Stage, error) {
	if fragment == nil {
		return nil, ErrFragmentMustBeSet
	}

	if err := desc.Validate(); err != nil {
		return nil, errors.Wrapf(err, "stage %d", desc.Index)
	}

	s := &Stage{
		desc:         desc,
		fragment:     fragment,
		requiresGrad: true,
		cache:        make(map[int]BackwardFunc),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dryRun {
		if err := s.trace(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// trace runs the fragment on the example inputs and records the interface it observes.
func (s *Stage) trace() error {
	outputs, _, err := s.call(context.Background(), s.exampleArgs, s.exampleKwargs)
	if err != nil {
		return errors.Wrapf(err, "stage %d: dry run", s.desc.Index)
	}

	input := model.InterfaceOf(s.exampleArgs, s.exampleKwargs)
	if s.input != nil {
		if shapeErr := validate.Interface(*s.input, s.exampleArgs, s.exampleKwargs, validate.Options{}); shapeErr != nil {
			return s.located(shapeErr, -1)
		}
	}

	s.input = &input
	s.outputs = model.ShapesOf(outputs)
	s.exampleArgs, s.exampleKwargs = nil, nil

	klog.V(1).Infof("stage %d: traced inputs %v, outputs %v", s.desc.Index, input.Args, s.outputs)

	return nil
}

// call runs the fragment, turning panics into errors.
func (s *Stage) call(ctx context.Context, args []*tensor.Tensor, kwargs map[string]*tensor.Tensor) (
	outputs []*tensor.Tensor, backward BackwardFunc, err error,
) {
	panicErr := exceptions.TryCatch[error](func() {
		outputs, backward, err = s.fragment.Forward(ctx, args, kwargs)
	})
	if panicErr != nil {
		return nil, nil, errors.Wrap(panicErr, "fragment panicked")
	}

	return outputs, backward, err
}

func (s *Stage) located(err *model.PipeliningShapeError, microbatch int) error {
	err.Stage = s.desc.Index
	err.Rank = s.desc.Rank
	err.Microbatch = microbatch

	return err
}

// options returns the validation options of microbatch mb. The recorded interface is the one of
// microbatch 0.
func (s *Stage) options(mb int) validate.Options {
	opts := validate.Options{ChunkAxis: s.chunkAxis}
	if mb >= 0 && mb < len(s.chunkSizes) {
		opts.ChunkSize = s.chunkSizes[mb]
		opts.TracedChunkSize = s.chunkSizes[0]
	}

	return opts
}

// Attach prepares the stage for a schedule running chunks microbatches per step.
func (s *Stage) Attach(chunks int) error {
	if chunks <= 0 {
		return errors.Wrapf(model.ErrConfiguration, "stage %d: chunks must be greater than 0, got %d", s.desc.Index, chunks)
	}

	if s.chunkSizes != nil && len(s.chunkSizes) != chunks {
		return errors.Wrapf(model.ErrConfiguration, "stage %d: %d microbatch sizes for %d chunks",
			s.desc.Index, len(s.chunkSizes), chunks)
	}

	s.chunks = chunks
	s.ResetCache()

	return nil
}

// SetRequiresGrad controls whether Forward keeps what Backward needs.
func (s *Stage) SetRequiresGrad(requiresGrad bool) {
	s.requiresGrad = requiresGrad
}

// ResetCache drops every in-flight microbatch.
func (s *Stage) ResetCache() {
	clear(s.cache)
}

// InFlight is the number of microbatches waiting for their backward.
func (s *Stage) InFlight() int {
	return len(s.cache)
}

// Forward runs the stage on one microbatch. Inputs are checked against the recorded interface
// and outputs, after the output hooks, against the recorded output shapes.
func (s *Stage) Forward(ctx context.Context, mb model.Microbatch) ([]*tensor.Tensor, error) {
	if s.input != nil {
		if shapeErr := validate.Interface(*s.input, mb.Args, mb.Kwargs, s.options(mb.Index)); shapeErr != nil {
			return nil, s.located(shapeErr, mb.Index)
		}
	}

	outputs, backward, err := s.call(ctx, mb.Args, mb.Kwargs)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %d: forward of microbatch %d", s.desc.Index, mb.Index)
	}

	outputs, err = s.runHooks(outputs)
	if err != nil {
		return nil, errors.Wrapf(err, "stage %d: output hook on microbatch %d", s.desc.Index, mb.Index)
	}

	if s.outputs == nil {
		s.record(mb, outputs)
	} else {
		opts := s.options(mb.Index)
		opts.Label = "outputs"

		if shapeErr := validate.Values(s.outputs, outputs, opts); shapeErr != nil {
			return nil, s.located(shapeErr, mb.Index)
		}
	}

	if s.requiresGrad {
		if backward == nil {
			return nil, errors.Wrapf(ErrNoBackward, "stage %d, microbatch %d", s.desc.Index, mb.Index)
		}

		s.store(mb.Index, backward)
	}

	return outputs, nil
}

// record fixes the interface from the first real forward when none was configured.
func (s *Stage) record(mb model.Microbatch, outputs []*tensor.Tensor) {
	if s.input == nil {
		input := model.InterfaceOf(mb.Args, mb.Kwargs)
		s.input = &input
	}

	s.outputs = model.ShapesOf(outputs)

	klog.V(1).Infof("stage %d: recorded inputs %v, outputs %v from microbatch %d",
		s.desc.Index, s.input.Args, s.outputs, mb.Index)
}

func (s *Stage) store(index int, backward BackwardFunc) {
	if _, ok := s.cache[index]; ok {
		exceptions.Panicf("stage %d: microbatch %d is already in flight", s.desc.Index, index)
	}

	if s.chunks > 0 && len(s.cache) >= s.chunks {
		exceptions.Panicf("stage %d: %d microbatches already in flight, cannot cache microbatch %d",
			s.desc.Index, len(s.cache), index)
	}

	s.cache[index] = backward
}

// Backward differentiates the cached forward of microbatch index and releases it.
func (s *Stage) Backward(ctx context.Context, index int, grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
	backward, ok := s.cache[index]
	if !ok {
		return nil, errors.Wrapf(ErrNotInFlight, "stage %d, microbatch %d", s.desc.Index, index)
	}

	opts := s.options(index)
	opts.Label = "grads"

	if shapeErr := validate.Values(s.outputs, grads, opts); shapeErr != nil {
		return nil, s.located(shapeErr, index)
	}

	delete(s.cache, index)

	var (
		inputGrads []*tensor.Tensor
		err        error
	)

	panicErr := exceptions.TryCatch[error](func() {
		inputGrads, err = backward(ctx, grads)
	})
	if panicErr != nil {
		err = errors.Wrap(panicErr, "fragment panicked")
	}

	if err != nil {
		return nil, errors.Wrapf(err, "stage %d: backward of microbatch %d", s.desc.Index, index)
	}

	if !s.desc.IsFirst() {
		opts.Label = "input grads"

		if shapeErr := validate.Values(s.input.Args, inputGrads, opts); shapeErr != nil {
			return nil, s.located(shapeErr, index)
		}
	}

	return inputGrads, nil
}

// RegisterOutputHook adds a hook applied to the outputs of every later forward. Hooks run in
// registration order. The returned function removes it.
func (s *Stage) RegisterOutputHook(fn OutputHook) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hookID++
	id := s.hookID
	s.hooks = append(s.hooks, hook{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.hooks = slices.DeleteFunc(s.hooks, func(h hook) bool { return h.id == id })
	}
}

func (s *Stage) runHooks(outputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	var err error
	for _, h := range hooks {
		outputs, err = h.fn(outputs)
		if err != nil {
			return nil, err
		}
	}

	return outputs, nil
}

// SubmoduleState returns the fragment's parameters keyed by their name in the unpartitioned model.
// Parameters without a qualified name keep their local name.
func (s *Stage) SubmoduleState() map[string]*tensor.Tensor {
	params := s.fragment.Parameters()
	state := make(map[string]*tensor.Tensor, len(params))

	for local, value := range params {
		name := local
		if qual, ok := s.qualNames[local]; ok {
			name = qual
		}

		state[name] = value
	}

	return state
}

// Descriptor returns the stage descriptor.
func (s *Stage) Descriptor() model.StageDescriptor {
	return s.desc
}

// Fragment returns the wrapped computation.
func (s *Stage) Fragment() Fragment {
	return s.fragment
}

// InputInterface returns the recorded input interface, if any.
func (s *Stage) InputInterface() (model.Interface, bool) {
	if s.input == nil {
		return model.Interface{}, false
	}

	return *s.input, true
}

// OutputSpecs returns the recorded output shapes, if any.
func (s *Stage) OutputSpecs() ([]shapes.Shape, bool) {
	if s.outputs == nil {
		return nil, false
	}

	return slices.Clone(s.outputs), true
}
