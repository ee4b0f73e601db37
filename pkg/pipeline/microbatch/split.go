// Package microbatch cuts a batch into microbatches and glues per-microbatch outputs back together.
package microbatch

import (
	"fmt"
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// RemainderPolicy decides what happens when the chunked dimension is not a multiple of chunks.
type RemainderPolicy int

const (
	// RemainderReject refuses uneven batches with model.ErrConfiguration.
	RemainderReject RemainderPolicy = iota
	// RemainderSpread gives one extra row to each of the leading n%chunks microbatches.
	RemainderSpread
)

func (p RemainderPolicy) String() string {
	switch p {
	case RemainderReject:
		return "reject"
	case RemainderSpread:
		return "spread"
	default:
		return fmt.Sprintf("RemainderPolicy(%d)", int(p))
	}
}

// ParseRemainderPolicy accepts "reject" (or "") and "spread".
func ParseRemainderPolicy(name string) (RemainderPolicy, error) {
	switch name {
	case "", "reject":
		return RemainderReject, nil
	case "spread":
		return RemainderSpread, nil
	default:
		return 0, errors.Wrapf(model.ErrConfiguration, "unknown remainder policy %q", name)
	}
}

// ChunkSpec says how one argument is divided. The zero value chunks along axis 0.
type ChunkSpec struct {
	Axis int `yaml:"axis"`
	// Replicate passes the same tensor to every microbatch.
	Replicate bool `yaml:"replicate"`
}

// Spec holds the chunk specs of a call. Arguments without an entry use the zero ChunkSpec.
type Spec struct {
	Args      []ChunkSpec
	Kwargs    map[string]ChunkSpec
	Remainder RemainderPolicy
}

func (s Spec) arg(i int) ChunkSpec {
	if i < len(s.Args) {
		return s.Args[i]
	}

	return ChunkSpec{}
}

// Sizes returns the size of every chunk when n rows are divided into chunks pieces.
func Sizes(n, chunks int, policy RemainderPolicy) ([]int, error) {
	if chunks <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "chunks must be greater than 0, got %d", chunks)
	}

	rem := n % chunks
	switch {
	case rem != 0 && policy == RemainderReject:
		return nil, errors.Wrapf(model.ErrConfiguration, "%d chunks do not evenly divide a dimension of size %d", chunks, n)
	case n < chunks:
		return nil, errors.Wrapf(model.ErrConfiguration, "cannot cut a dimension of size %d into %d chunks", n, chunks)
	}

	sizes := make([]int, chunks)
	for i := range sizes {
		sizes[i] = n / chunks
		if i < rem {
			sizes[i]++
		}
	}

	return sizes, nil
}

// BatchSizes returns the sizes of the microbatches Split cuts from args and kwargs, read from the
// first argument that is chunked (positional ones first, then keywords by name). It returns nil
// when nothing is chunked.
func BatchSizes(args []*tensor.Tensor, kwargs map[string]*tensor.Tensor, chunks int, spec Spec) ([]int, error) {
	sizes := func(value *tensor.Tensor, cs ChunkSpec, name string) ([]int, bool, error) {
		if value == nil || cs.Replicate || value.Rank() == 0 {
			return nil, false, nil
		}

		if cs.Axis < 0 || cs.Axis >= value.Rank() {
			return nil, false, errors.Wrapf(model.ErrConfiguration, "%s: chunk axis %d does not exist in %s", name, cs.Axis, value.Shape())
		}

		out, err := Sizes(value.Shape().Dimensions[cs.Axis], chunks, spec.Remainder)

		return out, true, errors.Wrap(err, name)
	}

	for i, value := range args {
		if out, ok, err := sizes(value, spec.arg(i), fmt.Sprintf("args[%d]", i)); ok || err != nil {
			return out, err
		}
	}

	for _, name := range slices.Sorted(maps.Keys(kwargs)) {
		if out, ok, err := sizes(kwargs[name], spec.Kwargs[name], fmt.Sprintf("kwargs[%s]", name)); ok || err != nil {
			return out, err
		}
	}

	return nil, nil
}

// chunk returns chunks pieces of value, or chunks references to value when it is replicated.
func chunk(value *tensor.Tensor, chunks int, spec ChunkSpec, policy RemainderPolicy, name string) ([]*tensor.Tensor, error) {
	pieces := make([]*tensor.Tensor, chunks)
	if value == nil || spec.Replicate || value.Rank() == 0 {
		for i := range pieces {
			pieces[i] = value
		}

		return pieces, nil
	}

	if spec.Axis < 0 || spec.Axis >= value.Rank() {
		return nil, errors.Wrapf(model.ErrConfiguration, "%s: chunk axis %d does not exist in %s", name, spec.Axis, value.Shape())
	}

	sizes, err := Sizes(value.Shape().Dimensions[spec.Axis], chunks, policy)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}

	pieces, err = tensor.Split(value, spec.Axis, sizes)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}

	return pieces, nil
}

// Split divides the arguments of a batch into chunks microbatches, numbered 0..chunks-1.
func Split(args []*tensor.Tensor, kwargs map[string]*tensor.Tensor, chunks int, spec Spec) ([]model.Microbatch, error) {
	if chunks <= 0 {
		return nil, errors.Wrapf(model.ErrConfiguration, "chunks must be greater than 0, got %d", chunks)
	}

	mbs := make([]model.Microbatch, chunks)
	for i := range mbs {
		mbs[i].Index = i
		mbs[i].Args = make([]*tensor.Tensor, len(args))
		if kwargs != nil {
			mbs[i].Kwargs = make(map[string]*tensor.Tensor, len(kwargs))
		}
	}

	for argIdx, value := range args {
		pieces, err := chunk(value, chunks, spec.arg(argIdx), spec.Remainder, fmt.Sprintf("args[%d]", argIdx))
		if err != nil {
			return nil, err
		}

		for i, piece := range pieces {
			mbs[i].Args[argIdx] = piece
		}
	}

	for name, value := range kwargs {
		pieces, err := chunk(value, chunks, spec.Kwargs[name], spec.Remainder, fmt.Sprintf("kwargs[%s]", name))
		if err != nil {
			return nil, err
		}

		for i, piece := range pieces {
			mbs[i].Kwargs[name] = piece
		}
	}

	return mbs, nil
}
