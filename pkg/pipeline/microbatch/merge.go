package microbatch

import (
	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

var (
	ErrNothingToMerge = errors.New("no microbatch outputs to merge")
	ErrOutputCount    = errors.New("microbatches returned different numbers of outputs")
)

// Merge concatenates per-microbatch outputs along axis. outputs[i] holds the outputs of microbatch
// i, so the result follows microbatch index order whatever order the outputs were produced in.
func Merge(outputs [][]*tensor.Tensor, axis int) ([]*tensor.Tensor, error) {
	if len(outputs) == 0 {
		return nil, ErrNothingToMerge
	}

	count := len(outputs[0])
	for i, out := range outputs {
		if len(out) != count {
			return nil, errors.Wrapf(ErrOutputCount, "microbatch %d returned %d outputs, microbatch 0 returned %d",
				i, len(out), count)
		}
	}

	merged := make([]*tensor.Tensor, count)
	column := make([]*tensor.Tensor, len(outputs))

	for pos := range count {
		for i, out := range outputs {
			if out[pos] == nil {
				return nil, errors.Errorf("output %d of microbatch %d is missing", pos, i)
			}

			column[i] = out[pos]
		}

		value, err := tensor.Concat(axis, column...)
		if err != nil {
			return nil, errors.Wrapf(err, "merge output %d", pos)
		}

		merged[pos] = value
	}

	return merged, nil
}
