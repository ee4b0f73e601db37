// Package schedule builds, checks and runs the per-worker action lists of a pipeline.
//
// A TableBuilder turns (ranks, chunks, virtual stages) into a Table: for every rank, the ordered
// FORWARD, BACKWARD, SEND and RECV actions that together process every microbatch through every
// stage. Tables are pure data and can be verified statically. A Schedule replays the table of its
// rank on every Step.
package schedule

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

// Policy names a schedule.
type Policy int

const (
	GPipe Policy = iota
	OneFOneB
	Interleaved1F1B
	LoopedBFS
)

var policyNames = map[Policy]string{
	GPipe:           "gpipe",
	OneFOneB:        "1f1b",
	Interleaved1F1B: "interleaved-1f1b",
	LoopedBFS:       "looped-bfs",
}

// Policies lists every policy.
func Policies() []Policy {
	return []Policy{GPipe, OneFOneB, Interleaved1F1B, LoopedBFS}
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}

	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy is case insensitive and accepts the names returned by String.
func ParsePolicy(name string) (Policy, error) {
	for policy, policyName := range policyNames {
		if strings.EqualFold(name, policyName) {
			return policy, nil
		}
	}

	return 0, errors.Wrapf(model.ErrConfiguration, "unknown schedule policy %q", name)
}

// Looped is true for the policies that place several virtual stages on each rank.
func (p Policy) Looped() bool {
	return p == Interleaved1F1B || p == LoopedBFS
}

// TableBuilder produces the action table of a policy.
type TableBuilder interface {
	BuildTable(ranks, chunks, virtualStages int) (*Table, error)
}

// Builder returns the TableBuilder of the policy.
func (p Policy) Builder() (TableBuilder, error) {
	switch p {
	case GPipe:
		return gpipeBuilder{}, nil
	case OneFOneB:
		return oneFOneBBuilder{}, nil
	case Interleaved1F1B:
		return interleavedBuilder{}, nil
	case LoopedBFS:
		return loopedBFSBuilder{}, nil
	default:
		return nil, errors.Wrapf(model.ErrConfiguration, "unknown schedule policy %d", int(p))
	}
}

// BuildTable builds and verifies the table of policy.
func BuildTable(policy Policy, ranks, chunks, virtualStages int) (*Table, error) {
	builder, err := policy.Builder()
	if err != nil {
		return nil, err
	}

	table, err := builder.BuildTable(ranks, chunks, virtualStages)
	if err != nil {
		return nil, err
	}

	if err := table.Verify(); err != nil {
		return nil, errors.Wrapf(err, "%s table", policy)
	}

	return table, nil
}
