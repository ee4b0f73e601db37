package schedule

import (
	"fmt"
	"strings"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

// Table holds the ordered actions of every rank. Stage s runs on rank s % Ranks.
type Table struct {
	Policy        Policy
	Ranks         int
	Chunks        int
	VirtualStages int
	Actions       [][]model.Action
}

// NumStages is the number of stages in the chain.
func (t *Table) NumStages() int {
	return t.Ranks * t.VirtualStages
}

// HasBackward is true when the table contains backward work.
func (t *Table) HasBackward() bool {
	for _, actions := range t.Actions {
		for _, a := range actions {
			if a.Kind == model.Backward {
				return true
			}
		}
	}

	return false
}

// ForwardOnly returns a copy of the table without the actions of the backward pass.
func (t *Table) ForwardOnly() *Table {
	out := *t
	out.Actions = make([][]model.Action, len(t.Actions))

	for rank, actions := range t.Actions {
		for _, a := range actions {
			if !a.Kind.IsGradient() {
				out.Actions[rank] = append(out.Actions[rank], a)
			}
		}
	}

	return &out
}

// Compute returns the FORWARD and BACKWARD actions of rank in order.
func (t *Table) Compute(rank int) []model.Action {
	var out []model.Action

	for _, a := range t.Actions[rank] {
		if a.Kind.IsCompute() {
			out = append(out, a)
		}
	}

	return out
}

// stagesOf lists the stages placed on rank.
func (t *Table) stagesOf(rank int) []int {
	out := make([]int, 0, t.VirtualStages)
	for v := range t.VirtualStages {
		out = append(out, v*t.Ranks+rank)
	}

	return out
}

// PeakInFlight is the largest number of microbatches rank holds between their forward and
// backward, summed over its stages.
func (t *Table) PeakInFlight(rank int) int {
	inFlight, peak := 0, 0

	for _, a := range t.Actions[rank] {
		switch a.Kind {
		case model.Forward:
			inFlight++
			peak = max(peak, inFlight)
		case model.Backward:
			inFlight--
		}
	}

	return peak
}

// String renders one line per rank with the compute actions, e.g. "rank 0: F0.0 F0.1 B0.0 ...".
// The numbers are stage.microbatch.
func (t *Table) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s ranks=%d chunks=%d virtual=%d\n", t.Policy, t.Ranks, t.Chunks, t.VirtualStages)

	for rank := range t.Actions {
		fmt.Fprintf(&sb, "rank %d:", rank)

		for _, a := range t.Compute(rank) {
			fmt.Fprintf(&sb, " %s%d.%d", a.Kind.Short(), a.Stage, a.Microbatch)
		}

		sb.WriteString("\n")
	}

	return sb.String()
}
