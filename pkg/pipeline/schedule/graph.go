package schedule

import (
	"fmt"
	"slices"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/internal/store"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

// ActionGraph is the happens-before relation of a table: program order on each rank plus an edge
// from every SEND to the RECV that consumes it.
type ActionGraph struct {
	graph.Graph[string, model.Action]

	store *store.OrderedStore[string, model.Action]
}

func actionHash(a model.Action) string {
	return a.ID()
}

// DependencyGraph builds the happens-before graph of t. A cycle means the table deadlocks and is
// reported as model.ErrScheduleInvalid.
func DependencyGraph(t *Table) (*ActionGraph, error) {
	s := store.NewOrderedStore[string, model.Action]()
	g := &ActionGraph{
		Graph: graph.NewWithStore(actionHash, s, graph.Directed(), graph.PreventCycles()),
		store: s,
	}

	sends := make(map[msgKey]string)

	for _, actions := range t.Actions {
		for _, a := range actions {
			attributes := map[string]string{
				"label": fmt.Sprintf("%s%d.%d", a.Kind.Short(), a.Stage, a.Microbatch),
				"group": fmt.Sprintf("rank%d", a.Rank),
			}
			if err := g.AddVertex(a, graph.VertexAttributes(attributes)); err != nil {
				return nil, errors.Wrapf(err, "unable to add %s", a)
			}

			if a.Kind.IsSend() {
				sends[msgKey{stage: a.PeerStage(), mb: a.Microbatch, gradient: a.Kind.IsGradient()}] = a.ID()
			}
		}
	}

	for rank, actions := range t.Actions {
		for i, a := range actions {
			if i > 0 {
				if err := g.link(actions[i-1].ID(), a.ID(), "solid"); err != nil {
					return nil, errors.Wrapf(err, "rank %d", rank)
				}
			}

			if !a.Kind.IsRecv() {
				continue
			}

			key := msgKey{stage: a.Stage, mb: a.Microbatch, gradient: a.Kind.IsGradient()}

			send, ok := sends[key]
			if !ok {
				return nil, invalid("nobody sends the %s", key)
			}

			if err := g.link(send, a.ID(), "dashed"); err != nil {
				return nil, errors.Wrapf(err, "rank %d", rank)
			}
		}
	}

	return g, nil
}

func (g *ActionGraph) link(from, to, style string) error {
	err := g.AddEdge(from, to, graph.EdgeAttribute("style", style))
	switch {
	case errors.Is(err, graph.ErrEdgeAlreadyExists):
		return nil
	case errors.Is(err, graph.ErrEdgeCreatesCycle):
		return invalid("%s -> %s closes a cycle", from, to)
	}

	return errors.Wrapf(err, "unable to add edge from %s to %s", from, to)
}

// Actions returns the actions in insertion order: rank by rank, each in table order.
func (g *ActionGraph) Actions() ([]model.Action, error) {
	ids, err := g.store.ListVertices()
	if err != nil {
		return nil, err
	}

	actions := make([]model.Action, len(ids))
	for i, id := range ids {
		if actions[i], err = g.Vertex(id); err != nil {
			return nil, err
		}
	}

	return actions, nil
}

// SetCost stores the cost of an action as its vertex weight, in nanoseconds.
func (g *ActionGraph) SetCost(a model.Action, cost time.Duration) error {
	return g.store.UpdateVertex(a.ID(), graph.VertexWeight(int(cost)))
}

// CostFunc estimates how long an action takes.
type CostFunc func(a model.Action) time.Duration

// UnitCost charges one unit for FORWARD and BACKWARD and nothing for communication.
func UnitCost(a model.Action) time.Duration {
	if a.Kind.IsCompute() {
		return 1
	}

	return 0
}

// PathReport summarises the timing of a table under a cost model.
type PathReport struct {
	// Makespan is the finish time of the last action.
	Makespan time.Duration
	// Path is the chain of actions that determines the makespan.
	Path []model.Action
	// Busy is the total cost of the actions of each rank.
	Busy []time.Duration
	// Bubble is the idle fraction of the ranks over the makespan.
	Bubble float64
}

// CriticalPath computes the earliest finish time of every action of t when each action starts as
// soon as its predecessors in the dependency graph finished.
func CriticalPath(t *Table, cost CostFunc) (*PathReport, error) {
	g, err := DependencyGraph(t)
	if err != nil {
		return nil, err
	}

	report := &PathReport{Busy: make([]time.Duration, t.Ranks)}

	for rank, actions := range t.Actions {
		for _, a := range actions {
			c := cost(a)
			report.Busy[rank] += c

			if err := g.SetCost(a, c); err != nil {
				return nil, err
			}
		}
	}

	order, err := graph.TopologicalSort(g.Graph)
	if err != nil {
		return nil, errors.Wrap(err, "unable to sort actions")
	}

	finish := make(map[string]time.Duration, len(order))
	via := make(map[string]string, len(order))

	var last string

	for _, id := range order {
		_, props, err := g.VertexWithProperties(id)
		if err != nil {
			return nil, err
		}

		var start time.Duration

		// Ties go to the smallest id so the path does not depend on map order.
		for _, pred := range g.store.Predecessors(id) {
			f := finish[pred]
			if f > start || (f == start && (via[id] == "" || pred < via[id])) {
				start = f
				via[id] = pred
			}
		}

		finish[id] = start + time.Duration(props.Weight)
		if last == "" || finish[id] > finish[last] {
			last = id
		}
	}

	if last == "" {
		return report, nil
	}

	report.Makespan = finish[last]

	for id := last; id != ""; id = via[id] {
		a, err := g.Vertex(id)
		if err != nil {
			return nil, err
		}

		report.Path = append(report.Path, a)
	}

	slices.Reverse(report.Path)

	if report.Makespan > 0 {
		var busy time.Duration
		for _, b := range report.Busy {
			busy += b
		}

		report.Bubble = 1 - float64(busy)/float64(time.Duration(t.Ranks)*report.Makespan)
	}

	return report, nil
}
