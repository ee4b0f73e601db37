package measure

import (
	"time"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
)

type stepObserver struct {
	Measure
}

func (o *stepObserver) BeforeStep(rank int) error {
	o.AddMetric(RankName(rank))

	return nil
}

// OnAction charges compute and send time to the stage of the action and receive waits to the
// transport from the peer stage.
func (o *stepObserver) OnAction(a model.Action, elapsed time.Duration) error {
	mt := o.AddMetric(StageName(a.Stage))

	switch {
	case a.Kind == model.RecvForward:
		mt.AddTransportDuration(StageName(a.PeerStage()), elapsed)
	case a.Kind == model.RecvBackward:
		mt.AddTransportDuration(GradientName(a.PeerStage()), elapsed)
	case a.Kind.IsCompute():
		mt.AddDuration(elapsed)
	}

	mt.AddActionDuration(a.Kind, elapsed)

	return nil
}

func (o *stepObserver) AfterStep(rank int, total time.Duration) error {
	mt := o.AddMetric(RankName(rank))
	mt.AddDuration(total)
	mt.SetTotalDuration(total)

	return nil
}

// StepObserver feeds m from the actions of a schedule.
func StepObserver(m Measure) model.StepObserver {
	return &stepObserver{m}
}

// Cost estimates FORWARD and BACKWARD from their mean measured duration. Communication costs
// nothing: its measured time is mostly waiting, which the dependency graph already accounts for.
func Cost(m Measure) schedule.CostFunc {
	return func(a model.Action) time.Duration {
		if !a.Kind.IsCompute() {
			return 0
		}

		mt := m.GetMetric(StageName(a.Stage))
		if mt == nil {
			return 0
		}

		return mt.AVGActionDuration(a.Kind)
	}
}
