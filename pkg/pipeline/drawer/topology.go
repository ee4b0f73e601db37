package drawer

import (
	"io"

	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/measure"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
)

const (
	InputName  = "input"
	OutputName = "output"
)

// DrawStages adds a chain of numStages stages between an input and an output vertex. Activations
// flow along solid links; with backward, gradients flow back along dashed links.
func DrawStages(d Drawer, numStages int, backward bool) error {
	if err := d.AddStage(InputName); err != nil {
		return err
	}

	prev := InputName

	for stage := range numStages {
		name := measure.StageName(stage)
		if err := d.AddStage(name); err != nil {
			return err
		}

		if err := d.AddLink(prev, name, nil); err != nil {
			return err
		}

		if backward && stage > 0 {
			if err := d.AddLink(name, prev, map[string]string{"style": "dashed"}); err != nil {
				return err
			}
		}

		prev = name
	}

	if err := d.AddStage(OutputName); err != nil {
		return err
	}

	return d.AddLink(prev, OutputName, nil)
}

// WriteSchedule writes the happens-before graph of a table, one vertex per action in table order.
// Program order and messages are both edges; messages are dashed.
func WriteSchedule(w io.Writer, g *schedule.ActionGraph) error {
	ids := func() ([]string, error) {
		actions, err := g.Actions()
		if err != nil {
			return nil, err
		}

		out := make([]string, len(actions))
		for i, a := range actions {
			out[i] = a.ID()
		}

		return out, nil
	}

	err := dotOrdered(g.Graph, ids, w, GraphAttribute("rankdir", "LR"), GraphAttribute("newrank", "true"))
	if err != nil {
		return errors.Wrap(err, "unable to draw schedule")
	}

	return nil
}
