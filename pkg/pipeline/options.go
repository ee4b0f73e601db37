package pipeline

import (
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/drawer"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/measure"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
)

type PipelineOption func(p *Pipeline)

// PipelineLoss makes every step a training step: the last stage computes the loss of each
// microbatch and gradients flow back through the pipeline.
func PipelineLoss(loss schedule.LossFunc) PipelineOption {
	return func(p *Pipeline) {
		p.loss = loss
	}
}

// PipelineMeasure records the duration of every action into m.
func PipelineMeasure(m measure.Measure) PipelineOption {
	return func(p *Pipeline) {
		p.measure = m
		p.observers = append(p.observers, measure.StepObserver(m))
	}
}

// PipelineDrawer renders the stages with their measures when the pipeline finishes.
func PipelineDrawer(d drawer.Drawer) PipelineOption {
	return func(p *Pipeline) {
		p.drawer = d
	}
}

func PipelineObserver(obs model.StepObserver) PipelineOption {
	return func(p *Pipeline) {
		p.observers = append(p.observers, obs)
	}
}
