// Package drawer renders pipelines as Graphviz DOT: the chain of stages annotated with measured
// timings, and the happens-before graph of a schedule table.
package drawer

import (
	"time"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/measure"
)

// Drawer is an interface that defines the methods for drawing a pipeline.
type Drawer interface {
	// AddStage adds a stage vertex.
	AddStage(name string) error
	// AddLink adds a link between two stages.
	AddLink(from, to string, attributes map[string]string) error
	// Draw writes the graph.
	Draw() error
	// SetTotalTime labels a vertex with a wall-clock duration.
	SetTotalTime(name string, total time.Duration) error
	// AddMeasure labels stages and links with the timings of measure.
	AddMeasure(measure measure.Measure) error
}
