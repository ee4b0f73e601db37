package drawer

import (
	"io"
	"slices"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1" //nolint

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/measure"
)

// DOTDrawer writes the stage graph of a pipeline in DOT.
type DOTDrawer struct {
	graph graph.Graph[string, string]
	out   io.Writer
}

// NewDOTDrawer creates a drawer writing to out.
func NewDOTDrawer(out io.Writer) *DOTDrawer {
	return &DOTDrawer{
		out:   out,
		graph: graph.New(graph.StringHash, graph.Directed()),
	}
}

func (d *DOTDrawer) AddStage(name string) error {
	err := d.graph.AddVertex(name, graph.VertexAttribute("shape", "box"))
	if err != nil {
		return errors.Wrapf(err, "unable to add vertex %s", name)
	}

	return nil
}

func (d *DOTDrawer) AddLink(from, to string, attributes map[string]string) error {
	if attributes == nil {
		attributes = make(map[string]string)
	}

	err := d.graph.AddEdge(from, to, graph.EdgeAttributes(attributes))
	if err != nil {
		return errors.Wrapf(err, "unable to add edge from %s to %s", from, to)
	}

	return nil
}

func (d *DOTDrawer) Draw() error {
	err := dot(d.graph, d.out, GraphAttribute("rankdir", "LR"))
	if err != nil {
		return errors.Wrap(err, "unable to draw pipeline")
	}

	return nil
}

func (d *DOTDrawer) SetTotalTime(name string, total time.Duration) error {
	_, properties, err := d.graph.VertexWithProperties(name)
	if err != nil {
		return errors.Wrapf(err, "unable to get %s vertex properties", name)
	}

	properties.Attributes["xlabel"] = total.String()

	return nil
}

const maxRGB = 240

// AddMeasure labels every stage with its mean compute time and every link with the mean time the
// receiving stage waited on it, coloured from blue (shortest) to red (longest).
func (d *DOTDrawer) AddMeasure(msr measure.Measure) error {
	var waits []time.Duration

	for _, metric := range msr.AllMetrics() {
		for _, info := range metric.AVGTransportDuration() {
			if info.Elapsed > 0 {
				waits = append(waits, info.Elapsed)
			}
		}
	}

	palette := make(map[time.Duration]string, len(waits))

	if len(waits) > 0 {
		minValue, maxValue := slices.Min(waits), slices.Max(waits)

		for _, curr := range waits {
			fraction := 1.0
			if maxValue > minValue {
				fraction = float64(curr-minValue) / float64(maxValue-minValue)
			}

			red := maxRGB * fraction
			blue := maxRGB - red

			colour, err := colors.RGB(uint8(red), 0, uint8(blue)) //nolint
			if err != nil {
				return errors.Wrap(err, "unable to get colour")
			}

			palette[curr] = colour.ToHEX().String()
		}
	}

	err := d.updateMetrics(msr, palette)
	if err != nil {
		return errors.Wrap(err, "unable to update metrics")
	}

	return nil
}

func (d *DOTDrawer) updateMetrics(msr measure.Measure, palette map[time.Duration]string) error {
	for name, metric := range msr.AllMetrics() {
		_, properties, err := d.graph.VertexWithProperties(name)
		if errors.Is(err, graph.ErrVertexNotFound) {
			continue
		}

		if err != nil {
			return errors.Wrap(err, "unable to get vertex properties")
		}

		if avg := metric.AVGDuration(); avg != 0 {
			properties.Attributes["xlabel"] = avg.String()
		}

		for from, info := range metric.AVGTransportDuration() {
			if info.Elapsed == 0 {
				continue
			}

			source, ok := d.linkSource(from)
			if !ok {
				continue
			}

			if _, err := d.graph.Edge(source, name); err != nil {
				continue
			}

			err := d.graph.UpdateEdge(source, name,
				graph.EdgeAttribute("label", info.Elapsed.String()),
				graph.EdgeAttribute("fontcolor", "blue"),
				graph.EdgeAttribute("color", palette[info.Elapsed]),
			)
			if err != nil {
				return errors.Wrapf(err, "unable to update edge from %s to %s", source, name)
			}
		}
	}

	return nil
}

// linkSource maps a transport name to the vertex the link starts from. Gradients travel along the
// reverse link of the stage that produced them.
func (d *DOTDrawer) linkSource(transport string) (string, bool) {
	if _, err := d.graph.Vertex(transport); err == nil {
		return transport, true
	}

	for stage := 0; ; stage++ {
		name := measure.StageName(stage)
		if _, err := d.graph.Vertex(name); err != nil {
			return "", false
		}

		if measure.GradientName(stage) == transport {
			return name, true
		}
	}
}

var _ Drawer = (*DOTDrawer)(nil)
