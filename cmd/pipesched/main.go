// pipesched builds the action table of a pipeline schedule, prints it with its critical path and
// optionally runs a small model through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/askiada/go-pipeline-parallel/internal/layers"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/comm"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/drawer"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/measure"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/pipe"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

var (
	flagConfig  = flag.String("config", "", "YAML pipeline config. When set, -policy, -chunks, -ranks and -virtual are ignored.")
	flagPolicy  = flag.String("policy", "1f1b", "Schedule policy: gpipe, 1f1b, interleaved-1f1b or looped-bfs.")
	flagChunks  = flag.Int("chunks", 4, "Number of microbatches per step.")
	flagRanks   = flag.Int("ranks", 2, "Number of ranks.")
	flagVirtual = flag.Int("virtual", 1, "Number of stages per rank, for the looped policies.")
	flagDOT     = flag.String("dot", "", "Write the happens-before graph of the table to this DOT file.")
	flagRun     = flag.Int("run", 0, "Run this many training steps of a small MLP through the pipeline.")
	flagDim     = flag.Int("dim", 16, "Width of the MLP.")
	flagBatch   = flag.Int("batch", 32, "Batch size of the MLP run.")
	flagDraw    = flag.String("draw", "", "Write the stages of the MLP run with their measured timings to this DOT file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := check1(loadConfig())
	policy := check1(cfg.SchedulePolicy())
	table := check1(schedule.BuildTable(policy, cfg.WorldSize, cfg.Chunks, cfg.Virtual()))
	report := check1(schedule.CriticalPath(table, schedule.UnitCost))

	fmt.Println(renderTable(table, report))
	printReport("unit cost", report, func(d time.Duration) string { return fmt.Sprintf("%d units", int64(d)) })

	if *flagDOT != "" {
		check(writeDOT(*flagDOT, table))
	}

	if *flagRun > 0 {
		check(run(cfg))
	}
}

func loadConfig() (pipeline.Config, error) {
	if *flagConfig == "" {
		cfg := pipeline.Config{
			Policy:        *flagPolicy,
			Chunks:        *flagChunks,
			WorldSize:     *flagRanks,
			VirtualStages: *flagVirtual,
		}

		return cfg, cfg.Validate()
	}

	f, err := os.Open(*flagConfig)
	if err != nil {
		return pipeline.Config{}, err
	}
	defer f.Close()

	return pipeline.LoadConfig(f)
}

func renderTable(table *schedule.Table, report *schedule.PathReport) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	t := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}

			return cellStyle
		}).
		Headers("Rank", "Compute", "Peak in flight", "Busy")

	for rank := range table.Ranks {
		compute := table.Compute(rank)
		names := make([]string, len(compute))

		for i, a := range compute {
			names[i] = fmt.Sprintf("%s%d.%d", a.Kind.Short(), a.Stage, a.Microbatch)
		}

		t.Row(
			fmt.Sprint(rank),
			strings.Join(names, " "),
			fmt.Sprint(table.PeakInFlight(rank)),
			fmt.Sprint(int64(report.Busy[rank])),
		)
	}

	return fmt.Sprintf("%s, %d ranks, %d microbatches, %d stages per rank\n%s",
		table.Policy, table.Ranks, table.Chunks, table.VirtualStages, t.Render())
}

func printReport(name string, report *schedule.PathReport, format func(time.Duration) string) {
	path := make([]string, len(report.Path))
	for i, a := range report.Path {
		path[i] = a.String()
	}

	fmt.Printf("%s: makespan %s, bubble %.1f%%\ncritical path: %s\n",
		name, format(report.Makespan), 100*report.Bubble, strings.Join(path, " -> "))
}

func writeDOT(name string, table *schedule.Table) error {
	g, err := schedule.DependencyGraph(table)
	if err != nil {
		return err
	}

	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	return drawer.WriteSchedule(f, g)
}

func run(cfg pipeline.Config) error {
	ctx := context.Background()
	rng := layers.NewRand(1)
	x := tensor.FromFlat(layers.RandomBatch[float32](*flagBatch, *flagDim, rng), *flagBatch, *flagDim)
	target := tensor.FromFlat(layers.RandomBatch[float32](*flagBatch, *flagDim, rng), *flagBatch, *flagDim)

	remainder := must.M1(cfg.RemainderPolicy())
	m, splits := layers.MultiMLP[float32](*flagDim, cfg.NumStages(), 1)

	p, err := pipe.Build(ctx, m, splits, cfg.Chunks, []*tensor.Tensor{x}, nil, microbatch.Spec{Remainder: remainder})
	if err != nil {
		return err
	}

	msr := measure.NewDefaultMeasure()
	opts := []pipeline.PipelineOption{
		pipeline.PipelineLoss(layers.SquaredError),
		pipeline.PipelineMeasure(msr),
	}

	if *flagDraw != "" {
		f, err := os.Create(*flagDraw)
		if err != nil {
			return err
		}
		defer f.Close()

		opts = append(opts, pipeline.PipelineDrawer(drawer.NewDOTDrawer(f)))
	}

	pl, err := pipeline.New(p, cfg, opts...)
	if err != nil {
		return err
	}

	klog.Infof("running %d stages of a %d-wide MLP on a %s batch", cfg.NumStages(), *flagDim,
		humanize.Bytes(comm.PayloadBytes([]*tensor.Tensor{x})))

	for step := range *flagRun {
		layers.ZeroGrads(m)

		start := time.Now()

		res, err := pl.Step(ctx, &schedule.Batch{Args: []*tensor.Tensor{x}, Target: target})
		if err != nil {
			return err
		}

		fmt.Printf("step %d: loss %.6f in %s\n", step, res.Loss, time.Since(start))
	}

	if err := pl.Finish(); err != nil {
		return err
	}

	report, err := schedule.CriticalPath(pl.Table(), measure.Cost(msr))
	if err != nil {
		return err
	}

	printReport("measured", report, time.Duration.String)

	return nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}

	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)

	return v
}
