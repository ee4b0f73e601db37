// Package measure collects per-stage timings of pipeline steps: how long each stage computes and
// how long it waits on each peer it receives from.
package measure

import (
	"time"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

type Measure interface {
	// AddMetric returns the metric registered under name, creating it if needed.
	AddMetric(name string) Metric
	GetMetric(name string) Metric
	AllMetrics() map[string]Metric
}

type Metric interface {
	AddDuration(elapsed time.Duration)
	AddActionDuration(kind model.ActionKind, elapsed time.Duration)
	AddTransportDuration(peer string, elapsed time.Duration)
	AVGDuration() time.Duration
	AVGActionDuration(kind model.ActionKind) time.Duration
	AVGTransportDuration() map[string]*TransportInfo
	SetTotalDuration(endDuration time.Duration)
	GetTotalDuration() time.Duration
	AllTransports() map[string]*TransportInfo
}
