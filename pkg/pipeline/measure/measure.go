package measure

import (
	"fmt"
	"maps"
	"sync"
)

// StageName is the metric name of a stage.
func StageName(stage int) string {
	return fmt.Sprintf("stage %d", stage)
}

// GradientName is the transport name of the gradients coming from a stage.
func GradientName(stage int) string {
	return fmt.Sprintf("stage %d grad", stage)
}

// RankName is the metric name of the whole step of a rank.
func RankName(rank int) string {
	return fmt.Sprintf("rank %d", rank)
}

type DefaultMeasure struct {
	mu    sync.Mutex
	Steps map[string]Metric
}

func NewDefaultMeasure() *DefaultMeasure {
	return &DefaultMeasure{
		Steps: make(map[string]Metric),
	}
}

func (m *DefaultMeasure) AddMetric(name string) Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mt, ok := m.Steps[name]; ok {
		return mt
	}

	mt := newDefaultMetric()
	m.Steps[name] = mt

	return mt
}

func (m *DefaultMeasure) GetMetric(name string) Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.Steps[name]
}

func (m *DefaultMeasure) AllMetrics() map[string]Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.Steps)
}

var _ Measure = (*DefaultMeasure)(nil)
