package measure

import (
	"sync"
	"time"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

type TransportInfo struct {
	Elapsed time.Duration
	total   int64
}

type accumulator struct {
	elapsed time.Duration
	total   int64
}

func (a accumulator) avg() time.Duration {
	if a.total == 0 {
		return 0
	}

	return round(time.Duration(float64(a.elapsed) / float64(a.total)))
}

type DefaultMetric struct {
	mu            sync.Mutex
	allTransports map[string]*TransportInfo
	actions       map[model.ActionKind]*accumulator
	EndDuration   time.Duration
	step          accumulator
}

func newDefaultMetric() *DefaultMetric {
	return &DefaultMetric{
		allTransports: make(map[string]*TransportInfo),
		actions:       make(map[model.ActionKind]*accumulator),
	}
}

func (mt *DefaultMetric) AddDuration(elapsed time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.step.total++
	mt.step.elapsed += elapsed
}

func (mt *DefaultMetric) AddActionDuration(kind model.ActionKind, elapsed time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	acc, ok := mt.actions[kind]
	if !ok {
		acc = &accumulator{}
		mt.actions[kind] = acc
	}

	acc.total++
	acc.elapsed += elapsed
}

func (mt *DefaultMetric) SetTotalDuration(endDuration time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.EndDuration = endDuration
}

func (mt *DefaultMetric) GetTotalDuration() time.Duration {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	return mt.EndDuration
}

func (mt *DefaultMetric) AddTransportDuration(peer string, elapsed time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.allTransports[peer] == nil {
		mt.allTransports[peer] = &TransportInfo{}
	}

	ch := mt.allTransports[peer]
	ch.Elapsed += elapsed
	ch.total++
}

func (mt *DefaultMetric) AVGDuration() time.Duration {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	return mt.step.avg()
}

func (mt *DefaultMetric) AVGActionDuration(kind model.ActionKind) time.Duration {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if acc, ok := mt.actions[kind]; ok {
		return acc.avg()
	}

	return 0
}

// AVGTransportDuration returns the mean wait per peer.
func (mt *DefaultMetric) AVGTransportDuration() map[string]*TransportInfo {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	out := make(map[string]*TransportInfo, len(mt.allTransports))
	for name, ch := range mt.allTransports {
		out[name] = &TransportInfo{
			Elapsed: accumulator{elapsed: ch.Elapsed, total: ch.total}.avg(),
			total:   ch.total,
		}
	}

	return out
}

// AllTransports returns the summed waits per peer.
func (mt *DefaultMetric) AllTransports() map[string]*TransportInfo {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	out := make(map[string]*TransportInfo, len(mt.allTransports))
	for name, ch := range mt.allTransports {
		info := *ch
		out[name] = &info
	}

	return out
}

func round(d time.Duration) time.Duration {
	switch {
	case d > time.Hour:
		d = d.Round(time.Hour)
	case d > time.Minute:
		d = d.Round(time.Minute)
	case d > time.Second:
		d = d.Round(time.Second)
	case d > time.Millisecond:
		d = d.Round(time.Millisecond)
	case d > time.Microsecond:
		d = d.Round(time.Microsecond)
	}

	return d
}
