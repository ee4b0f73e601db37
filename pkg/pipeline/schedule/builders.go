package schedule

import (
	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

// op is a compute action before its communication is attached.
type op struct {
	kind  model.ActionKind
	stage int
	mb    int
}

func checkDims(policy Policy, ranks, chunks, virtualStages int) error {
	switch {
	case ranks <= 0:
		return errors.Wrapf(model.ErrConfiguration, "%s: ranks must be positive, got %d", policy, ranks)
	case chunks <= 0:
		return errors.Wrapf(model.ErrConfiguration, "%s: chunks must be positive, got %d", policy, chunks)
	case virtualStages <= 0:
		return errors.Wrapf(model.ErrConfiguration, "%s: virtual stages must be positive, got %d", policy, virtualStages)
	case !policy.Looped() && virtualStages != 1:
		return errors.Wrapf(model.ErrConfiguration, "%s runs one stage per rank, got %d virtual stages", policy, virtualStages)
	}

	return nil
}

func newTable(policy Policy, ranks, chunks, virtualStages int) *Table {
	return &Table{
		Policy:        policy,
		Ranks:         ranks,
		Chunks:        chunks,
		VirtualStages: virtualStages,
		Actions:       make([][]model.Action, ranks),
	}
}

func (t *Table) push(kind model.ActionKind, stage, mb int) {
	rank := stage % t.Ranks
	t.Actions[rank] = append(t.Actions[rank], model.Action{
		Kind:         kind,
		Rank:         rank,
		Stage:        stage,
		VirtualStage: stage / t.Ranks,
		Microbatch:   mb,
	})
}

// deliver appends the SEND of the output of o to its rank and the matching RECV to the rank of
// the consuming stage, at the same point of both lists. With a single rank every stage is local
// and outputs are handed over without a message.
func (t *Table) deliver(o op) {
	if t.Ranks == 1 {
		return
	}

	switch {
	case o.kind == model.Forward && o.stage < t.NumStages()-1:
		t.push(model.SendForward, o.stage, o.mb)
		t.push(model.RecvForward, o.stage+1, o.mb)
	case o.kind == model.Backward && o.stage > 0:
		t.push(model.SendBackward, o.stage, o.mb)
		t.push(model.RecvBackward, o.stage-1, o.mb)
	}
}

// picker chooses what a rank computes at a tick of a unit-time execution.
type picker interface {
	next(rank, tick int) (op, bool)
}

// weave runs a unit-time execution of the table: at every tick each rank computes at most one
// operation, then every output produced during the tick is exchanged. Each SEND is placed in
// the list of its rank at the same tick boundary as its RECV in the list of the peer, so the
// ranks meet in a single global order and the table runs whether a SEND blocks until its RECV
// or not.
func (t *Table) weave(p picker) (*Table, error) {
	remaining := 2 * t.NumStages() * t.Chunks

	for tick := 0; remaining > 0; tick++ {
		var produced []op

		for r := range t.Ranks {
			if o, ok := p.next(r, tick); ok {
				t.push(o.kind, o.stage, o.mb)
				produced = append(produced, o)
			}
		}

		if len(produced) == 0 {
			return nil, errors.Wrapf(model.ErrScheduleInvalid,
				"%s stalled at tick %d with %d operations left", t.Policy, tick, remaining)
		}

		for _, o := range produced {
			t.deliver(o)
		}

		remaining -= len(produced)
	}

	return t, nil
}

// progress records the tick at which each (stage, microbatch) finished its forward and its
// backward, or -1.
type progress struct {
	numStages int
	fDone     [][]int
	bDone     [][]int
}

func newProgress(numStages, chunks int) *progress {
	p := &progress{
		numStages: numStages,
		fDone:     make([][]int, numStages),
		bDone:     make([][]int, numStages),
	}

	for s := range numStages {
		p.fDone[s] = make([]int, chunks)
		p.bDone[s] = make([]int, chunks)

		for m := range chunks {
			p.fDone[s][m] = -1
			p.bDone[s][m] = -1
		}
	}

	return p
}

// done is true when the work finished strictly before tick.
func done(ticks [][]int, stage, mb, tick int) bool {
	return ticks[stage][mb] >= 0 && ticks[stage][mb] < tick
}

func (p *progress) ready(o op, tick int) bool {
	if o.kind == model.Forward {
		return o.stage == 0 || done(p.fDone, o.stage-1, o.mb, tick)
	}

	return done(p.fDone, o.stage, o.mb, tick) && (o.stage == p.numStages-1 || done(p.bDone, o.stage+1, o.mb, tick))
}

func (p *progress) finish(o op, tick int) {
	if o.kind == model.Forward {
		p.fDone[o.stage][o.mb] = tick
	} else {
		p.bDone[o.stage][o.mb] = tick
	}
}

// fixedOrder runs the compute operations of every rank in a given order, each as soon as its
// input is there.
type fixedOrder struct {
	*progress

	orders [][]op
	pos    []int
}

func newFixedOrder(t *Table) *fixedOrder {
	return &fixedOrder{
		progress: newProgress(t.NumStages(), t.Chunks),
		orders:   make([][]op, t.Ranks),
		pos:      make([]int, t.Ranks),
	}
}

func (f *fixedOrder) add(rank int, kind model.ActionKind, stage, mb int) {
	f.orders[rank] = append(f.orders[rank], op{kind: kind, stage: stage, mb: mb})
}

func (f *fixedOrder) next(rank, tick int) (op, bool) {
	if f.pos[rank] == len(f.orders[rank]) {
		return op{}, false
	}

	o := f.orders[rank][f.pos[rank]]
	if !f.ready(o, tick) {
		return op{}, false
	}

	f.pos[rank]++
	f.finish(o, tick)

	return o, true
}

// gpipeBuilder runs every forward, then every backward in reverse microbatch order.
type gpipeBuilder struct{}

func (gpipeBuilder) BuildTable(ranks, chunks, virtualStages int) (*Table, error) {
	if err := checkDims(GPipe, ranks, chunks, virtualStages); err != nil {
		return nil, err
	}

	t := newTable(GPipe, ranks, chunks, virtualStages)
	order := newFixedOrder(t)

	for r := range ranks {
		for m := range chunks {
			order.add(r, model.Forward, r, m)
		}

		for m := chunks - 1; m >= 0; m-- {
			order.add(r, model.Backward, r, m)
		}
	}

	return t.weave(order)
}

// oneFOneBBuilder warms rank r up with ranks-r-1 forwards, then alternates one forward and one
// backward, then drains the remaining backwards.
type oneFOneBBuilder struct{}

func (oneFOneBBuilder) BuildTable(ranks, chunks, virtualStages int) (*Table, error) {
	if err := checkDims(OneFOneB, ranks, chunks, virtualStages); err != nil {
		return nil, err
	}

	t := newTable(OneFOneB, ranks, chunks, virtualStages)
	order := newFixedOrder(t)

	for r := range ranks {
		warmup := min(ranks-r-1, chunks)

		for m := range warmup {
			order.add(r, model.Forward, r, m)
		}

		for j := range chunks - warmup {
			order.add(r, model.Forward, r, warmup+j)
			order.add(r, model.Backward, r, j)
		}

		for m := chunks - warmup; m < chunks; m++ {
			order.add(r, model.Backward, r, m)
		}
	}

	return t.weave(order)
}

// loopedBFSBuilder pushes each microbatch through every local stage before starting the next one,
// and unwinds the backward pass the same way in reverse.
type loopedBFSBuilder struct{}

func (loopedBFSBuilder) BuildTable(ranks, chunks, virtualStages int) (*Table, error) {
	if err := checkDims(LoopedBFS, ranks, chunks, virtualStages); err != nil {
		return nil, err
	}

	t := newTable(LoopedBFS, ranks, chunks, virtualStages)
	order := newFixedOrder(t)

	for r := range ranks {
		for m := range chunks {
			for v := range virtualStages {
				order.add(r, model.Forward, v*ranks+r, m)
			}
		}

		for m := chunks - 1; m >= 0; m-- {
			for v := virtualStages - 1; v >= 0; v-- {
				order.add(r, model.Backward, v*ranks+r, m)
			}
		}
	}

	return t.weave(order)
}

// interleavedBuilder orders work the way a unit-time execution would run it: microbatches move in
// groups of `ranks` through the virtual stages of a rank, a warm-up of forwards fills the pipe,
// then every rank alternates forward and backward, falling back to whichever one is ready.
type interleavedBuilder struct{}

func (interleavedBuilder) BuildTable(ranks, chunks, virtualStages int) (*Table, error) {
	if err := checkDims(Interleaved1F1B, ranks, chunks, virtualStages); err != nil {
		return nil, err
	}

	t := newTable(Interleaved1F1B, ranks, chunks, virtualStages)

	return t.weave(newInterleavedSim(ranks, chunks, virtualStages))
}

type interleavedSim struct {
	*progress

	forwards  [][]op
	backwards [][]op
	nextF     []int
	nextB     []int
	warmup    []int
	preferF   []bool
}

func newInterleavedSim(ranks, chunks, virtualStages int) *interleavedSim {
	sim := &interleavedSim{
		progress:  newProgress(ranks*virtualStages, chunks),
		forwards:  make([][]op, ranks),
		backwards: make([][]op, ranks),
		nextF:     make([]int, ranks),
		nextB:     make([]int, ranks),
		warmup:    make([]int, ranks),
		preferF:   make([]bool, ranks),
	}

	for r := range ranks {
		for lo := 0; lo < chunks; lo += ranks {
			hi := min(lo+ranks, chunks)

			for v := range virtualStages {
				for m := lo; m < hi; m++ {
					sim.forwards[r] = append(sim.forwards[r], op{kind: model.Forward, stage: v*ranks + r, mb: m})
				}
			}

			for v := virtualStages - 1; v >= 0; v-- {
				for m := lo; m < hi; m++ {
					sim.backwards[r] = append(sim.backwards[r], op{kind: model.Backward, stage: v*ranks + r, mb: m})
				}
			}
		}

		sim.warmup[r] = min((virtualStages-1)*ranks+2*(ranks-1-r), chunks*virtualStages)
		sim.preferF[r] = true
	}

	return sim
}

// next picks the operation rank r runs at tick, if any.
func (s *interleavedSim) next(r, tick int) (op, bool) {
	canF := s.nextF[r] < len(s.forwards[r]) && s.ready(s.forwards[r][s.nextF[r]], tick)
	canB := s.nextB[r] < len(s.backwards[r]) && s.ready(s.backwards[r][s.nextB[r]], tick)

	var takeF bool

	switch {
	case s.nextF[r] < s.warmup[r]:
		if !canF {
			return op{}, false
		}

		takeF = true
	case canF && canB:
		takeF = s.preferF[r]
		s.preferF[r] = !s.preferF[r]
	case canF:
		takeF = true
		s.preferF[r] = false
	case canB:
		s.preferF[r] = true
	default:
		return op{}, false
	}

	var o op
	if takeF {
		o = s.forwards[r][s.nextF[r]]
		s.nextF[r]++
	} else {
		o = s.backwards[r][s.nextB[r]]
		s.nextB[r]++
	}

	s.finish(o, tick)

	return o, true
}
