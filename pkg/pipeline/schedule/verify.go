package schedule

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
)

// workKey identifies one piece of work: (kind, stage, microbatch).
type workKey struct {
	kind  model.ActionKind
	stage int
	mb    int
}

// msgKey identifies one message by the stage that consumes it.
type msgKey struct {
	stage    int
	mb       int
	gradient bool
}

func (k msgKey) String() string {
	dir := "activation"
	if k.gradient {
		dir = "gradient"
	}

	return fmt.Sprintf("%s for stage %d, microbatch %d", dir, k.stage, k.mb)
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(model.ErrScheduleInvalid, format, args...)
}

// Delivery says when a SEND completes.
type Delivery int

const (
	// Posted sends complete at once, as over links that buffer every message of a step.
	Posted Delivery = iota
	// Rendezvous sends complete only when the peer runs the matching RECV.
	Rendezvous
)

func (d Delivery) String() string {
	if d == Rendezvous {
		return "rendezvous"
	}

	return "posted"
}

// Verify checks the table statically. Every action must sit on the rank owning its stage, every
// (stage, microbatch) must be computed exactly once in each direction with its messages sent and
// received exactly once, each rank must receive before it computes and compute before it sends,
// and replaying all ranks must finish with no message left over, both with posted and with
// rendezvous sends.
func (t *Table) Verify() error {
	if t.Ranks <= 0 || t.Chunks <= 0 || t.VirtualStages <= 0 {
		return invalid("table dimensions ranks=%d chunks=%d virtual=%d", t.Ranks, t.Chunks, t.VirtualStages)
	}

	if len(t.Actions) != t.Ranks {
		return invalid("table has %d action lists for %d ranks", len(t.Actions), t.Ranks)
	}

	if err := t.verifyPlacement(); err != nil {
		return err
	}

	if err := t.verifyCounts(); err != nil {
		return err
	}

	if err := t.verifyLocalOrder(); err != nil {
		return err
	}

	for _, d := range []Delivery{Posted, Rendezvous} {
		if err := t.Replay(d); err != nil {
			return err
		}
	}

	return nil
}

// Replay runs every rank of the table with receives that block until their message is sent and
// sends that complete as d says. It reports a deadlock as model.ErrScheduleInvalid.
func (t *Table) Replay(d Delivery) error {
	if len(t.Actions) != t.Ranks {
		return invalid("table has %d action lists for %d ranks", len(t.Actions), t.Ranks)
	}

	if d == Rendezvous {
		return t.rendezvous()
	}

	return t.simulate()
}

func (t *Table) verifyPlacement() error {
	numStages := t.NumStages()

	for rank, actions := range t.Actions {
		for i, a := range actions {
			switch {
			case a.Rank != rank:
				return invalid("rank %d action %d (%s) claims rank %d", rank, i, a, a.Rank)
			case a.Stage < 0 || a.Stage >= numStages:
				return invalid("rank %d action %d (%s): no such stage", rank, i, a)
			case a.Stage%t.Ranks != rank:
				return invalid("rank %d action %d (%s): stage %d belongs to rank %d", rank, i, a, a.Stage, a.Stage%t.Ranks)
			case a.VirtualStage != a.Stage/t.Ranks:
				return invalid("rank %d action %d (%s): virtual stage should be %d", rank, i, a, a.Stage/t.Ranks)
			case a.Microbatch < 0 || a.Microbatch >= t.Chunks:
				return invalid("rank %d action %d (%s): no such microbatch", rank, i, a)
			case !a.Kind.IsCompute() && (a.PeerStage() < 0 || a.PeerStage() >= numStages):
				return invalid("rank %d action %d (%s): peer stage %d does not exist", rank, i, a, a.PeerStage())
			}
		}
	}

	return nil
}

func (t *Table) verifyCounts() error {
	counts := make(map[workKey]int)

	for _, actions := range t.Actions {
		for _, a := range actions {
			counts[workKey{kind: a.Kind, stage: a.Stage, mb: a.Microbatch}]++
		}
	}

	backward := t.HasBackward()
	last := t.NumStages() - 1

	expected := func(kind model.ActionKind, stage int) int {
		// A single rank hands outputs from stage to stage without messages.
		if t.Ranks == 1 && !kind.IsCompute() {
			return 0
		}

		switch kind {
		case model.Forward:
			return 1
		case model.Backward:
			return boolToInt(backward)
		case model.SendForward, model.RecvBackward:
			if kind == model.RecvBackward && !backward {
				return 0
			}

			return boolToInt(stage < last)
		case model.RecvForward, model.SendBackward:
			if kind == model.SendBackward && !backward {
				return 0
			}

			return boolToInt(stage > 0)
		}

		return 0
	}

	kinds := []model.ActionKind{
		model.Forward, model.Backward, model.SendForward, model.RecvForward, model.SendBackward, model.RecvBackward,
	}

	for stage := range t.NumStages() {
		for mb := range t.Chunks {
			for _, kind := range kinds {
				key := workKey{kind: kind, stage: stage, mb: mb}
				if got, want := counts[key], expected(kind, stage); got != want {
					return invalid("%s of stage %d, microbatch %d appears %d times, want %d", kind, stage, mb, got, want)
				}
			}
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// verifyLocalOrder checks the order of the actions of one (stage, microbatch) on its rank:
// RECV_FWD < FORWARD < SEND_FWD and FORWARD < RECV_BWD < BACKWARD < SEND_BWD.
func (t *Table) verifyLocalOrder() error {
	for rank, actions := range t.Actions {
		pos := make(map[workKey]int, len(actions))
		for i, a := range actions {
			pos[workKey{kind: a.Kind, stage: a.Stage, mb: a.Microbatch}] = i
		}

		for _, a := range actions {
			before := func(first, second model.ActionKind) error {
				i, ok1 := pos[workKey{kind: first, stage: a.Stage, mb: a.Microbatch}]
				j, ok2 := pos[workKey{kind: second, stage: a.Stage, mb: a.Microbatch}]

				if ok1 && ok2 && i > j {
					return invalid("rank %d runs %s after %s for stage %d, microbatch %d",
						rank, first, second, a.Stage, a.Microbatch)
				}

				return nil
			}

			if a.Kind != model.Forward {
				continue
			}

			pairs := [][2]model.ActionKind{
				{model.RecvForward, model.Forward},
				{model.Forward, model.SendForward},
				{model.Forward, model.Backward},
				{model.RecvBackward, model.Backward},
				{model.Backward, model.SendBackward},
			}
			for _, pair := range pairs {
				if err := before(pair[0], pair[1]); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// simulate replays every rank. Sends never block; a receive blocks until its message was posted.
func (t *Table) simulate() error {
	pc := make([]int, t.Ranks)
	posted := make(map[msgKey]int)
	finished := 0

	for finished < t.Ranks {
		progressed := false
		finished = 0

		for rank, actions := range t.Actions {
			for pc[rank] < len(actions) {
				a := actions[pc[rank]]

				if a.Kind.IsSend() {
					key := msgKey{stage: a.PeerStage(), mb: a.Microbatch, gradient: a.Kind.IsGradient()}
					if _, ok := posted[key]; ok {
						return invalid("rank %d posts the %s twice", rank, key)
					}

					posted[key] = rank
				}

				if a.Kind.IsRecv() {
					key := msgKey{stage: a.Stage, mb: a.Microbatch, gradient: a.Kind.IsGradient()}

					sender, ok := posted[key]
					if !ok {
						break
					}

					if want := a.Peer(t.Ranks); sender != want {
						return invalid("rank %d expects the %s from rank %d, rank %d sent it", rank, key, want, sender)
					}

					delete(posted, key)
				}

				pc[rank]++
				progressed = true
			}

			if pc[rank] == len(actions) {
				finished++
			}
		}

		if finished < t.Ranks && !progressed {
			return t.deadlock(Posted, pc)
		}
	}

	if len(posted) > 0 {
		return invalid("%d messages are never received", len(posted))
	}

	return nil
}

// matches is true when recv consumes the message of send.
func matches(send, recv model.Action) bool {
	return send.Kind.IsSend() && recv.Kind.IsRecv() &&
		send.Kind.IsGradient() == recv.Kind.IsGradient() &&
		send.PeerStage() == recv.Stage && send.Microbatch == recv.Microbatch
}

// rendezvous replays every rank with sends that block until the peer sits at the matching
// receive. Both sides then move on together.
func (t *Table) rendezvous() error {
	pc := make([]int, t.Ranks)

	current := func(rank int) (model.Action, bool) {
		if pc[rank] == len(t.Actions[rank]) {
			return model.Action{}, false
		}

		return t.Actions[rank][pc[rank]], true
	}

	for {
		progressed, finished := false, 0

		for rank := range t.Actions {
			for {
				a, ok := current(rank)
				if !ok {
					finished++

					break
				}

				if a.Kind.IsCompute() {
					pc[rank]++
					progressed = true

					continue
				}

				peer := a.Peer(t.Ranks)
				if peer == rank {
					return invalid("rank %d runs %s against itself", rank, a)
				}

				b, ok := current(peer)
				if !ok || !(matches(a, b) || matches(b, a)) {
					break
				}

				pc[rank]++
				pc[peer]++
				progressed = true
			}
		}

		if finished == t.Ranks {
			return nil
		}

		if !progressed {
			return t.deadlock(Rendezvous, pc)
		}
	}
}

func (t *Table) deadlock(d Delivery, pc []int) error {
	var blocked []string

	for rank, actions := range t.Actions {
		if pc[rank] < len(actions) {
			blocked = append(blocked, fmt.Sprintf("rank %d at %s", rank, actions[pc[rank]]))
		}
	}

	return invalid("deadlock with %s sends: %s", d, strings.Join(blocked, "; "))
}
