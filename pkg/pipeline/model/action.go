package model

import "fmt"

// ActionKind is the type of work a worker performs at one position of its schedule.
type ActionKind int

const (
	// Forward runs a stage's forward computation for one microbatch.
	Forward ActionKind = iota
	// Backward runs a stage's backward computation for one microbatch.
	Backward
	// SendForward posts an activation to the next stage.
	SendForward
	// RecvForward waits for an activation from the previous stage.
	RecvForward
	// SendBackward posts a gradient to the previous stage.
	SendBackward
	// RecvBackward waits for a gradient from the next stage.
	RecvBackward
)

var actionKindNames = [...]string{
	Forward:      "FORWARD",
	Backward:     "BACKWARD",
	SendForward:  "SEND_FWD",
	RecvForward:  "RECV_FWD",
	SendBackward: "SEND_BWD",
	RecvBackward: "RECV_BWD",
}

var actionKindShort = [...]string{
	Forward:      "F",
	Backward:     "B",
	SendForward:  "SF",
	RecvForward:  "RF",
	SendBackward: "SB",
	RecvBackward: "RB",
}

func (k ActionKind) String() string {
	if k < 0 || int(k) >= len(actionKindNames) {
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}

	return actionKindNames[k]
}

// Short is a one or two letter code used in compact renderings of a schedule.
func (k ActionKind) Short() string {
	if k < 0 || int(k) >= len(actionKindShort) {
		return "?"
	}

	return actionKindShort[k]
}

// IsCompute is true for Forward and Backward.
func (k ActionKind) IsCompute() bool {
	return k == Forward || k == Backward
}

// IsSend is true for SendForward and SendBackward.
func (k ActionKind) IsSend() bool {
	return k == SendForward || k == SendBackward
}

// IsRecv is true for RecvForward and RecvBackward.
func (k ActionKind) IsRecv() bool {
	return k == RecvForward || k == RecvBackward
}

// IsGradient is true for the kinds that belong to the backward pass.
func (k ActionKind) IsGradient() bool {
	return k == Backward || k == SendBackward || k == RecvBackward
}

// Action is one step of a worker's schedule. Stage is the global stage index; VirtualStage is the
// position of that stage among the stages held by Rank.
type Action struct {
	Kind         ActionKind
	Rank         int
	Stage        int
	VirtualStage int
	Microbatch   int
}

// PeerStage is the stage on the other end of a SEND or RECV, or -1 for compute actions.
func (a Action) PeerStage() int {
	switch a.Kind {
	case SendForward, RecvBackward:
		return a.Stage + 1
	case RecvForward, SendBackward:
		return a.Stage - 1
	default:
		return -1
	}
}

// Peer is the rank on the other end of a SEND or RECV, or -1 for compute actions.
func (a Action) Peer(worldSize int) int {
	peer := a.PeerStage()
	if peer < 0 {
		return -1
	}

	return peer % worldSize
}

// ID identifies the action uniquely within a schedule table.
func (a Action) ID() string {
	return fmt.Sprintf("r%d/%s/s%d/m%d", a.Rank, a.Kind.Short(), a.Stage, a.Microbatch)
}

func (a Action) String() string {
	return fmt.Sprintf("%s(stage=%d, mb=%d)@rank%d", a.Kind, a.Stage, a.Microbatch, a.Rank)
}
