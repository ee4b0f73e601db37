package model

import "time"

// StepObserver defines the interface for step observers. A schedule calls it from the goroutine
// running the rank, so implementations shared between ranks must be safe for concurrent use.
type StepObserver interface {
	// BeforeStep is called before the first action of a step on rank.
	BeforeStep(rank int) error
	// OnAction is called after every action. For a receive, elapsed is the time spent waiting.
	OnAction(action Action, elapsed time.Duration) error
	// AfterStep is called once the rank has finished the step, including waiting for its sends.
	AfterStep(rank int, total time.Duration) error
}
