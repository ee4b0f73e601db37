// Package model provides the data structures shared by the pipeline packages.
// It defines the stage descriptor, the microbatch, the schedule action and the error types,
// together with the observer interface used to instrument a schedule step.
package model
