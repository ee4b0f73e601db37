// Package pipeline runs a model split into stages as a pipeline.
//
// Each batch is divided into microbatches that flow through the stages. A schedule policy decides
// the order in which every rank runs the forward and backward pass of its stages and exchanges
// activations and gradients with its neighbours, so that ranks work on different microbatches at
// the same time instead of waiting for the whole batch.
//
// The Pipeline type runs all the ranks of such a pipeline inside the current process, one
// goroutine per rank connected by an in-memory mesh. The first rank to fail stops the step and
// the pipeline is reset so that the next step starts from a clean state.
//
// The sub-packages hold the building blocks: microbatch splits and merges tensors, stage wraps a
// fragment of the model with shape validation, comm moves tensors between ranks, schedule builds
// and runs the action tables, and measure and drawer record and render timings.
package pipeline
