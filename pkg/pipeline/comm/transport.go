// Package comm moves stage inputs and gradients between workers.
//
// A Transport offers point-to-point messages matched by (source, tag). Sending posts the message
// and returns a Request that completes once the peer has taken it; receiving blocks until the
// message with the wanted tag from the wanted source is available.
package comm

import (
	"context"
	"fmt"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/tensor"
)

// Tag identifies a message within a step. Stage is the stage that consumes the message, which keeps
// tags distinct when one rank pair carries several virtual stages.
type Tag struct {
	Stage      int
	Microbatch int
	Gradient   bool
}

func (t Tag) String() string {
	dir := "fwd"
	if t.Gradient {
		dir = "bwd"
	}

	return fmt.Sprintf("%s s%d m%d", dir, t.Stage, t.Microbatch)
}

// Request tracks a posted send.
type Request interface {
	// Wait blocks until the peer has received the message.
	Wait(ctx context.Context) error
}

// Transport is the view a worker has of the point-to-point links.
type Transport interface {
	Rank() int
	WorldSize() int
	Send(ctx context.Context, dst int, tag Tag, payload []*tensor.Tensor) (Request, error)
	Recv(ctx context.Context, src int, tag Tag) ([]*tensor.Tensor, error)
}

// PayloadBytes is the memory held by the tensors of a payload.
func PayloadBytes(payload []*tensor.Tensor) uint64 {
	var total uint64
	for _, t := range payload {
		if t != nil {
			total += uint64(t.Shape().Memory())
		}
	}

	return total
}
