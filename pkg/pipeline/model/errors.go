package model

import (
	"fmt"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration marks invalid settings detected before any work runs: a bad chunk count, a
	// stage count that does not fit the world size, an unknown policy.
	ErrConfiguration = errors.New("configuration error")
	// ErrScheduleInvalid is returned when a schedule table fails static verification.
	ErrScheduleInvalid = errors.New("invalid schedule")
)

// ShapeErrorKind distinguishes the two ways a value can drift from its recorded interface.
type ShapeErrorKind int

const (
	ShapeMismatch ShapeErrorKind = iota
	DTypeMismatch
)

func (k ShapeErrorKind) String() string {
	switch k {
	case ShapeMismatch:
		return "SHAPE_MISMATCH"
	case DTypeMismatch:
		return "DTYPE_MISMATCH"
	default:
		return fmt.Sprintf("ShapeErrorKind(%d)", int(k))
	}
}

// PipeliningShapeError reports a value whose shape or dtype differs from the recorded interface.
// Stage, Rank and Microbatch are -1 until the stage that detected the problem fills them in.
type PipeliningShapeError struct {
	Kind       ShapeErrorKind
	Expected   shapes.Shape
	Actual     shapes.Shape
	Stage      int
	Rank       int
	Microbatch int
	// Value names the offending argument, e.g. "args[0]", "kwargs[mask]" or "outputs[1]".
	Value string
	// Detail is set when the problem is not a plain shape comparison (missing value, wrong count).
	Detail string
}

func (e *PipeliningShapeError) Error() string {
	where := fmt.Sprintf("stage %d (rank %d), microbatch %d", e.Stage, e.Rank, e.Microbatch)
	if e.Value != "" {
		where += ", " + e.Value
	}

	if e.Detail != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, where, e.Detail)
	}

	return fmt.Sprintf("%s at %s: expected %s, got %s", e.Kind, where, e.Expected, e.Actual)
}

// CommunicationError is raised by a transport: a peer outside the world, a duplicate or unexpected
// message, a dropped link.
type CommunicationError struct {
	Op   string
	Rank int
	Peer int
	Tag  string
	Err  error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("%s rank %d <-> rank %d [%s]: %v", e.Op, e.Rank, e.Peer, e.Tag, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}
