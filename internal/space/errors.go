package space

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every entry point after Close.
	ErrClosed = errors.New("space closed")

	// ErrIterationCap reports that the effector feedback loop hit the
	// configured iteration limit and pending events were dropped.
	ErrIterationCap = errors.New("iteration cap reached")

	// ErrDuplicateStage is returned when a stage name is registered twice.
	ErrDuplicateStage = errors.New("duplicate stage name")
)

// Role names a pipeline stage kind.
type Role string

const (
	RoleReceptor  Role = "receptor"
	RoleTransform Role = "transform"
	RoleEffector  Role = "effector"
)

// StageError records the failure of one stage instance during a pass. The
// failing instance's output is dropped; the rest of the pass continues.
type StageError struct {
	Stage string
	Role  Role
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %q failed: %v", e.Role, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking stage.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
