package bpmn

import (
	"errors"
	"fmt"
)

// Configuration errors: never retried, surfaced to the caller with the token
// tree left unchanged.
var (
	// ErrNoMatchingFlow: an exclusive gateway found no truthy condition and
	// declares no default flow.
	ErrNoMatchingFlow = errors.New("no matching sequence flow")

	// ErrNoBranchActivated: an inclusive gateway activated zero branches and
	// declares no default flow.
	ErrNoBranchActivated = errors.New("no branch activated")

	// ErrUnreachableRejectTarget: the reject target is not structurally
	// reachable backward from the rejecting node.
	ErrUnreachableRejectTarget = errors.New("reject target not reachable")
)

// State errors: business-rule violations, not retried, not fatal to the
// process instance.
var (
	// ErrNotResubmittable: the task, its instance, or the caller does not
	// satisfy the resubmit preconditions.
	ErrNotResubmittable = errors.New("task not resubmittable")

	// ErrInvalidState: the task or instance is in the wrong status for the
	// requested transition.
	ErrInvalidState = errors.New("invalid state for requested transition")
)

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// ExpressionEvaluationError aborts the triggering operation entirely; it is
// treated as a configuration error.
type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}
