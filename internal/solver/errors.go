package solver

import (
	"errors"
	"fmt"

	"message-macro/internal/models"
)

var (
	// ErrInfeasible means the solve found no feasible solution. Retrying with
	// the same inputs cannot change that.
	ErrInfeasible = errors.New("solver: infeasible")

	// ErrSolver means the solver crashed, timed out or returned unusable output.
	ErrSolver = errors.New("solver: failed")
)

type Stage string

const (
	StageEnergy Stage = "energy"
	StageMacro  Stage = "macro"
)

// Error records everything needed to reproduce a failed solve.
type Error struct {
	Stage      Stage
	Iteration  int
	Bounds     models.Field
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s solve failed at iteration %d: %v", e.Stage, e.Iteration, e.Err)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Infeasible builds an infeasibility error for the given stage.
func Infeasible(stage Stage, diagnostic string) error {
	return &Error{Stage: stage, Diagnostic: diagnostic, Err: ErrInfeasible}
}

// Failed builds a solver error carrying the raw diagnostic.
func Failed(stage Stage, diagnostic string, cause error) error {
	err := ErrSolver
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrSolver, cause)
	}
	return &Error{Stage: stage, Diagnostic: diagnostic, Err: err}
}

// Annotate attaches the iteration and input bounds to err. Errors that are
// not already classified are treated as solver errors.
func Annotate(err error, stage Stage, iteration int, bounds models.Field) *Error {
	var se *Error
	if errors.As(err, &se) {
		out := *se
		out.Iteration = iteration
		out.Bounds = bounds.Clone()
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	wrapped := err
	if !errors.Is(err, ErrInfeasible) && !errors.Is(err, ErrSolver) {
		wrapped = fmt.Errorf("%w: %v", ErrSolver, err)
	}
	return &Error{Stage: stage, Iteration: iteration, Bounds: bounds.Clone(), Err: wrapped}
}
