package controller

import (
	"errors"
	"fmt"
)

// ErrNonConvergent marks a run that finished without reaching equilibrium.
// The run still returns its last state.
var ErrNonConvergent = errors.New("controller: run did not converge")

type NonConvergentError struct {
	Reason     string
	Iterations int
	Metric     float64
}

func (e *NonConvergentError) Error() string {
	return fmt.Sprintf("%v after %d iterations (metric %.4g): %s", ErrNonConvergent, e.Iterations, e.Metric, e.Reason)
}

func (e *NonConvergentError) Unwrap() error {
	return ErrNonConvergent
}
