// Package convergence decides when the outer MESSAGE-MACRO loop has
// stabilized.
package convergence

import (
	"fmt"
	"math"

	"message-macro/internal/models"

	"gonum.org/v1/gonum/floats"
)

// Mode is the sealed set of convergence policies: FixedBudget or Threshold.
type Mode interface {
	mode()
	String() string
}

// FixedBudget runs exactly Iterations outer iterations. Convergence is not
// verified; the caller inspects the results.
type FixedBudget struct {
	Iterations int
}

// Threshold stops once the metric drops below Threshold, or reports budget
// exhaustion after MaxIterations.
type Threshold struct {
	Threshold     float64
	MaxIterations int
}

func (FixedBudget) mode() {}
func (Threshold) mode()   {}

func (m FixedBudget) String() string {
	return fmt.Sprintf("fixed(%d)", m.Iterations)
}

func (m Threshold) String() string {
	return fmt.Sprintf("threshold(%g, max %d)", m.Threshold, m.MaxIterations)
}

// NewMode builds the mode named in configuration.
func NewMode(name string, threshold float64, maxIterations int) (Mode, error) {
	switch name {
	case "fixed":
		return FixedBudget{Iterations: maxIterations}, nil
	case "threshold":
		return Threshold{Threshold: threshold, MaxIterations: maxIterations}, nil
	default:
		return nil, fmt.Errorf("unknown convergence mode: %s", name)
	}
}

type Outcome int

const (
	Continue Outcome = iota
	Converged
	BudgetExhausted
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Converged:
		return "converged"
	case BudgetExhausted:
		return "budget exhausted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Verdict is the monitor's decision after one iteration.
type Verdict struct {
	Outcome    Outcome
	Iteration  int
	Metric     float64
	Verified   bool // false in fixed-budget mode
	Decreasing bool // metric lower than on the previous iteration
}

// Metric is the largest relative demand change between two iterations:
//
//	max over keys of |next - prev| / prev
//
// Keys whose previous value is zero contribute their absolute change.
func Metric(prev, next models.Field) float64 {
	if len(next) == 0 {
		return 0
	}
	changes := make([]float64, 0, len(next))
	for k, n := range next {
		p := prev[k]
		if p == 0 {
			changes = append(changes, math.Abs(n))
			continue
		}
		changes = append(changes, math.Abs(n-p)/math.Abs(p))
	}
	return floats.Max(changes)
}

// Monitor keeps the metric history of one run.
type Monitor struct {
	mode    Mode
	history []float64
}

func NewMonitor(mode Mode) *Monitor {
	return &Monitor{mode: mode}
}

// History returns a copy of the recorded metrics, oldest first.
func (m *Monitor) History() []float64 {
	return append([]float64(nil), m.history...)
}

// MaxIterations is the hard iteration budget of the mode.
func (m *Monitor) MaxIterations() int {
	switch mode := m.mode.(type) {
	case FixedBudget:
		return mode.Iterations
	case Threshold:
		return mode.MaxIterations
	default:
		panic(fmt.Sprintf("convergence: unhandled mode %T", m.mode))
	}
}

// Check records metric for iteration (1-based) and decides whether to stop.
// ready=false holds back a Converged verdict, e.g. while calibration is
// still running.
func (m *Monitor) Check(iteration int, metric float64, ready bool) Verdict {
	v := Verdict{Outcome: Continue, Iteration: iteration, Metric: metric}
	if n := len(m.history); n > 0 {
		v.Decreasing = metric < m.history[n-1]
	}
	m.history = append(m.history, metric)

	switch mode := m.mode.(type) {
	case FixedBudget:
		if iteration >= mode.Iterations {
			v.Outcome = BudgetExhausted
		}

	case Threshold:
		v.Verified = true
		switch {
		case metric < mode.Threshold && ready:
			v.Outcome = Converged
		case iteration >= mode.MaxIterations:
			v.Outcome = BudgetExhausted
		}

	default:
		panic(fmt.Sprintf("convergence: unhandled mode %T", m.mode))
	}

	return v
}

// IterationBound is the number of iterations a linear contraction with
// factor rho needs to bring the metric under threshold:
// ceil(log(threshold) / log(rho)).
func IterationBound(threshold, rho float64) int {
	if rho <= 0 {
		return 1
	}
	return int(math.Ceil(math.Log(threshold) / math.Log(rho)))
}
