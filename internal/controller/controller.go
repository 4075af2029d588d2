package controller

import (
	"context"
	"fmt"
	"time"

	"message-macro/internal/calibration"
	"message-macro/internal/convergence"
	"message-macro/internal/models"
	"message-macro/internal/regulation"
	"message-macro/internal/solver"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Input is the starting point of one scenario run.
type Input struct {
	Name       string
	Horizon    models.Horizon
	Demand     models.Field
	Growth     models.Field
	Efficiency models.Field
	Parameters map[string]float64
	Targets    calibration.Targets
}

// Observer is notified after every outer iteration and once at the end.
type Observer interface {
	OnIteration(ev models.IterationEvent)
	OnFinish(summary models.RunSummary)
}

// IterationState is owned by a single Run call and never shared.
type IterationState struct {
	Iteration   int
	Demand      models.Field // demand bounds for the next energy solve
	Growth      models.Field
	Efficiency  models.Field
	Prices      models.Field
	TotalCost   models.Field
	GDP         models.Field
	Metric      float64
	Damped      bool // Demand was clipped by the limiter
	Limiter     regulation.LimiterState
	Calibration calibration.State
}

type IterationRecord struct {
	Iteration   int
	Metric      float64
	MaxDelta    float64
	Cap         float64
	Clipped     int
	Oscillating bool
	Calibration calibration.Kind
}

// Result is returned for every run, whatever the outcome.
type Result struct {
	RunID        string
	Scenario     string
	Status       State
	Converged    bool
	Verified     bool // convergence checked against a threshold
	Iterations   int
	FinalMetric  float64
	CapTightened bool
	FinalCap     float64
	Demand       models.Field
	Prices       models.Field
	TotalCost    models.Field
	GDP          models.Field
	Growth       models.Field
	Efficiency   models.Field
	Calibration  calibration.State
	History      []IterationRecord
	Issues       []error
	Err          error
}

func (r *Result) Summary() models.RunSummary {
	s := models.RunSummary{
		RunID:        r.RunID,
		Scenario:     r.Scenario,
		Status:       r.Status.String(),
		Converged:    r.Converged,
		Iterations:   r.Iterations,
		FinalMetric:  r.FinalMetric,
		CapTightened: r.CapTightened,
		FinalCap:     r.FinalCap,
		Timestamp:    time.Now(),
	}
	for _, issue := range r.Issues {
		s.Issues = append(s.Issues, issue.Error())
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

type Controller struct {
	input      Input
	energy     solver.EnergySolver
	macro      solver.MacroSolver
	limiter    regulation.Limiter
	calibrator *calibration.Engine
	mode       convergence.Mode
	logger     *logrus.Logger
	observers  []Observer
}

func NewController(input Input, energy solver.EnergySolver, macro solver.MacroSolver, limiter regulation.Limiter,
	calibrator *calibration.Engine, mode convergence.Mode, logger *logrus.Logger) *Controller {
	return &Controller{
		input:      input,
		energy:     energy,
		macro:      macro,
		limiter:    limiter,
		calibrator: calibrator,
		mode:       mode,
		logger:     logger,
	}
}

func (c *Controller) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

func (c *Controller) Name() string {
	return c.input.Name
}

// Run drives the outer MESSAGE-MACRO loop until a terminal state. The error
// is non-nil for solver failures and cancellation; the Result is always set.
// Cancellation is only observed between iterations: solves in progress run
// to completion.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	runID := uuid.New().String()
	log := c.logger.WithFields(logrus.Fields{"scenario": c.input.Name, "run_id": runID})
	solveCtx := context.WithoutCancel(ctx)

	monitor := convergence.NewMonitor(c.mode)
	calibrating := !c.input.Targets.Empty() && c.calibrator != nil

	result := &Result{RunID: runID, Scenario: c.input.Name}
	var (
		st       IterationState
		macroRes *solver.MacroResult
		record   IterationRecord
		limited  regulation.LimiterOutput
		verdict  convergence.Verdict
		// the demand compared against on this iteration was itself clipped
		damped bool
	)

	state := Init
	for !state.Terminal() {
		switch state {
		case Init:
			st = IterationState{
				Demand:     c.input.Demand.Clone(),
				Growth:     c.input.Growth.Clone(),
				Efficiency: c.input.Efficiency.Clone(),
				Limiter:    c.limiter.Initial(),
			}
			if err := st.Demand.Validate("demand", true); err != nil {
				result.Err = fmt.Errorf("invalid starting demand: %w", err)
				state = Failed
				continue
			}
			log.Infof("Starting run: mode=%s, budget=%d, limiter=%s, energy=%s, macro=%s, calibration=%v",
				c.mode, monitor.MaxIterations(), c.limiter.GetName(), c.energy.Name(), c.macro.Name(), calibrating)
			log.Debugf("Limiter status: %v", c.limiter.GetStatus())
			state = Iterating

		case Iterating:
			if err := ctx.Err(); err != nil {
				log.Warnf("Run cancelled after %d iterations", st.Iteration)
				result.Err = err
				state = Cancelled
				continue
			}
			st.Iteration++
			record = IterationRecord{Iteration: st.Iteration, Calibration: calibration.None}
			state = SolvingEnergy

		case SolvingEnergy:
			res, err := c.energy.SolveEnergy(solveCtx, solver.EnergyInput{
				Iteration:  st.Iteration,
				Horizon:    c.input.Horizon,
				Demand:     st.Demand.Clone(),
				Parameters: c.input.Parameters,
			})
			if err == nil {
				err = validateEnergy(res)
			}
			if err != nil {
				result.Err = solver.Annotate(err, solver.StageEnergy, st.Iteration, st.Demand)
				log.Errorf("Energy solve failed: %v", result.Err)
				state = Failed
				continue
			}
			st.Prices, st.TotalCost = res.Prices, res.TotalCost
			state = SolvingMacro

		case SolvingMacro:
			res, err := c.macro.SolveMacro(solveCtx, solver.MacroInput{
				Iteration:  st.Iteration,
				Horizon:    c.input.Horizon,
				Demand:     st.Demand.Clone(),
				Prices:     st.Prices,
				TotalCost:  st.TotalCost,
				Growth:     st.Growth.Clone(),
				Efficiency: st.Efficiency.Clone(),
			})
			if err == nil {
				err = validateMacro(res)
			}
			if err != nil {
				result.Err = solver.Annotate(err, solver.StageMacro, st.Iteration, st.Demand)
				log.Errorf("Macro solve failed: %v", result.Err)
				state = Failed
				continue
			}
			macroRes = res
			st.GDP = res.GDP
			if calibrating {
				state = Calibrating
			} else {
				state = Limiting
			}

		case Calibrating:
			up := c.calibrator.Step(st.Iteration, c.input.Horizon, st.Calibration, st.Growth, st.Efficiency, macroRes, c.input.Targets)
			if up.State.Diverged && !st.Calibration.Diverged {
				result.Issues = append(result.Issues, fmt.Errorf("iteration %d: %w", st.Iteration, calibration.ErrDivergence))
			}
			if up.State.Unmeasured && !st.Calibration.Unmeasured {
				result.Issues = append(result.Issues, fmt.Errorf("iteration %d: %w", st.Iteration, calibration.ErrNoOverlap))
			}
			st.Growth, st.Efficiency, st.Calibration = up.Growth, up.Efficiency, up.State
			record.Calibration = up.Applied
			state = Limiting

		case Limiting:
			st.Metric = convergence.Metric(st.Demand, macroRes.Demand)
			history := append(monitor.History(), st.Metric)
			limited = c.limiter.Apply(regulation.LimiterInput{
				Previous: st.Demand,
				Proposed: macroRes.Demand,
				History:  history,
				State:    st.Limiter,
			})
			damped = st.Damped
			st.Demand = limited.Applied
			st.Damped = limited.Clipped > 0
			st.Limiter = limited.State
			record.Metric = st.Metric
			record.MaxDelta = limited.MaxDelta
			record.Cap = limited.State.Cap
			record.Clipped = limited.Clipped
			record.Oscillating = limited.Oscillating
			log.WithFields(logrus.Fields(limited.DebugInfo)).Debug("Limiter applied")
			state = CheckConvergence

		case CheckConvergence:
			// a small step away from a clipped demand is not an equilibrium
			ready := !damped && (!calibrating || st.Calibration.Done())
			verdict = monitor.Check(st.Iteration, st.Metric, ready)
			result.History = append(result.History, record)

			log.WithFields(logrus.Fields{"iteration": st.Iteration, "decreasing": verdict.Decreasing}).Infof("Metric=%.5f, maxDelta=%.4f, cap=%.4f, clipped=%d (%s)",
				st.Metric, limited.MaxDelta, st.Limiter.Cap, limited.Clipped, limited.Reason)

			switch {
			case verdict.Outcome == convergence.Converged:
				state = Converged
			case st.Limiter.Floored:
				result.Issues = append(result.Issues, &NonConvergentError{
					Reason:     "oscillation persists with the demand-response cap at its floor",
					Iterations: st.Iteration,
					Metric:     st.Metric,
				})
				state = NonConvergent
			case verdict.Outcome == convergence.BudgetExhausted:
				if verdict.Verified {
					result.Issues = append(result.Issues, &NonConvergentError{
						Reason:     "iteration budget exhausted",
						Iterations: st.Iteration,
						Metric:     st.Metric,
					})
				}
				state = BudgetExhausted
			default:
				state = Iterating
			}
			c.notifyIteration(runID, st, record, state)
		}
	}

	result.Status = state
	result.Converged = state == Converged
	result.Verified = verdict.Verified
	result.Iterations = st.Iteration
	result.FinalMetric = st.Metric
	result.CapTightened = st.Limiter.Tightenings > 0
	result.FinalCap = st.Limiter.Cap
	result.Demand = st.Demand
	result.Prices = st.Prices
	result.TotalCost = st.TotalCost
	result.GDP = st.GDP
	result.Growth = st.Growth
	result.Efficiency = st.Efficiency
	result.Calibration = st.Calibration

	log.Infof("Run finished: status=%s, iterations=%d, metric=%.5f, converged=%v, cap tightened=%v",
		result.Status, result.Iterations, result.FinalMetric, result.Converged, result.CapTightened)

	summary := result.Summary()
	for _, o := range c.observers {
		o.OnFinish(summary)
	}

	return result, result.Err
}

func (c *Controller) notifyIteration(runID string, st IterationState, record IterationRecord, next State) {
	if len(c.observers) == 0 {
		return
	}
	total := 0.0
	for _, v := range st.TotalCost {
		total += v
	}
	ev := models.IterationEvent{
		RunID:        runID,
		Scenario:     c.input.Name,
		Iteration:    st.Iteration,
		State:        next.String(),
		Metric:       record.Metric,
		MaxDelta:     record.MaxDelta,
		Cap:          record.Cap,
		CapTightened: st.Limiter.Tightenings > 0,
		Clipped:      record.Clipped,
		Calibration:  string(record.Calibration),
		TotalCost:    total,
		Timestamp:    time.Now(),
	}
	for _, o := range c.observers {
		o.OnIteration(ev)
	}
}

func validateEnergy(res *solver.EnergyResult) error {
	if res == nil {
		return solver.Failed(solver.StageEnergy, "empty result", nil)
	}
	if err := res.Prices.Validate("shadow price", true); err != nil {
		return solver.Failed(solver.StageEnergy, err.Error(), nil)
	}
	if err := res.TotalCost.Validate("total system cost", true); err != nil {
		return solver.Failed(solver.StageEnergy, err.Error(), nil)
	}
	return nil
}

func validateMacro(res *solver.MacroResult) error {
	if res == nil || len(res.Demand) == 0 {
		return solver.Failed(solver.StageMacro, "no demand returned", nil)
	}
	if err := res.Demand.Validate("demand", true); err != nil {
		return solver.Failed(solver.StageMacro, err.Error(), nil)
	}
	if err := res.GDP.Validate("gdp", false); err != nil {
		return solver.Failed(solver.StageMacro, err.Error(), nil)
	}
	return nil
}
