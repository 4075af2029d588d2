// Package calibration adjusts potential GDP growth rates and AEEI
// coefficients so that the macro module reproduces externally supplied
// GDP and demand trajectories.
package calibration

import (
	"context"
	"errors"
	"math"

	"message-macro/internal/config"
	"message-macro/internal/models"
	"message-macro/internal/solver"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// ErrDivergence reports correction magnitudes that keep growing. It is never
// fatal to the outer loop.
var ErrDivergence = errors.New("calibration: corrections diverging")

// ErrNoOverlap reports targets that share no region and period pair with the
// macro results, so no correction can be measured.
var ErrNoOverlap = errors.New("calibration: targets do not overlap macro results")

// Targets are the trajectories to calibrate to. Either may be nil.
type Targets struct {
	GDP    models.Field // (region, period)
	Demand models.Field // (region, sector, period)
}

func (t Targets) Empty() bool {
	return len(t.GDP) == 0 && len(t.Demand) == 0
}

type Kind string

const (
	None       Kind = "none"
	GrowthKind Kind = "gdp"
	AEEIKind   Kind = "aeei"
)

// State is the calibration sub-loop state carried across iterations.
type State struct {
	SubIterations int
	Converged     bool
	Diverged      bool
	Unmeasured    bool
	Magnitudes    []float64 // largest |correction| per sub-iteration
}

// Done reports whether the sub-loop has stopped adjusting parameters.
func (s State) Done() bool {
	return s.Converged || s.Diverged || s.Unmeasured
}

// Update is the outcome of one calibration step. Growth and Efficiency are
// fresh copies; the inputs to Step are never modified.
type Update struct {
	Growth               models.Field
	Efficiency           models.Field
	State                State
	Applied              Kind
	GrowthCorrection     models.Field
	EfficiencyCorrection models.Field
	MaxGrowth            float64
	MaxEfficiency        float64
}

type Engine struct {
	tolerance float64
	window    int
	maxSub    int
	logger    *logrus.Logger
}

func NewEngine(cfg config.CalibrationConfig, logger *logrus.Logger) *Engine {
	return &Engine{
		tolerance: cfg.Tolerance,
		window:    cfg.DivergenceWindow,
		maxSub:    cfg.MaxSubIterations,
		logger:    logger,
	}
}

// GrowthCorrection compares target and realized GDP growth per period:
//
//	corr[r,y] = (T[r,y+1]/T[r,y])^(1/d) - (M[r,y+1]/M[r,y])^(1/d),  d = duration(y+1)
func GrowthCorrection(h models.Horizon, target, macro models.Field) models.Field {
	corr := make(models.Field)
	for _, region := range target.Regions() {
		for _, y := range h.Periods {
			next, ok := h.Next(y)
			if !ok {
				break
			}
			t0, t1 := target[models.RegionKey(region, y)], target[models.RegionKey(region, next)]
			m0, m1 := macro[models.RegionKey(region, y)], macro[models.RegionKey(region, next)]
			if t0 <= 0 || t1 <= 0 || m0 <= 0 || m1 <= 0 {
				continue
			}
			inv := 1 / h.Duration(next)
			corr[models.RegionKey(region, y)] = math.Pow(t1/t0, inv) - math.Pow(m1/m0, inv)
		}
	}
	return corr
}

// EfficiencyCorrection compares realized physical energy with the target
// demand path per sector:
//
//	corr[r,y,s] = ((P[r,y+1,s]/D[r,y+1,s]) / (P[r,y,s]/D[r,y,s]))^(1/d) - 1
func EfficiencyCorrection(h models.Horizon, physene, target models.Field) models.Field {
	corr := make(models.Field)
	for k, d0 := range target {
		next, ok := h.Next(k.Period)
		if !ok {
			continue
		}
		nk := models.Key{Region: k.Region, Sector: k.Sector, Period: next}
		d1 := target[nk]
		p0, p1 := physene[k], physene[nk]
		if d0 <= 0 || d1 <= 0 || p0 <= 0 || p1 <= 0 {
			continue
		}
		corr[k] = math.Pow((p1/d1)/(p0/d0), 1/h.Duration(next)) - 1
	}
	return corr
}

func maxAbs(f models.Field) float64 {
	if len(f) == 0 {
		return 0
	}
	values := make([]float64, 0, len(f))
	for _, v := range f {
		values = append(values, math.Abs(v))
	}
	return floats.Max(values)
}

// Step runs one calibration sub-iteration against the macro result of outer
// iteration `iteration`. GDP corrections are applied on odd iterations and
// AEEI corrections on even ones so that the two never compete.
func (e *Engine) Step(iteration int, h models.Horizon, st State, growth, efficiency models.Field, macro *solver.MacroResult, targets Targets) Update {
	st.Magnitudes = append([]float64(nil), st.Magnitudes...)
	up := Update{
		Growth:     growth.Clone(),
		Efficiency: efficiency.Clone(),
		Applied:    None,
	}
	if up.Growth == nil {
		up.Growth = make(models.Field)
	}
	if up.Efficiency == nil {
		up.Efficiency = make(models.Field)
	}

	if st.Diverged || st.Unmeasured || targets.Empty() || macro == nil {
		up.State = st
		return up
	}

	if len(targets.GDP) > 0 {
		up.GrowthCorrection = GrowthCorrection(h, targets.GDP, macro.GDP)
		up.MaxGrowth = maxAbs(up.GrowthCorrection)
	}
	if len(targets.Demand) > 0 {
		up.EfficiencyCorrection = EfficiencyCorrection(h, macro.Physene(), targets.Demand)
		up.MaxEfficiency = maxAbs(up.EfficiencyCorrection)
	}

	if (len(targets.GDP) > 0 && len(up.GrowthCorrection) == 0) ||
		(len(targets.Demand) > 0 && len(up.EfficiencyCorrection) == 0) {
		st.Converged = false
		st.Unmeasured = true
		up.State = st
		e.logger.Warnf("Calibration: iteration %d measured no correction (gdp %d, aeei %d keys), corrections frozen",
			iteration, len(up.GrowthCorrection), len(up.EfficiencyCorrection))
		return up
	}

	magnitude := math.Max(up.MaxGrowth, up.MaxEfficiency)
	st.SubIterations++
	st.Magnitudes = append(st.Magnitudes, magnitude)

	if up.MaxGrowth < e.tolerance && up.MaxEfficiency < e.tolerance {
		st.Converged = true
		up.State = st
		e.logger.Debugf("Calibration: converged after %d sub-iterations (max correction %.2e)", st.SubIterations, magnitude)
		return up
	}
	st.Converged = false

	if e.diverging(st.Magnitudes) {
		st.Diverged = true
		up.State = st
		e.logger.Warnf("Calibration: correction magnitude grew for %d consecutive sub-iterations (%.2e), corrections frozen", e.window, magnitude)
		return up
	}

	switch e.choose(iteration, targets) {
	case GrowthKind:
		for k, c := range up.GrowthCorrection {
			up.Growth[k] += c
		}
		up.Applied = GrowthKind
	case AEEIKind:
		for k, c := range up.EfficiencyCorrection {
			up.Efficiency[k] += c
		}
		up.Applied = AEEIKind
	}

	e.logger.Debugf("Calibration: iteration %d applied %s correction (gdp %.2e, aeei %.2e)",
		iteration, up.Applied, up.MaxGrowth, up.MaxEfficiency)

	up.State = st
	return up
}

func (e *Engine) choose(iteration int, targets Targets) Kind {
	hasGDP, hasDemand := len(targets.GDP) > 0, len(targets.Demand) > 0
	switch {
	case hasGDP && hasDemand:
		if iteration%2 == 1 {
			return GrowthKind
		}
		return AEEIKind
	case hasGDP:
		return GrowthKind
	case hasDemand:
		return AEEIKind
	default:
		return None
	}
}

func (e *Engine) diverging(magnitudes []float64) bool {
	n := len(magnitudes)
	if e.window < 1 || n < e.window+1 {
		return false
	}
	for i := n - e.window; i < n; i++ {
		if magnitudes[i] <= magnitudes[i-1] {
			return false
		}
	}
	return true
}

// Result is the outcome of a standalone calibration run.
type Result struct {
	Growth     models.Field
	Efficiency models.Field
	State      State
	GDP        models.Field
}

// Calibrate runs the calibration sub-loop on its own: the macro module is
// solved repeatedly at the fixed prices and costs of input until the
// corrections fall under tolerance. A diverging calibration returns its last
// parameters together with ErrDivergence, one that cannot measure any
// correction returns them with ErrNoOverlap.
func (e *Engine) Calibrate(ctx context.Context, macro solver.MacroSolver, input solver.MacroInput, targets Targets) (*Result, error) {
	growth := input.Growth.Clone()
	efficiency := input.Efficiency.Clone()
	var st State
	var gdp models.Field

	for i := 1; i <= e.maxSub; i++ {
		if err := ctx.Err(); err != nil {
			return &Result{Growth: growth, Efficiency: efficiency, State: st, GDP: gdp}, err
		}

		in := input
		in.Iteration = i
		in.Growth = growth
		in.Efficiency = efficiency

		res, err := macro.SolveMacro(ctx, in)
		if err != nil {
			return nil, solver.Annotate(err, solver.StageMacro, i, input.Demand)
		}
		gdp = res.GDP

		up := e.Step(i, input.Horizon, st, growth, efficiency, res, targets)
		growth, efficiency, st = up.Growth, up.Efficiency, up.State

		if st.Done() {
			break
		}
	}

	result := &Result{Growth: growth, Efficiency: efficiency, State: st, GDP: gdp}
	if st.Diverged {
		return result, ErrDivergence
	}
	if st.Unmeasured {
		return result, ErrNoOverlap
	}
	if !st.Converged {
		e.logger.Warnf("Calibration: not converged after %d sub-iterations", st.SubIterations)
	}
	return result, nil
}
