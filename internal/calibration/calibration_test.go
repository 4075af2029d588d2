package calibration

import (
	"context"
	"errors"
	"math"
	"testing"

	"message-macro/internal/config"
	"message-macro/internal/models"
	"message-macro/internal/solver"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gdp2020 = models.RegionKey("R1", 2020)
	gdp2030 = models.RegionKey("R1", 2030)
	dem2020 = models.Key{Region: "R1", Sector: "i_spec", Period: 2020}
	dem2030 = models.Key{Region: "R1", Sector: "i_spec", Period: 2030}
)

func newEngine(window int) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return NewEngine(config.CalibrationConfig{Tolerance: 1e-5, DivergenceWindow: window, MaxSubIterations: 50}, logger)
}

func twoPeriods(t *testing.T) models.Horizon {
	h, err := models.NewHorizon([]int{2020, 2030}, 10)
	require.NoError(t, err)
	return h
}

func TestGrowthCorrection_ClosedForm(t *testing.T) {
	h := twoPeriods(t)
	target := models.Field{gdp2020: 100, gdp2030: 150}
	macro := models.Field{gdp2020: 100, gdp2030: 130}

	corr := GrowthCorrection(h, target, macro)

	expected := math.Pow(1.5, 0.1) - math.Pow(1.3, 0.1)
	require.Len(t, corr, 1)
	assert.InDelta(t, expected, corr[gdp2020], 1e-15)
}

func TestGrowthCorrection_ReducesGap(t *testing.T) {
	h := twoPeriods(t)
	macro := &solver.Contraction{
		Rho:    0.5,
		Growth: solver.Growth{BaseGDP: map[string]float64{"R1": 100}},
	}
	targets := Targets{GDP: models.Field{gdp2020: 100, gdp2030: 100 * math.Pow(1.03, 10)}}
	growth := models.Field{gdp2020: 0.02}

	first, err := macro.SolveMacro(context.Background(), solver.MacroInput{Horizon: h, Growth: growth})
	require.NoError(t, err)
	gapBefore := math.Abs(targets.GDP[gdp2030] - first.GDP[gdp2030])

	up := newEngine(3).Step(1, h, State{}, growth, nil, first, targets)
	require.Equal(t, GrowthKind, up.Applied)
	assert.InDelta(t, 0.01, up.GrowthCorrection[gdp2020], 1e-12)
	assert.InDelta(t, 0.03, up.Growth[gdp2020], 1e-12)
	// the caller's growth field is untouched
	assert.Equal(t, 0.02, growth[gdp2020])

	second, err := macro.SolveMacro(context.Background(), solver.MacroInput{Horizon: h, Growth: up.Growth})
	require.NoError(t, err)
	gapAfter := math.Abs(targets.GDP[gdp2030] - second.GDP[gdp2030])

	assert.Less(t, gapAfter, gapBefore)
}

func TestEfficiencyCorrection_ClosedForm(t *testing.T) {
	h := twoPeriods(t)
	physene := models.Field{dem2020: 50, dem2030: 70}
	target := models.Field{dem2020: 40, dem2030: 50}

	corr := EfficiencyCorrection(h, physene, target)

	expected := math.Pow((70.0/50.0)/(50.0/40.0), 0.1) - 1
	require.Len(t, corr, 1)
	assert.InDelta(t, expected, corr[dem2020], 1e-15)
}

func TestStep_AlternatesCorrections(t *testing.T) {
	h := twoPeriods(t)
	engine := newEngine(3)
	macro := &solver.MacroResult{
		GDP:            models.Field{gdp2020: 100, gdp2030: 120},
		PhysicalEnergy: models.Field{dem2020: 50, dem2030: 70},
	}
	targets := Targets{
		GDP:    models.Field{gdp2020: 100, gdp2030: 130},
		Demand: models.Field{dem2020: 50, dem2030: 60},
	}
	growth := models.Field{gdp2020: 0.02}
	efficiency := models.Field{dem2020: 0.01}

	odd := engine.Step(1, h, State{}, growth, efficiency, macro, targets)
	assert.Equal(t, GrowthKind, odd.Applied)
	assert.NotEqual(t, 0.02, odd.Growth[gdp2020])
	assert.Equal(t, 0.01, odd.Efficiency[dem2020])

	even := engine.Step(2, h, odd.State, odd.Growth, odd.Efficiency, macro, targets)
	assert.Equal(t, AEEIKind, even.Applied)
	assert.Equal(t, odd.Growth[gdp2020], even.Growth[gdp2020])
	assert.InDelta(t, 0.01+even.EfficiencyCorrection[dem2020], even.Efficiency[dem2020], 1e-15)
	assert.Equal(t, 2, even.State.SubIterations)
}

func TestStep_ConvergedAppliesNothing(t *testing.T) {
	h := twoPeriods(t)
	macro := &solver.MacroResult{GDP: models.Field{gdp2020: 100, gdp2030: 130}}
	targets := Targets{GDP: models.Field{gdp2020: 100, gdp2030: 130}}

	up := newEngine(3).Step(1, h, State{}, models.Field{gdp2020: 0.02}, nil, macro, targets)

	assert.True(t, up.State.Converged)
	assert.Equal(t, None, up.Applied)
	assert.Equal(t, 0.02, up.Growth[gdp2020])
}

func TestStep_NoTargets(t *testing.T) {
	up := newEngine(3).Step(1, twoPeriods(t), State{}, nil, nil, &solver.MacroResult{}, Targets{})

	assert.Equal(t, None, up.Applied)
	assert.Equal(t, 0, up.State.SubIterations)
	assert.NotNil(t, up.Growth)
}

func TestStep_NoOverlapDoesNotConverge(t *testing.T) {
	h := twoPeriods(t)
	engine := newEngine(3)
	targets := Targets{GDP: models.Field{gdp2020: 100, gdp2030: 150}}

	up := engine.Step(1, h, State{}, models.Field{gdp2020: 0.02}, nil, &solver.MacroResult{}, targets)

	assert.False(t, up.State.Converged)
	assert.True(t, up.State.Unmeasured)
	assert.True(t, up.State.Done())
	assert.Equal(t, None, up.Applied)
	assert.Equal(t, 0.02, up.Growth[gdp2020])

	// demand targets without matching physical energy are not measurable either
	demandOnly := engine.Step(2, h, State{}, nil, models.Field{dem2020: 0.01}, &solver.MacroResult{
		PhysicalEnergy: models.Field{models.Key{Region: "R2", Sector: "i_spec", Period: 2020}: 10},
	}, Targets{Demand: models.Field{dem2020: 50, dem2030: 60}})
	assert.True(t, demandOnly.State.Unmeasured)
	assert.False(t, demandOnly.State.Converged)

	// later steps keep the parameters frozen
	later := engine.Step(2, h, up.State, up.Growth, nil, &solver.MacroResult{GDP: models.Field{gdp2020: 100, gdp2030: 120}}, targets)
	assert.Equal(t, None, later.Applied)
	assert.Equal(t, 0.02, later.Growth[gdp2020])
}

func TestStep_DivergenceFreezesCorrections(t *testing.T) {
	h := twoPeriods(t)
	engine := newEngine(3)
	targets := Targets{GDP: models.Field{gdp2020: 100, gdp2030: 100 * math.Pow(1.03, 10)}}

	st := State{}
	growth := models.Field{gdp2020: 0.0}
	var up Update
	// realized growth drifts further from the 3% target every time
	for i, realized := range []float64{0.02, 0.01, 0.0, -0.01} {
		macro := &solver.MacroResult{GDP: models.Field{gdp2020: 100, gdp2030: 100 * math.Pow(1+realized, 10)}}
		up = engine.Step(i+1, h, st, growth, nil, macro, targets)
		if i < 3 {
			assert.Equal(t, GrowthKind, up.Applied, "step %d", i+1)
		}
		st, growth = up.State, up.Growth
	}

	assert.True(t, st.Diverged)
	assert.Equal(t, None, up.Applied)
	assert.InDelta(t, 0.06, growth[gdp2020], 1e-9) // 0.01 + 0.02 + 0.03, fourth not applied

	frozen := engine.Step(5, h, st, growth, nil, &solver.MacroResult{GDP: models.Field{gdp2020: 100, gdp2030: 50}}, targets)
	assert.Equal(t, None, frozen.Applied)
	assert.Equal(t, growth, frozen.Growth)
}

func TestCalibrate_StandaloneConverges(t *testing.T) {
	h := twoPeriods(t)
	macro := &solver.Contraction{
		Equilibrium: models.Field{dem2020: 50, dem2030: 60},
		Rho:         0.5,
		Growth:      solver.Growth{BaseGDP: map[string]float64{"R1": 100}, EnergyGrowth: 0.03},
	}
	targets := Targets{
		GDP:    models.Field{gdp2020: 100, gdp2030: 100 * math.Pow(1.03, 10)},
		Demand: models.Field{dem2020: 50, dem2030: 50 * math.Pow(1.02, 10)},
	}
	input := solver.MacroInput{
		Horizon:    h,
		Demand:     models.Field{dem2020: 50, dem2030: 60},
		Growth:     models.Field{gdp2020: 0.02},
		Efficiency: models.Field{dem2020: 0},
	}

	res, err := newEngine(3).Calibrate(context.Background(), macro, input, targets)
	require.NoError(t, err)

	assert.True(t, res.State.Converged)
	assert.InDelta(t, 0.03, res.Growth[gdp2020], 1e-6)
	assert.InDelta(t, 0.01, res.Efficiency[dem2020], 1e-4)
	assert.InDelta(t, targets.GDP[gdp2030], res.GDP[gdp2030], 1e-6)
	// inputs untouched
	assert.Equal(t, 0.02, input.Growth[gdp2020])
}

func TestCalibrate_SolverFailure(t *testing.T) {
	h := twoPeriods(t)
	macro := &solver.FailingMacro{
		Inner: &solver.Contraction{Rho: 0.5},
		At:    1,
		Err:   solver.Infeasible(solver.StageMacro, "no solution"),
	}

	_, err := newEngine(3).Calibrate(context.Background(), macro, solver.MacroInput{Horizon: h},
		Targets{GDP: models.Field{gdp2020: 1, gdp2030: 2}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, solver.ErrInfeasible))
}

func TestCalibrate_NoOverlap(t *testing.T) {
	h := twoPeriods(t)
	macro := &solver.Contraction{Rho: 0.5}
	input := solver.MacroInput{
		Horizon: h,
		Demand:  models.Field{dem2020: 50},
		Growth:  models.Field{gdp2020: 0.02},
	}

	res, err := newEngine(3).Calibrate(context.Background(), macro, input,
		Targets{GDP: models.Field{gdp2020: 100, gdp2030: 150}})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOverlap))
	require.NotNil(t, res)
	assert.False(t, res.State.Converged)
	assert.Equal(t, 0.02, res.Growth[gdp2020])
}
