package solver

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"message-macro/internal/config"
	"message-macro/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHorizon(t *testing.T) models.Horizon {
	h, err := models.NewHorizon([]int{2020, 2030, 2040}, 10)
	require.NoError(t, err)
	return h
}

func TestSynthetic_PricesFollowElasticity(t *testing.T) {
	k := models.Key{Region: "R1", Sector: "i_spec", Period: 2020}
	s := &Synthetic{BasePrice: 10, Reference: models.Field{k: 100}, Elasticity: 0.5}

	res, err := s.SolveEnergy(context.Background(), EnergyInput{
		Horizon: testHorizon(t),
		Demand:  models.Field{k: 400},
	})
	require.NoError(t, err)

	assert.InDelta(t, 20.0, res.Prices[k], 1e-12)
	assert.InDelta(t, 8000.0, res.TotalCost[models.RegionKey("R1", 2020)], 1e-9)
	assert.Equal(t, 400.0, res.Activity[k])
}

func TestContraction_MovesTowardsEquilibrium(t *testing.T) {
	k := models.Key{Region: "R1", Sector: "i_spec", Period: 2020}
	c := &Contraction{Equilibrium: models.Field{k: 120}, Rho: 0.5}

	res, err := c.SolveMacro(context.Background(), MacroInput{
		Horizon: testHorizon(t),
		Demand:  models.Field{k: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, 110.0, res.Demand[k])
}

func TestGrowth_CompoundsGDPAndEnergy(t *testing.T) {
	h := testHorizon(t)
	g := Growth{BaseGDP: map[string]float64{"R1": 100}, EnergyGrowth: 0.03}
	start := models.Field{{Region: "R1", Sector: "i_spec", Period: 2020}: 50}
	growth := models.Field{models.RegionKey("R1", 2020): 0.02, models.RegionKey("R1", 2030): 0.01}
	eff := models.Field{{Region: "R1", Sector: "i_spec", Period: 2020}: 0.01}

	gdp, physene := g.trajectories(h, start, growth, eff)

	assert.InDelta(t, 100.0, gdp[models.RegionKey("R1", 2020)], 1e-12)
	assert.InDelta(t, 100*math.Pow(1.02, 10), gdp[models.RegionKey("R1", 2030)], 1e-9)
	assert.InDelta(t, 100*math.Pow(1.02, 10)*math.Pow(1.01, 10), gdp[models.RegionKey("R1", 2040)], 1e-9)
	assert.InDelta(t, 50*math.Pow(1.02, 10), physene[models.Key{Region: "R1", Sector: "i_spec", Period: 2030}], 1e-9)
	assert.InDelta(t, 50*math.Pow(1.02, 10)*math.Pow(1.03, 10), physene[models.Key{Region: "R1", Sector: "i_spec", Period: 2040}], 1e-9)
}

func TestOscillating_AlternatesStates(t *testing.T) {
	k := models.Key{Region: "R1", Sector: "i_spec", Period: 2020}
	o := &Oscillating{States: []models.Field{{k: 100}, {k: 150}}}
	h := testHorizon(t)

	var got []float64
	for i := 0; i < 4; i++ {
		res, err := o.SolveMacro(context.Background(), MacroInput{Horizon: h})
		require.NoError(t, err)
		got = append(got, res.Demand[k])
	}

	assert.Equal(t, []float64{100, 150, 100, 150}, got)
}

func TestAnnotate(t *testing.T) {
	bounds := models.Field{models.RegionKey("R1", 2020): 5}

	err := Annotate(Infeasible(StageEnergy, "row 12 infeasible"), StageEnergy, 4, bounds)
	assert.True(t, errors.Is(err, ErrInfeasible))
	assert.Equal(t, 4, err.Iteration)
	assert.Equal(t, bounds, err.Bounds)
	assert.Contains(t, err.Error(), "row 12 infeasible")

	err = Annotate(errors.New("segfault"), StageMacro, 2, bounds)
	assert.True(t, errors.Is(err, ErrSolver))
	assert.Equal(t, StageMacro, err.Stage)

	// bounds are copied, not aliased
	bounds[models.RegionKey("R1", 2020)] = 99
	assert.Equal(t, 5.0, err.Bounds[models.RegionKey("R1", 2020)])
}

func TestCreateSolvers(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	e, err := CreateEnergySolver(config.SolverBackend{Kind: "synthetic"}, "", SyntheticParams{BasePrice: 1}, logger)
	require.NoError(t, err)
	assert.Equal(t, "synthetic", e.Name())

	_, err = CreateEnergySolver(config.SolverBackend{Kind: "exec"}, "", SyntheticParams{}, logger)
	assert.Error(t, err)

	m, err := CreateMacroSolver(config.SolverBackend{Kind: "contraction"}, "", SyntheticParams{Rho: 0.5}, logger)
	require.NoError(t, err)
	assert.Equal(t, "contraction", m.Name())

	_, err = CreateMacroSolver(config.SolverBackend{Kind: "contraction"}, "", SyntheticParams{Rho: 1.2}, logger)
	assert.Error(t, err)

	_, err = CreateMacroSolver(config.SolverBackend{Kind: "oscillating"}, "", SyntheticParams{}, logger)
	assert.Error(t, err)

	_, err = CreateMacroSolver(config.SolverBackend{Kind: "cge"}, "", SyntheticParams{}, logger)
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "solver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecEnergy_Success(t *testing.T) {
	script := writeScript(t, `cat > "$2" <<EOF
{"status":"optimal","prices":[{"region":"R1","sector":"i_spec","period":2020,"value":7.5}],
 "total_cost":[{"region":"R1","period":2020,"value":750}]}
EOF
`)
	e := &ExecEnergy{Exec{Command: []string{"sh", script}, WorkDir: t.TempDir(), Timeout: 10 * time.Second}}

	res, err := e.SolveEnergy(context.Background(), EnergyInput{
		Iteration: 1,
		Horizon:   testHorizon(t),
		Demand:    models.Field{{Region: "R1", Sector: "i_spec", Period: 2020}: 100},
	})
	require.NoError(t, err)

	assert.Equal(t, 7.5, res.Prices[models.Key{Region: "R1", Sector: "i_spec", Period: 2020}])
	assert.Equal(t, 750.0, res.TotalCost[models.RegionKey("R1", 2020)])
}

func TestExecMacro_Infeasible(t *testing.T) {
	script := writeScript(t, `echo '{"status":"infeasible","diagnostic":"equation EQ_DEMAND"}' > "$2"`)
	m := &ExecMacro{Exec{Command: []string{"sh", script}, WorkDir: t.TempDir()}}

	_, err := m.SolveMacro(context.Background(), MacroInput{Horizon: testHorizon(t)})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInfeasible))
	assert.Contains(t, err.Error(), "EQ_DEMAND")
}

func TestExecEnergy_CrashCarriesStderr(t *testing.T) {
	script := writeScript(t, `echo "license expired" >&2; exit 3`)
	e := &ExecEnergy{Exec{Command: []string{"sh", script}, WorkDir: t.TempDir()}}

	_, err := e.SolveEnergy(context.Background(), EnergyInput{Horizon: testHorizon(t)})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSolver))
	assert.Contains(t, err.Error(), "license expired")
}
