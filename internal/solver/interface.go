package solver

import (
	"context"

	"message-macro/internal/models"
)

// EnergyInput is what the energy-system solve receives on one iteration.
type EnergyInput struct {
	Iteration  int
	Horizon    models.Horizon
	Demand     models.Field // demand bounds, (region, sector, period)
	Parameters map[string]float64
}

// EnergyResult is the outcome of a feasible energy-system solve.
type EnergyResult struct {
	Prices    models.Field // shadow prices of the demand constraints
	TotalCost models.Field // (region, period)
	Activity  models.Field
}

// MacroInput is what the macro-economic solve receives on one iteration.
type MacroInput struct {
	Iteration  int
	Horizon    models.Horizon
	Demand     models.Field // bounds the energy-system solve was given
	Prices     models.Field
	TotalCost  models.Field
	Growth     models.Field
	Efficiency models.Field
}

// MacroResult is the outcome of a feasible macro-economic solve.
type MacroResult struct {
	Demand         models.Field
	GDP            models.Field
	Consumption    models.Field
	PhysicalEnergy models.Field // PHYSENE; falls back to Demand when nil
}

// Physene returns the physical energy trajectory used for AEEI calibration.
func (r *MacroResult) Physene() models.Field {
	if r.PhysicalEnergy != nil {
		return r.PhysicalEnergy
	}
	return r.Demand
}

// EnergySolver wraps the energy-system optimization. Calls block until the
// solve finishes and return no partial result on failure.
type EnergySolver interface {
	SolveEnergy(ctx context.Context, input EnergyInput) (*EnergyResult, error)
	Name() string
}

// MacroSolver wraps the macro-economic general-equilibrium solve.
type MacroSolver interface {
	SolveMacro(ctx context.Context, input MacroInput) (*MacroResult, error)
	Name() string
}
