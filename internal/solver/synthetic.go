package solver

import (
	"context"
	"math"
	"sync"

	"message-macro/internal/models"
)

// Synthetic is a stand-in energy-system solve: shadow prices follow a
// constant-elasticity curve around a reference demand and total cost is
// price times demand summed over sectors.
type Synthetic struct {
	BasePrice  float64
	Reference  models.Field
	Elasticity float64
}

func (s *Synthetic) Name() string {
	return "synthetic"
}

func (s *Synthetic) SolveEnergy(ctx context.Context, input EnergyInput) (*EnergyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Failed(StageEnergy, "solve interrupted", err)
	}

	prices := make(models.Field, len(input.Demand))
	cost := make(models.Field)
	for k, d := range input.Demand {
		ref, ok := s.Reference[k]
		if !ok || ref <= 0 {
			ref = d
		}
		price := s.BasePrice
		if ref > 0 && d > 0 {
			price = s.BasePrice * math.Pow(d/ref, s.Elasticity)
		}
		prices[k] = price
		cost[models.RegionKey(k.Region, k.Period)] += price * d
	}

	return &EnergyResult{
		Prices:    prices,
		TotalCost: cost,
		Activity:  input.Demand.Clone(),
	}, nil
}

// Growth describes how the synthetic macro solves derive GDP and physical
// energy trajectories from the calibrated parameters.
type Growth struct {
	BaseGDP      map[string]float64 // GDP of the first period per region
	EnergyGrowth float64            // physical energy growth before AEEI
}

// trajectories compounds GDP from growth rates and physical energy from
// EnergyGrowth minus AEEI, period by period:
//
//	GDP[r,y+1]  = GDP[r,y]  * (1 + grow[r,y])^d(y+1)
//	PHYS[r,y+1] = PHYS[r,y] * (1 + g - aeei[r,y,s])^d(y+1)
func (g Growth) trajectories(h models.Horizon, start, growth, efficiency models.Field) (gdp, physene models.Field) {
	gdp = make(models.Field)
	physene = make(models.Field)
	first := h.First()

	for region, base := range g.BaseGDP {
		value := base
		gdp[models.RegionKey(region, first)] = value
		for _, y := range h.Periods {
			next, ok := h.Next(y)
			if !ok {
				break
			}
			value *= math.Pow(1+growth[models.RegionKey(region, y)], h.Duration(next))
			gdp[models.RegionKey(region, next)] = value
		}
	}

	for k, v := range start {
		if k.Period != first {
			continue
		}
		value := v
		physene[k] = value
		for _, y := range h.Periods {
			next, ok := h.Next(y)
			if !ok {
				break
			}
			aeei := efficiency[models.Key{Region: k.Region, Sector: k.Sector, Period: y}]
			value *= math.Pow(1+g.EnergyGrowth-aeei, h.Duration(next))
			physene[models.Key{Region: k.Region, Sector: k.Sector, Period: next}] = value
		}
	}
	return gdp, physene
}

// Contraction is a stand-in macro solve whose demand response is a linear
// contraction towards a fixed equilibrium:
//
//	demand' = eq + rho * (demand - eq)
type Contraction struct {
	Equilibrium models.Field
	Rho         float64
	Growth      Growth
}

func (c *Contraction) Name() string {
	return "contraction"
}

func (c *Contraction) SolveMacro(ctx context.Context, input MacroInput) (*MacroResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Failed(StageMacro, "solve interrupted", err)
	}

	demand := make(models.Field, len(input.Demand))
	for k, d := range input.Demand {
		eq, ok := c.Equilibrium[k]
		if !ok {
			eq = d
		}
		demand[k] = eq + c.Rho*(d-eq)
	}

	start := c.Equilibrium
	if start == nil {
		start = input.Demand
	}
	gdp, physene := c.Growth.trajectories(input.Horizon, start, input.Growth, input.Efficiency)

	return &MacroResult{
		Demand:         demand,
		GDP:            gdp,
		Consumption:    consumption(gdp, input.TotalCost),
		PhysicalEnergy: physene,
	}, nil
}

// Oscillating is a stand-in macro solve that alternates between fixed demand
// states regardless of prices, reproducing the two-state oscillation seen
// under stringent policy scenarios.
type Oscillating struct {
	States []models.Field
	Growth Growth

	mutex sync.Mutex
	calls int
}

func (o *Oscillating) Name() string {
	return "oscillating"
}

func (o *Oscillating) SolveMacro(ctx context.Context, input MacroInput) (*MacroResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Failed(StageMacro, "solve interrupted", err)
	}
	if len(o.States) == 0 {
		return nil, Failed(StageMacro, "no oscillation states configured", nil)
	}

	o.mutex.Lock()
	state := o.States[o.calls%len(o.States)]
	o.calls++
	o.mutex.Unlock()

	gdp, physene := o.Growth.trajectories(input.Horizon, state, input.Growth, input.Efficiency)

	return &MacroResult{
		Demand:         state.Clone(),
		GDP:            gdp,
		Consumption:    consumption(gdp, input.TotalCost),
		PhysicalEnergy: physene,
	}, nil
}

func consumption(gdp, cost models.Field) models.Field {
	out := make(models.Field, len(gdp))
	for k, v := range gdp {
		out[k] = math.Max(0, v-cost[k])
	}
	return out
}

// FailingEnergy returns Err from the energy solve on iteration At and
// delegates to Inner otherwise.
type FailingEnergy struct {
	Inner EnergySolver
	At    int
	Err   error
}

func (f *FailingEnergy) Name() string {
	return "failing-" + f.Inner.Name()
}

func (f *FailingEnergy) SolveEnergy(ctx context.Context, input EnergyInput) (*EnergyResult, error) {
	if input.Iteration == f.At {
		return nil, f.Err
	}
	return f.Inner.SolveEnergy(ctx, input)
}

// FailingMacro is the macro counterpart of FailingEnergy.
type FailingMacro struct {
	Inner MacroSolver
	At    int
	Err   error
}

func (f *FailingMacro) Name() string {
	return "failing-" + f.Inner.Name()
}

func (f *FailingMacro) SolveMacro(ctx context.Context, input MacroInput) (*MacroResult, error) {
	if input.Iteration == f.At {
		return nil, f.Err
	}
	return f.Inner.SolveMacro(ctx, input)
}
