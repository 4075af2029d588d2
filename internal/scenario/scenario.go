// Package scenario reads scenario definitions: the model horizon, starting
// demand, growth and efficiency parameters, calibration targets and the
// settings of the stand-in solvers.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"message-macro/internal/calibration"
	"message-macro/internal/controller"
	"message-macro/internal/models"
	"message-macro/internal/solver"

	"gopkg.in/yaml.v3"
)

type Definition struct {
	Name          string             `yaml:"name" json:"name" bson:"name"`
	Description   string             `yaml:"description,omitempty" json:"description,omitempty" bson:"description,omitempty"`
	Periods       []int              `yaml:"periods" json:"periods" bson:"periods"`
	FirstDuration float64            `yaml:"first_duration,omitempty" json:"first_duration,omitempty" bson:"first_duration,omitempty"`
	Demand        []models.Entry     `yaml:"demand" json:"demand" bson:"demand"`
	Growth        []models.Entry     `yaml:"growth,omitempty" json:"growth,omitempty" bson:"growth,omitempty"`
	Efficiency    []models.Entry     `yaml:"efficiency,omitempty" json:"efficiency,omitempty" bson:"efficiency,omitempty"`
	Parameters    map[string]float64 `yaml:"parameters,omitempty" json:"parameters,omitempty" bson:"parameters,omitempty"`
	Targets       Targets            `yaml:"targets,omitempty" json:"targets,omitempty" bson:"targets,omitempty"`
	Synthetic     Synthetic          `yaml:"synthetic,omitempty" json:"synthetic,omitempty" bson:"synthetic,omitempty"`
}

// Targets are the calibration trajectories. GDP entries leave the sector
// empty.
type Targets struct {
	GDP    []models.Entry `yaml:"gdp,omitempty" json:"gdp,omitempty" bson:"gdp,omitempty"`
	Demand []models.Entry `yaml:"demand,omitempty" json:"demand,omitempty" bson:"demand,omitempty"`
}

func (t Targets) Empty() bool {
	return len(t.GDP) == 0 && len(t.Demand) == 0
}

// Synthetic configures the stand-in solvers used for demos and tests.
type Synthetic struct {
	BasePrice    float64            `yaml:"base_price,omitempty" json:"base_price,omitempty" bson:"base_price,omitempty"`
	Elasticity   float64            `yaml:"elasticity,omitempty" json:"elasticity,omitempty" bson:"elasticity,omitempty"`
	Reference    []models.Entry     `yaml:"reference,omitempty" json:"reference,omitempty" bson:"reference,omitempty"`
	Equilibrium  []models.Entry     `yaml:"equilibrium,omitempty" json:"equilibrium,omitempty" bson:"equilibrium,omitempty"`
	Rho          float64            `yaml:"rho,omitempty" json:"rho,omitempty" bson:"rho,omitempty"`
	Oscillation  [][]models.Entry   `yaml:"oscillation,omitempty" json:"oscillation,omitempty" bson:"oscillation,omitempty"`
	BaseGDP      map[string]float64 `yaml:"base_gdp,omitempty" json:"base_gdp,omitempty" bson:"base_gdp,omitempty"`
	EnergyGrowth float64            `yaml:"energy_growth,omitempty" json:"energy_growth,omitempty" bson:"energy_growth,omitempty"`
}

// Load reads a scenario file. A missing name defaults to the file name
// without extension.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

func (d *Definition) Validate() error {
	if len(d.Periods) == 0 {
		return fmt.Errorf("no periods defined")
	}
	if len(d.Demand) == 0 {
		return fmt.Errorf("no starting demand defined")
	}
	periods := make(map[int]bool, len(d.Periods))
	for _, p := range d.Periods {
		periods[p] = true
	}
	for _, e := range d.Demand {
		if !periods[e.Period] {
			return fmt.Errorf("demand %s/%s references unknown period %d", e.Region, e.Sector, e.Period)
		}
	}
	if err := models.FromEntries(d.Demand).Validate("demand", true); err != nil {
		return err
	}
	if d.Synthetic.Rho < 0 || d.Synthetic.Rho >= 1 {
		return fmt.Errorf("synthetic.rho must be in [0, 1), got %g", d.Synthetic.Rho)
	}
	return nil
}

func (d *Definition) Horizon() (models.Horizon, error) {
	return models.NewHorizon(d.Periods, d.FirstDuration)
}

// Input builds the controller input of the scenario.
func (d *Definition) Input() (controller.Input, error) {
	h, err := d.Horizon()
	if err != nil {
		return controller.Input{}, fmt.Errorf("scenario %s: %w", d.Name, err)
	}
	return controller.Input{
		Name:       d.Name,
		Horizon:    h,
		Demand:     models.FromEntries(d.Demand),
		Growth:     orEmpty(models.FromEntries(d.Growth)),
		Efficiency: orEmpty(models.FromEntries(d.Efficiency)),
		Parameters: d.Parameters,
		Targets: calibration.Targets{
			GDP:    models.FromEntries(d.Targets.GDP),
			Demand: models.FromEntries(d.Targets.Demand),
		},
	}, nil
}

// SolverParams returns the settings of the stand-in solvers. The reference
// and equilibrium demand default to the starting demand.
func (d *Definition) SolverParams() solver.SyntheticParams {
	start := models.FromEntries(d.Demand)

	params := solver.SyntheticParams{
		BasePrice:   d.Synthetic.BasePrice,
		Elasticity:  d.Synthetic.Elasticity,
		Reference:   models.FromEntries(d.Synthetic.Reference),
		Equilibrium: models.FromEntries(d.Synthetic.Equilibrium),
		Rho:         d.Synthetic.Rho,
		Growth: solver.Growth{
			BaseGDP:      d.Synthetic.BaseGDP,
			EnergyGrowth: d.Synthetic.EnergyGrowth,
		},
	}
	if params.BasePrice == 0 {
		params.BasePrice = 1
	}
	if params.Reference == nil {
		params.Reference = start
	}
	if params.Equilibrium == nil {
		params.Equilibrium = start
	}
	for _, state := range d.Synthetic.Oscillation {
		params.Oscillation = append(params.Oscillation, models.FromEntries(state))
	}
	return params
}

// WithCalibration returns a copy of the scenario carrying calibrated growth
// and efficiency parameters.
func (d *Definition) WithCalibration(growth, efficiency models.Field) *Definition {
	out := *d
	out.Growth = growth.Entries()
	out.Efficiency = efficiency.Entries()
	return &out
}

func orEmpty(f models.Field) models.Field {
	if f == nil {
		return make(models.Field)
	}
	return f
}
