package solver

import (
	"fmt"

	"message-macro/internal/config"
	"message-macro/internal/models"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	SyntheticKind   Kind = "synthetic"
	ContractionKind Kind = "contraction"
	OscillatingKind Kind = "oscillating"
	ExecKind        Kind = "exec"
)

// SyntheticParams carries the scenario data the stand-in solvers need.
type SyntheticParams struct {
	BasePrice   float64
	Elasticity  float64
	Reference   models.Field
	Equilibrium models.Field
	Rho         float64
	Oscillation []models.Field
	Growth      Growth
}

// CreateEnergySolver builds the energy-system solver selected in cfg.
func CreateEnergySolver(cfg config.SolverBackend, workDir string, params SyntheticParams, logger *logrus.Logger) (EnergySolver, error) {
	switch Kind(cfg.Kind) {
	case SyntheticKind:
		return &Synthetic{
			BasePrice:  params.BasePrice,
			Reference:  params.Reference,
			Elasticity: params.Elasticity,
		}, nil

	case ExecKind:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("exec energy solver needs a command")
		}
		return &ExecEnergy{Exec{Command: cfg.Command, WorkDir: workDir, Timeout: cfg.Timeout, Logger: logger}}, nil

	default:
		return nil, fmt.Errorf("unknown energy solver kind: %s", cfg.Kind)
	}
}

// CreateMacroSolver builds the macro-economic solver selected in cfg.
func CreateMacroSolver(cfg config.SolverBackend, workDir string, params SyntheticParams, logger *logrus.Logger) (MacroSolver, error) {
	switch Kind(cfg.Kind) {
	case ContractionKind:
		if params.Rho < 0 || params.Rho >= 1 {
			return nil, fmt.Errorf("contraction macro solver needs 0 <= rho < 1, got %g", params.Rho)
		}
		return &Contraction{
			Equilibrium: params.Equilibrium,
			Rho:         params.Rho,
			Growth:      params.Growth,
		}, nil

	case OscillatingKind:
		if len(params.Oscillation) < 2 {
			return nil, fmt.Errorf("oscillating macro solver needs at least two states")
		}
		return &Oscillating{States: params.Oscillation, Growth: params.Growth}, nil

	case ExecKind:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("exec macro solver needs a command")
		}
		return &ExecMacro{Exec{Command: cfg.Command, WorkDir: workDir, Timeout: cfg.Timeout, Logger: logger}}, nil

	default:
		return nil, fmt.Errorf("unknown macro solver kind: %s", cfg.Kind)
	}
}
