package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"message-macro/internal/models"

	"github.com/sirupsen/logrus"
)

// Exec runs an external solver (typically a GAMS wrapper script) as
//
//	<command...> <request.json> <response.json>
//
// and exchanges data through the two JSON files.
type Exec struct {
	Command []string
	WorkDir string
	Timeout time.Duration
	Logger  *logrus.Logger
}

type execRequest struct {
	Stage         Stage              `json:"stage"`
	Iteration     int                `json:"iteration"`
	Periods       []int              `json:"periods"`
	FirstDuration float64            `json:"first_duration"`
	Demand        []models.Entry     `json:"demand,omitempty"`
	Prices        []models.Entry     `json:"prices,omitempty"`
	TotalCost     []models.Entry     `json:"total_cost,omitempty"`
	Growth        []models.Entry     `json:"growth,omitempty"`
	Efficiency    []models.Entry     `json:"efficiency,omitempty"`
	Parameters    map[string]float64 `json:"parameters,omitempty"`
}

type execResponse struct {
	Status         string         `json:"status"`
	Diagnostic     string         `json:"diagnostic"`
	Prices         []models.Entry `json:"prices"`
	TotalCost      []models.Entry `json:"total_cost"`
	Activity       []models.Entry `json:"activity"`
	Demand         []models.Entry `json:"demand"`
	GDP            []models.Entry `json:"gdp"`
	Consumption    []models.Entry `json:"consumption"`
	PhysicalEnergy []models.Entry `json:"physical_energy"`
}

// ExecEnergy is the energy-system solve behind an external command.
type ExecEnergy struct {
	Exec
}

func (e *ExecEnergy) Name() string {
	return "exec:" + filepath.Base(e.Command[0])
}

func (e *ExecEnergy) SolveEnergy(ctx context.Context, input EnergyInput) (*EnergyResult, error) {
	req := execRequest{
		Stage:         StageEnergy,
		Iteration:     input.Iteration,
		Periods:       input.Horizon.Periods,
		FirstDuration: input.Horizon.FirstDuration,
		Demand:        input.Demand.Entries(),
		Parameters:    input.Parameters,
	}
	resp, err := e.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return &EnergyResult{
		Prices:    models.FromEntries(resp.Prices),
		TotalCost: models.FromEntries(resp.TotalCost),
		Activity:  models.FromEntries(resp.Activity),
	}, nil
}

// ExecMacro is the macro-economic solve behind an external command.
type ExecMacro struct {
	Exec
}

func (e *ExecMacro) Name() string {
	return "exec:" + filepath.Base(e.Command[0])
}

func (e *ExecMacro) SolveMacro(ctx context.Context, input MacroInput) (*MacroResult, error) {
	req := execRequest{
		Stage:         StageMacro,
		Iteration:     input.Iteration,
		Periods:       input.Horizon.Periods,
		FirstDuration: input.Horizon.FirstDuration,
		Demand:        input.Demand.Entries(),
		Prices:        input.Prices.Entries(),
		TotalCost:     input.TotalCost.Entries(),
		Growth:        input.Growth.Entries(),
		Efficiency:    input.Efficiency.Entries(),
	}
	resp, err := e.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return &MacroResult{
		Demand:         models.FromEntries(resp.Demand),
		GDP:            models.FromEntries(resp.GDP),
		Consumption:    models.FromEntries(resp.Consumption),
		PhysicalEnergy: models.FromEntries(resp.PhysicalEnergy),
	}, nil
}

func (e *Exec) run(ctx context.Context, req execRequest) (*execResponse, error) {
	if len(e.Command) == 0 {
		return nil, Failed(req.Stage, "no solver command configured", nil)
	}

	dir, err := os.MkdirTemp(e.WorkDir, fmt.Sprintf("%s-%03d-", req.Stage, req.Iteration))
	if err != nil {
		return nil, Failed(req.Stage, "creating work directory", err)
	}
	defer os.RemoveAll(dir)

	reqPath := filepath.Join(dir, "request.json")
	respPath := filepath.Join(dir, "response.json")

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, Failed(req.Stage, "encoding request", err)
	}
	if err := os.WriteFile(reqPath, payload, 0o644); err != nil {
		return nil, Failed(req.Stage, "writing request", err)
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), e.Command[1:]...), reqPath, respPath)
	cmd := exec.CommandContext(runCtx, e.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	if e.Logger != nil {
		e.Logger.Debugf("Solver: running %s solve (iteration %d): %s", req.Stage, req.Iteration, strings.Join(cmd.Args, " "))
	}

	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, Failed(req.Stage, fmt.Sprintf("timed out after %s", e.Timeout), runCtx.Err())
		}
		return nil, Failed(req.Stage, strings.TrimSpace(stderr.String()), err)
	}

	if e.Logger != nil {
		e.Logger.Debugf("Solver: %s solve finished in %s", req.Stage, time.Since(started).Round(time.Millisecond))
	}

	raw, err := os.ReadFile(respPath)
	if err != nil {
		return nil, Failed(req.Stage, "solver produced no response file", err)
	}
	var resp execResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, Failed(req.Stage, "decoding response", err)
	}

	switch strings.ToLower(resp.Status) {
	case "", "optimal", "ok":
		return &resp, nil
	case "infeasible":
		return nil, Infeasible(req.Stage, resp.Diagnostic)
	default:
		return nil, Failed(req.Stage, fmt.Sprintf("status %q: %s", resp.Status, resp.Diagnostic), nil)
	}
}
