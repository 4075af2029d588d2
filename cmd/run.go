package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"message-macro/internal/calibration"
	"message-macro/internal/config"
	"message-macro/internal/controller"
	"message-macro/internal/convergence"
	"message-macro/internal/mqtt"
	"message-macro/internal/regulation"
	"message-macro/internal/scenario"
	"message-macro/internal/server"
	"message-macro/internal/solver"
	"message-macro/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type runFlags struct {
	maxIterations        int
	convergenceThreshold float64
	demandResponseCap    float64
	calibrationTolerance float64
	mode                 string
	limiter              string
	workers              int
	persist              bool
	noStore              bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "iteration budget (run.max_iterations)")
	cmd.Flags().Float64Var(&f.convergenceThreshold, "convergence-threshold", 0, "max relative demand change to stop at (run.convergence_threshold)")
	cmd.Flags().Float64Var(&f.demandResponseCap, "demand-response-cap", 0, "max relative demand change per iteration (run.demand_response_cap)")
	cmd.Flags().Float64Var(&f.calibrationTolerance, "calibration-tolerance", 0, "calibration correction tolerance (calibration.tolerance)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "convergence mode: threshold or fixed")
	cmd.Flags().StringVar(&f.limiter, "limiter", "", "demand-response limiter: capped or none")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "scenarios run in parallel")
	cmd.Flags().BoolVar(&f.persist, "persist-calibration", false, "store calibrated parameters as a new scenario version")
	cmd.Flags().BoolVar(&f.noStore, "no-store", false, "do not record snapshots")
}

// apply overrides the configuration with the flags set on the command line.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		cfg.Run.MaxIterations = f.maxIterations
	}
	if flags.Changed("convergence-threshold") {
		cfg.Run.ConvergenceThreshold = f.convergenceThreshold
	}
	if flags.Changed("demand-response-cap") {
		cfg.Run.DemandResponseCap = f.demandResponseCap
		if cfg.Run.DemandResponseCapFloor > f.demandResponseCap {
			cfg.Run.DemandResponseCapFloor = f.demandResponseCap
		}
	}
	if flags.Changed("calibration-tolerance") {
		cfg.Calibration.Tolerance = f.calibrationTolerance
	}
	if flags.Changed("mode") {
		cfg.Run.ConvergenceMode = f.mode
	}
	if flags.Changed("limiter") {
		cfg.Run.Limiter = f.limiter
	}
	if flags.Changed("workers") {
		cfg.Run.Workers = f.workers
	}
	if flags.Changed("persist-calibration") {
		cfg.Calibration.Persist = f.persist
	}
	return cfg.Validate()
}

// app wires the optional outer surfaces around the controller.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  store.Store
	mqtt   *mqtt.Client
	server *server.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger, useStore bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if useStore {
		s, err := store.New(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		a.store = s
	}

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		if err := client.Connect(); err != nil {
			a.close(ctx)
			return nil, err
		}
		a.mqtt = client
	}

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Errorf("Failed to close store: %v", err)
		}
	}
}

// loadScenario reads a scenario file, or the latest stored definition when
// ref is not a file. "name@3" selects version 3.
func (a *app) loadScenario(ctx context.Context, ref string) (*scenario.Definition, error) {
	if _, err := os.Stat(ref); err == nil {
		return scenario.Load(ref)
	}
	if a.store == nil {
		return nil, fmt.Errorf("scenario file %s not found", ref)
	}

	name, version := ref, 0
	if at := strings.LastIndex(ref, "@"); at > 0 {
		v, err := strconv.Atoi(ref[at+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid scenario version in %s: %w", ref, err)
		}
		name, version = ref[:at], v
	}

	var snap *store.Snapshot
	var err error
	if version == 0 {
		snap, err = a.latestDefinition(ctx, name)
	} else {
		snap, err = a.store.Load(ctx, name, version)
	}
	if err != nil {
		return nil, err
	}
	if snap.Definition == nil {
		return nil, fmt.Errorf("snapshot %s v%d has no scenario definition", name, snap.Version)
	}
	def := *snap.Definition
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("stored scenario %s v%d: %w", name, snap.Version, err)
	}
	return &def, nil
}

// latestDefinition returns the newest input or calibration snapshot of name,
// skipping result snapshots.
func (a *app) latestDefinition(ctx context.Context, name string) (*store.Snapshot, error) {
	versions, err := a.store.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		snap, err := a.store.Load(ctx, name, versions[i])
		if err != nil {
			return nil, err
		}
		if snap.Definition != nil {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, store.ErrNotFound)
}

func (a *app) buildController(def *scenario.Definition) (*controller.Controller, error) {
	input, err := def.Input()
	if err != nil {
		return nil, err
	}
	params := def.SolverParams()

	energy, err := solver.CreateEnergySolver(a.cfg.Solver.Energy, a.cfg.Solver.WorkDir, params, a.logger)
	if err != nil {
		return nil, err
	}
	macro, err := solver.CreateMacroSolver(a.cfg.Solver.Macro, a.cfg.Solver.WorkDir, params, a.logger)
	if err != nil {
		return nil, err
	}
	limiter, err := regulation.CreateLimiter(regulation.LimiterType(a.cfg.Run.Limiter), a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	mode, err := convergence.NewMode(a.cfg.Run.ConvergenceMode, a.cfg.Run.ConvergenceThreshold, a.cfg.Run.MaxIterations)
	if err != nil {
		return nil, err
	}

	c := controller.NewController(input, energy, macro, limiter, calibration.NewEngine(a.cfg.Calibration, a.logger), mode, a.logger)
	if a.mqtt != nil {
		c.AddObserver(a.mqtt)
	}
	if a.server != nil {
		a.server.Track(def.Name)
		c.AddObserver(a.server)
	}
	return c, nil
}

func (a *app) save(ctx context.Context, snap *store.Snapshot) {
	if a.store == nil {
		return
	}
	version, err := a.store.Save(context.WithoutCancel(ctx), snap)
	if err != nil {
		a.logger.Errorf("Failed to store %s snapshot of %s: %v", snap.Kind, snap.Scenario, err)
		return
	}
	a.logger.Infof("Stored %s snapshot of %s as v%d", snap.Kind, snap.Scenario, version)
}

// runScenarios runs every scenario in parallel and records input and result
// snapshots. It fails when any scenario failed.
func (a *app) runScenarios(ctx context.Context, refs []string) error {
	defs := make([]*scenario.Definition, 0, len(refs))
	jobs := make([]controller.Job, 0, len(refs))
	for _, ref := range refs {
		def, err := a.loadScenario(ctx, ref)
		if err != nil {
			return err
		}
		c, err := a.buildController(def)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", def.Name, err)
		}
		a.save(ctx, store.InputSnapshot(def))
		defs = append(defs, def)
		jobs = append(jobs, controller.Job{Name: def.Name, Controller: c})
	}

	opts := controller.BatchOptions{Workers: a.cfg.Run.Workers}
	if a.mqtt != nil {
		opts.Scope = a.mqtt.Scope
	}
	results := controller.RunBatch(ctx, jobs, opts)

	var failed []error
	for i, br := range results {
		printResult(br)

		res := br.Result
		if res == nil {
			failed = append(failed, br.Err)
			continue
		}
		a.save(ctx, store.ResultSnapshot(defs[i], res))
		if a.cfg.Calibration.Persist && !defs[i].Targets.Empty() && res.Status == controller.Converged && res.Calibration.Converged {
			a.save(ctx, store.CalibrationSnapshot(defs[i], res.RunID, res.Growth, res.Efficiency))
		}
		if br.Err != nil && !errors.Is(br.Err, context.Canceled) {
			failed = append(failed, fmt.Errorf("%s: %w", br.Name, br.Err))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d scenarios failed: %w", len(failed), len(results), errors.Join(failed...))
	}
	return ctx.Err()
}

func runCmd(opts *options) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [scenario.yaml | name[@version]]...",
		Short: "Run the coupled energy-economy iteration for one or more scenarios",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, !flags.noStore)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if cfg.Server.Enabled {
				a.server = server.NewServer(cfg.Server, logger)
				go func() {
					if err := a.server.Start(ctx); err != nil {
						logger.Errorf("Progress server error: %v", err)
					}
				}()
				defer a.server.Stop()
			}

			return a.runScenarios(ctx, args)
		},
	}

	flags.register(cmd)
	return cmd
}

func calibrateCmd(opts *options) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "calibrate [scenario.yaml | name[@version]]",
		Short: "Calibrate growth rates and AEEI coefficients to the scenario targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(opts)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger, !flags.noStore)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return a.calibrate(ctx, args[0])
		},
	}

	flags.register(cmd)
	return cmd
}

// calibrate runs the calibration sub-loop at the prices of the starting
// demand and stores the calibrated parameters as a new scenario version.
func (a *app) calibrate(ctx context.Context, ref string) error {
	def, err := a.loadScenario(ctx, ref)
	if err != nil {
		return err
	}
	if def.Targets.Empty() {
		return fmt.Errorf("scenario %s has no calibration targets", def.Name)
	}
	input, err := def.Input()
	if err != nil {
		return err
	}
	params := def.SolverParams()

	energy, err := solver.CreateEnergySolver(a.cfg.Solver.Energy, a.cfg.Solver.WorkDir, params, a.logger)
	if err != nil {
		return err
	}
	macro, err := solver.CreateMacroSolver(a.cfg.Solver.Macro, a.cfg.Solver.WorkDir, params, a.logger)
	if err != nil {
		return err
	}

	prices, err := energy.SolveEnergy(ctx, solver.EnergyInput{
		Iteration:  0,
		Horizon:    input.Horizon,
		Demand:     input.Demand,
		Parameters: input.Parameters,
	})
	if err != nil {
		return solver.Annotate(err, solver.StageEnergy, 0, input.Demand)
	}

	engine := calibration.NewEngine(a.cfg.Calibration, a.logger)
	res, err := engine.Calibrate(ctx, macro, solver.MacroInput{
		Horizon:    input.Horizon,
		Demand:     input.Demand,
		Prices:     prices.Prices,
		TotalCost:  prices.TotalCost,
		Growth:     input.Growth,
		Efficiency: input.Efficiency,
	}, input.Targets)
	if err != nil && !errors.Is(err, calibration.ErrDivergence) && !errors.Is(err, calibration.ErrNoOverlap) {
		return err
	}

	printCalibration(def.Name, res)
	if err != nil {
		return err
	}
	if res.State.Converged {
		a.save(ctx, store.CalibrationSnapshot(def, "", res.Growth, res.Efficiency))
	}
	return nil
}
