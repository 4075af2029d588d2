// Package store keeps versioned scenario snapshots: the input of a run, its
// result and calibrated parameters.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"message-macro/internal/config"
	"message-macro/internal/controller"
	"message-macro/internal/models"
	"message-macro/internal/scenario"

	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("store: snapshot not found")

type Kind string

const (
	InputKind       Kind = "input"
	ResultKind      Kind = "result"
	CalibrationKind Kind = "calibration"
)

// Snapshot is one stored version of a scenario. Version is assigned by Save.
type Snapshot struct {
	Scenario   string               `yaml:"scenario" json:"scenario" bson:"scenario"`
	Version    int                  `yaml:"version" json:"version" bson:"version"`
	Kind       Kind                 `yaml:"kind" json:"kind" bson:"kind"`
	RunID      string               `yaml:"run_id,omitempty" json:"run_id,omitempty" bson:"run_id,omitempty"`
	Created    time.Time            `yaml:"created" json:"created" bson:"created"`
	Definition *scenario.Definition `yaml:"definition,omitempty" json:"definition,omitempty" bson:"definition,omitempty"`
	Result     *ResultRecord        `yaml:"result,omitempty" json:"result,omitempty" bson:"result,omitempty"`
}

// ResultRecord is the persisted outcome of a run.
type ResultRecord struct {
	Status       string         `yaml:"status" json:"status" bson:"status"`
	Converged    bool           `yaml:"converged" json:"converged" bson:"converged"`
	Iterations   int            `yaml:"iterations" json:"iterations" bson:"iterations"`
	FinalMetric  float64        `yaml:"final_metric" json:"final_metric" bson:"final_metric"`
	CapTightened bool           `yaml:"cap_tightened" json:"cap_tightened" bson:"cap_tightened"`
	FinalCap     float64        `yaml:"final_cap" json:"final_cap" bson:"final_cap"`
	Demand       []models.Entry `yaml:"demand,omitempty" json:"demand,omitempty" bson:"demand,omitempty"`
	Prices       []models.Entry `yaml:"prices,omitempty" json:"prices,omitempty" bson:"prices,omitempty"`
	TotalCost    []models.Entry `yaml:"total_cost,omitempty" json:"total_cost,omitempty" bson:"total_cost,omitempty"`
	GDP          []models.Entry `yaml:"gdp,omitempty" json:"gdp,omitempty" bson:"gdp,omitempty"`
	Issues       []string       `yaml:"issues,omitempty" json:"issues,omitempty" bson:"issues,omitempty"`
	Error        string         `yaml:"error,omitempty" json:"error,omitempty" bson:"error,omitempty"`
}

type Store interface {
	// Load returns the given version, or the latest one when version is 0.
	Load(ctx context.Context, name string, version int) (*Snapshot, error)
	// Save stores snap as the next version of its scenario and returns it.
	Save(ctx context.Context, snap *Snapshot) (int, error)
	// Versions lists the stored versions of a scenario, oldest first.
	Versions(ctx context.Context, name string) ([]int, error)
	Close(ctx context.Context) error
}

// InputSnapshot wraps the definition a run starts from.
func InputSnapshot(def *scenario.Definition) *Snapshot {
	return &Snapshot{
		Scenario:   def.Name,
		Kind:       InputKind,
		Created:    time.Now(),
		Definition: def,
	}
}

// ResultSnapshot records the outcome of a run of def.
func ResultSnapshot(def *scenario.Definition, res *controller.Result) *Snapshot {
	summary := res.Summary()
	return &Snapshot{
		Scenario: def.Name,
		Kind:     ResultKind,
		RunID:    res.RunID,
		Created:  time.Now(),
		Result: &ResultRecord{
			Status:       summary.Status,
			Converged:    summary.Converged,
			Iterations:   summary.Iterations,
			FinalMetric:  summary.FinalMetric,
			CapTightened: summary.CapTightened,
			FinalCap:     summary.FinalCap,
			Demand:       res.Demand.Entries(),
			Prices:       res.Prices.Entries(),
			TotalCost:    res.TotalCost.Entries(),
			GDP:          res.GDP.Entries(),
			Issues:       summary.Issues,
			Error:        summary.Error,
		},
	}
}

// CalibrationSnapshot stores def with calibrated growth and efficiency so
// that later runs start from them.
func CalibrationSnapshot(def *scenario.Definition, runID string, growth, efficiency models.Field) *Snapshot {
	return &Snapshot{
		Scenario:   def.Name,
		Kind:       CalibrationKind,
		RunID:      runID,
		Created:    time.Now(),
		Definition: def.WithCalibration(growth, efficiency),
	}
}

// New opens the backend selected in cfg.
func New(ctx context.Context, cfg config.StoreConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Path, logger)
	case "mongo":
		return NewMongoStore(ctx, cfg.URI, cfg.Database, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
