package models

import (
	"sync"
	"time"
)

// IterationEvent is emitted once per completed outer iteration.
type IterationEvent struct {
	RunID        string    `json:"run_id"`
	Scenario     string    `json:"scenario"`
	Iteration    int       `json:"iteration"`
	State        string    `json:"state"`
	Metric       float64   `json:"metric"`
	MaxDelta     float64   `json:"max_delta"`
	Cap          float64   `json:"cap"`
	CapTightened bool      `json:"cap_tightened"`
	Clipped      int       `json:"clipped"`
	Calibration  string    `json:"calibration,omitempty"`
	TotalCost    float64   `json:"total_cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// RunSummary is emitted when a run reaches a terminal state.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	Scenario     string    `json:"scenario"`
	Status       string    `json:"status"`
	Converged    bool      `json:"converged"`
	Iterations   int       `json:"iterations"`
	FinalMetric  float64   `json:"final_metric"`
	CapTightened bool      `json:"cap_tightened"`
	FinalCap     float64   `json:"final_cap"`
	Issues       []string  `json:"issues,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// RunStatus tracks the live state of one scenario run for status endpoints.
type RunStatus struct {
	Scenario  string
	RunID     string
	State     string
	Iteration int
	Metric    float64
	Finished  bool
	Converged bool
	Updated   time.Time
	mutex     sync.RWMutex
}

func NewRunStatus(scenario, runID string) *RunStatus {
	return &RunStatus{
		Scenario: scenario,
		RunID:    runID,
		State:    "Init",
		Updated:  time.Now(),
	}
}

func (rs *RunStatus) Update(ev IterationEvent) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.RunID = ev.RunID
	rs.State = ev.State
	rs.Iteration = ev.Iteration
	rs.Metric = ev.Metric
	rs.Updated = time.Now()
}

func (rs *RunStatus) Finish(summary RunSummary) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.RunID = summary.RunID
	rs.State = summary.Status
	rs.Iteration = summary.Iterations
	rs.Metric = summary.FinalMetric
	rs.Converged = summary.Converged
	rs.Finished = true
	rs.Updated = time.Now()
}

func (rs *RunStatus) Snapshot() map[string]interface{} {
	rs.mutex.RLock()
	defer rs.mutex.RUnlock()
	return map[string]interface{}{
		"scenario":  rs.Scenario,
		"run_id":    rs.RunID,
		"state":     rs.State,
		"iteration": rs.Iteration,
		"metric":    rs.Metric,
		"finished":  rs.Finished,
		"converged": rs.Converged,
		"updated":   rs.Updated,
	}
}
