package regulation

import (
	"message-macro/internal/models"
)

// LimiterState is the limiter state carried from one iteration to the next
type LimiterState struct {
	Cap         float64 // Max relative change allowed per iteration
	Tightenings int     // Number of cap tightenings
	Floored     bool    // Cap at its floor and still oscillating
}

// LimiterInput holds the limiter inputs
type LimiterInput struct {
	Previous models.Field // Demand applied on the previous iteration
	Proposed models.Field // Demand proposed by the macro module
	History  []float64    // Convergence metric history, current iteration included
	State    LimiterState
}

// LimiterOutput holds the limiter outcome
type LimiterOutput struct {
	Applied     models.Field           // Demand passed back to the energy module
	State       LimiterState           // Next state
	MaxDelta    float64                // Largest raw relative change
	Clipped     int                    // Number of clipped values
	Oscillating bool                   // Oscillation detected on this iteration
	Reason      string                 // Reason for the decision
	DebugInfo   map[string]interface{} // Debug information
}

// Limiter bounds the demand response between iterations. Apply modifies
// neither its inputs nor the limiter: all state travels in LimiterState.
type Limiter interface {
	// Apply computes the applied demand from the proposed one
	Apply(input LimiterInput) LimiterOutput

	// Initial returns the state a run starts from
	Initial() LimiterState

	// GetName returns the limiter name
	GetName() string

	// GetStatus returns the configuration for monitoring
	GetStatus() map[string]interface{}
}
