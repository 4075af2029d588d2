package regulation

import (
	"math"

	"message-macro/internal/models"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// CappedConfig configures the relative-cap limiter
type CappedConfig struct {
	Cap          float64 // Max relative change per iteration (0.15 by default)
	Floor        float64 // Smallest cap before the run is declared non-convergent
	ShrinkFactor float64 // Cap multiplier on oscillation (0.5)
}

// CappedLimiter clips the demand change and tightens the cap when the loop
// oscillates between two states
type CappedLimiter struct {
	config CappedConfig
	logger *logrus.Logger
}

func NewCappedLimiter(config CappedConfig, logger *logrus.Logger) *CappedLimiter {
	return &CappedLimiter{
		config: config,
		logger: logger,
	}
}

func (c *CappedLimiter) GetName() string {
	return "Capped Demand-Response Limiter"
}

func (c *CappedLimiter) Initial() LimiterState {
	return LimiterState{Cap: c.config.Cap}
}

func (c *CappedLimiter) Apply(input LimiterInput) LimiterOutput {
	state := input.State
	applied, maxDelta, clipped := Limit(input.Previous, input.Proposed, state.Cap)

	result := LimiterOutput{
		Applied:  applied,
		MaxDelta: maxDelta,
		Clipped:  clipped,
	}

	// Oscillation: the metric stopped falling and the change exceeds the cap
	if Stalled(input.History) && maxDelta > state.Cap {
		result.Oscillating = true

		if state.Cap <= c.config.Floor {
			state.Floored = true
			result.Reason = "Oscillation persists at cap floor"
			c.logger.Warnf("Limiter: oscillation persists with cap at floor %.4f (max delta %.4f)", state.Cap, maxDelta)
		} else {
			previousCap := state.Cap
			state.Cap = math.Max(state.Cap*c.config.ShrinkFactor, c.config.Floor)
			state.Tightenings++

			// Re-apply with the tightened cap
			result.Applied, result.MaxDelta, result.Clipped = Limit(input.Previous, input.Proposed, state.Cap)
			result.Reason = "Oscillation detected - cap tightened"
			c.logger.Infof("Limiter: oscillation detected, cap tightened %.4f -> %.4f", previousCap, state.Cap)
		}
	} else if clipped > 0 {
		result.Reason = "Demand change above cap - clipped"
	} else {
		result.Reason = "Demand change within cap"
	}

	result.State = state
	result.DebugInfo = map[string]interface{}{
		"cap":         state.Cap,
		"max_delta":   maxDelta,
		"clipped":     result.Clipped,
		"oscillating": result.Oscillating,
		"tightenings": state.Tightenings,
		"floored":     state.Floored,
	}

	c.logger.Debugf("Limiter: cap=%.4f, maxDelta=%.4f, clipped=%d", state.Cap, maxDelta, result.Clipped)

	return result
}

func (c *CappedLimiter) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"name":   c.GetName(),
		"config": c.config,
	}
}

// Limit applies the cap value by value:
//
//	applied = prev + sign(Δ) * min(|Δ|, cap) * prev,  Δ = (new - prev) / prev
//
// Values without a strictly positive previous value pass unchanged. It also
// returns the largest raw relative change and the number of clipped values.
func Limit(prev, proposed models.Field, cap float64) (models.Field, float64, int) {
	applied := make(models.Field, len(proposed))
	deltas := make([]float64, 0, len(proposed))
	clipped := 0

	for k, next := range proposed {
		p, ok := prev[k]
		if !ok || p <= 0 {
			applied[k] = next
			continue
		}

		delta := (next - p) / p
		deltas = append(deltas, math.Abs(delta))

		if math.Abs(delta) <= cap {
			applied[k] = next
			continue
		}

		applied[k] = p + math.Copysign(cap, delta)*p
		clipped++
	}

	maxDelta := 0.0
	if len(deltas) > 0 {
		maxDelta = floats.Max(deltas)
	}
	return applied, maxDelta, clipped
}

// Stalled reports a metric no lower than two iterations earlier, the
// signature of a two-state oscillation.
func Stalled(history []float64) bool {
	n := len(history)
	if n < 3 {
		return false
	}
	return history[n-1] >= history[n-3]
}
