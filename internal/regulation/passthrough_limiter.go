package regulation

import (
	"math"

	"github.com/sirupsen/logrus"
)

// PassthroughLimiter returns the proposed demand unchanged, exposing the raw
// response of the macro module.
type PassthroughLimiter struct {
	logger *logrus.Logger
}

func NewPassthroughLimiter(logger *logrus.Logger) *PassthroughLimiter {
	return &PassthroughLimiter{logger: logger}
}

func (p *PassthroughLimiter) GetName() string {
	return "Passthrough Limiter"
}

func (p *PassthroughLimiter) Initial() LimiterState {
	return LimiterState{Cap: math.Inf(1)}
}

func (p *PassthroughLimiter) Apply(input LimiterInput) LimiterOutput {
	applied, maxDelta, _ := Limit(input.Previous, input.Proposed, math.Inf(1))

	p.logger.Debugf("Passthrough: maxDelta=%.4f", maxDelta)

	return LimiterOutput{
		Applied:  applied,
		State:    input.State,
		MaxDelta: maxDelta,
		Reason:   "No limitation",
		DebugInfo: map[string]interface{}{
			"max_delta": maxDelta,
		},
	}
}

func (p *PassthroughLimiter) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"name": p.GetName(),
	}
}
