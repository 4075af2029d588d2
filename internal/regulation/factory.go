package regulation

import (
	"fmt"

	"message-macro/internal/config"

	"github.com/sirupsen/logrus"
)

// LimiterType names a limiter implementation
type LimiterType string

const (
	CappedLimiting LimiterType = "capped"
	NoLimiting     LimiterType = "none"
)

// CreateLimiter builds the limiter selected in the run configuration
func CreateLimiter(limiterType LimiterType, cfg *config.Config, logger *logrus.Logger) (Limiter, error) {
	switch limiterType {
	case CappedLimiting:
		cappedConfig := CappedConfig{
			Cap:          cfg.Run.DemandResponseCap,
			Floor:        cfg.Run.DemandResponseCapFloor,
			ShrinkFactor: cfg.Run.CapShrinkFactor,
		}
		return NewCappedLimiter(cappedConfig, logger), nil

	case NoLimiting:
		return NewPassthroughLimiter(logger), nil

	default:
		return nil, fmt.Errorf("unknown limiter type: %s", limiterType)
	}
}
