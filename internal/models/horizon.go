package models

import (
	"fmt"
	"sort"
)

// Horizon is the ordered set of model periods. Periods are labelled by their
// year and may have variable lengths.
type Horizon struct {
	Periods       []int
	FirstDuration float64
}

func NewHorizon(periods []int, firstDuration float64) (Horizon, error) {
	if len(periods) == 0 {
		return Horizon{}, fmt.Errorf("horizon needs at least one period")
	}
	sorted := append([]int(nil), periods...)
	sort.Ints(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return Horizon{}, fmt.Errorf("duplicate period %d", sorted[i])
		}
	}
	if firstDuration <= 0 {
		if len(sorted) > 1 {
			firstDuration = float64(sorted[1] - sorted[0])
		} else {
			firstDuration = 1
		}
	}
	return Horizon{Periods: sorted, FirstDuration: firstDuration}, nil
}

// Duration returns the length in years of the period ending at year.
func (h Horizon) Duration(year int) float64 {
	for i, p := range h.Periods {
		if p == year {
			if i == 0 {
				return h.FirstDuration
			}
			return float64(p - h.Periods[i-1])
		}
	}
	return 0
}

// Next returns the period following year, if any.
func (h Horizon) Next(year int) (int, bool) {
	for i, p := range h.Periods {
		if p == year && i+1 < len(h.Periods) {
			return h.Periods[i+1], true
		}
	}
	return 0, false
}

func (h Horizon) First() int {
	return h.Periods[0]
}
