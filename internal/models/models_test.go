package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestField_KeysAreOrdered(t *testing.T) {
	f := Field{
		{Region: "R2", Sector: "i_spec", Period: 2030}: 1,
		{Region: "R1", Sector: "rc_spec", Period: 2020}: 2,
		{Region: "R1", Sector: "i_spec", Period: 2030}:  3,
		{Region: "R1", Sector: "i_spec", Period: 2020}:  4,
	}

	keys := f.Keys()

	require.Len(t, keys, 4)
	assert.Equal(t, Key{Region: "R1", Sector: "i_spec", Period: 2020}, keys[0])
	assert.Equal(t, Key{Region: "R1", Sector: "i_spec", Period: 2030}, keys[1])
	assert.Equal(t, Key{Region: "R1", Sector: "rc_spec", Period: 2020}, keys[2])
	assert.Equal(t, Key{Region: "R2", Sector: "i_spec", Period: 2030}, keys[3])
	assert.Equal(t, []string{"R1", "R2"}, f.Regions())
}

func TestField_CloneIsIndependent(t *testing.T) {
	f := Field{RegionKey("R1", 2020): 1.5}
	c := f.Clone()
	c[RegionKey("R1", 2020)] = 9

	assert.Equal(t, 1.5, f[RegionKey("R1", 2020)])
	assert.Nil(t, Field(nil).Clone())
}

func TestField_EntriesRoundTrip(t *testing.T) {
	f := Field{
		{Region: "R1", Sector: "i_therm", Period: 2020}: 10,
		RegionKey("R1", 2030): 0.02,
	}

	back := FromEntries(f.Entries())

	assert.Equal(t, f, back)
}

func TestField_Validate(t *testing.T) {
	ok := Field{RegionKey("R1", 2020): 0}
	assert.NoError(t, ok.Validate("demand", true))

	negative := Field{RegionKey("R1", 2020): -1}
	assert.Error(t, negative.Validate("demand", true))
	assert.NoError(t, negative.Validate("growth", false))

	nan := Field{RegionKey("R1", 2020): math.NaN()}
	assert.Error(t, nan.Validate("growth", false))
}

func TestHorizon_Durations(t *testing.T) {
	h, err := NewHorizon([]int{2030, 2020, 2025, 2040}, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{2020, 2025, 2030, 2040}, h.Periods)
	assert.Equal(t, 5.0, h.Duration(2020))
	assert.Equal(t, 5.0, h.Duration(2025))
	assert.Equal(t, 10.0, h.Duration(2040))
	assert.Equal(t, 0.0, h.Duration(2050))

	next, ok := h.Next(2030)
	assert.True(t, ok)
	assert.Equal(t, 2040, next)
	_, ok = h.Next(2040)
	assert.False(t, ok)
}

func TestHorizon_RejectsDuplicates(t *testing.T) {
	_, err := NewHorizon([]int{2020, 2020}, 0)
	assert.Error(t, err)

	_, err = NewHorizon(nil, 0)
	assert.Error(t, err)
}

func TestRunStatus_UpdateAndFinish(t *testing.T) {
	rs := NewRunStatus("baseline", "run-1")
	rs.Update(IterationEvent{RunID: "run-1", Iteration: 3, State: "Iterating", Metric: 0.05, Timestamp: time.Now()})

	snap := rs.Snapshot()
	assert.Equal(t, 3, snap["iteration"])
	assert.Equal(t, false, snap["finished"])

	rs.Finish(RunSummary{RunID: "run-1", Status: "Converged", Converged: true, Iterations: 5, FinalMetric: 0.004})

	snap = rs.Snapshot()
	assert.Equal(t, "Converged", snap["state"])
	assert.Equal(t, true, snap["converged"])
	assert.Equal(t, true, snap["finished"])
}
