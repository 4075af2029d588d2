package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"message-macro/internal/config"
	"message-macro/internal/controller"
	"message-macro/internal/models"
	"message-macro/internal/scenario"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var demandKey = models.Key{Region: "R1", Sector: "i_spec", Period: 2020}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func definition() *scenario.Definition {
	return &scenario.Definition{
		Name:    "baseline",
		Periods: []int{2020, 2030},
		Demand:  models.Field{demandKey: 100}.Entries(),
		Growth:  []models.Entry{{Region: "R1", Period: 2020, Value: 0.02}},
	}
}

func newFileStore(t *testing.T) *FileStore {
	s, err := NewFileStore(t.TempDir(), newLogger())
	require.NoError(t, err)
	return s
}

func TestFileStore_SaveAssignsVersions(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	first := InputSnapshot(definition())
	v1, err := s.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 1, first.Version)

	v2, err := s.Save(ctx, InputSnapshot(definition()))
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	versions, err := s.Versions(ctx, "baseline")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestFileStore_LoadLatestAndSpecific(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	_, err := s.Save(ctx, InputSnapshot(definition()))
	require.NoError(t, err)
	calibrated := CalibrationSnapshot(definition(), "run-1",
		models.Field{models.RegionKey("R1", 2020): 0.03}, models.Field{demandKey: 0.01})
	_, err = s.Save(ctx, calibrated)
	require.NoError(t, err)

	latest, err := s.Load(ctx, "baseline", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, CalibrationKind, latest.Kind)
	assert.Equal(t, "run-1", latest.RunID)
	require.NotNil(t, latest.Definition)
	assert.Equal(t, 0.03, models.FromEntries(latest.Definition.Growth)[models.RegionKey("R1", 2020)])

	first, err := s.Load(ctx, "baseline", 1)
	require.NoError(t, err)
	assert.Equal(t, InputKind, first.Kind)
	assert.Equal(t, 0.02, models.FromEntries(first.Definition.Growth)[models.RegionKey("R1", 2020)])

	input, err := latest.Definition.Input()
	require.NoError(t, err)
	assert.Equal(t, 100.0, input.Demand[demandKey])
}

func TestFileStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	_, err := s.Load(ctx, "missing", 0)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Save(ctx, InputSnapshot(definition()))
	require.NoError(t, err)
	_, err = s.Load(ctx, "baseline", 7)
	assert.True(t, errors.Is(err, ErrNotFound))

	versions, err := s.Versions(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestFileStore_IgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	_, err := s.Save(ctx, InputSnapshot(definition()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "baseline", "notes.txt"), []byte("x"), 0o644))

	versions, err := s.Versions(ctx, "baseline")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, versions)
}

func TestFileStore_RejectsUnnamedSnapshot(t *testing.T) {
	_, err := newFileStore(t).Save(context.Background(), &Snapshot{Kind: InputKind})
	assert.Error(t, err)
}

func TestResultSnapshot(t *testing.T) {
	res := &controller.Result{
		RunID:       "run-42",
		Status:      controller.NonConvergent,
		Iterations:  11,
		FinalMetric: 0.5,
		FinalCap:    0.01,
		Demand:      models.Field{demandKey: 101},
		Issues:      []error{&controller.NonConvergentError{Reason: "oscillation", Iterations: 11, Metric: 0.5}},
	}

	snap := ResultSnapshot(definition(), res)

	assert.Equal(t, ResultKind, snap.Kind)
	assert.Equal(t, "baseline", snap.Scenario)
	assert.Equal(t, "run-42", snap.RunID)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "NonConvergent", snap.Result.Status)
	assert.Equal(t, 11, snap.Result.Iterations)
	assert.Equal(t, []models.Entry{{Region: "R1", Sector: "i_spec", Period: 2020, Value: 101}}, snap.Result.Demand)
	require.Len(t, snap.Result.Issues, 1)
	assert.Contains(t, snap.Result.Issues[0], "oscillation")

	s := newFileStore(t)
	v, err := s.Save(context.Background(), snap)
	require.NoError(t, err)
	loaded, err := s.Load(context.Background(), "baseline", v)
	require.NoError(t, err)
	assert.Equal(t, snap.Result.Demand, loaded.Result.Demand)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.StoreConfig{Backend: "sqlite"}, newLogger())
	assert.Error(t, err)

	s, err := New(context.Background(), config.StoreConfig{Backend: "file", Path: t.TempDir()}, newLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}
