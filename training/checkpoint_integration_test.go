package training

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/checkpoints"
)

type managedRun struct {
	model     *linearModel
	genOpt    Optimizer
	discOpt   Optimizer
	genSched  *LRStepper
	discSched *LRStepper
	logs      *bytes.Buffer
	manager   *CheckpointManager
}

func newManagedRun(t *testing.T, config CheckpointConfig, adam bool) *managedRun {
	t.Helper()
	m := newLinearModel(t)
	r := &managedRun{model: m, logs: &bytes.Buffer{}}
	if adam {
		r.genOpt = NewAdam(m.GeneratorParameters(), 0.01, 0.8, 0.99, 1e-8, 0)
		r.discOpt = NewAdam(m.DiscriminatorParameters(), 0.01, 0.8, 0.99, 1e-8, 0)
	} else {
		r.genOpt = sgd(m.GeneratorParameters(), 0.01)
		r.discOpt = sgd(m.DiscriminatorParameters(), 0.01)
	}
	r.genSched = NewLRStepper(NewExponentialLRScheduler(0.5), r.genOpt)
	r.discSched = NewLRStepper(NewExponentialLRScheduler(0.5), r.discOpt)
	logger := logrus.New()
	logger.SetOutput(r.logs)
	r.manager = NewCheckpointManager(config, m, r.genOpt, r.discOpt, r.genSched, r.discSched, logger)
	return r
}

func TestCheckpointManagerSaveAndResume(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			config := CheckpointConfig{SaveDirectory: t.TempDir(), SavePeriod: 1, Format: format, Arch: "HiFiGAN"}
			src := newManagedRun(t, config, true)
			step, err := NewStep(src.model, testCriterion(t, testMel(t)), src.genOpt, src.discOpt, nil, StepConfig{})
			require.NoError(t, err)
			require.NoError(t, step.Process(testBatch(t, rand.New(rand.NewSource(1)), testMel(t), 2), ModeTrain, NewMetricTracker()))
			src.genSched.Step()
			src.discSched.Step()

			require.NoError(t, src.manager.Save(4, 0.25, false, true))
			_, err = os.Stat(src.manager.EpochPath(4))
			require.NoError(t, err)

			dst := newManagedRun(t, config, true)
			state, err := dst.manager.Resume(src.manager.EpochPath(4))
			require.NoError(t, err)
			assert.Equal(t, 4, state.Epoch)
			assert.Equal(t, 1, state.Step)
			assert.Equal(t, 0.25, state.MonitorBest)
			assert.Equal(t, src.model.snapshot(), dst.model.snapshot())
			assert.Equal(t, 1, dst.genSched.Steps())
			assert.InDelta(t, 0.005, dst.genOpt.GetLR(), 1e-12)
			assert.Equal(t, src.genOpt.State(), dst.genOpt.State())
			assert.Equal(t, src.discOpt.State(), dst.discOpt.State())
		})
	}
}

func TestCheckpointManagerBestOnly(t *testing.T) {
	dir := t.TempDir()
	r := newManagedRun(t, CheckpointConfig{SaveDirectory: dir, SavePeriod: 2, Format: checkpoints.FormatBinary, Arch: "HiFiGAN"}, false)

	assert.False(t, r.manager.ShouldSave(3))
	assert.True(t, r.manager.ShouldSave(4))

	require.NoError(t, r.manager.Save(3, 1.5, true, true))
	assert.NoFileExists(t, r.manager.EpochPath(3))
	assert.FileExists(t, r.manager.BestPath())
	assert.Equal(t, filepath.Join(dir, "model_best.ckpt"), r.manager.BestPath())

	require.NoError(t, r.manager.Save(4, 1.5, true, false))
	assert.FileExists(t, r.manager.EpochPath(4))
}

func TestCheckpointManagerKeepsMaxCheckpoints(t *testing.T) {
	r := newManagedRun(t, CheckpointConfig{SaveDirectory: t.TempDir(), SavePeriod: 1, MaxCheckpoints: 2, Format: checkpoints.FormatBinary}, false)
	for epoch := 1; epoch <= 4; epoch++ {
		require.NoError(t, r.manager.Save(epoch, 0, false, true))
	}
	assert.NoFileExists(t, r.manager.EpochPath(1))
	assert.NoFileExists(t, r.manager.EpochPath(2))
	assert.FileExists(t, r.manager.EpochPath(3))
	assert.FileExists(t, r.manager.EpochPath(4))
}

func TestCheckpointManagerWarnsOnMismatch(t *testing.T) {
	dir := t.TempDir()
	src := newManagedRun(t, CheckpointConfig{SaveDirectory: dir, SavePeriod: 1, Format: checkpoints.FormatJSON, Arch: "HiFiGAN"}, true)
	require.NoError(t, src.manager.Save(1, 0, false, true))

	// another architecture name and another optimizer type still load
	dst := newManagedRun(t, CheckpointConfig{SaveDirectory: dir, Format: checkpoints.FormatJSON, Arch: "HiFiGANv2"}, false)
	_, err := dst.manager.Resume(src.manager.EpochPath(1))
	require.NoError(t, err)
	assert.Contains(t, dst.logs.String(), "is different from that of checkpoint")
	assert.Contains(t, dst.logs.String(), "parameters are not being resumed")
	assert.Equal(t, src.model.snapshot(), dst.model.snapshot())
}

func TestCheckpointManagerStoresInfiniteBestAsZero(t *testing.T) {
	r := newManagedRun(t, CheckpointConfig{SaveDirectory: t.TempDir(), SavePeriod: 1, Format: checkpoints.FormatJSON}, false)
	require.NoError(t, r.manager.Save(1, initialBest(monitorMin), false, true))

	state, err := r.manager.Resume(r.manager.EpochPath(1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.MonitorBest)
}

func TestCheckpointManagerMissingFile(t *testing.T) {
	r := newManagedRun(t, DefaultCheckpointConfig(), false)
	_, err := r.manager.Resume(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
