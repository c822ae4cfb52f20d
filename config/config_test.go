package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-vocoder/checkpoints"
)

const minimal = `
data:
  train:
    dir: wavs
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "wavs", c.Data.Train.Dir)
	assert.Equal(t, 2.0, c.Loss.FMLossLambda)
	assert.Equal(t, 45.0, c.Loss.MelLossLambda)
	assert.Equal(t, 50, c.Trainer.LogStep)
	assert.True(t, c.Trainer.SkipOOM)
	assert.Equal(t, "test", c.Trainer.AudioSplit)
	assert.Equal(t, 3, c.Trainer.AudioExamples)
	assert.Equal(t, 22050, c.Trainer.SampleRate)
	assert.Equal(t, []int{2, 3, 5, 7, 11}, c.Arch.Discriminator.Periods)

	tc := c.TrainingConfig()
	assert.Equal(t, "off", tc.Monitor)
	assert.Equal(t, 0, tc.LenEpoch)
	assert.Equal(t, 0.0, c.StepConfig().GradNormClip)
	assert.False(t, c.StepConfig().RefreshFeatureMaps)
	assert.Equal(t, int64(0), c.MemoryBudget())
}

func TestParseOverrides(t *testing.T) {
	c, err := Parse([]byte(minimal + `
loss:
  mel_loss_lambda: 10
trainer:
  grad_norm_clip: 100
  skip_oom: false
  refresh_feature_maps: true
  memory_budget_mb: 2
  verbosity: debug
  checkpoint_format: binary
  save_dir: runs
`))
	require.NoError(t, err)

	assert.Equal(t, 10.0, c.Loss.MelLossLambda)
	assert.Equal(t, 2.0, c.Loss.FMLossLambda)
	assert.False(t, c.TrainingConfig().SkipOOM)
	assert.Equal(t, 100.0, c.StepConfig().GradNormClip)
	assert.True(t, c.StepConfig().RefreshFeatureMaps)
	assert.Equal(t, int64(2<<20), c.MemoryBudget())

	level, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)

	cc, err := c.CheckpointConfig()
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatBinary, cc.Format)
	assert.Equal(t, "runs", cc.SaveDirectory)

	// the stored configuration decodes back to the same run
	var stored Config
	require.NoError(t, yaml.Unmarshal([]byte(cc.Config), &stored))
	assert.Equal(t, c, stored)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative loss weight", "loss:\n  fm_loss_lambda: -1\n"},
		{"negative clip", "trainer:\n  grad_norm_clip: -1\n"},
		{"zero log_step", "trainer:\n  log_step: 0\n"},
		{"unknown optimizer", "optimizer:\n  type: lion\n"},
		{"multi gpu", "n_gpu: 2\n"},
		{"unknown scheduler", "lr_scheduler:\n  type: warmup\n"},
		{"bad monitor", "trainer:\n  monitor: best val_loss\n"},
		{"bad verbosity", "trainer:\n  verbosity: loud\n"},
		{"bad checkpoint format", "trainer:\n  checkpoint_format: pickle\n"},
		{"mismatched sample rate", "trainer:\n  sample_rate: 16000\n"},
		{"mismatched hop", "preprocessing:\n  mel:\n    hop_length: 128\n"},
		{"unknown key", "trainer:\n  epochz: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(minimal + tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), err.Error())
		})
	}
}

func TestValidateEvalSplits(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no train dir", ""},
		{"unnamed eval split", "data:\n  train:\n    dir: wavs\n  eval:\n    - dir: val\n"},
		{"reserved split name", "data:\n  train:\n    dir: wavs\n  eval:\n    - {name: train, dir: a}\n"},
		{"repeated eval split", "data:\n  train:\n    dir: wavs\n  eval:\n    - {name: val, dir: a}\n    - {name: val, dir: b}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+"name: smoke\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", c.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}

func TestShippedConfigIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "configs", "hifigan_v1.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Data.Eval, 2)
	assert.Equal(t, "min val_mel_loss", c.Trainer.Monitor)
}
