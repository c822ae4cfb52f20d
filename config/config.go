// Package config loads the YAML run configuration and maps it onto the
// component configurations of the training stack.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-vocoder/audio"
	"github.com/tsawler/go-vocoder/checkpoints"
	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/model"
	"github.com/tsawler/go-vocoder/training"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// SplitConfig points at a directory of WAV files
type SplitConfig struct {
	Name        string `yaml:"name"`
	Dir         string `yaml:"dir"`
	SegmentSize int    `yaml:"segment_size"` // samples per example, 0 keeps whole files
	Limit       int    `yaml:"limit"`
	BatchSize   int    `yaml:"batch_size"` // 0 uses data.batch_size
}

// DataConfig describes the train split and the evaluation splits
type DataConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	NumWorkers int           `yaml:"num_workers"`
	Shuffle    bool          `yaml:"shuffle"`
	Train      SplitConfig   `yaml:"train"`
	Eval       []SplitConfig `yaml:"eval,omitempty"`
}

// PreprocessingConfig holds the feature extraction settings
type PreprocessingConfig struct {
	Mel audio.MelConfig `yaml:"mel"`
}

// TrainerConfig holds the epoch driver settings
type TrainerConfig struct {
	Epochs             int     `yaml:"epochs"`
	LenEpoch           int     `yaml:"len_epoch"`
	LogStep            int     `yaml:"log_step"`
	GradNormClip       float64 `yaml:"grad_norm_clip"`
	SkipOOM            bool    `yaml:"skip_oom"`
	RefreshFeatureMaps bool    `yaml:"refresh_feature_maps"`

	SaveDir          string `yaml:"save_dir"`
	SavePeriod       int    `yaml:"save_period"`
	MaxCheckpoints   int    `yaml:"max_checkpoints"`
	CheckpointFormat string `yaml:"checkpoint_format"`
	Monitor          string `yaml:"monitor"`
	EarlyStop        int    `yaml:"early_stop"`

	AudioSplit    string `yaml:"audio_split"`
	AudioExamples int    `yaml:"audio_examples"`
	SampleRate    int    `yaml:"sample_rate"`

	MemoryBudgetMB int    `yaml:"memory_budget_mb"`
	Verbosity      string `yaml:"verbosity"`
	Progress       bool   `yaml:"progress"`
}

// Config is the whole run configuration
type Config struct {
	Name          string                   `yaml:"name"`
	Seed          int64                    `yaml:"seed"`
	NGPU          int                      `yaml:"n_gpu"`
	Arch          model.Config             `yaml:"arch"`
	Data          DataConfig               `yaml:"data"`
	Preprocessing PreprocessingConfig      `yaml:"preprocessing"`
	Loss          loss.Config              `yaml:"loss"`
	Optimizer     training.OptimizerConfig `yaml:"optimizer"`
	LRScheduler   training.SchedulerConfig `yaml:"lr_scheduler"`
	Trainer       TrainerConfig            `yaml:"trainer"`
}

// Default returns the configuration every file is layered onto
func Default() Config {
	train := training.DefaultTrainingConfig()
	return Config{
		Name:          "hifigan",
		Seed:          42,
		Arch:          model.DefaultConfig(),
		Data:          DataConfig{BatchSize: 16, NumWorkers: 2, Shuffle: true},
		Preprocessing: PreprocessingConfig{Mel: audio.DefaultMelConfig()},
		Loss:          loss.DefaultConfig(),
		Optimizer:     training.DefaultOptimizerConfig(),
		LRScheduler:   training.DefaultSchedulerConfig(),
		Trainer: TrainerConfig{
			Epochs:           train.Epochs,
			LogStep:          train.LogStep,
			SkipOOM:          train.SkipOOM,
			SaveDir:          "saved",
			SavePeriod:       5,
			CheckpointFormat: "json",
			Monitor:          train.Monitor,
			AudioSplit:       train.AudioSplit,
			AudioExamples:    train.AudioExamples,
			SampleRate:       train.SampleRate,
			Verbosity:        "info",
			Progress:         true,
		},
	}
}

// Load reads path, layers it over Default and validates the result
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	return Parse(b)
}

// Parse decodes YAML over Default. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.WithMessage(ErrInvalidConfig, err.Error())
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section and wraps the first failure in ErrInvalidConfig
func (c Config) Validate() error {
	checks := []func() error{
		c.validateRun,
		c.Arch.Validate,
		c.Preprocessing.Mel.Validate,
		c.validateData,
		c.Loss.Validate,
		c.Optimizer.Validate,
		c.validateScheduler,
		c.validateTrainer,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return errors.WithMessage(ErrInvalidConfig, err.Error())
		}
	}
	return nil
}

func (c Config) validateRun() error {
	if c.NGPU > 1 {
		return errors.Errorf("n_gpu %d: multi-device training is not supported", c.NGPU)
	}
	if c.Arch.NMels != c.Preprocessing.Mel.NMels {
		return errors.Errorf("arch.n_mels %d does not match preprocessing.mel.n_mels %d", c.Arch.NMels, c.Preprocessing.Mel.NMels)
	}
	if hop := c.Arch.Generator.HopLength(); hop != c.Preprocessing.Mel.HopLength {
		return errors.Errorf("generator upsamples by %d but the mel hop length is %d", hop, c.Preprocessing.Mel.HopLength)
	}
	return nil
}

func (c Config) validateData() error {
	d := c.Data
	if d.BatchSize <= 0 {
		return errors.Errorf("data.batch_size must be positive, got %d", d.BatchSize)
	}
	if d.NumWorkers < 0 {
		return errors.Errorf("data.num_workers must be positive or zero, got %d", d.NumWorkers)
	}
	if d.Train.Dir == "" {
		return errors.New("data.train.dir is required")
	}
	seen := map[string]bool{}
	for i, s := range d.Eval {
		if s.Name == "" || s.Dir == "" {
			return errors.Errorf("data.eval[%d] needs a name and a dir", i)
		}
		if s.Name == "train" || seen[s.Name] {
			return errors.Errorf("data.eval[%d]: split name %q is reserved or repeated", i, s.Name)
		}
		seen[s.Name] = true
		if s.BatchSize < 0 || s.SegmentSize < 0 || s.Limit < 0 {
			return errors.Errorf("data.eval[%d]: sizes must be positive or zero", i)
		}
	}
	if d.Train.SegmentSize < 0 || d.Train.Limit < 0 {
		return errors.New("data.train: sizes must be positive or zero")
	}
	return nil
}

func (c Config) validateScheduler() error {
	s := c.LRScheduler
	switch strings.ToLower(s.Type) {
	case "step":
		if s.StepSize <= 0 {
			return errors.Errorf("lr_scheduler.step_size must be positive, got %d", s.StepSize)
		}
	case "exponential":
		if s.Gamma <= 0 || s.Gamma > 1 {
			return errors.Errorf("lr_scheduler.gamma must be in (0, 1], got %g", s.Gamma)
		}
	case "cosine":
		if s.TMax <= 0 {
			return errors.Errorf("lr_scheduler.t_max must be positive, got %d", s.TMax)
		}
	}
	_, err := training.NewScheduler(s)
	return err
}

func (c Config) validateTrainer() error {
	t := c.Trainer
	if t.GradNormClip < 0 {
		return errors.Errorf("trainer.grad_norm_clip must be positive, got %g", t.GradNormClip)
	}
	if t.SavePeriod < 0 || t.MaxCheckpoints < 0 || t.MemoryBudgetMB < 0 {
		return errors.New("trainer: save_period, max_checkpoints and memory_budget_mb must be positive or zero")
	}
	if _, err := checkpoints.ParseFormat(t.CheckpointFormat); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if t.SampleRate != c.Preprocessing.Mel.SampleRate {
		return errors.Errorf("trainer.sample_rate %d does not match the mel sample rate %d", t.SampleRate, c.Preprocessing.Mel.SampleRate)
	}
	return c.TrainingConfig().Validate()
}

// LogLevel parses trainer.verbosity
func (c Config) LogLevel() (logrus.Level, error) {
	switch strings.ToLower(c.Trainer.Verbosity) {
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	default:
		return logrus.InfoLevel, errors.Errorf("unknown verbosity %q", c.Trainer.Verbosity)
	}
}

// TrainingConfig maps the trainer section onto the epoch driver
func (c Config) TrainingConfig() training.TrainingConfig {
	t := c.Trainer
	return training.TrainingConfig{
		Epochs:        t.Epochs,
		LenEpoch:      t.LenEpoch,
		LogStep:       t.LogStep,
		SkipOOM:       t.SkipOOM,
		Monitor:       t.Monitor,
		EarlyStop:     t.EarlyStop,
		AudioSplit:    t.AudioSplit,
		AudioExamples: t.AudioExamples,
		SampleRate:    t.SampleRate,
	}
}

// StepConfig maps the per-batch options
func (c Config) StepConfig() training.StepConfig {
	return training.StepConfig{
		GradNormClip:       c.Trainer.GradNormClip,
		RefreshFeatureMaps: c.Trainer.RefreshFeatureMaps,
	}
}

// CheckpointConfig maps the checkpoint options. The configuration itself is
// stored with every checkpoint.
func (c Config) CheckpointConfig() (training.CheckpointConfig, error) {
	format, err := checkpoints.ParseFormat(c.Trainer.CheckpointFormat)
	if err != nil {
		return training.CheckpointConfig{}, err
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return training.CheckpointConfig{}, errors.Wrap(err, "failed to encode config")
	}
	return training.CheckpointConfig{
		SaveDirectory:  c.Trainer.SaveDir,
		SavePeriod:     c.Trainer.SavePeriod,
		MaxCheckpoints: c.Trainer.MaxCheckpoints,
		Format:         format,
		Arch:           "HiFiGAN",
		Config:         string(raw),
	}, nil
}

// MemoryBudget returns the device memory budget in bytes, 0 for unlimited
func (c Config) MemoryBudget() int64 {
	return int64(c.Trainer.MemoryBudgetMB) << 20
}
