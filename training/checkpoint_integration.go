package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vocoder/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory  string                       // Directory to save checkpoints
	SavePeriod     int                          // Save every N epochs (0 = only model_best)
	MaxCheckpoints int                          // Maximum number of epoch checkpoints to keep (0 = unlimited)
	Format         checkpoints.CheckpointFormat // JSON or Binary
	Arch           string                       // Architecture name stored with every checkpoint
	Config         string                       // Raw run configuration stored with every checkpoint
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "./saved",
		SavePeriod:    5,
		Format:        checkpoints.FormatJSON,
		Arch:          "HiFiGAN",
	}
}

// BestCheckpointName is the file stem of the best checkpoint so far
const BestCheckpointName = "model_best"

// CheckpointManager saves and restores both parameter groups, both
// optimizers and their learning rate schedules.
type CheckpointManager struct {
	config     CheckpointConfig
	model      Model
	genOpt     Optimizer
	discOpt    Optimizer
	genSched   *LRStepper
	discSched  *LRStepper
	saver      *checkpoints.CheckpointSaver
	logger     *logrus.Logger
	savedFiles []string // Track saved checkpoint files for cleanup
}

// NewCheckpointManager creates a checkpoint manager. The schedulers may be nil.
func NewCheckpointManager(config CheckpointConfig, model Model, genOpt, discOpt Optimizer, genSched, discSched *LRStepper, logger *logrus.Logger) *CheckpointManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointManager{
		config:    config,
		model:     model,
		genOpt:    genOpt,
		discOpt:   discOpt,
		genSched:  genSched,
		discSched: discSched,
		saver:     checkpoints.NewCheckpointSaver(config.Format),
		logger:    logger,
	}
}

// ShouldSave reports whether epoch is a periodic save point
func (cm *CheckpointManager) ShouldSave(epoch int) bool {
	return cm.config.SavePeriod > 0 && epoch%cm.config.SavePeriod == 0
}

// Save writes the epoch checkpoint and, when best is set, model_best. With
// onlyBest set a best epoch writes model_best alone.
func (cm *CheckpointManager) Save(epoch int, monitorBest float64, best, onlyBest bool) error {
	checkpoint := cm.createCheckpoint(epoch, monitorBest)

	if !(onlyBest && best) {
		path := cm.EpochPath(epoch)
		if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
			return errors.Wrapf(err, "failed to save checkpoint for epoch %d", epoch)
		}
		cm.logger.WithField("path", path).Info("Saving checkpoint")
		cm.savedFiles = append(cm.savedFiles, path)
		if err := cm.cleanupOldCheckpoints(); err != nil {
			cm.logger.WithError(err).Warn("failed to cleanup old checkpoints")
		}
	}

	if best {
		path := cm.BestPath()
		if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
			return errors.Wrap(err, "failed to save best checkpoint")
		}
		cm.logger.WithField("path", path).Info("Saving current best")
	}
	return nil
}

// EpochPath returns the path of the checkpoint saved after epoch
func (cm *CheckpointManager) EpochPath(epoch int) string {
	return filepath.Join(cm.config.SaveDirectory, fmt.Sprintf("checkpoint-epoch%d%s", epoch, cm.config.Format.Extension()))
}

// BestPath returns the path of the best checkpoint
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, BestCheckpointName+cm.config.Format.Extension())
}

// Resume loads path and restores the model, the optimizers and the
// schedules. A checkpoint of another architecture or optimizer type is
// loaded as far as it fits, with a warning for what was skipped.
func (cm *CheckpointManager) Resume(path string) (checkpoints.TrainingState, error) {
	cm.logger.WithField("path", path).Info("Loading checkpoint")
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return checkpoints.TrainingState{}, errors.Wrap(err, "failed to load checkpoint")
	}

	if checkpoint.Arch != cm.config.Arch {
		cm.logger.Warnf("Architecture configuration given in config file (%s) is different from that of checkpoint (%s)",
			cm.config.Arch, checkpoint.Arch)
	}
	if err := checkpoints.LoadWeights(checkpoint.Generator, cm.model.GeneratorParameters()); err != nil {
		return checkpoints.TrainingState{}, errors.Wrap(err, "failed to restore generator")
	}
	if err := checkpoints.LoadWeights(checkpoint.Discriminator, cm.model.DiscriminatorParameters()); err != nil {
		return checkpoints.TrainingState{}, errors.Wrap(err, "failed to restore discriminator")
	}

	cm.restoreOptimizer("generator", cm.genOpt, checkpoint.GeneratorOptimizer)
	cm.restoreOptimizer("discriminator", cm.discOpt, checkpoint.DiscriminatorOptimizer)

	state := checkpoint.TrainingState
	for _, s := range []*LRStepper{cm.genSched, cm.discSched} {
		if s != nil {
			s.Restore(state.Step)
		}
	}
	cm.logger.Infof("Checkpoint loaded. Resume training from epoch %d", state.Epoch+1)
	return state, nil
}

func (cm *CheckpointManager) restoreOptimizer(group string, opt Optimizer, state *checkpoints.OptimizerState) {
	if state == nil {
		cm.logger.Warnf("Checkpoint has no %s optimizer state. Optimizer parameters not being resumed.", group)
		return
	}
	if err := opt.LoadState(state); err != nil {
		cm.logger.WithError(err).Warnf("Optimizer type given in config file is different from that of checkpoint. "+
			"The %s optimizer parameters are not being resumed.", group)
	}
}

func (cm *CheckpointManager) createCheckpoint(epoch int, monitorBest float64) *checkpoints.Checkpoint {
	step := 0
	if cm.genSched != nil {
		step = cm.genSched.Steps()
	} else if cm.discSched != nil {
		step = cm.discSched.Steps()
	}
	// JSON has no infinity; a run without a monitored metric stores 0
	if math.IsInf(monitorBest, 0) || math.IsNaN(monitorBest) {
		monitorBest = 0
	}
	return &checkpoints.Checkpoint{
		Arch:                   cm.config.Arch,
		Generator:              checkpoints.ExtractWeights("generator", cm.model.GeneratorParameters()),
		Discriminator:          checkpoints.ExtractWeights("discriminator", cm.model.DiscriminatorParameters()),
		GeneratorOptimizer:     cm.genOpt.State(),
		DiscriminatorOptimizer: cm.discOpt.State(),
		TrainingState: checkpoints.TrainingState{
			Epoch:       epoch,
			Step:        step,
			MonitorBest: monitorBest,
		},
		Config: cm.config.Config,
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("epoch %d", epoch),
		},
	}
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", cm.savedFiles[i])
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
