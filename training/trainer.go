package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/memory"
	"github.com/tsawler/go-vocoder/tensor"
	"github.com/tsawler/go-vocoder/writer"
)

// Names of the gradient norms recorded after every successful batch
const (
	GeneratorGradNormName     = "generator grad norm"
	DiscriminatorGradNormName = "discriminator grad norm"
	LearningRateName          = "learning rate"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs   int
	LenEpoch int  // Batches per epoch; 0 runs one pass over the train loader
	LogStep  int  // Log the train tracker every N batches
	SkipOOM  bool // Skip batches that exhaust memory instead of failing

	Monitor   string // "min <metric>", "max <metric>" or "off"
	EarlyStop int    // Stop after N epochs without improvement (0 = never)

	AudioSplit    string // Evaluation split whose last batch is exported as audio
	AudioExamples int    // Number of generated/ground-truth pairs to export
	SampleRate    int

	Progress io.Writer // Progress bar output (nil = none)
}

// DefaultTrainingConfig returns the defaults of the training section
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:        1,
		LogStep:       50,
		SkipOOM:       true,
		Monitor:       "off",
		AudioSplit:    "test",
		AudioExamples: 3,
		SampleRate:    22050,
	}
}

// Validate checks the configuration
func (c TrainingConfig) Validate() error {
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.LenEpoch < 0 {
		return errors.Errorf("len_epoch must be positive or zero, got %d", c.LenEpoch)
	}
	if c.LogStep <= 0 {
		return errors.Errorf("log_step must be positive, got %d", c.LogStep)
	}
	if c.EarlyStop < 0 {
		return errors.Errorf("early_stop must be positive or zero, got %d", c.EarlyStop)
	}
	if c.AudioExamples < 0 {
		return errors.Errorf("audio_examples must be positive or zero, got %d", c.AudioExamples)
	}
	if c.AudioExamples > 0 && c.SampleRate <= 0 {
		return errors.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if _, _, err := parseMonitor(c.Monitor); err != nil {
		return err
	}
	return nil
}

// EvalSplit is a named evaluation loader, e.g. "val" or "test"
type EvalSplit struct {
	Name   string
	Loader *data.DataLoader
}

type monitorMode int

const (
	monitorOff monitorMode = iota
	monitorMin
	monitorMax
)

func parseMonitor(s string) (monitorMode, string, error) {
	if s == "" || s == "off" {
		return monitorOff, "", nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return monitorOff, "", errors.Errorf("monitor must be \"min <metric>\", \"max <metric>\" or \"off\", got %q", s)
	}
	switch fields[0] {
	case "min":
		return monitorMin, fields[1], nil
	case "max":
		return monitorMax, fields[1], nil
	default:
		return monitorOff, "", errors.Errorf("monitor mode must be min or max, got %q", fields[0])
	}
}

// Trainer drives epochs of alternating updates over the train loader,
// evaluates every split after each epoch and handles checkpointing.
type Trainer struct {
	step        *Step
	model       Model
	genSched    *LRStepper
	discSched   *LRStepper
	trainLoader *data.DataLoader
	evalSplits  []EvalSplit
	writer      writer.Writer
	checkpoints *CheckpointManager
	logger      *logrus.Logger
	config      TrainingConfig

	lenEpoch     int
	trainMetrics *MetricTracker
	evalMetrics  *MetricTracker

	startEpoch  int
	mntMode     monitorMode
	mntMetric   string
	monitorBest float64
}

// NewTrainer creates a new Trainer. Writer and logger default to a logrus
// writer and a new logger.
func NewTrainer(step *Step, trainLoader *data.DataLoader, evalSplits []EvalSplit, w writer.Writer, logger *logrus.Logger, config TrainingConfig) (*Trainer, error) {
	if step == nil || trainLoader == nil {
		return nil, errors.New("trainer needs a step and a train loader")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid training configuration")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if w == nil {
		w = writer.NewLogWriter(logger)
	}

	lenEpoch := config.LenEpoch
	if lenEpoch == 0 {
		lenEpoch = trainLoader.Len()
	}
	if lenEpoch == 0 {
		return nil, errors.New("train loader yields no batches")
	}

	mode, metric, _ := parseMonitor(config.Monitor)
	metricNames := MetricNames(step.Metrics())

	trainKeys := append(lossKeys(), GeneratorGradNormName, DiscriminatorGradNormName)
	t := &Trainer{
		step:         step,
		model:        step.Model(),
		trainLoader:  trainLoader,
		evalSplits:   evalSplits,
		writer:       w,
		logger:       logger,
		config:       config,
		lenEpoch:     lenEpoch,
		trainMetrics: NewMetricTracker(append(trainKeys, metricNames...)...),
		evalMetrics:  NewMetricTracker(append(lossKeys(), metricNames...)...),
		startEpoch:   1,
		mntMode:      mode,
		mntMetric:    metric,
		monitorBest:  initialBest(mode),
	}
	return t, nil
}

// lossKeys lists the tracked loss names in recording order
func lossKeys() []string {
	keys := append([]string{}, loss.DiscriminatorNames...)
	keys = append(keys, TotalLossName)
	return append(keys, loss.GeneratorNames...)
}

func initialBest(mode monitorMode) float64 {
	if mode == monitorMax {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// SetSchedulers installs per-batch learning rate schedules. Either may be nil.
func (t *Trainer) SetSchedulers(generator, discriminator *LRStepper) {
	t.genSched = generator
	t.discSched = discriminator
}

// SetCheckpointManager enables checkpoint saving and resuming
func (t *Trainer) SetCheckpointManager(cm *CheckpointManager) {
	t.checkpoints = cm
}

// LenEpoch returns the number of batches per train epoch
func (t *Trainer) LenEpoch() int { return t.lenEpoch }

// StartEpoch returns the first epoch Train will run
func (t *Trainer) StartEpoch() int { return t.startEpoch }

// MonitorBest returns the best monitored value so far
func (t *Trainer) MonitorBest() float64 { return t.monitorBest }

// Resume restores the run from a checkpoint written by the checkpoint manager
func (t *Trainer) Resume(path string) error {
	if t.checkpoints == nil {
		return errors.New("resuming requires a checkpoint manager")
	}
	state, err := t.checkpoints.Resume(path)
	if err != nil {
		return err
	}
	t.startEpoch = state.Epoch + 1
	if t.mntMode != monitorOff {
		t.monitorBest = state.MonitorBest
	}
	return nil
}

// Train runs the epochs from StartEpoch to Epochs. After every epoch the
// monitored metric decides on early stopping and on saving model_best.
func (t *Trainer) Train(ctx context.Context) error {
	notImproved := 0
	for epoch := t.startEpoch; epoch <= t.config.Epochs; epoch++ {
		start := time.Now()
		result, err := t.trainEpochAndEvaluate(ctx, epoch)
		if err != nil {
			return err
		}

		log := map[string]float64{"epoch": float64(epoch)}
		for k, v := range result {
			log[k] = v
		}
		t.logEpoch(log, time.Since(start))

		best := false
		if t.mntMode != monitorOff {
			improved := false
			if value, ok := log[t.mntMetric]; ok {
				improved = (t.mntMode == monitorMin && value <= t.monitorBest) ||
					(t.mntMode == monitorMax && value >= t.monitorBest)
				if improved {
					t.monitorBest = value
				}
			} else {
				t.logger.Warnf("Warning: Metric '%s' is not found. Model performance monitoring is disabled.", t.mntMetric)
				t.mntMode = monitorOff
			}

			if improved {
				notImproved = 0
				best = true
			} else {
				notImproved++
			}
			if t.config.EarlyStop > 0 && notImproved > t.config.EarlyStop {
				t.logger.Infof("Validation performance didn't improve for %d epochs. Training stops.", t.config.EarlyStop)
				break
			}
		}

		if t.checkpoints != nil && (t.checkpoints.ShouldSave(epoch) || best) {
			if err := t.checkpoints.Save(epoch, t.monitorBest, best, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) logEpoch(log map[string]float64, elapsed time.Duration) {
	keys := lo.Keys(log)
	slices.Sort(keys)
	for _, k := range keys {
		t.logger.Infof("    %-15s: %v", k, log[k])
	}
	t.logger.WithField("elapsed", elapsed.Round(time.Millisecond)).Debug("epoch finished")
}

func (t *Trainer) trainEpochAndEvaluate(ctx context.Context, epoch int) (map[string]float64, error) {
	log, err := t.TrainEpoch(ctx, epoch)
	if err != nil {
		return nil, err
	}
	for _, split := range t.evalSplits {
		result, err := t.EvaluationEpoch(ctx, epoch, split)
		if err != nil {
			return nil, err
		}
		for name, value := range result {
			log[split.Name+"_"+name] = value
		}
	}
	return log, nil
}

// TrainEpoch processes LenEpoch batches in train mode and returns the last
// logged snapshot of the train tracker. Batches that exhaust memory are
// skipped when SkipOOM is set; every other failure ends the epoch.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int) (map[string]float64, error) {
	t.model.Train()
	t.trainMetrics.Reset()
	t.writer.SetStep((epoch-1)*t.lenEpoch, "train")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var batches <-chan *data.Batch
	var errs <-chan error
	if t.config.LenEpoch > 0 {
		batches, errs = data.InfiniteLoop(ctx, t.trainLoader)
	} else {
		batches, errs = t.trainLoader.Batches(ctx)
	}

	bar := NewProgressBar(t.config.Progress, fmt.Sprintf("train epoch %d", epoch), t.lenEpoch)
	lastLog := map[string]float64{}
	batchIdx := 0
	exhausted := false
	for ; batchIdx < t.lenEpoch; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var b *data.Batch
		var ok bool
		select {
		case b, ok = <-batches:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			exhausted = true
			break
		}

		if err := t.trainBatch(epoch, batchIdx, b); err != nil {
			return nil, err
		}
		if (batchIdx+1)%t.config.LogStep == 0 && !t.trainMetrics.Empty() {
			lastLog = t.logTrain(epoch, batchIdx)
		}
		bar.Update(batchIdx+1, t.progressMetrics())
	}

	if exhausted {
		if err := <-errs; err != nil {
			return nil, errors.Wrapf(err, "train epoch %d", epoch)
		}
	}
	cancel()
	for range batches {
	}

	// flush what accumulated since the last interval
	if !t.trainMetrics.Empty() {
		lastLog = t.logTrain(epoch, batchIdx-1)
	}
	bar.Finish()
	return lastLog, nil
}

func (t *Trainer) trainBatch(epoch, batchIdx int, b *data.Batch) error {
	err := t.step.Process(b, ModeTrain, t.trainMetrics)
	if err != nil {
		if IsOutOfMemory(err) && t.config.SkipOOM {
			t.logger.WithFields(logrus.Fields{
				"epoch": epoch,
				"batch": batchIdx,
			}).WithError(err).Warn("OOM on batch. Skipping batch.")
			return nil
		}
		return errors.Wrapf(err, "train epoch %d batch %d", epoch, batchIdx)
	}

	if t.genSched != nil {
		t.genSched.Step()
	}
	if t.discSched != nil {
		t.discSched.Step()
	}
	t.trainMetrics.Update(GeneratorGradNormName, GradNorm(t.model.GeneratorParameters()))
	t.trainMetrics.Update(DiscriminatorGradNormName, GradNorm(t.model.DiscriminatorParameters()))
	return nil
}

// logTrain reports the train tracker, resets it and returns the snapshot
func (t *Trainer) logTrain(epoch, batchIdx int) map[string]float64 {
	t.writer.SetStep((epoch-1)*t.lenEpoch+batchIdx, "train")
	t.logger.Debugf("Train Epoch: %d %s Loss: %.6f",
		epoch, t.progress(batchIdx+1), t.trainMetrics.Avg(TotalLossName))
	t.writer.AddScalar(LearningRateName, t.step.GeneratorOptimizer().GetLR())
	t.logScalars(t.trainMetrics)

	result := t.trainMetrics.Result()
	t.trainMetrics.Reset()
	return result
}

func (t *Trainer) progressMetrics() map[string]float64 {
	out := map[string]float64{}
	if v := t.trainMetrics.Avg(loss.GeneratorLoss); !math.IsNaN(v) {
		out["g_loss"] = v
	}
	if v := t.trainMetrics.Avg(loss.DiscriminatorLoss); !math.IsNaN(v) {
		out["d_loss"] = v
	}
	return out
}

func (t *Trainer) progress(current int) string {
	return fmt.Sprintf("[%d/%d (%.0f%%)]", current, t.lenEpoch, 100*float64(current)/float64(t.lenEpoch))
}

func (t *Trainer) logScalars(tracker *MetricTracker) {
	for _, key := range tracker.Keys() {
		if tracker.Count(key) > 0 {
			t.writer.AddScalar(key, tracker.Avg(key))
		}
	}
}

// EvaluationEpoch runs one read-only pass over split, logs its averages at
// step epoch*LenEpoch and exports audio for the designated split.
func (t *Trainer) EvaluationEpoch(ctx context.Context, epoch int, split EvalSplit) (map[string]float64, error) {
	t.model.Eval()
	t.evalMetrics.Reset()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := split.Loader.Batches(ctx)

	bar := NewProgressBar(t.config.Progress, split.Name, split.Loader.Len())
	var last *data.Batch
	batchIdx := 0
	for b := range batches {
		if err := t.step.Process(b, ModeEval, t.evalMetrics); err != nil {
			if !(IsOutOfMemory(err) && t.config.SkipOOM) {
				return nil, errors.Wrapf(err, "%s epoch %d batch %d", split.Name, epoch, batchIdx)
			}
			t.logger.WithFields(logrus.Fields{
				"split": split.Name,
				"batch": batchIdx,
			}).WithError(err).Warn("OOM on batch. Skipping batch.")
		} else {
			last = b
		}
		batchIdx++
		bar.Update(batchIdx, nil)
	}
	if err := <-errs; err != nil {
		return nil, errors.Wrapf(err, "%s epoch %d", split.Name, epoch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bar.Finish()

	t.writer.SetStep(epoch*t.lenEpoch, split.Name)
	t.logScalars(t.evalMetrics)
	if split.Name == t.config.AudioSplit && last != nil {
		if err := t.exportAudio(last); err != nil {
			return nil, err
		}
	}
	memory.GetGlobalMemoryManager().EmptyCache()
	return t.evalMetrics.Result(), nil
}

// exportAudio writes the first AudioExamples generated and ground truth
// waveforms of b
func (t *Trainer) exportAudio(b *data.Batch) error {
	n := min(t.config.AudioExamples, b.Size())
	for i := 0; i < n; i++ {
		generated, err := row(b.AudioGenerated, i)
		if err != nil {
			return errors.Wrap(err, "generated audio")
		}
		groundTruth, err := row(b.AudioGT, i)
		if err != nil {
			return errors.Wrap(err, "ground truth audio")
		}
		if err := t.writer.AddAudio(fmt.Sprintf("audio_generated_%d", i), generated, t.config.SampleRate); err != nil {
			return errors.Wrapf(err, "failed to export audio_generated_%d", i)
		}
		if err := t.writer.AddAudio(fmt.Sprintf("audio_ground_truth_%d", i), groundTruth, t.config.SampleRate); err != nil {
			return errors.Wrapf(err, "failed to export audio_ground_truth_%d", i)
		}
	}
	return nil
}

// row copies example i of a [B, 1, L] waveform tensor
func row(t *tensor.Tensor, i int) ([]float32, error) {
	if t == nil {
		return nil, errors.New("waveform is missing")
	}
	if len(t.Shape) != 3 || t.Shape[1] != 1 {
		return nil, errors.Errorf("waveform must be [B, 1, L], got %v", t.Shape)
	}
	length := t.Shape[2]
	return slices.Clone(t.Data[i*length : (i+1)*length]), nil
}
