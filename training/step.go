package training

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/memory"
	"github.com/tsawler/go-vocoder/tensor"
)

// Model is the generator/discriminator pair trained by Step. The two
// parameter groups must be disjoint.
type Model interface {
	ForwardGenerator(b *data.Batch) (data.GeneratorOutput, error)
	ForwardDiscriminator(b *data.Batch, captureFeatures, detachGenerated bool) (data.DiscriminatorOutput, error)
	GeneratorParameters() []*tensor.Tensor
	DiscriminatorParameters() []*tensor.Tensor
	Train()
	Eval()
}

// Criterion computes the loss mappings of both stages from the batch record
type Criterion interface {
	Discriminator(b *data.Batch) (loss.Result, error)
	Generator(b *data.Batch) (loss.Result, error)
}

// Mode selects between an updating and a read-only pass
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	if m == ModeEval {
		return "eval"
	}
	return "train"
}

// Stage is a state of the per-batch protocol
type Stage int

const (
	StageIdle Stage = iota
	StageGenForward
	StageDiscUpdate
	StageGenUpdate
	StageEvaluate
	StageMetricRecord
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "IDLE"
	case StageGenForward:
		return "GEN_FORWARD"
	case StageDiscUpdate:
		return "DISC_UPDATE"
	case StageGenUpdate:
		return "GEN_UPDATE"
	case StageEvaluate:
		return "EVALUATE"
	case StageMetricRecord:
		return "METRIC_RECORD"
	case StageDone:
		return "DONE"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// TotalLossName is the reporting-only sum of both stage totals
const TotalLossName = "total_loss"

// StepConfig holds the per-batch options
type StepConfig struct {
	// GradNormClip bounds the gradient norm of each group; 0 disables clipping
	GradNormClip float64

	// RefreshFeatureMaps recaptures feature maps under the updated
	// discriminator for the generator stage. When false the generator's
	// feature-matching term uses the maps captured before the discriminator
	// step while its adversarial term uses post-step scores.
	RefreshFeatureMaps bool
}

// Step runs one batch through the alternating update:
//
//	GEN_FORWARD -> DISC_UPDATE -> GEN_UPDATE -> METRIC_RECORD -> DONE
//
// In eval mode DISC_UPDATE and GEN_UPDATE are replaced by one read-only
// EVALUATE pass. The discriminators are always updated before the generator,
// and the generator is scored by the updated discriminators.
type Step struct {
	model     Model
	criterion Criterion
	genOpt    Optimizer
	discOpt   Optimizer
	metrics   []Metric
	config    StepConfig

	stage Stage
}

// NewStep wires the orchestrator. The optimizers must own the model's
// generator and discriminator parameters respectively.
func NewStep(model Model, criterion Criterion, genOpt, discOpt Optimizer, metrics []Metric, config StepConfig) (*Step, error) {
	if model == nil || criterion == nil || genOpt == nil || discOpt == nil {
		return nil, errors.New("step needs a model, a criterion and both optimizers")
	}
	if config.GradNormClip < 0 {
		return nil, errors.Errorf("grad norm clip must be positive or zero (disabled), got %g", config.GradNormClip)
	}
	return &Step{
		model:     model,
		criterion: criterion,
		genOpt:    genOpt,
		discOpt:   discOpt,
		metrics:   metrics,
		config:    config,
	}, nil
}

// Stage returns the stage the last Process call reached. After a failure it
// names the stage that failed.
func (s *Step) Stage() Stage { return s.stage }

// Metrics returns the externally supplied metrics
func (s *Step) Metrics() []Metric { return s.metrics }

// Model returns the vocoder the step trains
func (s *Step) Model() Model { return s.model }

// GeneratorOptimizer returns the optimizer of the generator parameters
func (s *Step) GeneratorOptimizer() Optimizer { return s.genOpt }

// DiscriminatorOptimizer returns the optimizer of the discriminator parameters
func (s *Step) DiscriminatorOptimizer() Optimizer { return s.discOpt }

// Process runs the protocol for one batch and records every loss term and
// metric into tracker. The memory cache is released before and after the
// batch. On memory exhaustion the batch is abandoned: the gradients of both
// groups are discarded, nothing is recorded and the error is returned for the
// caller to skip.
func (s *Step) Process(b *data.Batch, mode Mode, tracker *MetricTracker) (err error) {
	s.stage = StageIdle
	b.ResetOutputs()
	// the budget limits the peak of a single batch
	mm := memory.GetGlobalMemoryManager()
	mm.EmptyCache()
	defer mm.EmptyCache()
	defer func() {
		if err != nil && IsOutOfMemory(err) {
			s.abandon(b)
		}
	}()

	if err := b.Validate(); err != nil {
		return errors.Wrap(err, "invalid batch")
	}

	if mode == ModeEval {
		err = tensor.NoGrad(func() error { return s.process(b, mode, tracker) })
	} else {
		err = s.process(b, mode, tracker)
	}
	return err
}

func (s *Step) process(b *data.Batch, mode Mode, tracker *MetricTracker) error {
	s.stage = StageGenForward
	gen, err := s.model.ForwardGenerator(b)
	if err != nil {
		return s.fail(err)
	}
	b.ApplyGenerator(gen)

	var discLoss, genLoss loss.Result
	if mode == ModeTrain {
		s.stage = StageDiscUpdate
		if discLoss, err = s.discriminatorUpdate(b); err != nil {
			return s.fail(err)
		}
		s.stage = StageGenUpdate
		if genLoss, err = s.generatorUpdate(b); err != nil {
			return s.fail(err)
		}
	} else {
		s.stage = StageEvaluate
		if discLoss, genLoss, err = s.evaluate(b); err != nil {
			return s.fail(err)
		}
	}

	b.DiscriminatorLoss = discLoss
	b.GeneratorLoss = genLoss
	dTotal, err := discLoss.Value(loss.DiscriminatorLoss)
	if err != nil {
		return s.fail(err)
	}
	gTotal, err := genLoss.Value(loss.GeneratorLoss)
	if err != nil {
		return s.fail(err)
	}
	b.TotalLoss = gTotal + dTotal

	s.stage = StageMetricRecord
	if err := s.record(b, discLoss, genLoss, tracker); err != nil {
		return s.fail(err)
	}
	s.stage = StageDone
	return nil
}

func (s *Step) discriminatorUpdate(b *data.Batch) (loss.Result, error) {
	s.discOpt.ZeroGrad()

	out, err := s.model.ForwardDiscriminator(b, true, true)
	if err != nil {
		return nil, err
	}
	b.ApplyDiscriminator(out)

	result, err := s.criterion.Discriminator(b)
	if err != nil {
		return nil, err
	}
	if err := result[loss.DiscriminatorLoss].Backward(); err != nil {
		return nil, errors.Wrap(err, "discriminator backward")
	}
	if err := s.clip(s.discOpt); err != nil {
		return nil, err
	}
	if err := s.discOpt.Step(); err != nil {
		return nil, errors.Wrap(err, "discriminator optimizer step")
	}
	return result, nil
}

func (s *Step) generatorUpdate(b *data.Batch) (loss.Result, error) {
	s.genOpt.ZeroGrad()

	out, err := s.model.ForwardDiscriminator(b, s.config.RefreshFeatureMaps, false)
	if err != nil {
		return nil, err
	}
	b.ApplyDiscriminator(out)

	result, err := s.criterion.Generator(b)
	if err != nil {
		return nil, err
	}
	if err := result[loss.GeneratorLoss].Backward(); err != nil {
		return nil, errors.Wrap(err, "generator backward")
	}
	if err := s.clip(s.genOpt); err != nil {
		return nil, err
	}
	if err := s.genOpt.Step(); err != nil {
		return nil, errors.Wrap(err, "generator optimizer step")
	}
	return result, nil
}

func (s *Step) evaluate(b *data.Batch) (loss.Result, loss.Result, error) {
	out, err := s.model.ForwardDiscriminator(b, true, true)
	if err != nil {
		return nil, nil, err
	}
	b.ApplyDiscriminator(out)

	discLoss, err := s.criterion.Discriminator(b)
	if err != nil {
		return nil, nil, err
	}
	genLoss, err := s.criterion.Generator(b)
	if err != nil {
		return nil, nil, err
	}
	return discLoss, genLoss, nil
}

func (s *Step) clip(opt Optimizer) error {
	if s.config.GradNormClip == 0 {
		return nil
	}
	_, err := ClipGradNorm(opt.Parameters(), s.config.GradNormClip)
	return err
}

func (s *Step) record(b *data.Batch, discLoss, genLoss loss.Result, tracker *MetricTracker) error {
	// metrics are computed first so a failing metric leaves the tracker untouched
	values := make([]float64, len(s.metrics))
	for i, m := range s.metrics {
		v, err := m.Compute(b)
		if err != nil {
			return errors.Wrapf(err, "metric %s", m.Name())
		}
		values[i] = v
	}

	for _, name := range loss.DiscriminatorNames {
		v, err := discLoss.Value(name)
		if err != nil {
			return err
		}
		tracker.Update(name, v)
	}
	tracker.Update(TotalLossName, b.TotalLoss)
	for _, name := range loss.GeneratorNames {
		v, err := genLoss.Value(name)
		if err != nil {
			return err
		}
		tracker.Update(name, v)
	}
	for i, m := range s.metrics {
		tracker.Update(m.Name(), values[i])
	}
	return nil
}

func (s *Step) fail(err error) error {
	return errors.Wrapf(err, "stage %s", s.stage)
}

// abandon drops everything the failed batch produced
func (s *Step) abandon(b *data.Batch) {
	tensor.ZeroGrad(s.model.GeneratorParameters())
	tensor.ZeroGrad(s.model.DiscriminatorParameters())
	b.ResetOutputs()
}
