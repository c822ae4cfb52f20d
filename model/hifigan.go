package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/layers"
	"github.com/tsawler/go-vocoder/tensor"
)

// HiFiGAN bundles the generator with both discriminator families. The
// generator and discriminator parameter groups are disjoint.
type HiFiGAN struct {
	config    Config
	generator *Generator
	mpd       *MultiPeriodDiscriminator
	msd       *MultiScaleDiscriminator
	training  bool
}

// New builds a model with weights drawn from rng
func New(rng *rand.Rand, config Config) (*HiFiGAN, error) {
	if rng == nil {
		return nil, errors.New("random source cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid model config")
	}

	gen, err := NewGenerator(rng, config.NMels, config.Generator)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build generator")
	}
	mpd, err := NewMultiPeriodDiscriminator(rng, config.Discriminator)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build multi-period discriminator")
	}
	msd, err := NewMultiScaleDiscriminator(rng, config.Discriminator)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build multi-scale discriminator")
	}

	return &HiFiGAN{
		config:    config,
		generator: gen,
		mpd:       mpd,
		msd:       msd,
		training:  true,
	}, nil
}

// Config returns the architecture the model was built with
func (m *HiFiGAN) Config() Config { return m.config }

// ForwardGenerator synthesises a waveform from the batch spectrogram
func (m *HiFiGAN) ForwardGenerator(b *data.Batch) (data.GeneratorOutput, error) {
	if b.Mel == nil {
		return data.GeneratorOutput{}, errors.New("batch has no mel spectrogram")
	}
	audio, err := m.generator.Forward(b.Mel)
	if err != nil {
		return data.GeneratorOutput{}, errors.Wrap(err, "generator forward failed")
	}
	return data.GeneratorOutput{AudioGenerated: audio}, nil
}

// ForwardDiscriminator scores the ground truth and generated waveforms with
// both discriminator families. A capturing pass also returns the per-layer
// feature maps. With detachGenerated set the generated waveform is cut from
// the generator graph so gradients reach only the discriminators; otherwise
// the scores can train the generator. The ground truth is aligned to the
// generated length with trailing zeros or truncation.
func (m *HiFiGAN) ForwardDiscriminator(b *data.Batch, captureFeatures, detachGenerated bool) (data.DiscriminatorOutput, error) {
	if b.AudioGenerated == nil || b.AudioGT == nil {
		return data.DiscriminatorOutput{}, errors.New("batch needs audio_gt and audio_generated")
	}

	generated := b.AudioGenerated
	if detachGenerated {
		generated = tensor.Detach(generated)
	}
	truth, err := alignLength(b.AudioGT, generated.Shape[len(generated.Shape)-1])
	if err != nil {
		return data.DiscriminatorOutput{}, err
	}

	out := data.DiscriminatorOutput{Captured: captureFeatures}
	var mpdFmapGen, mpdFmapReal, msdFmapGen, msdFmapReal [][]*tensor.Tensor

	if out.MPDGenerated, mpdFmapGen, err = m.mpd.Forward(generated); err != nil {
		return data.DiscriminatorOutput{}, errors.Wrap(err, "multi-period discriminator (generated)")
	}
	if out.MPDGroundTruth, mpdFmapReal, err = m.mpd.Forward(truth); err != nil {
		return data.DiscriminatorOutput{}, errors.Wrap(err, "multi-period discriminator (ground truth)")
	}
	if out.MSDGenerated, msdFmapGen, err = m.msd.Forward(generated); err != nil {
		return data.DiscriminatorOutput{}, errors.Wrap(err, "multi-scale discriminator (generated)")
	}
	if out.MSDGroundTruth, msdFmapReal, err = m.msd.Forward(truth); err != nil {
		return data.DiscriminatorOutput{}, errors.Wrap(err, "multi-scale discriminator (ground truth)")
	}

	if captureFeatures {
		out.MPDFeaturesGenerated = mpdFmapGen
		out.MPDFeaturesGroundTruth = mpdFmapReal
		out.MSDFeaturesGenerated = msdFmapGen
		out.MSDFeaturesGroundTruth = msdFmapReal
	}
	return out, nil
}

func alignLength(t *tensor.Tensor, length int) (*tensor.Tensor, error) {
	current := t.Shape[len(t.Shape)-1]
	switch {
	case current < length:
		return tensor.PadRight(t, length-current)
	case current > length:
		return tensor.Truncate(t, length)
	default:
		return t, nil
	}
}

// GeneratorParameters returns the generator parameter group
func (m *HiFiGAN) GeneratorParameters() []*tensor.Tensor {
	return m.generator.Parameters()
}

// DiscriminatorParameters returns the parameters of both discriminator families
func (m *HiFiGAN) DiscriminatorParameters() []*tensor.Tensor {
	return append(m.mpd.Parameters(), m.msd.Parameters()...)
}

func (m *HiFiGAN) Train() {
	m.training = true
	m.generator.Train()
}

func (m *HiFiGAN) Eval() {
	m.training = false
	m.generator.Eval()
}

func (m *HiFiGAN) IsTraining() bool { return m.training }

// Summary reports the parameter count of every component
func (m *HiFiGAN) Summary() string {
	var b strings.Builder
	g := layers.CountParameters(m.GeneratorParameters())
	mpd := layers.CountParameters(m.mpd.Parameters())
	msd := layers.CountParameters(m.msd.Parameters())
	fmt.Fprintf(&b, "HiFiGAN\n")
	fmt.Fprintf(&b, "  generator:                  %d parameters\n", g)
	fmt.Fprintf(&b, "  multi-period discriminator: %d parameters (periods %v)\n", mpd, m.config.Discriminator.Periods)
	fmt.Fprintf(&b, "  multi-scale discriminator:  %d parameters (%d scales)\n", msd, m.config.Discriminator.Scales)
	fmt.Fprintf(&b, "Trainable parameters: %d", g+mpd+msd)
	return b.String()
}
