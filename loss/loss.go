// Package loss computes the adversarial, feature-matching and mel
// reconstruction objectives of HiFi-GAN training.
package loss

import (
	"slices"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/tsawler/go-vocoder/audio"
	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/tensor"
)

// Names of the discriminator loss terms
const (
	MPDLoss           = "mpd_loss"
	MSDLoss           = "msd_loss"
	DiscriminatorLoss = "discriminator_loss"
)

// Names of the generator loss terms
const (
	GeneratorLoss              = "generator_loss"
	MelLoss                    = "mel_loss"
	GeneratorDiscriminatorLoss = "generator_discriminator_loss"
	FeatureMatchingLoss        = "feature_matching_loss"
	GeneratorMPDLoss           = "generator_mpd_loss"
	GeneratorMSDLoss           = "generator_msd_loss"
	MPDFeatureMatchingLoss     = "mpd_feature_matching_loss"
	MSDFeatureMatchingLoss     = "msd_feature_matching_loss"
)

// DiscriminatorNames lists the keys of a discriminator Result
var DiscriminatorNames = []string{MPDLoss, MSDLoss, DiscriminatorLoss}

// GeneratorNames lists the keys of a generator Result
var GeneratorNames = []string{
	GeneratorLoss, MelLoss, GeneratorDiscriminatorLoss, FeatureMatchingLoss,
	GeneratorMPDLoss, GeneratorMSDLoss, MPDFeatureMatchingLoss, MSDFeatureMatchingLoss,
}

// Result maps loss names to scalar tensors. A Result is built fresh for every
// stage and is not modified after it is returned.
type Result map[string]*tensor.Tensor

// Value returns the named scalar as a float
func (r Result) Value(name string) (float64, error) {
	t, ok := r[name]
	if !ok {
		return 0, errors.Errorf("loss %q not present", name)
	}
	return t.Item()
}

// Scalars returns every term as a float
func (r Result) Scalars() map[string]float64 {
	out := make(map[string]float64, len(r))
	for name, t := range r {
		out[name] = float64(t.Data[0])
	}
	return out
}

// Names returns the keys in sorted order
func (r Result) Names() []string {
	names := lo.Keys(r)
	sort.Strings(names)
	return names
}

// Config holds the weights of the generator objective
type Config struct {
	FMLossLambda  float64 `yaml:"fm_loss_lambda" json:"fm_loss_lambda"`
	MelLossLambda float64 `yaml:"mel_loss_lambda" json:"mel_loss_lambda"`
}

// DefaultConfig returns λ_fm = 2 and λ_mel = 45
func DefaultConfig() Config {
	return Config{FMLossLambda: 2, MelLossLambda: 45}
}

// Validate rejects negative weights
func (c Config) Validate() error {
	if c.FMLossLambda < 0 || c.MelLossLambda < 0 {
		return errors.Errorf("loss weights must be non-negative, got fm=%g mel=%g", c.FMLossLambda, c.MelLossLambda)
	}
	return nil
}

// HiFiGANLoss aggregates the discriminator and generator objectives. It
// only reads the batch and never updates parameters.
type HiFiGANLoss struct {
	config Config
	mel    *audio.MelSpectrogram
}

// New creates the aggregator. mel must be the transform that produced the
// ground-truth spectrograms.
func New(config Config, mel *audio.MelSpectrogram) (*HiFiGANLoss, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if mel == nil {
		return nil, errors.New("mel transform is required")
	}
	return &HiFiGANLoss{config: config, mel: mel}, nil
}

// Config returns the loss weights
func (l *HiFiGANLoss) Config() Config { return l.config }

// Discriminator computes mpd_loss, msd_loss and their sum discriminator_loss
// from the scores stored in b.
func (l *HiFiGANLoss) Discriminator(b *data.Batch) (Result, error) {
	mpd, err := DiscriminatorAdversarialLoss(b.MPDGenerated, b.MPDGroundTruth)
	if err != nil {
		return nil, errors.Wrap(err, "multi-period discriminator loss")
	}
	msd, err := DiscriminatorAdversarialLoss(b.MSDGenerated, b.MSDGroundTruth)
	if err != nil {
		return nil, errors.Wrap(err, "multi-scale discriminator loss")
	}
	total, err := tensor.Add(mpd, msd)
	if err != nil {
		return nil, err
	}
	return Result{MPDLoss: mpd, MSDLoss: msd, DiscriminatorLoss: total}, nil
}

// Generator computes the generator objective
//
//	generator_loss = adv + λ_fm·fm + λ_mel·mel
//
// together with all of its components.
func (l *HiFiGANLoss) Generator(b *data.Batch) (Result, error) {
	mel, err := l.MelLoss(b.AudioGenerated, b.Mel)
	if err != nil {
		return nil, errors.Wrap(err, "mel loss")
	}

	advMPD, err := GeneratorAdversarialLoss(b.MPDGenerated)
	if err != nil {
		return nil, errors.Wrap(err, "multi-period adversarial loss")
	}
	advMSD, err := GeneratorAdversarialLoss(b.MSDGenerated)
	if err != nil {
		return nil, errors.Wrap(err, "multi-scale adversarial loss")
	}
	adv, err := tensor.Add(advMSD, advMPD)
	if err != nil {
		return nil, err
	}

	fmMPD, err := FeatureMatching(b.MPDFeaturesGenerated, b.MPDFeaturesGroundTruth)
	if err != nil {
		return nil, errors.Wrap(err, "multi-period feature matching")
	}
	fmMSD, err := FeatureMatching(b.MSDFeaturesGenerated, b.MSDFeaturesGroundTruth)
	if err != nil {
		return nil, errors.Wrap(err, "multi-scale feature matching")
	}
	fm, err := tensor.Add(fmMSD, fmMPD)
	if err != nil {
		return nil, err
	}

	weightedFM, err := tensor.Scale(fm, float32(l.config.FMLossLambda))
	if err != nil {
		return nil, err
	}
	weightedMel, err := tensor.Scale(mel, float32(l.config.MelLossLambda))
	if err != nil {
		return nil, err
	}
	total, err := tensor.Add(adv, weightedFM)
	if err != nil {
		return nil, err
	}
	if total, err = tensor.Add(total, weightedMel); err != nil {
		return nil, err
	}

	return Result{
		GeneratorLoss:              total,
		MelLoss:                    mel,
		GeneratorDiscriminatorLoss: adv,
		FeatureMatchingLoss:        fm,
		GeneratorMPDLoss:           advMPD,
		GeneratorMSDLoss:           advMSD,
		MPDFeatureMatchingLoss:     fmMPD,
		MSDFeatureMatchingLoss:     fmMSD,
	}, nil
}

// MelLoss compares the mel spectrogram of the generated audio with the
// ground truth using mean absolute error. When the generated spectrogram is
// longer the ground truth is right padded with zeros, when it is shorter the
// ground truth is cut to the generated length.
func (l *HiFiGANLoss) MelLoss(audioGenerated, melGT *tensor.Tensor) (*tensor.Tensor, error) {
	if audioGenerated == nil || melGT == nil {
		return nil, errors.New("mel loss needs generated audio and ground-truth mel")
	}
	melGen, err := l.mel.Forward(audioGenerated)
	if err != nil {
		return nil, err
	}
	if len(melGT.Shape) != 3 || melGT.Shape[0] != melGen.Shape[0] || melGT.Shape[1] != melGen.Shape[1] {
		return nil, errors.Errorf("ground-truth mel %v incompatible with generated mel %v", melGT.Shape, melGen.Shape)
	}

	target := melGT
	genFrames, gtFrames := melGen.Shape[2], melGT.Shape[2]
	switch {
	case genFrames > gtFrames:
		target, err = tensor.PadRight(melGT, genFrames-gtFrames)
	case genFrames < gtFrames:
		target, err = tensor.Truncate(melGT, genFrames)
	}
	if err != nil {
		return nil, err
	}
	return L1(melGen, target)
}

// DiscriminatorAdversarialLoss is Σ mean((gt-1)²) + mean(gen²) over the
// sub-discriminators.
func DiscriminatorAdversarialLoss(generated, groundTruth []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(generated) != len(groundTruth) {
		return nil, errors.Errorf("%d generated scores but %d ground-truth scores", len(generated), len(groundTruth))
	}
	if len(generated) == 0 {
		return nil, errors.New("no discriminator scores")
	}

	var total *tensor.Tensor
	for i := range generated {
		shifted, err := tensor.AddScalar(groundTruth[i], -1)
		if err != nil {
			return nil, err
		}
		gtLoss, err := meanSquare(shifted)
		if err != nil {
			return nil, err
		}
		genLoss, err := meanSquare(generated[i])
		if err != nil {
			return nil, err
		}
		term, err := tensor.Add(gtLoss, genLoss)
		if err != nil {
			return nil, err
		}
		if total, err = accumulate(total, term); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// GeneratorAdversarialLoss is Σ mean((gen-1)²) over the sub-discriminators
func GeneratorAdversarialLoss(generated []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(generated) == 0 {
		return nil, errors.New("no discriminator scores")
	}
	var total *tensor.Tensor
	for _, g := range generated {
		shifted, err := tensor.AddScalar(g, -1)
		if err != nil {
			return nil, err
		}
		term, err := meanSquare(shifted)
		if err != nil {
			return nil, err
		}
		if total, err = accumulate(total, term); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// FeatureMatching is the sum over sub-discriminators and layers of the mean
// absolute difference between generated and ground-truth feature maps.
func FeatureMatching(generated, groundTruth [][]*tensor.Tensor) (*tensor.Tensor, error) {
	if len(generated) != len(groundTruth) {
		return nil, errors.Errorf("%d generated feature lists but %d ground-truth lists", len(generated), len(groundTruth))
	}
	if len(generated) == 0 {
		return nil, errors.New("no feature maps captured")
	}

	var total *tensor.Tensor
	for i := range generated {
		if len(generated[i]) != len(groundTruth[i]) {
			return nil, errors.Errorf("sub-discriminator %d: %d generated maps but %d ground-truth maps",
				i, len(generated[i]), len(groundTruth[i]))
		}
		for j := range generated[i] {
			term, err := L1(generated[i][j], groundTruth[i][j])
			if err != nil {
				return nil, errors.Wrapf(err, "sub-discriminator %d layer %d", i, j)
			}
			if total, err = accumulate(total, term); err != nil {
				return nil, err
			}
		}
	}
	return total, nil
}

// L1 returns mean(|a-b|); shapes must match
func L1(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !slices.Equal(a.Shape, b.Shape) {
		return nil, errors.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	diff, err := tensor.Sub(a, b)
	if err != nil {
		return nil, err
	}
	abs, err := tensor.Abs(diff)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(abs)
}

func meanSquare(t *tensor.Tensor) (*tensor.Tensor, error) {
	sq, err := tensor.Square(t)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(sq)
}

func accumulate(total, term *tensor.Tensor) (*tensor.Tensor, error) {
	if total == nil {
		return term, nil
	}
	return tensor.Add(total, term)
}
