// Package data assembles padded training batches from audio examples.
package data

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/tensor"
)

// Item is one example before batching
type Item struct {
	Mel       [][]float32 // [n_mels][frames]
	Audio     []float32
	AudioPath string
}

// Frames returns the number of mel frames
func (it Item) Frames() int {
	if len(it.Mel) == 0 {
		return 0
	}
	return len(it.Mel[0])
}

// Batch is the record that flows through one training step. The loader fills
// the inputs, the model its outputs and the step the loss results. Every
// tensor shares the leading batch dimension and padding is right-aligned zeros.
type Batch struct {
	Mel       *tensor.Tensor // [B, n_mels, T]
	MelLength []int
	AudioGT   *tensor.Tensor // [B, 1, L]
	AudioPath []string

	AudioGenerated *tensor.Tensor // [B, 1, L']

	MPDGenerated   []*tensor.Tensor
	MPDGroundTruth []*tensor.Tensor
	MSDGenerated   []*tensor.Tensor
	MSDGroundTruth []*tensor.Tensor

	MPDFeaturesGenerated   [][]*tensor.Tensor
	MPDFeaturesGroundTruth [][]*tensor.Tensor
	MSDFeaturesGenerated   [][]*tensor.Tensor
	MSDFeaturesGroundTruth [][]*tensor.Tensor

	DiscriminatorLoss map[string]*tensor.Tensor
	GeneratorLoss     map[string]*tensor.Tensor
	TotalLoss         float64
}

// GeneratorOutput is what a generator pass adds to the batch
type GeneratorOutput struct {
	AudioGenerated *tensor.Tensor
}

// DiscriminatorOutput is what a discriminator pass adds to the batch.
// Feature maps are only present when Captured is set.
type DiscriminatorOutput struct {
	MPDGenerated   []*tensor.Tensor
	MPDGroundTruth []*tensor.Tensor
	MSDGenerated   []*tensor.Tensor
	MSDGroundTruth []*tensor.Tensor

	Captured               bool
	MPDFeaturesGenerated   [][]*tensor.Tensor
	MPDFeaturesGroundTruth [][]*tensor.Tensor
	MSDFeaturesGenerated   [][]*tensor.Tensor
	MSDFeaturesGroundTruth [][]*tensor.Tensor
}

// Size returns the batch dimension
func (b *Batch) Size() int {
	if b.Mel == nil {
		return 0
	}
	return b.Mel.Shape[0]
}

// ApplyGenerator stores the generated waveform
func (b *Batch) ApplyGenerator(out GeneratorOutput) {
	b.AudioGenerated = out.AudioGenerated
}

// ApplyDiscriminator replaces the stored scores. Feature maps are replaced
// only by a capturing pass, so a non-capturing pass leaves the previous maps.
func (b *Batch) ApplyDiscriminator(out DiscriminatorOutput) {
	b.MPDGenerated = out.MPDGenerated
	b.MPDGroundTruth = out.MPDGroundTruth
	b.MSDGenerated = out.MSDGenerated
	b.MSDGroundTruth = out.MSDGroundTruth
	if out.Captured {
		b.MPDFeaturesGenerated = out.MPDFeaturesGenerated
		b.MPDFeaturesGroundTruth = out.MPDFeaturesGroundTruth
		b.MSDFeaturesGenerated = out.MSDFeaturesGenerated
		b.MSDFeaturesGroundTruth = out.MSDFeaturesGroundTruth
	}
}

// ResetOutputs drops model outputs and loss results so the record can be
// processed again.
func (b *Batch) ResetOutputs() {
	*b = Batch{
		Mel:       b.Mel,
		MelLength: b.MelLength,
		AudioGT:   b.AudioGT,
		AudioPath: b.AudioPath,
	}
}

// Validate checks that every populated field agrees on the batch dimension
func (b *Batch) Validate() error {
	if b.Mel == nil || b.AudioGT == nil {
		return errors.New("batch is missing mel or audio_gt")
	}
	if len(b.Mel.Shape) != 3 {
		return errors.Errorf("mel must be [B, n_mels, T], got %v", b.Mel.Shape)
	}
	if len(b.AudioGT.Shape) != 3 || b.AudioGT.Shape[1] != 1 {
		return errors.Errorf("audio_gt must be [B, 1, L], got %v", b.AudioGT.Shape)
	}

	n := b.Mel.Shape[0]
	check := func(name string, t *tensor.Tensor) error {
		if t != nil && t.Shape[0] != n {
			return errors.Errorf("%s has batch dimension %d, expected %d", name, t.Shape[0], n)
		}
		return nil
	}
	if err := check("audio_gt", b.AudioGT); err != nil {
		return err
	}
	if err := check("audio_generated", b.AudioGenerated); err != nil {
		return err
	}
	if len(b.MelLength) != n {
		return errors.Errorf("mel_length has %d entries, expected %d", len(b.MelLength), n)
	}
	if len(b.AudioPath) != n {
		return errors.Errorf("audio_path has %d entries, expected %d", len(b.AudioPath), n)
	}
	for i, l := range b.MelLength {
		if l <= 0 || l > b.Mel.Shape[2] {
			return errors.Errorf("mel_length[%d] = %d outside (0, %d]", i, l, b.Mel.Shape[2])
		}
	}
	return nil
}
