package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vocoder/layers"
	"github.com/tsawler/go-vocoder/tensor"
)

// convStack runs convolutions with leaky ReLU in between and a final
// projection to one channel. Every activation is returned as a feature map.
type convStack struct {
	convs []*layers.Conv1d
	post  *layers.Conv1d
}

func (s *convStack) forward(x *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	var fmap []*tensor.Tensor
	var err error
	for i, conv := range s.convs {
		if x, err = conv.Forward(x); err != nil {
			return nil, nil, fmt.Errorf("conv %d: %w", i, err)
		}
		if x, err = tensor.LeakyReLU(x, leakySlope); err != nil {
			return nil, nil, err
		}
		fmap = append(fmap, x)
	}
	if x, err = s.post.Forward(x); err != nil {
		return nil, nil, fmt.Errorf("conv_post: %w", err)
	}
	fmap = append(fmap, x)
	return x, fmap, nil
}

func (s *convStack) parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, c := range s.convs {
		params = append(params, c.Parameters()...)
	}
	return append(params, s.post.Parameters()...)
}

// PeriodDiscriminator judges a waveform folded into period interleaved rows
type PeriodDiscriminator struct {
	period int
	stack  convStack
}

func NewPeriodDiscriminator(rng *rand.Rand, period int, cfg DiscriminatorConfig) (*PeriodDiscriminator, error) {
	d := &PeriodDiscriminator{period: period}
	in := 1
	for i, out := range cfg.PeriodChannels {
		stride := cfg.PeriodStride
		if i == len(cfg.PeriodChannels)-1 {
			stride = 1
		}
		conv, err := layers.NewConv1d(rng, in, out, cfg.PeriodKernel, stride, layers.GetPadding(cfg.PeriodKernel, 1), 1, true)
		if err != nil {
			return nil, err
		}
		d.stack.convs = append(d.stack.convs, conv)
		in = out
	}
	post, err := layers.NewConv1d(rng, in, 1, 3, 1, 1, 1, true)
	if err != nil {
		return nil, err
	}
	d.stack.post = post
	return d, nil
}

// Forward returns scores [B, rows*steps] and per-layer feature maps
func (d *PeriodDiscriminator) Forward(audio *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	folded, err := tensor.Fold(audio, d.period)
	if err != nil {
		return nil, nil, fmt.Errorf("period %d: %w", d.period, err)
	}
	out, fmap, err := d.stack.forward(folded)
	if err != nil {
		return nil, nil, fmt.Errorf("period %d: %w", d.period, err)
	}
	score, err := tensor.Reshape(out, []int{audio.Shape[0], -1})
	if err != nil {
		return nil, nil, err
	}
	return score, fmap, nil
}

func (d *PeriodDiscriminator) Parameters() []*tensor.Tensor { return d.stack.parameters() }

// ScaleDiscriminator judges a waveform at one temporal resolution
type ScaleDiscriminator struct {
	stack convStack
}

func NewScaleDiscriminator(rng *rand.Rand, cfg DiscriminatorConfig) (*ScaleDiscriminator, error) {
	d := &ScaleDiscriminator{}
	in := 1
	for i, out := range cfg.ScaleChannels {
		k := cfg.ScaleKernels[i]
		conv, err := layers.NewConv1d(rng, in, out, k, cfg.ScaleStrides[i], layers.GetPadding(k, 1), 1, true)
		if err != nil {
			return nil, err
		}
		d.stack.convs = append(d.stack.convs, conv)
		in = out
	}
	post, err := layers.NewConv1d(rng, in, 1, 3, 1, 1, 1, true)
	if err != nil {
		return nil, err
	}
	d.stack.post = post
	return d, nil
}

func (d *ScaleDiscriminator) Forward(audio *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	out, fmap, err := d.stack.forward(audio)
	if err != nil {
		return nil, nil, err
	}
	score, err := tensor.Reshape(out, []int{audio.Shape[0], -1})
	if err != nil {
		return nil, nil, err
	}
	return score, fmap, nil
}

func (d *ScaleDiscriminator) Parameters() []*tensor.Tensor { return d.stack.parameters() }

// subDiscriminator is implemented by both families
type subDiscriminator interface {
	Forward(audio *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// MultiPeriodDiscriminator runs one PeriodDiscriminator per period
type MultiPeriodDiscriminator struct {
	discriminators []*PeriodDiscriminator
}

func NewMultiPeriodDiscriminator(rng *rand.Rand, cfg DiscriminatorConfig) (*MultiPeriodDiscriminator, error) {
	m := &MultiPeriodDiscriminator{}
	for _, p := range cfg.Periods {
		d, err := NewPeriodDiscriminator(rng, p, cfg)
		if err != nil {
			return nil, err
		}
		m.discriminators = append(m.discriminators, d)
	}
	return m, nil
}

// Forward returns one score tensor and one feature map list per period
func (m *MultiPeriodDiscriminator) Forward(audio *tensor.Tensor) ([]*tensor.Tensor, [][]*tensor.Tensor, error) {
	var scores []*tensor.Tensor
	var fmaps [][]*tensor.Tensor
	for _, d := range m.discriminators {
		score, fmap, err := d.Forward(audio)
		if err != nil {
			return nil, nil, err
		}
		scores = append(scores, score)
		fmaps = append(fmaps, fmap)
	}
	return scores, fmaps, nil
}

func (m *MultiPeriodDiscriminator) Parameters() []*tensor.Tensor {
	return collectParameters(m.discriminators)
}

// MultiScaleDiscriminator runs its sub-discriminators on progressively
// average-pooled copies of the waveform.
type MultiScaleDiscriminator struct {
	discriminators []*ScaleDiscriminator
	pool           *layers.AvgPool1d
}

func NewMultiScaleDiscriminator(rng *rand.Rand, cfg DiscriminatorConfig) (*MultiScaleDiscriminator, error) {
	m := &MultiScaleDiscriminator{pool: layers.NewAvgPool1d(4, 2, 2)}
	for i := 0; i < cfg.Scales; i++ {
		d, err := NewScaleDiscriminator(rng, cfg)
		if err != nil {
			return nil, err
		}
		m.discriminators = append(m.discriminators, d)
	}
	return m, nil
}

func (m *MultiScaleDiscriminator) Forward(audio *tensor.Tensor) ([]*tensor.Tensor, [][]*tensor.Tensor, error) {
	var scores []*tensor.Tensor
	var fmaps [][]*tensor.Tensor
	x := audio
	for i, d := range m.discriminators {
		if i > 0 {
			var err error
			if x, err = m.pool.Forward(x); err != nil {
				return nil, nil, fmt.Errorf("scale %d pooling: %w", i, err)
			}
		}
		score, fmap, err := d.Forward(x)
		if err != nil {
			return nil, nil, fmt.Errorf("scale %d: %w", i, err)
		}
		scores = append(scores, score)
		fmaps = append(fmaps, fmap)
	}
	return scores, fmaps, nil
}

func (m *MultiScaleDiscriminator) Parameters() []*tensor.Tensor {
	return collectParameters(m.discriminators)
}

func collectParameters[D subDiscriminator](ds []D) []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, d := range ds {
		params = append(params, d.Parameters()...)
	}
	return params
}
