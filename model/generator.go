package model

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-vocoder/layers"
	"github.com/tsawler/go-vocoder/tensor"
)

const leakySlope = 0.1

// ResBlock is a stack of dilated residual convolution pairs
type ResBlock struct {
	convs1   []*layers.Conv1d
	convs2   []*layers.Conv1d
	training bool
}

func NewResBlock(rng *rand.Rand, channels, kernelSize int, dilations []int) (*ResBlock, error) {
	rb := &ResBlock{training: true}
	for _, d := range dilations {
		c1, err := layers.NewConv1d(rng, channels, channels, kernelSize, 1, layers.GetPadding(kernelSize, d), d, true)
		if err != nil {
			return nil, err
		}
		c2, err := layers.NewConv1d(rng, channels, channels, kernelSize, 1, layers.GetPadding(kernelSize, 1), 1, true)
		if err != nil {
			return nil, err
		}
		rb.convs1 = append(rb.convs1, c1)
		rb.convs2 = append(rb.convs2, c2)
	}
	return rb, nil
}

func (rb *ResBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	for i := range rb.convs1 {
		xt, err := tensor.LeakyReLU(x, leakySlope)
		if err != nil {
			return nil, err
		}
		if xt, err = rb.convs1[i].Forward(xt); err != nil {
			return nil, err
		}
		if xt, err = tensor.LeakyReLU(xt, leakySlope); err != nil {
			return nil, err
		}
		if xt, err = rb.convs2[i].Forward(xt); err != nil {
			return nil, err
		}
		if x, err = tensor.Add(xt, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (rb *ResBlock) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for i := range rb.convs1 {
		params = append(params, rb.convs1[i].Parameters()...)
		params = append(params, rb.convs2[i].Parameters()...)
	}
	return params
}

func (rb *ResBlock) Train()           { rb.training = true }
func (rb *ResBlock) Eval()            { rb.training = false }
func (rb *ResBlock) IsTraining() bool { return rb.training }

// Generator upsamples a mel spectrogram [B, n_mels, T] into a waveform
// [B, 1, T*hop] with values in (-1, 1).
type Generator struct {
	convPre   *layers.Conv1d
	ups       []*layers.ConvTranspose1d
	resblocks [][]*ResBlock // per upsample stage
	convPost  *layers.Conv1d
	training  bool
}

func NewGenerator(rng *rand.Rand, nMels int, cfg GeneratorConfig) (*Generator, error) {
	ch := cfg.UpsampleInitialChannel
	convPre, err := layers.NewConv1d(rng, nMels, ch, 7, 1, 3, 1, true)
	if err != nil {
		return nil, fmt.Errorf("conv_pre: %w", err)
	}
	g := &Generator{convPre: convPre, training: true}

	for i, rate := range cfg.UpsampleRates {
		k := cfg.UpsampleKernelSizes[i]
		up, err := layers.NewConvTranspose1d(rng, ch, ch/2, k, rate, (k-rate)/2, true)
		if err != nil {
			return nil, fmt.Errorf("upsample %d: %w", i, err)
		}
		ch /= 2
		g.ups = append(g.ups, up)

		var stage []*ResBlock
		for j, rk := range cfg.ResblockKernelSizes {
			rb, err := NewResBlock(rng, ch, rk, cfg.ResblockDilationSizes[j])
			if err != nil {
				return nil, fmt.Errorf("resblock %d.%d: %w", i, j, err)
			}
			stage = append(stage, rb)
		}
		g.resblocks = append(g.resblocks, stage)
	}

	g.convPost, err = layers.NewConv1d(rng, ch, 1, 7, 1, 3, 1, true)
	if err != nil {
		return nil, fmt.Errorf("conv_post: %w", err)
	}
	return g, nil
}

func (g *Generator) Forward(mel *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := g.convPre.Forward(mel)
	if err != nil {
		return nil, fmt.Errorf("conv_pre: %w", err)
	}
	for i, up := range g.ups {
		if x, err = tensor.LeakyReLU(x, leakySlope); err != nil {
			return nil, err
		}
		if x, err = up.Forward(x); err != nil {
			return nil, fmt.Errorf("upsample %d: %w", i, err)
		}

		var sum *tensor.Tensor
		for _, rb := range g.resblocks[i] {
			out, err := rb.Forward(x)
			if err != nil {
				return nil, err
			}
			if sum == nil {
				sum = out
			} else if sum, err = tensor.Add(sum, out); err != nil {
				return nil, err
			}
		}
		if x, err = tensor.Scale(sum, 1/float32(len(g.resblocks[i]))); err != nil {
			return nil, err
		}
	}

	if x, err = tensor.LeakyReLU(x, 0.01); err != nil {
		return nil, err
	}
	if x, err = g.convPost.Forward(x); err != nil {
		return nil, fmt.Errorf("conv_post: %w", err)
	}
	return tensor.Tanh(x)
}

func (g *Generator) Parameters() []*tensor.Tensor {
	params := g.convPre.Parameters()
	for i, up := range g.ups {
		params = append(params, up.Parameters()...)
		for _, rb := range g.resblocks[i] {
			params = append(params, rb.Parameters()...)
		}
	}
	return append(params, g.convPost.Parameters()...)
}

func (g *Generator) Train()           { g.training = true }
func (g *Generator) Eval()            { g.training = false }
func (g *Generator) IsTraining() bool { return g.training }
