package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-vocoder/tensor"
)

// Conv1d implements a 1D convolution layer over [batch, channels, length]
type Conv1d struct {
	weight   *tensor.Tensor // [out_channels, in_channels, kernel]
	bias     *tensor.Tensor // [out_channels]
	stride   int
	padding  int
	dilation int
	training bool
}

// NewConv1d creates a Conv1d layer. Weights and bias are drawn from
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)) using rng.
func NewConv1d(rng *rand.Rand, inputChannels, outputChannels, kernelSize, stride, padding, dilation int, bias bool) (*Conv1d, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv1d dimensions: in=%d out=%d kernel=%d", inputChannels, outputChannels, kernelSize)
	}
	bound := float32(1 / math.Sqrt(float64(inputChannels*kernelSize)))

	weight, err := tensor.RandomUniform(rng, []int{outputChannels, inputChannels, kernelSize}, -bound, bound)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv1d{
		weight:   weight,
		stride:   max(stride, 1),
		padding:  padding,
		dilation: max(dilation, 1),
		training: true,
	}

	if bias {
		b, err := tensor.RandomUniform(rng, []int{outputChannels}, -bound, bound)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		b.SetRequiresGrad(true)
		conv.bias = b
	}
	return conv, nil
}

// Forward performs the convolution
func (c *Conv1d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv1d(input, c.weight, c.bias, c.stride, c.padding, c.dilation)
}

// Parameters returns the trainable parameters
func (c *Conv1d) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv1d) Train()           { c.training = true }
func (c *Conv1d) Eval()            { c.training = false }
func (c *Conv1d) IsTraining() bool { return c.training }
func (c *Conv1d) Type() LayerType  { return Conv1D }

// Weight returns the kernel tensor
func (c *Conv1d) Weight() *tensor.Tensor { return c.weight }

// ConvTranspose1d implements a transposed 1D convolution used for upsampling
type ConvTranspose1d struct {
	weight   *tensor.Tensor // [in_channels, out_channels, kernel]
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConvTranspose1d creates a ConvTranspose1d layer with fan_in taken as
// out_channels*kernel, matching the weight layout.
func NewConvTranspose1d(rng *rand.Rand, inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*ConvTranspose1d, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv_transpose1d dimensions: in=%d out=%d kernel=%d", inputChannels, outputChannels, kernelSize)
	}
	bound := float32(1 / math.Sqrt(float64(outputChannels*kernelSize)))

	weight, err := tensor.RandomUniform(rng, []int{inputChannels, outputChannels, kernelSize}, -bound, bound)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &ConvTranspose1d{
		weight:   weight,
		stride:   max(stride, 1),
		padding:  padding,
		training: true,
	}

	if bias {
		b, err := tensor.RandomUniform(rng, []int{outputChannels}, -bound, bound)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		b.SetRequiresGrad(true)
		conv.bias = b
	}
	return conv, nil
}

func (c *ConvTranspose1d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ConvTranspose1d(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *ConvTranspose1d) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *ConvTranspose1d) Train()           { c.training = true }
func (c *ConvTranspose1d) Eval()            { c.training = false }
func (c *ConvTranspose1d) IsTraining() bool { return c.training }
func (c *ConvTranspose1d) Type() LayerType  { return ConvTranspose1D }

// AvgPool1d averages windows along the time axis
type AvgPool1d struct {
	kernel   int
	stride   int
	padding  int
	training bool
}

func NewAvgPool1d(kernel, stride, padding int) *AvgPool1d {
	return &AvgPool1d{kernel: kernel, stride: stride, padding: padding, training: true}
}

func (p *AvgPool1d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AvgPool1d(input, p.kernel, p.stride, p.padding)
}

func (p *AvgPool1d) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (p *AvgPool1d) Train()                       { p.training = true }
func (p *AvgPool1d) Eval()                        { p.training = false }
func (p *AvgPool1d) IsTraining() bool             { return p.training }
func (p *AvgPool1d) Type() LayerType              { return AvgPool1D }
