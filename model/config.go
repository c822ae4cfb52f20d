// Package model implements the HiFi-GAN generator and its multi-period and
// multi-scale discriminators on top of the layers package.
package model

import (
	"github.com/pkg/errors"
)

// GeneratorConfig sizes the mel-to-waveform generator
type GeneratorConfig struct {
	UpsampleRates          []int   `yaml:"upsample_rates" json:"upsample_rates"`
	UpsampleKernelSizes    []int   `yaml:"upsample_kernel_sizes" json:"upsample_kernel_sizes"`
	UpsampleInitialChannel int     `yaml:"upsample_initial_channel" json:"upsample_initial_channel"`
	ResblockKernelSizes    []int   `yaml:"resblock_kernel_sizes" json:"resblock_kernel_sizes"`
	ResblockDilationSizes  [][]int `yaml:"resblock_dilation_sizes" json:"resblock_dilation_sizes"`
}

// DiscriminatorConfig sizes both discriminator families
type DiscriminatorConfig struct {
	Periods        []int `yaml:"periods" json:"periods"`
	PeriodChannels []int `yaml:"period_channels" json:"period_channels"`
	PeriodKernel   int   `yaml:"period_kernel" json:"period_kernel"`
	PeriodStride   int   `yaml:"period_stride" json:"period_stride"`

	Scales        int   `yaml:"scales" json:"scales"`
	ScaleChannels []int `yaml:"scale_channels" json:"scale_channels"`
	ScaleKernels  []int `yaml:"scale_kernels" json:"scale_kernels"`
	ScaleStrides  []int `yaml:"scale_strides" json:"scale_strides"`
}

// Config describes the whole model
type Config struct {
	NMels         int                 `yaml:"n_mels" json:"n_mels"`
	Generator     GeneratorConfig     `yaml:"generator" json:"generator"`
	Discriminator DiscriminatorConfig `yaml:"discriminator" json:"discriminator"`
}

// DefaultConfig returns the V1 generator with the standard discriminators
func DefaultConfig() Config {
	return Config{
		NMels: 80,
		Generator: GeneratorConfig{
			UpsampleRates:          []int{8, 8, 2, 2},
			UpsampleKernelSizes:    []int{16, 16, 4, 4},
			UpsampleInitialChannel: 512,
			ResblockKernelSizes:    []int{3, 7, 11},
			ResblockDilationSizes:  [][]int{{1, 3, 5}, {1, 3, 5}, {1, 3, 5}},
		},
		Discriminator: DiscriminatorConfig{
			Periods:        []int{2, 3, 5, 7, 11},
			PeriodChannels: []int{32, 128, 512, 1024, 1024},
			PeriodKernel:   5,
			PeriodStride:   3,
			Scales:         3,
			ScaleChannels:  []int{128, 128, 256, 512, 1024, 1024, 1024},
			ScaleKernels:   []int{15, 41, 41, 41, 41, 41, 5},
			ScaleStrides:   []int{1, 2, 2, 4, 4, 1, 1},
		},
	}
}

// HopLength returns the number of waveform samples produced per mel frame
func (c GeneratorConfig) HopLength() int {
	hop := 1
	for _, r := range c.UpsampleRates {
		hop *= r
	}
	return hop
}

// Validate checks the configuration before any weights are allocated
func (c Config) Validate() error {
	g := c.Generator
	if c.NMels <= 0 {
		return errors.Errorf("n_mels must be positive, got %d", c.NMels)
	}
	if len(g.UpsampleRates) == 0 || len(g.UpsampleRates) != len(g.UpsampleKernelSizes) {
		return errors.New("upsample_rates and upsample_kernel_sizes must be non-empty and of equal length")
	}
	for i, r := range g.UpsampleRates {
		k := g.UpsampleKernelSizes[i]
		if r <= 0 || k < r || (k-r)%2 != 0 {
			return errors.Errorf("upsample stage %d: kernel %d must be >= rate %d with an even difference", i, k, r)
		}
	}
	if g.UpsampleInitialChannel>>len(g.UpsampleRates) < 1 {
		return errors.Errorf("upsample_initial_channel %d too small for %d stages", g.UpsampleInitialChannel, len(g.UpsampleRates))
	}
	if len(g.ResblockKernelSizes) == 0 || len(g.ResblockKernelSizes) != len(g.ResblockDilationSizes) {
		return errors.New("resblock_kernel_sizes and resblock_dilation_sizes must be non-empty and of equal length")
	}

	d := c.Discriminator
	if len(d.Periods) == 0 || len(d.PeriodChannels) == 0 || d.PeriodKernel <= 0 || d.PeriodStride <= 0 {
		return errors.New("multi-period discriminator needs periods, channels, kernel and stride")
	}
	for _, p := range d.Periods {
		if p <= 0 {
			return errors.Errorf("period must be positive, got %d", p)
		}
	}
	if d.Scales <= 0 || len(d.ScaleChannels) == 0 {
		return errors.New("multi-scale discriminator needs at least one scale and one layer")
	}
	if len(d.ScaleKernels) != len(d.ScaleChannels) || len(d.ScaleStrides) != len(d.ScaleChannels) {
		return errors.New("scale_channels, scale_kernels and scale_strides must have equal length")
	}
	return nil
}
