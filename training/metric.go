package training

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/tensor"
)

// Metric is a named scalar computed from a processed batch. Metrics see the
// batch after both loss stages and must not modify it.
type Metric interface {
	Name() string
	Compute(b *data.Batch) (float64, error)
}

type metricFunc struct {
	name string
	fn   func(b *data.Batch) (float64, error)
}

func (m metricFunc) Name() string                           { return m.name }
func (m metricFunc) Compute(b *data.Batch) (float64, error) { return m.fn(b) }

// MetricFunc adapts a function to the Metric interface
func MetricFunc(name string, fn func(b *data.Batch) (float64, error)) Metric {
	return metricFunc{name: name, fn: fn}
}

// MetricNames returns the names of metrics in order
func MetricNames(metrics []Metric) []string {
	return lo.Map(metrics, func(m Metric, _ int) string { return m.Name() })
}

// WaveformL1 is the mean absolute difference between the generated and
// ground-truth waveforms over their common length.
type WaveformL1 struct{}

func (WaveformL1) Name() string { return "waveform_l1" }

func (WaveformL1) Compute(b *data.Batch) (float64, error) {
	gen, gt := b.AudioGenerated, b.AudioGT
	if gen == nil || gt == nil {
		return 0, errors.New("waveform_l1 needs audio_generated and audio_gt")
	}
	if gen.Shape[0] != gt.Shape[0] {
		return 0, errors.Errorf("waveform_l1: batch %d vs %d", gen.Shape[0], gt.Shape[0])
	}

	genLen := gen.Shape[len(gen.Shape)-1]
	gtLen := gt.Shape[len(gt.Shape)-1]
	n := min(genLen, gtLen)
	if n == 0 {
		return 0, errors.New("waveform_l1: empty waveform")
	}

	var sum float64
	for i := 0; i < gen.Shape[0]; i++ {
		g := gen.Data[i*genLen : i*genLen+n]
		r := gt.Data[i*gtLen : i*gtLen+n]
		for j := range g {
			sum += math.Abs(float64(g[j] - r[j]))
		}
	}
	return sum / float64(n*gen.Shape[0]), nil
}

// MelL1 reports the mel reconstruction error of the generated audio without
// recording a graph.
type MelL1 struct {
	criterion *loss.HiFiGANLoss
}

// NewMelL1 measures with the criterion's mel transform and padding rule
func NewMelL1(criterion *loss.HiFiGANLoss) *MelL1 {
	return &MelL1{criterion: criterion}
}

func (m *MelL1) Name() string { return "mel_l1" }

func (m *MelL1) Compute(b *data.Batch) (float64, error) {
	var value float64
	err := tensor.NoGrad(func() error {
		l, err := m.criterion.MelLoss(b.AudioGenerated, b.Mel)
		if err != nil {
			return err
		}
		value, err = l.Item()
		return err
	})
	return value, err
}
