// Package audio turns waveforms into log-mel spectrograms and moves samples
// in and out of WAV files.
package audio

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-vocoder/memory"
	"github.com/tsawler/go-vocoder/tensor"
)

// minMagnitude is the floor applied before taking the logarithm
const minMagnitude = 1e-5

// MelConfig describes the spectrogram used both for training targets and for
// the mel reconstruction loss.
type MelConfig struct {
	SampleRate int     `yaml:"sr" json:"sr"`
	WinLength  int     `yaml:"win_length" json:"win_length"`
	HopLength  int     `yaml:"hop_length" json:"hop_length"`
	NFFT       int     `yaml:"n_fft" json:"n_fft"`
	FMin       float64 `yaml:"f_min" json:"f_min"`
	FMax       float64 `yaml:"f_max" json:"f_max"`
	NMels      int     `yaml:"n_mels" json:"n_mels"`
	Power      float64 `yaml:"power" json:"power"`
}

// DefaultMelConfig returns the 22.05 kHz, 80-band configuration
func DefaultMelConfig() MelConfig {
	return MelConfig{
		SampleRate: 22050,
		WinLength:  1024,
		HopLength:  256,
		NFFT:       1024,
		FMin:       0,
		FMax:       8000,
		NMels:      80,
		Power:      1.0,
	}
}

// Validate checks that the configuration describes a computable transform
func (c MelConfig) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return errors.Errorf("sample rate must be positive, got %d", c.SampleRate)
	case c.NFFT <= 0 || c.NFFT%2 != 0:
		return errors.Errorf("n_fft must be a positive even number, got %d", c.NFFT)
	case c.WinLength <= 0 || c.WinLength > c.NFFT:
		return errors.Errorf("win_length must be in (0, n_fft], got %d", c.WinLength)
	case c.HopLength <= 0 || c.HopLength > c.NFFT:
		return errors.Errorf("hop_length must be in (0, n_fft], got %d", c.HopLength)
	case c.NMels <= 0:
		return errors.Errorf("n_mels must be positive, got %d", c.NMels)
	case c.FMin < 0 || c.FMax <= c.FMin || c.FMax > float64(c.SampleRate)/2:
		return errors.Errorf("frequency range [%g, %g] invalid for sample rate %d", c.FMin, c.FMax, c.SampleRate)
	case c.Power != 1 && c.Power != 2:
		return errors.Errorf("power must be 1 or 2, got %g", c.Power)
	}
	return nil
}

// MelSpectrogram computes log-mel spectrograms with reflect padding of
// (n_fft-hop)/2 samples on both sides and no centering.
type MelSpectrogram struct {
	config MelConfig
	pad    int

	cos *mat.Dense // [freqs, n_fft], window folded in
	sin *mat.Dense
	fb  *mat.Dense // [n_mels, freqs]
}

// NewMelSpectrogram precomputes the windowed DFT basis and the filterbank
func NewMelSpectrogram(config MelConfig) (*MelSpectrogram, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	window := hannWindow(config.WinLength, config.NFFT)
	freqs := config.NFFT/2 + 1
	cosBasis := mat.NewDense(freqs, config.NFFT, nil)
	sinBasis := mat.NewDense(freqs, config.NFFT, nil)
	for k := 0; k < freqs; k++ {
		for n := 0; n < config.NFFT; n++ {
			angle := 2 * math.Pi * float64(k*n) / float64(config.NFFT)
			cosBasis.Set(k, n, window[n]*math.Cos(angle))
			sinBasis.Set(k, n, -window[n]*math.Sin(angle))
		}
	}

	return &MelSpectrogram{
		config: config,
		pad:    (config.NFFT - config.HopLength) / 2,
		cos:    cosBasis,
		sin:    sinBasis,
		fb:     MelFilterBank(config.SampleRate, config.NFFT, config.NMels, config.FMin, config.FMax),
	}, nil
}

// Config returns the transform configuration
func (m *MelSpectrogram) Config() MelConfig {
	return m.config
}

// Frames returns the number of mel frames produced for a waveform of n samples
func (m *MelSpectrogram) Frames(n int) int {
	padded := n + 2*m.pad
	if padded < m.config.NFFT {
		return 0
	}
	return (padded-m.config.NFFT)/m.config.HopLength + 1
}

// hannWindow returns a periodic Hann window of winLength samples centred in
// an n_fft long frame.
func hannWindow(winLength, nfft int) []float64 {
	w := make([]float64, nfft)
	offset := (nfft - winLength) / 2
	for i := 0; i < winLength; i++ {
		w[offset+i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(winLength))
	}
	return w
}

func hzToMel(hz float64) float64 {
	const (
		fSp      = 200.0 / 3
		minLogHz = 1000.0
	)
	if hz < minLogHz {
		return hz / fSp
	}
	logStep := math.Log(6.4) / 27
	return minLogHz/fSp + math.Log(hz/minLogHz)/logStep
}

func melToHz(mel float64) float64 {
	const (
		fSp      = 200.0 / 3
		minLogHz = 1000.0
	)
	minLogMel := minLogHz / fSp
	if mel < minLogMel {
		return mel * fSp
	}
	logStep := math.Log(6.4) / 27
	return minLogHz * math.Exp(logStep*(mel-minLogMel))
}

// MelFilterBank builds a Slaney-style, area normalised triangular filterbank
// of shape [nMels, nfft/2+1].
func MelFilterBank(sampleRate, nfft, nMels int, fMin, fMax float64) *mat.Dense {
	freqs := nfft/2 + 1
	fftFreqs := floats.Span(make([]float64, freqs), 0, float64(sampleRate)/2)

	melPoints := floats.Span(make([]float64, nMels+2), hzToMel(fMin), hzToMel(fMax))
	hzPoints := make([]float64, len(melPoints))
	for i, m := range melPoints {
		hzPoints[i] = melToHz(m)
	}

	fb := mat.NewDense(nMels, freqs, nil)
	for i := 0; i < nMels; i++ {
		lowerWidth := hzPoints[i+1] - hzPoints[i]
		upperWidth := hzPoints[i+2] - hzPoints[i+1]
		norm := 2 / (hzPoints[i+2] - hzPoints[i])
		for k, f := range fftFreqs {
			lower := (f - hzPoints[i]) / lowerWidth
			upper := (hzPoints[i+2] - f) / upperWidth
			w := math.Max(0, math.Min(lower, upper))
			fb.Set(i, k, w*norm)
		}
	}
	return fb
}

// frameMatrix reflect-pads wave and lays its frames out as columns. The
// backing buffer comes from the global pool and is returned with release.
func (m *MelSpectrogram) frameMatrix(wave []float32) (x *mat.Dense, release func(), err error) {
	n := len(wave)
	if m.pad >= n {
		return nil, nil, errors.Errorf("waveform of %d samples is too short for reflect padding of %d", n, m.pad)
	}
	frames := m.Frames(n)
	if frames <= 0 {
		return nil, nil, errors.Errorf("waveform of %d samples is shorter than one frame", n)
	}

	pool := memory.GetGlobalBufferPool()
	buf := pool.Get(m.config.NFFT * frames)
	x = mat.NewDense(m.config.NFFT, frames, buf)
	for f := 0; f < frames; f++ {
		start := f * m.config.HopLength
		for i := 0; i < m.config.NFFT; i++ {
			x.Set(i, f, float64(wave[reflectIndex(start+i-m.pad, n)]))
		}
	}
	return x, func() { pool.Put(buf) }, nil
}

// reflectIndex maps a position of the padded signal to the source sample
func reflectIndex(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// melState holds the intermediates of one waveform needed for the backward pass
type melState struct {
	re, im, mag, mel *mat.Dense
}

func (m *MelSpectrogram) compute(wave []float32) (*mat.Dense, melState, error) {
	x, release, err := m.frameMatrix(wave)
	if err != nil {
		return nil, melState{}, err
	}

	var re, im mat.Dense
	re.Mul(m.cos, x)
	im.Mul(m.sin, x)
	release()

	r, c := re.Dims()
	mag := mat.NewDense(r, c, nil)
	mag.Apply(func(i, j int, v float64) float64 {
		power := v*v + im.At(i, j)*im.At(i, j)
		if m.config.Power == 2 {
			return power
		}
		return math.Sqrt(power)
	}, &re)

	var mel mat.Dense
	mel.Mul(m.fb, mag)

	logMel := mat.NewDense(m.config.NMels, c, nil)
	logMel.Apply(func(_, _ int, v float64) float64 {
		return math.Log(math.Max(v, minMagnitude))
	}, &mel)

	return logMel, melState{re: &re, im: &im, mag: mag, mel: &mel}, nil
}

// Compute returns the log-mel spectrogram of one waveform as [n_mels][frames]
func (m *MelSpectrogram) Compute(wave []float32) ([][]float32, error) {
	logMel, _, err := m.compute(wave)
	if err != nil {
		return nil, err
	}
	rows, cols := logMel.Dims()
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j := range out[i] {
			out[i][j] = float32(logMel.At(i, j))
		}
	}
	return out, nil
}

// Forward computes the log-mel spectrogram of a batch of waveforms shaped
// [B, 1, L] or [B, L] and returns [B, n_mels, frames]. The result is
// differentiable with respect to the waveform.
func (m *MelSpectrogram) Forward(wave *tensor.Tensor) (*tensor.Tensor, error) {
	return (&melOp{transform: m}).Forward(wave)
}

type melOp struct {
	transform *MelSpectrogram
	inputs    []*tensor.Tensor
	states    []melState
	length    int
}

func (op *melOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *melOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, errors.New("mel transform requires exactly 1 input")
	}
	wave := inputs[0]
	switch {
	case len(wave.Shape) == 3 && wave.Shape[1] == 1:
	case len(wave.Shape) == 2:
	default:
		return nil, errors.Errorf("mel transform expects [B, 1, L] or [B, L] audio, got shape %v", wave.Shape)
	}
	batch := wave.Shape[0]
	op.length = wave.Shape[len(wave.Shape)-1]
	frames := op.transform.Frames(op.length)
	nMels := op.transform.config.NMels

	out, err := tensor.Zeros([]int{batch, nMels, max(frames, 1)})
	if err != nil {
		return nil, err
	}

	op.inputs = inputs
	op.states = make([]melState, batch)
	for b := 0; b < batch; b++ {
		logMel, state, err := op.transform.compute(wave.Data[b*op.length : (b+1)*op.length])
		if err != nil {
			return nil, errors.Wrapf(err, "batch element %d", b)
		}
		op.states[b] = state
		dst := out.Data[b*nMels*frames : (b+1)*nMels*frames]
		for i := 0; i < nMels; i++ {
			for j := 0; j < frames; j++ {
				dst[i*frames+j] = float32(logMel.At(i, j))
			}
		}
	}
	return tensor.Attach(out, op), nil
}

func (op *melOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	wave := op.inputs[0]
	m := op.transform
	batch := wave.Shape[0]
	nMels := m.config.NMels
	frames := gradOut.Shape[2]

	grad, err := tensor.Zeros(wave.Shape)
	if err != nil {
		return nil, err
	}

	for b := 0; b < batch; b++ {
		state := op.states[b]
		g := gradOut.Data[b*nMels*frames : (b+1)*nMels*frames]

		// d log(max(mel, eps)) / d mel
		dMel := mat.NewDense(nMels, frames, nil)
		dMel.Apply(func(i, j int, v float64) float64 {
			if v <= minMagnitude {
				return 0
			}
			return float64(g[i*frames+j]) / v
		}, state.mel)

		var dMag mat.Dense
		dMag.Mul(m.fb.T(), dMel)

		r, c := dMag.Dims()
		dRe := mat.NewDense(r, c, nil)
		dIm := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gm := dMag.At(i, j)
				re, im := state.re.At(i, j), state.im.At(i, j)
				if m.config.Power == 2 {
					dRe.Set(i, j, 2*gm*re)
					dIm.Set(i, j, 2*gm*im)
					continue
				}
				mag := state.mag.At(i, j)
				if mag == 0 {
					continue
				}
				dRe.Set(i, j, gm*re/mag)
				dIm.Set(i, j, gm*im/mag)
			}
		}

		var dX, dXIm mat.Dense
		dX.Mul(m.cos.T(), dRe)
		dXIm.Mul(m.sin.T(), dIm)
		dX.Add(&dX, &dXIm)

		dst := grad.Data[b*op.length : (b+1)*op.length]
		for f := 0; f < frames; f++ {
			start := f * m.config.HopLength
			for i := 0; i < m.config.NFFT; i++ {
				dst[reflectIndex(start+i-m.pad, op.length)] += float32(dX.At(i, f))
			}
		}
	}
	return []*tensor.Tensor{grad}, nil
}
