package audio

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/tensor"
)

func smallConfig() MelConfig {
	return MelConfig{
		SampleRate: 8000,
		WinLength:  32,
		HopLength:  8,
		NFFT:       32,
		FMin:       0,
		FMax:       4000,
		NMels:      8,
		Power:      1,
	}
}

func sine(n int, freq, sampleRate float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func TestMelConfigValidate(t *testing.T) {
	require.NoError(t, DefaultMelConfig().Validate())

	bad := DefaultMelConfig()
	bad.FMax = 20000
	assert.Error(t, bad.Validate())

	bad = DefaultMelConfig()
	bad.WinLength = 2048
	assert.Error(t, bad.Validate())

	bad = DefaultMelConfig()
	bad.Power = 3
	assert.Error(t, bad.Validate())
}

func TestMelFilterBank(t *testing.T) {
	fb := MelFilterBank(22050, 1024, 80, 0, 8000)
	rows, cols := fb.Dims()
	assert.Equal(t, 80, rows)
	assert.Equal(t, 513, cols)

	for i := 0; i < rows; i++ {
		var sum float64
		for k := 0; k < cols; k++ {
			v := fb.At(i, k)
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.Greater(t, sum, 0.0, "filter %d is empty", i)
	}

	// bins above f_max carry no weight
	assert.Zero(t, fb.At(79, 512))
}

func TestMelFrames(t *testing.T) {
	m, err := NewMelSpectrogram(DefaultMelConfig())
	require.NoError(t, err)
	// 8192 samples padded by 384 on each side
	assert.Equal(t, 32, m.Frames(8192))
	assert.Equal(t, 0, m.Frames(100))
}

func TestMelComputeMatchesForward(t *testing.T) {
	m, err := NewMelSpectrogram(smallConfig())
	require.NoError(t, err)

	wave := sine(128, 1000, 8000)
	mel, err := m.Compute(wave)
	require.NoError(t, err)
	require.Len(t, mel, 8)
	frames := m.Frames(len(wave))
	require.Len(t, mel[0], frames)

	batch, err := tensor.New([]int{1, 1, len(wave)}, append([]float32(nil), wave...))
	require.NoError(t, err)
	out, err := m.Forward(batch)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, frames}, out.Shape)
	for i := range mel {
		for j := range mel[i] {
			assert.InDelta(t, mel[i][j], out.Data[i*frames+j], 1e-5)
		}
	}

	// the band around 1 kHz should dominate the lowest band
	var low, mid float32
	for j := 0; j < frames; j++ {
		low += mel[0][j]
		mid += mel[3][j]
	}
	assert.Greater(t, mid, low)
}

func TestMelForwardRejectsShortAudio(t *testing.T) {
	m, err := NewMelSpectrogram(smallConfig())
	require.NoError(t, err)

	short, err := tensor.Zeros([]int{1, 1, 8})
	require.NoError(t, err)
	_, err = m.Forward(short)
	assert.Error(t, err)

	wrong, err := tensor.Zeros([]int{1, 2, 64})
	require.NoError(t, err)
	_, err = m.Forward(wrong)
	assert.Error(t, err)
}

func TestMelForwardGradient(t *testing.T) {
	m, err := NewMelSpectrogram(smallConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	wave, err := tensor.RandomUniform(rng, []int{2, 1, 48}, -0.5, 0.5)
	require.NoError(t, err)
	wave.SetRequiresGrad(true)

	out, err := m.Forward(wave)
	require.NoError(t, err)
	loss, err := tensor.Mean(out)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	grad := wave.Grad()
	require.NotNil(t, grad)

	meanLogMel := func(samples []float32) float64 {
		total := 0.0
		count := 0
		for b := 0; b < 2; b++ {
			logMel, _, err := m.compute(samples[b*48 : (b+1)*48])
			require.NoError(t, err)
			r, c := logMel.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					total += logMel.At(i, j)
					count++
				}
			}
		}
		return total / float64(count)
	}

	const eps = 1e-3
	samples := append([]float32(nil), wave.Data...)
	for _, idx := range []int{0, 5, 20, 47, 48, 70, 95} {
		orig := samples[idx]
		samples[idx] = orig + eps
		plus := meanLogMel(samples)
		samples[idx] = orig - eps
		minus := meanLogMel(samples)
		samples[idx] = orig

		numeric := (plus - minus) / (2 * eps)
		assert.InDelta(t, numeric, float64(grad.Data[idx]), 1e-3+0.05*math.Abs(numeric), "sample %d", idx)
	}
}

func TestWavRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	wave := sine(400, 440, 22050)
	wave[10] = 1.5 // clipped on write

	require.NoError(t, SaveWav(path, wave, 22050))

	got, sr, err := ReadWav(path)
	require.NoError(t, err)
	assert.Equal(t, 22050, sr)
	require.Len(t, got, len(wave))
	assert.InDelta(t, 1.0, got[10], 1e-3)
	for i, v := range got {
		if i == 10 {
			continue
		}
		assert.InDelta(t, wave[i], v, 1e-4)
	}
}
