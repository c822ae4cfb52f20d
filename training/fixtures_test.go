package training

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/audio"
	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/memory"
	"github.com/tsawler/go-vocoder/tensor"
)

func scalarParam(t *testing.T, v float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.New([]int{1}, []float32{v})
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	return p
}

// linearModel is a vocoder small enough to reason about: the generator
// scales the ground truth by a learned gain and each discriminator family
// scores a waveform as x*a + c.
type linearModel struct {
	gain       *tensor.Tensor
	mpdA, mpdC *tensor.Tensor
	msdA, msdC *tensor.Tensor
	training   bool

	passes []discriminatorPass

	generatorCalls int
	failGenerator  map[string]bool // audio paths whose generator pass runs out of memory
	failScoring    bool            // the non-capturing discriminator pass runs out of memory
	mutex          sync.Mutex
}

// discriminatorPass records one discriminator call and the value of mpdA it saw
type discriminatorPass struct {
	capture, detach bool
	mpdA            float32
}

func newLinearModel(t *testing.T) *linearModel {
	return &linearModel{
		gain:          scalarParam(t, 0.5),
		mpdA:          scalarParam(t, 0.3),
		mpdC:          scalarParam(t, 0.1),
		msdA:          scalarParam(t, -0.2),
		msdC:          scalarParam(t, 0.2),
		failGenerator: map[string]bool{},
	}
}

func oom(what string) error {
	return errors.Wrap(memory.ErrOutOfMemory, what)
}

func (m *linearModel) ForwardGenerator(b *data.Batch) (data.GeneratorOutput, error) {
	m.mutex.Lock()
	m.generatorCalls++
	m.mutex.Unlock()
	for _, p := range b.AudioPath {
		if m.failGenerator[p] {
			return data.GeneratorOutput{}, oom("generator forward")
		}
	}
	gen, err := tensor.Mul(b.AudioGT, m.gain)
	if err != nil {
		return data.GeneratorOutput{}, err
	}
	return data.GeneratorOutput{AudioGenerated: gen}, nil
}

func score(x, a, c *tensor.Tensor) (*tensor.Tensor, []*tensor.Tensor, error) {
	h, err := tensor.Mul(x, a)
	if err != nil {
		return nil, nil, err
	}
	s, err := tensor.Add(h, c)
	if err != nil {
		return nil, nil, err
	}
	return s, []*tensor.Tensor{h, s}, nil
}

func (m *linearModel) ForwardDiscriminator(b *data.Batch, capture, detach bool) (data.DiscriminatorOutput, error) {
	m.passes = append(m.passes, discriminatorPass{capture: capture, detach: detach, mpdA: m.mpdA.Data[0]})
	if !detach && m.failScoring {
		return data.DiscriminatorOutput{}, oom("discriminator forward")
	}

	generated := b.AudioGenerated
	if detach {
		generated = tensor.Detach(generated)
	}
	out := data.DiscriminatorOutput{Captured: capture}
	for _, family := range []struct {
		a, c     *tensor.Tensor
		gen, gt  *[]*tensor.Tensor
		fGen, fG *[][]*tensor.Tensor
	}{
		{m.mpdA, m.mpdC, &out.MPDGenerated, &out.MPDGroundTruth, &out.MPDFeaturesGenerated, &out.MPDFeaturesGroundTruth},
		{m.msdA, m.msdC, &out.MSDGenerated, &out.MSDGroundTruth, &out.MSDFeaturesGenerated, &out.MSDFeaturesGroundTruth},
	} {
		sGen, featGen, err := score(generated, family.a, family.c)
		if err != nil {
			return out, err
		}
		sGT, featGT, err := score(b.AudioGT, family.a, family.c)
		if err != nil {
			return out, err
		}
		*family.gen = []*tensor.Tensor{sGen}
		*family.gt = []*tensor.Tensor{sGT}
		if capture {
			*family.fGen = [][]*tensor.Tensor{featGen}
			*family.fG = [][]*tensor.Tensor{featGT}
		}
	}
	return out, nil
}

func (m *linearModel) GeneratorParameters() []*tensor.Tensor { return []*tensor.Tensor{m.gain} }

func (m *linearModel) DiscriminatorParameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.mpdA, m.mpdC, m.msdA, m.msdC}
}

func (m *linearModel) Train() { m.training = true }
func (m *linearModel) Eval()  { m.training = false }

func (m *linearModel) snapshot() []float32 {
	var out []float32
	for _, p := range append(m.GeneratorParameters(), m.DiscriminatorParameters()...) {
		out = append(out, p.Data...)
	}
	return out
}

// recordingOptimizer notes the gradient norm its parameters have when stepped
type recordingOptimizer struct {
	Optimizer
	norms []float64
}

func (r *recordingOptimizer) Step() error {
	r.norms = append(r.norms, GradNorm(r.Parameters()))
	return r.Optimizer.Step()
}

func testMel(t *testing.T) *audio.MelSpectrogram {
	t.Helper()
	m, err := audio.NewMelSpectrogram(audio.MelConfig{
		SampleRate: 8000, WinLength: 32, HopLength: 8, NFFT: 32, FMax: 4000, NMels: 4, Power: 1,
	})
	require.NoError(t, err)
	return m
}

func testCriterion(t *testing.T, mel *audio.MelSpectrogram) *loss.HiFiGANLoss {
	t.Helper()
	c, err := loss.New(loss.DefaultConfig(), mel)
	require.NoError(t, err)
	return c
}

// testItems returns n 64-sample items named "0".."n-1"
func testItems(t *testing.T, rng *rand.Rand, mel *audio.MelSpectrogram, n int) []data.Item {
	t.Helper()
	items := make([]data.Item, n)
	for i := range items {
		wave := make([]float32, 64)
		for j := range wave {
			wave[j] = rng.Float32() - 0.5
		}
		spec, err := mel.Compute(wave)
		require.NoError(t, err)
		items[i] = data.Item{Mel: spec, Audio: wave, AudioPath: strconv.Itoa(i)}
	}
	return items
}

func testBatch(t *testing.T, rng *rand.Rand, mel *audio.MelSpectrogram, n int) *data.Batch {
	t.Helper()
	b, err := data.Collate(testItems(t, rng, mel, n))
	require.NoError(t, err)
	return b
}

func testLoader(t *testing.T, items []data.Item, batchSize int) *data.DataLoader {
	t.Helper()
	dl, err := data.NewDataLoader(data.NewSliceDataset(items), data.DataLoaderConfig{BatchSize: batchSize})
	require.NoError(t, err)
	return dl
}

// batchID reports the numeric audio path of single-item batches
var batchID = MetricFunc("batch_id", func(b *data.Batch) (float64, error) {
	if len(b.AudioPath) != 1 {
		return 0, fmt.Errorf("batch_id needs single-item batches, got %d", len(b.AudioPath))
	}
	id, err := strconv.Atoi(b.AudioPath[0])
	return float64(id), err
})

func sgd(params []*tensor.Tensor, lr float64) Optimizer {
	return NewSGD(params, lr, 0, 0)
}
