package training

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/tensor"
)

func newTestStep(t *testing.T, m *linearModel, genLR, discLR float64, metrics []Metric, config StepConfig) *Step {
	t.Helper()
	step, err := NewStep(m, testCriterion(t, testMel(t)),
		sgd(m.GeneratorParameters(), genLR), sgd(m.DiscriminatorParameters(), discLR), metrics, config)
	require.NoError(t, err)
	return step
}

func TestNewStepValidation(t *testing.T) {
	m := newLinearModel(t)
	criterion := testCriterion(t, testMel(t))
	g, d := sgd(m.GeneratorParameters(), 0.1), sgd(m.DiscriminatorParameters(), 0.1)

	_, err := NewStep(nil, criterion, g, d, nil, StepConfig{})
	assert.Error(t, err)
	_, err = NewStep(m, criterion, g, nil, nil, StepConfig{})
	assert.Error(t, err)
	_, err = NewStep(m, criterion, g, d, nil, StepConfig{GradNormClip: -1})
	assert.Error(t, err)
}

func TestStepRecordsEveryTerm(t *testing.T) {
	mel := testMel(t)
	m := newLinearModel(t)
	step := newTestStep(t, m, 0.01, 0.01, []Metric{WaveformL1{}}, StepConfig{})
	b := testBatch(t, rand.New(rand.NewSource(1)), mel, 2)

	tracker := NewMetricTracker()
	require.NoError(t, step.Process(b, ModeTrain, tracker))
	assert.Equal(t, StageDone, step.Stage())

	expected := append(append(append([]string{}, loss.DiscriminatorNames...), TotalLossName), loss.GeneratorNames...)
	expected = append(expected, "waveform_l1")
	assert.Equal(t, expected, tracker.Keys())
	for _, k := range expected {
		assert.Equal(t, 1, tracker.Count(k), k)
	}

	d, err := loss.Result(b.DiscriminatorLoss).Value(loss.DiscriminatorLoss)
	require.NoError(t, err)
	g, err := loss.Result(b.GeneratorLoss).Value(loss.GeneratorLoss)
	require.NoError(t, err)
	assert.InDelta(t, g+d, tracker.Avg(TotalLossName), 1e-9)
	assert.InDelta(t, 0.5, tracker.Avg("waveform_l1")/meanAbs(b.AudioGT.Data), 1e-4)
}

func meanAbs(x []float32) float64 {
	var s float64
	for _, v := range x {
		if v < 0 {
			s -= float64(v)
		} else {
			s += float64(v)
		}
	}
	return s / float64(len(x))
}

func TestStepUpdatesDiscriminatorBeforeGenerator(t *testing.T) {
	mel := testMel(t)
	m := newLinearModel(t)
	step := newTestStep(t, m, 0.01, 0.05, nil, StepConfig{})
	b := testBatch(t, rand.New(rand.NewSource(2)), mel, 2)

	require.NoError(t, step.Process(b, ModeTrain, NewMetricTracker()))

	require.Len(t, m.passes, 2)
	assert.Equal(t, discriminatorPass{capture: true, detach: true, mpdA: 0.3}, m.passes[0])
	assert.False(t, m.passes[1].capture)
	assert.False(t, m.passes[1].detach)
	// the generator is scored by the discriminator after its update
	assert.NotEqual(t, m.passes[0].mpdA, m.passes[1].mpdA)
	assert.Equal(t, m.mpdA.Data[0], m.passes[1].mpdA)
}

func TestStepFeatureMapsAreFromBeforeTheDiscriminatorUpdate(t *testing.T) {
	mel := testMel(t)
	rng := rand.New(rand.NewSource(3))
	b := testBatch(t, rng, mel, 2)

	for _, refresh := range []bool{false, true} {
		m := newLinearModel(t)
		step := newTestStep(t, m, 0, 0.05, nil, StepConfig{RefreshFeatureMaps: refresh})
		require.NoError(t, step.Process(b, ModeTrain, NewMetricTracker()))

		require.Len(t, m.passes, 2)
		before, after := m.passes[0].mpdA, m.passes[1].mpdA
		require.NotEqual(t, before, after)
		assert.Equal(t, refresh, m.passes[1].capture)

		// the first feature map of the multi-period family is x*a
		generated := b.AudioGenerated.Data[0]
		feature := b.MPDFeaturesGenerated[0][0].Data[0]
		if refresh {
			assert.InDelta(t, generated*after, feature, 1e-6)
		} else {
			assert.InDelta(t, generated*before, feature, 1e-6)
		}
		// scores always come from the updated discriminator
		assert.InDelta(t, generated*after+m.mpdC.Data[0], b.MPDGenerated[0].Data[0], 1e-6)
	}
}

func TestStepEvalDoesNotUpdate(t *testing.T) {
	mel := testMel(t)
	m := newLinearModel(t)
	step := newTestStep(t, m, 0.1, 0.1, []Metric{NewMelL1(testCriterion(t, mel))}, StepConfig{})
	b := testBatch(t, rand.New(rand.NewSource(4)), mel, 3)
	before := m.snapshot()

	tracker := NewMetricTracker()
	require.NoError(t, step.Process(b, ModeEval, tracker))
	assert.Equal(t, StageDone, step.Stage())
	assert.Equal(t, before, m.snapshot())
	for _, p := range append(m.GeneratorParameters(), m.DiscriminatorParameters()...) {
		assert.Nil(t, p.Grad())
	}
	assert.False(t, b.AudioGenerated.RequiresGrad())
	require.Len(t, m.passes, 1)
	assert.True(t, m.passes[0].capture)

	// the reporting metric and the mel term agree
	assert.InDelta(t, tracker.Avg(loss.MelLoss), tracker.Avg("mel_l1"), 1e-6)
}

func TestStepOutOfMemoryAbandonsBatch(t *testing.T) {
	mel := testMel(t)
	m := newLinearModel(t)
	m.failScoring = true
	step := newTestStep(t, m, 0.1, 0.1, nil, StepConfig{})
	b := testBatch(t, rand.New(rand.NewSource(5)), mel, 2)

	tracker := NewMetricTracker()
	err := step.Process(b, ModeTrain, tracker)
	require.Error(t, err)
	assert.True(t, IsOutOfMemory(err))
	assert.Contains(t, err.Error(), "GEN_UPDATE")
	assert.Equal(t, StageGenUpdate, step.Stage())

	assert.True(t, tracker.Empty())
	for _, p := range append(m.GeneratorParameters(), m.DiscriminatorParameters()...) {
		assert.Nil(t, p.Grad())
	}
	assert.Nil(t, b.AudioGenerated)
	assert.Nil(t, b.DiscriminatorLoss)
}

func TestStepContractErrorIsNotOutOfMemory(t *testing.T) {
	m := newLinearModel(t)
	step := newTestStep(t, m, 0.1, 0.1, nil, StepConfig{})
	b := testBatch(t, rand.New(rand.NewSource(6)), testMel(t), 2)
	b.MelLength = b.MelLength[:1]

	err := step.Process(b, ModeTrain, NewMetricTracker())
	require.Error(t, err)
	assert.False(t, IsOutOfMemory(err))
}

func TestStepClipsBothGroups(t *testing.T) {
	mel := testMel(t)
	m := newLinearModel(t)
	genOpt := &recordingOptimizer{Optimizer: sgd(m.GeneratorParameters(), 0.01)}
	discOpt := &recordingOptimizer{Optimizer: sgd(m.DiscriminatorParameters(), 0.01)}
	const clip = 1e-3
	step, err := NewStep(m, testCriterion(t, mel), genOpt, discOpt, nil, StepConfig{GradNormClip: clip})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 3; i++ {
		require.NoError(t, step.Process(testBatch(t, rng, mel, 2), ModeTrain, NewMetricTracker()))
	}
	require.Len(t, genOpt.norms, 3)
	require.Len(t, discOpt.norms, 3)
	for i := range genOpt.norms {
		assert.LessOrEqual(t, genOpt.norms[i], clip*(1+1e-4))
		assert.LessOrEqual(t, discOpt.norms[i], clip*(1+1e-4))
	}
}

func TestStepDiscriminatorLossDecreasesWithFrozenGenerator(t *testing.T) {
	mel := testMel(t)
	m := newLinearModel(t)
	step := newTestStep(t, m, 0, 0.01, nil, StepConfig{})
	rng := rand.New(rand.NewSource(8))

	for i := 0; i < 5; i++ {
		b := testBatch(t, rng, mel, 2)
		first := NewMetricTracker()
		require.NoError(t, step.Process(b, ModeTrain, first))
		second := NewMetricTracker()
		require.NoError(t, step.Process(b, ModeTrain, second))
		assert.LessOrEqual(t, second.Avg(loss.DiscriminatorLoss), first.Avg(loss.DiscriminatorLoss))
	}
	assert.InDelta(t, 0.5, m.gain.Data[0], 1e-9)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "DISC_UPDATE", StageDiscUpdate.String())
	assert.Equal(t, "METRIC_RECORD", StageMetricRecord.String())
	assert.Equal(t, "Stage(42)", Stage(42).String())
	assert.Equal(t, "eval", ModeEval.String())
}

func TestEvalUnderNoGradLeavesGradientRecordingOn(t *testing.T) {
	m := newLinearModel(t)
	step := newTestStep(t, m, 0.1, 0.1, nil, StepConfig{})
	require.NoError(t, step.Process(testBatch(t, rand.New(rand.NewSource(9)), testMel(t), 1), ModeEval, NewMetricTracker()))
	assert.True(t, tensor.GradEnabled())
}
