package layers

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/tensor"
)

func TestConv1dLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv, err := NewConv1d(rng, 2, 4, 7, 1, GetPadding(7, 1), 1, true)
	require.NoError(t, err)

	assert.Len(t, conv.Parameters(), 2)
	assert.Equal(t, int64(4*2*7+4), CountParameters(conv.Parameters()))
	for _, p := range conv.Parameters() {
		assert.True(t, p.RequiresGrad(), "parameters should require gradients")
		for _, v := range p.Data {
			assert.LessOrEqual(t, v, float32(1/3.7))
		}
	}

	x, err := tensor.Zeros([]int{3, 2, 20})
	require.NoError(t, err)
	out, err := conv.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 20}, out.Shape, "same padding keeps the length")

	_, err = NewConv1d(rng, 0, 4, 3, 1, 1, 1, false)
	assert.Error(t, err)
}

func TestConvTranspose1dUpsamples(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	// kernel 2r, stride r, padding r/2 multiplies the length by r
	up, err := NewConvTranspose1d(rng, 4, 2, 16, 8, 4, true)
	require.NoError(t, err)

	x, err := tensor.Zeros([]int{1, 4, 5})
	require.NoError(t, err)
	out, err := up.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 40}, out.Shape)
}

func TestInitialisationIsSeeded(t *testing.T) {
	a, err := NewConv1d(rand.New(rand.NewSource(9)), 1, 1, 5, 1, 2, 1, true)
	require.NoError(t, err)
	b, err := NewConv1d(rand.New(rand.NewSource(9)), 1, 1, 5, 1, 2, 1, true)
	require.NoError(t, err)
	assert.True(t, a.Weight().Equal(b.Weight()))
}

func TestSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	conv, err := NewConv1d(rng, 1, 2, 3, 1, 1, 1, true)
	require.NoError(t, err)

	seq := NewSequential(conv, NewLeakyReLU(0.1)).Add(NewAvgPool1d(4, 2, 2)).Add(NewTanh())
	assert.Equal(t, 4, seq.Len())
	assert.Len(t, seq.Parameters(), 2)

	x, err := tensor.RandomNormal(rng, []int{2, 1, 16}, 0, 1)
	require.NoError(t, err)
	out, err := seq.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 9}, out.Shape)
	for _, v := range out.Data {
		assert.True(t, v > -1 && v < 1)
	}

	seq.Eval()
	assert.False(t, seq.IsTraining())
	assert.False(t, conv.IsTraining())
	seq.Train()
	assert.True(t, conv.IsTraining())

	summary := seq.Summary()
	assert.True(t, strings.Contains(summary, "Conv1D"))
	assert.True(t, strings.Contains(summary, "Total parameters: 8"))
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		layerType LayerType
		want      string
	}{
		{Conv1D, "Conv1D"},
		{ConvTranspose1D, "ConvTranspose1D"},
		{LeakyReLU, "LeakyReLU"},
		{AvgPool1D, "AvgPool1D"},
		{LayerType(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.layerType.String())
	}
}
