package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/tensor"
)

func sampleCheckpoint() *Checkpoint {
	weight := make([]float32, 24)
	for i := range weight {
		weight[i] = float32(i%7) * 0.125
	}
	return &Checkpoint{
		Arch: "HiFiGAN",
		Generator: []WeightTensor{
			{Name: "generator.0", Shape: []int{2, 3, 4}, Data: weight},
			{Name: "generator.1", Shape: []int{2}, Data: []float32{-1.5, 2}},
		},
		Discriminator: []WeightTensor{
			{Name: "discriminator.0", Shape: []int{1, 1, 3}, Data: []float32{0.25, -0.25, 1e-7}},
		},
		GeneratorOptimizer: &OptimizerState{
			Type:         "AdamW",
			Step:         42,
			LearningRate: 2e-4,
			Parameters:   map[string]float64{"beta1": 0.8, "beta2": 0.99, "eps": 1e-8},
			StateData: []OptimizerTensor{
				{StateType: "m", Index: 0, Data: []float32{0.1, 0.2}},
				{StateType: "v", Index: 1, Data: []float32{0.3}},
			},
		},
		TrainingState: TrainingState{Epoch: 7, Step: 700, MonitorBest: 1.25},
		Config:        "name: test\n",
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-vocoder",
			CreatedAt:   time.Unix(1700000000, 500),
			Description: "epoch 7",
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "nested", "checkpoint"+format.Extension())
			want := sampleCheckpoint()

			saver := NewCheckpointSaver(format)
			require.NoError(t, saver.SaveCheckpoint(want, path))
			_, err := os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err), "temporary file must be renamed")

			got, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)

			assert.Equal(t, want.Arch, got.Arch)
			assert.Equal(t, want.Generator, got.Generator)
			assert.Equal(t, want.Discriminator, got.Discriminator)
			assert.Equal(t, want.GeneratorOptimizer, got.GeneratorOptimizer)
			assert.Nil(t, got.DiscriminatorOptimizer)
			assert.Equal(t, want.TrainingState, got.TrainingState)
			assert.Equal(t, want.Config, got.Config)
			assert.Equal(t, want.Metadata.Description, got.Metadata.Description)
			assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
		})
	}
}

func TestSaveFillsMetadata(t *testing.T) {
	c := sampleCheckpoint()
	c.Metadata = CheckpointMetadata{}
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, NewCheckpointSaver(FormatJSON).SaveCheckpoint(c, path))
	assert.Equal(t, "go-vocoder", c.Metadata.Framework)
	assert.False(t, c.Metadata.CreatedAt.IsZero())
}

func TestBinaryRejectsCorruptData(t *testing.T) {
	data := MarshalBinary(sampleCheckpoint())
	_, err := UnmarshalBinary(data[:len(data)-3])
	assert.Error(t, err)

	_, err = UnmarshalBinary([]byte{0xff})
	assert.Error(t, err)
}

func TestBinarySkipsUnknownFields(t *testing.T) {
	data := MarshalBinary(sampleCheckpoint())
	// field 99, varint 5
	data = append(data, 0x98, 0x06, 0x05)
	got, err := UnmarshalBinary(data)
	require.NoError(t, err)
	assert.Equal(t, "HiFiGAN", got.Arch)
}

func TestExtractAndLoadWeights(t *testing.T) {
	a, err := tensor.New([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := tensor.New([]int{3}, []float32{5, 6, 7})
	require.NoError(t, err)

	weights := ExtractWeights("generator", []*tensor.Tensor{a, b})
	require.Len(t, weights, 2)
	assert.Equal(t, "generator.1", weights[1].Name)

	// the extracted copy is independent of the tensor
	a.Data[0] = 100
	assert.Equal(t, float32(1), weights[0].Data[0])

	require.NoError(t, LoadWeights(weights, []*tensor.Tensor{a, b}))
	assert.Equal(t, []float32{1, 2, 3, 4}, a.Data)

	assert.Error(t, LoadWeights(weights[:1], []*tensor.Tensor{a, b}))
	wrong, err := tensor.Zeros([]int{4})
	require.NoError(t, err)
	assert.Error(t, LoadWeights(weights, []*tensor.Tensor{wrong, b}))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"binary", FormatBinary, false},
		{"onnx", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
