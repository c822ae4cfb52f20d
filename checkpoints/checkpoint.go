package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file suffix used for the format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatBinary {
		return ".ckpt"
	}
	return ".json"
}

// ParseFormat maps a config value ("json" or "binary") to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "binary", "ckpt":
		return FormatBinary, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is the full training state: both parameter groups, the state of
// both optimizers and the progress of the epoch driver.
type Checkpoint struct {
	Arch string `json:"arch"`

	Generator     []WeightTensor `json:"generator"`
	Discriminator []WeightTensor `json:"discriminator"`

	GeneratorOptimizer     *OptimizerState `json:"generator_optimizer,omitempty"`
	DiscriminatorOptimizer *OptimizerState `json:"discriminator_optimizer,omitempty"`

	TrainingState TrainingState `json:"training_state"`

	// Config is the YAML the run was started with
	Config string `json:"config,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the progress of the epoch driver
type TrainingState struct {
	Epoch       int     `json:"epoch"`
	Step        int     `json:"step"`
	MonitorBest float64 `json:"monitor_best"`
}

// OptimizerState captures optimizer-specific state (moments, velocities, step count)
type OptimizerState struct {
	Type         string             `json:"type"`
	Step         int64              `json:"step"`
	LearningRate float64            `json:"learning_rate"`
	Parameters   map[string]float64 `json:"parameters,omitempty"`
	StateData    []OptimizerTensor  `json:"state_data,omitempty"`
}

// OptimizerTensor is one per-parameter state slot, e.g. the first moment of
// parameter 3 has StateType "m" and Index 3.
type OptimizerTensor struct {
	StateType string    `json:"state_type"`
	Index     int       `json:"index"`
	Data      []float32 `json:"data"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// CheckpointSaver handles saving checkpoints in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes the checkpoint to path. The file is written under a
// temporary name and renamed so a crash never leaves a truncated checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-vocoder"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data = MarshalBinary(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return errors.Wrap(os.Rename(tmp, path), "failed to finalize checkpoint file")
}

// LoadCheckpoint reads a checkpoint written in the saver's format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	case FormatBinary:
		return UnmarshalBinary(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// ExtractWeights copies parameter data into named weight records
// ("<prefix>.<index>").
func ExtractWeights(prefix string, params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("%s.%d", prefix, i),
			Shape: slices.Clone(p.Shape),
			Data:  slices.Clone(p.Data),
		}
	}
	return weights
}

// LoadWeights copies weight data back into params. Weights and params are
// matched by position and must agree in count and shape.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if !slices.Equal(p.Shape, w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", w.Name, p.Shape, w.Shape)
		}
		if err := p.SetData(w.Data); err != nil {
			return errors.Wrapf(err, "failed to copy weight data for %s", w.Name)
		}
	}
	return nil
}
