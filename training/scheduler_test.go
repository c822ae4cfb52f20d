package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/tensor"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0.1},    // Initial
		{1, 0.1},    // No change yet
		{2, 0.01},   // First reduction
		{3, 0.01},   // Same
		{4, 0.001},  // Second reduction
		{5, 0.001},  // Same
		{6, 0.0001}, // Third reduction
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.step, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Step %d: expected LR %f, got %f", tt.step, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
		{4, 0.06561},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.step, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Step %d: expected LR %f, got %f", tt.step, tt.expectedLR, lr)
		}
	}

	assert.Equal(t, 0.999, NewExponentialLRScheduler(1.5).Gamma, "invalid gamma falls back to the default")
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		step       int
		expectedLR float64
	}{
		{0, 0.01},
		{5, 0.0001},
		{2, 0.006580},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.step, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-6 {
			t.Errorf("Step %d: expected LR %f, got %f", tt.step, tt.expectedLR, lr)
		}
	}

	if lr := scheduler.GetLR(10, baseLR); math.Abs(lr-0.0001) > 1e-8 {
		t.Errorf("Beyond TMax: expected LR %f, got %f", 0.0001, lr)
	}
}

func TestNoOpScheduler(t *testing.T) {
	scheduler := &NoOpScheduler{}
	for step := 0; step < 10; step++ {
		assert.Equal(t, 0.01, scheduler.GetLR(step, 0.01))
	}
	assert.Equal(t, "ConstantLR", scheduler.GetName())
}

func TestNewScheduler(t *testing.T) {
	tests := []struct {
		config  SchedulerConfig
		want    string
		wantErr bool
	}{
		{SchedulerConfig{Type: "none"}, "", false},
		{SchedulerConfig{}, "", false},
		{DefaultSchedulerConfig(), "ExponentialLR", false},
		{SchedulerConfig{Type: "Step", StepSize: 10, Gamma: 0.5}, "StepLR", false},
		{SchedulerConfig{Type: "cosine", TMax: 100}, "CosineAnnealingLR", false},
		{SchedulerConfig{Type: "plateau"}, "", true},
	}
	for _, tt := range tests {
		s, err := NewScheduler(tt.config)
		if tt.wantErr {
			assert.Error(t, err, tt.config.Type)
			continue
		}
		require.NoError(t, err)
		if tt.want == "" {
			assert.Nil(t, s)
			continue
		}
		assert.Equal(t, tt.want, s.GetName())
	}
}

func TestLRStepperDrivesOptimizer(t *testing.T) {
	param, err := tensor.New([]int{1}, []float32{1})
	require.NoError(t, err)
	opt := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0)

	stepper := NewLRStepper(NewExponentialLRScheduler(0.5), opt)
	stepper.Step()
	stepper.Step()
	assert.InDelta(t, 0.025, opt.GetLR(), 1e-12)
	assert.Equal(t, 2, stepper.Steps())
	assert.Equal(t, opt.GetLR(), stepper.LastLR())

	stepper.Restore(1)
	assert.InDelta(t, 0.05, opt.GetLR(), 1e-12)
	assert.Equal(t, "ExponentialLR", stepper.Name())
}
