package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the number of scheduler steps taken; the
// state lives in LRStepper.
type LRScheduler interface {
	// GetLR returns the learning rate after step scheduler steps
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every StepSize steps
type StepLRScheduler struct {
	StepSize int     // Steps between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(step int, baseLR float64) float64 {
	times := step / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per step
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.999
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Number of steps to reach EtaMin
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects a schedule. Type is one of none, step,
// exponential or cosine.
type SchedulerConfig struct {
	Type     string  `yaml:"type" json:"type"`
	StepSize int     `yaml:"step_size" json:"step_size"`
	Gamma    float64 `yaml:"gamma" json:"gamma"`
	TMax     int     `yaml:"t_max" json:"t_max"`
	EtaMin   float64 `yaml:"eta_min" json:"eta_min"`
}

// DefaultSchedulerConfig is the per-batch exponential decay used for HiFi-GAN
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Type: "exponential", Gamma: 0.999}
}

// NewScheduler builds the scheduler for config; "none" and "" yield nil
func NewScheduler(config SchedulerConfig) (LRScheduler, error) {
	switch strings.ToLower(config.Type) {
	case "", "none":
		return nil, nil
	case "step":
		return NewStepLRScheduler(config.StepSize, config.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(config.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(config.TMax, config.EtaMin), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, errors.Errorf("unknown lr scheduler type %q", config.Type)
	}
}

// LRStepper advances a schedule for one optimizer. Step is called once per
// successfully processed batch.
type LRStepper struct {
	scheduler LRScheduler
	optimizer Optimizer
	baseLR    float64
	steps     int
}

// NewLRStepper binds scheduler to optimizer, using the optimizer's current
// learning rate as the base rate.
func NewLRStepper(scheduler LRScheduler, optimizer Optimizer) *LRStepper {
	return &LRStepper{
		scheduler: scheduler,
		optimizer: optimizer,
		baseLR:    optimizer.GetLR(),
	}
}

// Step advances the schedule and updates the optimizer's learning rate
func (s *LRStepper) Step() {
	s.steps++
	s.optimizer.SetLR(s.scheduler.GetLR(s.steps, s.baseLR))
}

// LastLR returns the learning rate currently set on the optimizer
func (s *LRStepper) LastLR() float64 { return s.optimizer.GetLR() }

// Steps returns the number of scheduler steps taken
func (s *LRStepper) Steps() int { return s.steps }

// Restore sets the step count from a checkpoint and re-applies the schedule
func (s *LRStepper) Restore(steps int) {
	s.steps = steps
	s.optimizer.SetLR(s.scheduler.GetLR(steps, s.baseLR))
}

func (s *LRStepper) Name() string { return s.scheduler.GetName() }
