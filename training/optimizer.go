package training

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/checkpoints"
	"github.com/tsawler/go-vocoder/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates parameters from their accumulated gradients
	ZeroGrad()        // Discards the gradients of every parameter
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	Parameters() []*tensor.Tensor

	// State and LoadState move the optimizer buffers in and out of checkpoints
	State() *checkpoints.OptimizerState
	LoadState(state *checkpoints.OptimizerState) error
}

// OptimizerConfig selects and parameterises an optimizer
type OptimizerConfig struct {
	Type        string    `yaml:"type" json:"type"`
	LR          float64   `yaml:"lr" json:"lr"`
	Betas       []float64 `yaml:"betas" json:"betas"`
	Eps         float64   `yaml:"eps" json:"eps"`
	WeightDecay float64   `yaml:"weight_decay" json:"weight_decay"`
	Momentum    float64   `yaml:"momentum" json:"momentum"`
}

// DefaultOptimizerConfig is AdamW with the HiFi-GAN betas
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Type:        "adamw",
		LR:          2e-4,
		Betas:       []float64{0.8, 0.99},
		Eps:         1e-8,
		WeightDecay: 0.01,
	}
}

// Validate checks the optimizer type and hyperparameters
func (c OptimizerConfig) Validate() error {
	if c.LR <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LR)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	switch strings.ToLower(c.Type) {
	case "sgd":
		if c.Momentum < 0 || c.Momentum >= 1 {
			return errors.Errorf("momentum must be in [0, 1), got %g", c.Momentum)
		}
	case "adam", "adamw":
		if len(c.Betas) != 2 {
			return errors.Errorf("betas must have two values, got %v", c.Betas)
		}
		for _, b := range c.Betas {
			if b < 0 || b >= 1 {
				return errors.Errorf("betas must be in [0, 1), got %v", c.Betas)
			}
		}
		if c.Eps <= 0 {
			return errors.Errorf("eps must be positive, got %g", c.Eps)
		}
	default:
		return errors.Errorf("unknown optimizer type %q", c.Type)
	}
	return nil
}

// NewOptimizer builds the optimizer described by config over params
func NewOptimizer(config OptimizerConfig, params []*tensor.Tensor) (Optimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(config.Type) {
	case "sgd":
		return NewSGD(params, config.LR, config.Momentum, config.WeightDecay), nil
	case "adam":
		return NewAdam(params, config.LR, config.Betas[0], config.Betas[1], config.Eps, config.WeightDecay), nil
	default:
		return NewAdamW(params, config.LR, config.Betas[0], config.Betas[1], config.Eps, config.WeightDecay), nil
	}
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   [][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
	}
	if momentum > 0 {
		sgd.velocities = zeroSlots(parameters)
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	wd := float32(sgd.weightDecay)
	mom := float32(sgd.momentum)

	for i, param := range sgd.parameters {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		for j, g := range grad.Data {
			if wd > 0 {
				g += wd * param.Data[j]
			}
			if mom > 0 {
				v := mom*sgd.velocities[i][j] + g
				sgd.velocities[i][j] = v
				g = v
			}
			param.Data[j] -= lr * g
		}
	}
	return nil
}

func (sgd *SGD) ZeroGrad() { tensor.ZeroGrad(sgd.parameters) }

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) Parameters() []*tensor.Tensor { return sgd.parameters }

func (sgd *SGD) State() *checkpoints.OptimizerState {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return &checkpoints.OptimizerState{
		Type:         "SGD",
		LearningRate: sgd.learningRate,
		Parameters:   map[string]float64{"momentum": sgd.momentum, "weight_decay": sgd.weightDecay},
		StateData:    exportSlots("velocity", sgd.velocities),
	}
}

func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := checkStateType(state, "SGD"); err != nil {
		return err
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	if sgd.momentum > 0 {
		if err := importSlots(state, "velocity", sgd.velocities); err != nil {
			return err
		}
	}
	sgd.learningRate = state.LearningRate
	return nil
}

// Adam implements the Adam optimizer. With decoupled set it is AdamW: weight
// decay shrinks the parameters directly instead of being added to the gradient.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	decoupled   bool
	step        int64
	m           [][]float32 // First moment estimates
	v           [][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer with L2 weight decay
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           zeroSlots(parameters),
		v:           zeroSlots(parameters),
	}
}

// NewAdamW creates an Adam optimizer with decoupled weight decay
func NewAdamW(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := NewAdam(parameters, lr, beta1, beta2, eps, weightDecay)
	adam.decoupled = true
	return adam
}

func (adam *Adam) name() string {
	if adam.decoupled {
		return "AdamW"
	}
	return "Adam"
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))
	stepSize := adam.lr / bias1

	for i, param := range adam.parameters {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(adam.m[i]) {
			return fmt.Errorf("parameter %d changed size from %d to %d", i, len(adam.m[i]), len(grad.Data))
		}

		m, v := adam.m[i], adam.v[i]
		for j, g32 := range grad.Data {
			g := float64(g32)
			p := float64(param.Data[j])
			if adam.weightDecay > 0 {
				if adam.decoupled {
					p -= adam.lr * adam.weightDecay * p
				} else {
					g += adam.weightDecay * p
				}
			}

			mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*g
			vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			denom := math.Sqrt(vj/bias2) + adam.eps
			param.Data[j] = float32(p - stepSize*mj/denom)
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad() { tensor.ZeroGrad(adam.parameters) }

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *Adam) Parameters() []*tensor.Tensor { return adam.parameters }

func (adam *Adam) State() *checkpoints.OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	state := &checkpoints.OptimizerState{
		Type:         adam.name(),
		Step:         adam.step,
		LearningRate: adam.lr,
		Parameters: map[string]float64{
			"beta1":        adam.beta1,
			"beta2":        adam.beta2,
			"eps":          adam.eps,
			"weight_decay": adam.weightDecay,
		},
	}
	state.StateData = append(exportSlots("m", adam.m), exportSlots("v", adam.v)...)
	return state
}

func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := checkStateType(state, adam.name()); err != nil {
		return err
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	if err := importSlots(state, "m", adam.m); err != nil {
		return err
	}
	if err := importSlots(state, "v", adam.v); err != nil {
		return err
	}
	adam.step = state.Step
	adam.lr = state.LearningRate
	return nil
}

func zeroSlots(params []*tensor.Tensor) [][]float32 {
	slots := make([][]float32, len(params))
	for i, p := range params {
		slots[i] = make([]float32, p.NumElems)
	}
	return slots
}

func exportSlots(stateType string, slots [][]float32) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, len(slots))
	for i, s := range slots {
		out[i] = checkpoints.OptimizerTensor{
			StateType: stateType,
			Index:     i,
			Data:      append([]float32(nil), s...),
		}
	}
	return out
}

func importSlots(state *checkpoints.OptimizerState, stateType string, slots [][]float32) error {
	seen := 0
	for _, s := range state.StateData {
		if s.StateType != stateType {
			continue
		}
		if s.Index < 0 || s.Index >= len(slots) {
			return errors.Errorf("%s state for parameter %d, optimizer has %d parameters", stateType, s.Index, len(slots))
		}
		if len(s.Data) != len(slots[s.Index]) {
			return errors.Errorf("%s state for parameter %d has %d values, want %d",
				stateType, s.Index, len(s.Data), len(slots[s.Index]))
		}
		copy(slots[s.Index], s.Data)
		seen++
	}
	if seen != len(slots) {
		return errors.Errorf("checkpoint has %s state for %d of %d parameters", stateType, seen, len(slots))
	}
	return nil
}

func checkStateType(state *checkpoints.OptimizerState, want string) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != want {
		return errors.Errorf("checkpoint holds %s state, optimizer is %s", state.Type, want)
	}
	return nil
}
