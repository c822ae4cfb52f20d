package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-vocoder/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv1D LayerType = iota
	ConvTranspose1D
	LeakyReLU
	Tanh
	AvgPool1D
	Sequence
)

func (lt LayerType) String() string {
	switch lt {
	case Conv1D:
		return "Conv1D"
	case ConvTranspose1D:
		return "ConvTranspose1D"
	case LeakyReLU:
		return "LeakyReLU"
	case Tanh:
		return "Tanh"
	case AvgPool1D:
		return "AvgPool1D"
	case Sequence:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Typed is implemented by layers that can report their LayerType
type Typed interface {
	Type() LayerType
}

// CountParameters returns the number of scalar parameters in params
func CountParameters(params []*tensor.Tensor) int64 {
	var n int64
	for _, p := range params {
		n += int64(p.NumElems)
	}
	return n
}

// GetPadding returns the padding that keeps the sequence length unchanged for
// a stride one convolution.
func GetPadding(kernelSize, dilation int) int {
	return (kernelSize*dilation - dilation) / 2
}

// LeakyReLUModule implements the leaky ReLU activation
type LeakyReLUModule struct {
	Slope    float32
	training bool
}

// NewLeakyReLU creates a leaky ReLU activation module
func NewLeakyReLU(slope float32) *LeakyReLUModule {
	return &LeakyReLUModule{Slope: slope, training: true}
}

func (l *LeakyReLUModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLU(input, l.Slope)
}

// Parameters returns empty slice (LeakyReLU has no parameters)
func (l *LeakyReLUModule) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (l *LeakyReLUModule) Train()                       { l.training = true }
func (l *LeakyReLUModule) Eval()                        { l.training = false }
func (l *LeakyReLUModule) IsTraining() bool             { return l.training }
func (l *LeakyReLUModule) Type() LayerType              { return LeakyReLU }

// TanhModule implements the tanh activation
type TanhModule struct {
	training bool
}

// NewTanh creates a tanh activation module
func NewTanh() *TanhModule {
	return &TanhModule{training: true}
}

func (m *TanhModule) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Tanh(input)
}

func (m *TanhModule) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (m *TanhModule) Train()                       { m.training = true }
func (m *TanhModule) Eval()                        { m.training = false }
func (m *TanhModule) IsTraining() bool             { return m.training }
func (m *TanhModule) Type() LayerType              { return Tanh }

// Sequential chains modules, feeding each output into the next module
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Add appends a module to the container
func (s *Sequential) Add(m Module) *Sequential {
	s.modules = append(s.modules, m)
	return s
}

// Forward runs every module in order
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s) failed: %w", i, layerName(m), err)
		}
	}
	return out, nil
}

// Parameters returns the parameters of every module in order
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }
func (s *Sequential) Type() LayerType  { return Sequence }

// Len returns the number of modules in the container
func (s *Sequential) Len() int { return len(s.modules) }

// Summary renders one line per module with its parameter count
func (s *Sequential) Summary() string {
	var b strings.Builder
	var total int64
	for i, m := range s.modules {
		n := CountParameters(m.Parameters())
		total += n
		fmt.Fprintf(&b, "%3d  %-16s %10d\n", i, layerName(m), n)
	}
	fmt.Fprintf(&b, "Total parameters: %d\n", total)
	return b.String()
}

func layerName(m Module) string {
	if t, ok := m.(Typed); ok {
		return t.Type().String()
	}
	return fmt.Sprintf("%T", m)
}
