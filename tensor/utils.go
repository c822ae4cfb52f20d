package tensor

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// noGradDepth counts nested NoGrad scopes; while positive no graph is recorded
var noGradDepth atomic.Int32

// NoGrad runs fn without recording operations on the autograd tape, the way
// evaluation passes avoid holding activations for a backward pass.
func NoGrad(fn func() error) error {
	noGradDepth.Add(1)
	defer noGradDepth.Add(-1)
	return fn()
}

// GradEnabled reports whether operations are currently recorded
func GradEnabled() bool {
	return noGradDepth.Load() == 0
}

// Attach records op as the creator of out when any input requires a gradient.
// Packages outside tensor use it to register their own differentiable ops.
func Attach(out *Tensor, op Operation) *Tensor {
	if !GradEnabled() {
		return out
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// Clone returns a deep copy without autograd history
func (t *Tensor) Clone() (*Tensor, error) {
	clone, err := empty(t.Shape)
	if err != nil {
		return nil, err
	}
	copy(clone.Data, t.Data)
	return clone, nil
}

// Detach returns a tensor sharing t's data that is cut from the graph.
func Detach(t *Tensor) *Tensor {
	return &Tensor{
		Shape:    t.Size(),
		Strides:  calculateStrides(t.Shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a one-element tensor
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return float64(t.Data[0]), nil
}

// At returns the element at the given coordinates
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return t.Data[offset], nil
}

// Equal reports whether two tensors have the same shape and values
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

// SetData overwrites the tensor values in place, keeping its shape.
func (t *Tensor) SetData(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

// SetGrad replaces the accumulated gradient of a leaf tensor
func (t *Tensor) SetGrad(grad *Tensor) error {
	if grad != nil && !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}
	t.grad = grad
	return nil
}

// ZeroGrad discards the gradients of the given tensors
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}

// HasNaN reports whether any element is NaN or infinite
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// PrintData renders up to maxElements values
func (t *Tensor) PrintData(maxElements int) string {
	var b strings.Builder
	b.WriteString("[")
	for i, v := range t.Data {
		if i >= maxElements {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%.4f", v)
	}
	b.WriteString("]")
	return b.String()
}
