package tensor

import (
	"fmt"
	"math"
)

// checkBinary validates operands of an element-wise op. b may either match
// a's shape exactly or hold a single element that is broadcast.
func checkBinary(a, b *Tensor) (scalarB bool, err error) {
	if a == nil || b == nil {
		return false, fmt.Errorf("nil tensor operand")
	}
	if shapesEqual(a.Shape, b.Shape) {
		return false, nil
	}
	if b.NumElems == 1 {
		return true, nil
	}
	return false, fmt.Errorf("tensor shapes must match: %v vs %v", a.Shape, b.Shape)
}

func sumData(data []float32) float32 {
	var s float64
	for _, v := range data {
		s += float64(v)
	}
	return float32(s)
}

// AddOp implements element-wise addition
type AddOp struct {
	inputs  []*Tensor
	scalarB bool
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	scalarB, err := checkBinary(a, b)
	if err != nil {
		return nil, err
	}
	op.inputs = inputs
	op.scalarB = scalarB

	out, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		if scalarB {
			out.Data[i] = a.Data[i] + b.Data[0]
		} else {
			out.Data[i] = a.Data[i] + b.Data[i]
		}
	}
	return Attach(out, op), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
	gradA := gradOut
	gradB := gradOut
	if op.scalarB {
		gradB = FromScalar(float64(sumData(gradOut.Data)))
	}
	return []*Tensor{gradA, gradB}, nil
}

// SubOp implements element-wise subtraction
type SubOp struct {
	inputs  []*Tensor
	scalarB bool
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	scalarB, err := checkBinary(a, b)
	if err != nil {
		return nil, err
	}
	op.inputs = inputs
	op.scalarB = scalarB

	out, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		if scalarB {
			out.Data[i] = a.Data[i] - b.Data[0]
		} else {
			out.Data[i] = a.Data[i] - b.Data[i]
		}
	}
	return Attach(out, op), nil
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a - b)/∂a = 1, ∂(a - b)/∂b = -1
	if op.scalarB {
		return []*Tensor{gradOut, FromScalar(-float64(sumData(gradOut.Data)))}, nil
	}
	gradB, err := empty(gradOut.Shape)
	if err != nil {
		return nil, err
	}
	for i, g := range gradOut.Data {
		gradB.Data[i] = -g
	}
	return []*Tensor{gradOut, gradB}, nil
}

// MulOp implements element-wise multiplication
type MulOp struct {
	inputs  []*Tensor
	scalarB bool
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	scalarB, err := checkBinary(a, b)
	if err != nil {
		return nil, err
	}
	op.inputs = inputs
	op.scalarB = scalarB

	out, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	for i := range out.Data {
		if scalarB {
			out.Data[i] = a.Data[i] * b.Data[0]
		} else {
			out.Data[i] = a.Data[i] * b.Data[i]
		}
	}
	return Attach(out, op), nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	a, b := op.inputs[0], op.inputs[1]

	gradA, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	if op.scalarB {
		var gb float64
		for i, g := range gradOut.Data {
			gradA.Data[i] = g * b.Data[0]
			gb += float64(g * a.Data[i])
		}
		return []*Tensor{gradA, FromScalar(gb)}, nil
	}

	gradB, err := empty(b.Shape)
	if err != nil {
		return nil, err
	}
	for i, g := range gradOut.Data {
		gradA.Data[i] = g * b.Data[i]
		gradB.Data[i] = g * a.Data[i]
	}
	return []*Tensor{gradA, gradB}, nil
}

// unaryOp implements element-wise functions of a single tensor. fn computes
// the output value, deriv the local derivative given input x and output y.
type unaryOp struct {
	inputs []*Tensor
	output *Tensor
	fn     func(x float32) float32
	deriv  func(x, y float32) float32
}

func (op *unaryOp) Inputs() []*Tensor { return op.inputs }

func (op *unaryOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("unary op requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	out, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	for i, x := range a.Data {
		out.Data[i] = op.fn(x)
	}
	op.output = out
	return Attach(out, op), nil
}

func (op *unaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	grad, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.deriv(a.Data[i], op.output.Data[i])
	}
	return []*Tensor{grad}, nil
}

// ReduceOp reduces a tensor to a single element, either by summing or averaging
type ReduceOp struct {
	inputs []*Tensor
	mean   bool
}

func (op *ReduceOp) Inputs() []*Tensor { return op.inputs }

func (op *ReduceOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("ReduceOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	s := float64(sumData(a.Data))
	if op.mean {
		s /= float64(a.NumElems)
	}
	out := FromScalar(s)
	return Attach(out, op), nil
}

func (op *ReduceOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	g := gradOut.Data[0]
	if op.mean {
		g /= float32(a.NumElems)
	}
	grad, err := Full(a.Shape, g)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// PadOp appends zeros (or truncates when width is negative) along the last dimension
type PadOp struct {
	inputs []*Tensor
	width  int
}

func (op *PadOp) Inputs() []*Tensor { return op.inputs }

func (op *PadOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("PadOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	last := a.Shape[len(a.Shape)-1]
	newLast := last + op.width
	if newLast <= 0 {
		return nil, fmt.Errorf("cannot resize last dimension %d by %d", last, op.width)
	}
	shape := a.Size()
	shape[len(shape)-1] = newLast

	out, err := empty(shape)
	if err != nil {
		return nil, err
	}
	rows := a.NumElems / last
	keep := min(last, newLast)
	for r := 0; r < rows; r++ {
		copy(out.Data[r*newLast:r*newLast+keep], a.Data[r*last:r*last+keep])
	}
	return Attach(out, op), nil
}

func (op *PadOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	last := a.Shape[len(a.Shape)-1]
	newLast := gradOut.Shape[len(gradOut.Shape)-1]

	grad, err := empty(a.Shape)
	if err != nil {
		return nil, err
	}
	rows := a.NumElems / last
	keep := min(last, newLast)
	for r := 0; r < rows; r++ {
		copy(grad.Data[r*last:r*last+keep], gradOut.Data[r*newLast:r*newLast+keep])
	}
	return []*Tensor{grad}, nil
}

// ReshapeOp changes the shape of a tensor without moving data
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	shape, err := inferShape(op.shape, a.NumElems)
	if err != nil {
		return nil, err
	}
	op.shape = shape
	out := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     a.Data,
		NumElems: a.NumElems,
	}
	return Attach(out, op), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	return []*Tensor{{
		Shape:    a.Size(),
		Strides:  calculateStrides(a.Shape),
		Data:     gradOut.Data,
		NumElems: gradOut.NumElems,
	}}, nil
}

// inferShape resolves a single -1 dimension and validates the element count
func inferShape(shape []int, numElems int) ([]int, error) {
	out := make([]int, len(shape))
	copy(out, shape)

	known := 1
	neg := -1
	for i, dim := range out {
		switch {
		case dim == -1:
			if neg >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			neg = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d cannot be %d", i, dim)
		default:
			known *= dim
		}
	}
	if neg >= 0 {
		if numElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, shape)
		}
		out[neg] = numElems / known
		known *= out[neg]
	}
	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, shape)
	}
	return out, nil
}

// High-level autograd functions that create and execute operations

// Add returns a + b
func Add(a, b *Tensor) (*Tensor, error) {
	return (&AddOp{}).Forward(a, b)
}

// Sub returns a - b
func Sub(a, b *Tensor) (*Tensor, error) {
	return (&SubOp{}).Forward(a, b)
}

// Mul returns a * b element-wise
func Mul(a, b *Tensor) (*Tensor, error) {
	return (&MulOp{}).Forward(a, b)
}

// Scale returns s * a
func Scale(a *Tensor, s float32) (*Tensor, error) {
	op := &unaryOp{
		fn:    func(x float32) float32 { return x * s },
		deriv: func(x, y float32) float32 { return s },
	}
	return op.Forward(a)
}

// AddScalar returns a + s
func AddScalar(a *Tensor, s float32) (*Tensor, error) {
	op := &unaryOp{
		fn:    func(x float32) float32 { return x + s },
		deriv: func(x, y float32) float32 { return 1 },
	}
	return op.Forward(a)
}

// Square returns a² element-wise
func Square(a *Tensor) (*Tensor, error) {
	op := &unaryOp{
		fn:    func(x float32) float32 { return x * x },
		deriv: func(x, y float32) float32 { return 2 * x },
	}
	return op.Forward(a)
}

// Abs returns |a| element-wise; the subgradient at zero is zero
func Abs(a *Tensor) (*Tensor, error) {
	op := &unaryOp{
		fn: func(x float32) float32 {
			if x < 0 {
				return -x
			}
			return x
		},
		deriv: func(x, y float32) float32 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			default:
				return 0
			}
		},
	}
	return op.Forward(a)
}

// Tanh returns tanh(a) element-wise
func Tanh(a *Tensor) (*Tensor, error) {
	op := &unaryOp{
		fn:    func(x float32) float32 { return float32(math.Tanh(float64(x))) },
		deriv: func(x, y float32) float32 { return 1 - y*y },
	}
	return op.Forward(a)
}

// LeakyReLU returns max(x, slope*x) element-wise
func LeakyReLU(a *Tensor, slope float32) (*Tensor, error) {
	op := &unaryOp{
		fn: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		deriv: func(x, y float32) float32 {
			if x > 0 {
				return 1
			}
			return slope
		},
	}
	return op.Forward(a)
}

// Sum reduces all elements to a scalar
func Sum(a *Tensor) (*Tensor, error) {
	return (&ReduceOp{}).Forward(a)
}

// Mean reduces all elements to their average
func Mean(a *Tensor) (*Tensor, error) {
	return (&ReduceOp{mean: true}).Forward(a)
}

// PadRight appends width zeros to the last dimension
func PadRight(a *Tensor, width int) (*Tensor, error) {
	if width < 0 {
		return nil, fmt.Errorf("padding width must be non-negative, got %d", width)
	}
	return (&PadOp{width: width}).Forward(a)
}

// Truncate keeps the first length entries of the last dimension
func Truncate(a *Tensor, length int) (*Tensor, error) {
	last := a.Shape[len(a.Shape)-1]
	if length > last {
		return nil, fmt.Errorf("cannot truncate last dimension %d to %d", last, length)
	}
	return (&PadOp{width: length - last}).Forward(a)
}

// Reshape returns a view of a with a new shape; one dimension may be -1
func Reshape(a *Tensor, shape []int) (*Tensor, error) {
	return (&ReshapeOp{shape: shape}).Forward(a)
}
