package tensor

import (
	"fmt"
)

// Conv1dOp implements a 1-D cross-correlation over [batch, channels, length]
// inputs with weight [out_channels, in_channels, kernel] and optional bias.
type Conv1dOp struct {
	Stride   int
	Padding  int
	Dilation int

	inputs []*Tensor
}

func (op *Conv1dOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv1dOp) outLength(length, kernel int) int {
	return (length+2*op.Padding-op.Dilation*(kernel-1)-1)/op.Stride + 1
}

func (op *Conv1dOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) < 2 || len(inputs) > 3 {
		return nil, fmt.Errorf("Conv1dOp requires input, weight and optional bias")
	}
	x, w := inputs[0], inputs[1]
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	if op.Stride <= 0 {
		op.Stride = 1
	}
	if op.Dilation <= 0 {
		op.Dilation = 1
	}
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("conv1d expects 3D input [batch, channels, length], got shape %v", x.Shape)
	}
	if len(w.Shape) != 3 {
		return nil, fmt.Errorf("conv1d expects 3D weight [out, in, kernel], got shape %v", w.Shape)
	}
	batch, inC, length := x.Shape[0], x.Shape[1], x.Shape[2]
	outC, kernel := w.Shape[0], w.Shape[2]
	if w.Shape[1] != inC {
		return nil, fmt.Errorf("conv1d channel mismatch: input has %d channels, weight expects %d", inC, w.Shape[1])
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outC) {
		return nil, fmt.Errorf("conv1d bias shape %v does not match %d output channels", bias.Shape, outC)
	}
	outLen := op.outLength(length, kernel)
	if outLen <= 0 {
		return nil, fmt.Errorf("conv1d input length %d too short for kernel %d (dilation %d, padding %d)",
			length, kernel, op.Dilation, op.Padding)
	}
	op.inputs = inputs

	out, err := empty([]int{batch, outC, outLen})
	if err != nil {
		return nil, err
	}

	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			dst := out.Data[(b*outC+o)*outLen : (b*outC+o+1)*outLen]
			if bias != nil {
				for t := range dst {
					dst[t] = bias.Data[o]
				}
			}
			for c := 0; c < inC; c++ {
				src := x.Data[(b*inC+c)*length : (b*inC+c+1)*length]
				wk := w.Data[(o*inC+c)*kernel : (o*inC+c+1)*kernel]
				for k, wv := range wk {
					if wv == 0 {
						continue
					}
					offset := k*op.Dilation - op.Padding
					for t := 0; t < outLen; t++ {
						idx := t*op.Stride + offset
						if idx < 0 || idx >= length {
							continue
						}
						dst[t] += wv * src[idx]
					}
				}
			}
		}
	}

	return Attach(out, op), nil
}

func (op *Conv1dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.inputs[0], op.inputs[1]
	batch, inC, length := x.Shape[0], x.Shape[1], x.Shape[2]
	outC, kernel := w.Shape[0], w.Shape[2]
	outLen := gradOut.Shape[2]

	gradX, err := empty(x.Shape)
	if err != nil {
		return nil, err
	}
	gradW, err := empty(w.Shape)
	if err != nil {
		return nil, err
	}

	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			g := gradOut.Data[(b*outC+o)*outLen : (b*outC+o+1)*outLen]
			for c := 0; c < inC; c++ {
				src := x.Data[(b*inC+c)*length : (b*inC+c+1)*length]
				gsrc := gradX.Data[(b*inC+c)*length : (b*inC+c+1)*length]
				wBase := (o*inC + c) * kernel
				for k := 0; k < kernel; k++ {
					wv := w.Data[wBase+k]
					offset := k*op.Dilation - op.Padding
					var gw float32
					for t := 0; t < outLen; t++ {
						idx := t*op.Stride + offset
						if idx < 0 || idx >= length {
							continue
						}
						gsrc[idx] += g[t] * wv
						gw += g[t] * src[idx]
					}
					gradW.Data[wBase+k] += gw
				}
			}
		}
	}

	grads := []*Tensor{gradX, gradW}
	if len(op.inputs) == 3 {
		gradB, err := empty([]int{outC})
		if err != nil {
			return nil, err
		}
		for b := 0; b < batch; b++ {
			for o := 0; o < outC; o++ {
				gradB.Data[o] += sumData(gradOut.Data[(b*outC+o)*outLen : (b*outC+o+1)*outLen])
			}
		}
		grads = append(grads, gradB)
	}
	return grads, nil
}

// ConvTranspose1dOp implements a transposed 1-D convolution with weight
// [in_channels, out_channels, kernel]. Padding crops both ends of the output.
type ConvTranspose1dOp struct {
	Stride  int
	Padding int

	inputs []*Tensor
}

func (op *ConvTranspose1dOp) Inputs() []*Tensor { return op.inputs }

func (op *ConvTranspose1dOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) < 2 || len(inputs) > 3 {
		return nil, fmt.Errorf("ConvTranspose1dOp requires input, weight and optional bias")
	}
	x, w := inputs[0], inputs[1]
	var bias *Tensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}

	if op.Stride <= 0 {
		op.Stride = 1
	}
	if len(x.Shape) != 3 || len(w.Shape) != 3 {
		return nil, fmt.Errorf("conv_transpose1d expects 3D input and weight, got %v and %v", x.Shape, w.Shape)
	}
	batch, inC, length := x.Shape[0], x.Shape[1], x.Shape[2]
	outC, kernel := w.Shape[1], w.Shape[2]
	if w.Shape[0] != inC {
		return nil, fmt.Errorf("conv_transpose1d channel mismatch: input has %d channels, weight expects %d", inC, w.Shape[0])
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outC) {
		return nil, fmt.Errorf("conv_transpose1d bias shape %v does not match %d output channels", bias.Shape, outC)
	}
	outLen := (length-1)*op.Stride + kernel - 2*op.Padding
	if outLen <= 0 {
		return nil, fmt.Errorf("conv_transpose1d output length %d is not positive", outLen)
	}
	op.inputs = inputs

	out, err := empty([]int{batch, outC, outLen})
	if err != nil {
		return nil, err
	}

	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			dst := out.Data[(b*outC+o)*outLen : (b*outC+o+1)*outLen]
			if bias != nil {
				for t := range dst {
					dst[t] = bias.Data[o]
				}
			}
			for c := 0; c < inC; c++ {
				src := x.Data[(b*inC+c)*length : (b*inC+c+1)*length]
				wk := w.Data[(c*outC+o)*kernel : (c*outC+o+1)*kernel]
				for t, xv := range src {
					if xv == 0 {
						continue
					}
					base := t*op.Stride - op.Padding
					for k, wv := range wk {
						idx := base + k
						if idx < 0 || idx >= outLen {
							continue
						}
						dst[idx] += xv * wv
					}
				}
			}
		}
	}

	return Attach(out, op), nil
}

func (op *ConvTranspose1dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x, w := op.inputs[0], op.inputs[1]
	batch, inC, length := x.Shape[0], x.Shape[1], x.Shape[2]
	outC, kernel := w.Shape[1], w.Shape[2]
	outLen := gradOut.Shape[2]

	gradX, err := empty(x.Shape)
	if err != nil {
		return nil, err
	}
	gradW, err := empty(w.Shape)
	if err != nil {
		return nil, err
	}

	for b := 0; b < batch; b++ {
		for o := 0; o < outC; o++ {
			g := gradOut.Data[(b*outC+o)*outLen : (b*outC+o+1)*outLen]
			for c := 0; c < inC; c++ {
				src := x.Data[(b*inC+c)*length : (b*inC+c+1)*length]
				gsrc := gradX.Data[(b*inC+c)*length : (b*inC+c+1)*length]
				wBase := (c*outC + o) * kernel
				for t := 0; t < length; t++ {
					base := t*op.Stride - op.Padding
					for k := 0; k < kernel; k++ {
						idx := base + k
						if idx < 0 || idx >= outLen {
							continue
						}
						gsrc[t] += g[idx] * w.Data[wBase+k]
						gradW.Data[wBase+k] += g[idx] * src[t]
					}
				}
			}
		}
	}

	grads := []*Tensor{gradX, gradW}
	if len(op.inputs) == 3 {
		gradB, err := empty([]int{outC})
		if err != nil {
			return nil, err
		}
		for b := 0; b < batch; b++ {
			for o := 0; o < outC; o++ {
				gradB.Data[o] += sumData(gradOut.Data[(b*outC+o)*outLen : (b*outC+o+1)*outLen])
			}
		}
		grads = append(grads, gradB)
	}
	return grads, nil
}

// AvgPool1dOp averages windows along the last axis. Padded positions count
// towards the divisor.
type AvgPool1dOp struct {
	Kernel  int
	Stride  int
	Padding int

	inputs []*Tensor
}

func (op *AvgPool1dOp) Inputs() []*Tensor { return op.inputs }

func (op *AvgPool1dOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("AvgPool1dOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("avg_pool1d expects 3D input, got shape %v", x.Shape)
	}
	if op.Kernel <= 0 {
		return nil, fmt.Errorf("avg_pool1d kernel must be positive, got %d", op.Kernel)
	}
	if op.Stride <= 0 {
		op.Stride = op.Kernel
	}
	rows, length := x.Shape[0]*x.Shape[1], x.Shape[2]
	outLen := (length+2*op.Padding-op.Kernel)/op.Stride + 1
	if outLen <= 0 {
		return nil, fmt.Errorf("avg_pool1d input length %d too short for kernel %d", length, op.Kernel)
	}
	op.inputs = inputs

	out, err := empty([]int{x.Shape[0], x.Shape[1], outLen})
	if err != nil {
		return nil, err
	}
	inv := 1 / float32(op.Kernel)
	for r := 0; r < rows; r++ {
		src := x.Data[r*length : (r+1)*length]
		dst := out.Data[r*outLen : (r+1)*outLen]
		for t := range dst {
			start := t*op.Stride - op.Padding
			var s float32
			for k := 0; k < op.Kernel; k++ {
				idx := start + k
				if idx >= 0 && idx < length {
					s += src[idx]
				}
			}
			dst[t] = s * inv
		}
	}
	return Attach(out, op), nil
}

func (op *AvgPool1dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	rows, length := x.Shape[0]*x.Shape[1], x.Shape[2]
	outLen := gradOut.Shape[2]

	grad, err := empty(x.Shape)
	if err != nil {
		return nil, err
	}
	inv := 1 / float32(op.Kernel)
	for r := 0; r < rows; r++ {
		g := gradOut.Data[r*outLen : (r+1)*outLen]
		dst := grad.Data[r*length : (r+1)*length]
		for t, gv := range g {
			start := t*op.Stride - op.Padding
			for k := 0; k < op.Kernel; k++ {
				idx := start + k
				if idx >= 0 && idx < length {
					dst[idx] += gv * inv
				}
			}
		}
	}
	return []*Tensor{grad}, nil
}

// FoldOp reshapes [batch, channels, length] into [batch*period, channels,
// ceil(length/period)] so that row j of each example holds samples
// j, j+period, j+2*period, ... The tail is reflect-padded to a multiple of period.
type FoldOp struct {
	Period int

	inputs []*Tensor
	padded int
}

func (op *FoldOp) Inputs() []*Tensor { return op.inputs }

// source maps a position in the padded signal back to the original signal
func (op *FoldOp) source(i, length int) int {
	if i < length {
		return i
	}
	return 2*(length-1) - i
}

func (op *FoldOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, fmt.Errorf("FoldOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("fold expects 3D input, got shape %v", x.Shape)
	}
	if op.Period <= 0 {
		return nil, fmt.Errorf("fold period must be positive, got %d", op.Period)
	}
	batch, channels, length := x.Shape[0], x.Shape[1], x.Shape[2]
	pad := 0
	if length%op.Period != 0 {
		pad = op.Period - length%op.Period
	}
	if pad >= length {
		return nil, fmt.Errorf("signal of length %d too short to fold with period %d", length, op.Period)
	}
	op.padded = length + pad
	op.inputs = inputs
	steps := op.padded / op.Period

	out, err := empty([]int{batch * op.Period, channels, steps})
	if err != nil {
		return nil, err
	}
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			src := x.Data[(b*channels+c)*length : (b*channels+c+1)*length]
			for j := 0; j < op.Period; j++ {
				row := ((b*op.Period+j)*channels + c) * steps
				for i := 0; i < steps; i++ {
					out.Data[row+i] = src[op.source(i*op.Period+j, length)]
				}
			}
		}
	}
	return Attach(out, op), nil
}

func (op *FoldOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	batch, channels, length := x.Shape[0], x.Shape[1], x.Shape[2]
	steps := op.padded / op.Period

	grad, err := empty(x.Shape)
	if err != nil {
		return nil, err
	}
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			dst := grad.Data[(b*channels+c)*length : (b*channels+c+1)*length]
			for j := 0; j < op.Period; j++ {
				row := ((b*op.Period+j)*channels + c) * steps
				for i := 0; i < steps; i++ {
					dst[op.source(i*op.Period+j, length)] += gradOut.Data[row+i]
				}
			}
		}
	}
	return []*Tensor{grad}, nil
}

// Conv1d applies a 1-D convolution; bias may be nil
func Conv1d(x, weight, bias *Tensor, stride, padding, dilation int) (*Tensor, error) {
	op := &Conv1dOp{Stride: stride, Padding: padding, Dilation: dilation}
	if bias == nil {
		return op.Forward(x, weight)
	}
	return op.Forward(x, weight, bias)
}

// ConvTranspose1d applies a transposed 1-D convolution; bias may be nil
func ConvTranspose1d(x, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	op := &ConvTranspose1dOp{Stride: stride, Padding: padding}
	if bias == nil {
		return op.Forward(x, weight)
	}
	return op.Forward(x, weight, bias)
}

// AvgPool1d averages windows of kernel samples every stride samples
func AvgPool1d(x *Tensor, kernel, stride, padding int) (*Tensor, error) {
	return (&AvgPool1dOp{Kernel: kernel, Stride: stride, Padding: padding}).Forward(x)
}

// Fold splits each signal into period interleaved rows
func Fold(x *Tensor, period int) (*Tensor, error) {
	return (&FoldOp{Period: period}).Forward(x)
}
