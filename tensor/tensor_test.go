package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-vocoder/memory"
)

func mustNew(t *testing.T, shape []int, data []float32) *Tensor {
	t.Helper()
	x, err := New(shape, data)
	require.NoError(t, err)
	return x
}

func leaf(t *testing.T, shape []int, data []float32) *Tensor {
	x := mustNew(t, shape, data)
	x.SetRequiresGrad(true)
	return x
}

func TestTensorCreation(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		wantErr bool
	}{
		{"vector", []int{4}, false},
		{"matrix", []int{2, 3}, false},
		{"batch", []int{2, 1, 8}, false},
		{"empty shape", []int{}, true},
		{"zero dim", []int{2, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, err := Zeros(tt.shape)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, calculateNumElements(tt.shape), x.NumElems)
			assert.Len(t, x.Data, x.NumElems)
		})
	}

	_, err := New([]int{2, 2}, []float32{1, 2, 3})
	assert.Error(t, err, "data length mismatch should fail")
}

func TestRandomIsReproducible(t *testing.T) {
	a, err := RandomNormal(rand.New(rand.NewSource(7)), []int{16}, 0, 1)
	require.NoError(t, err)
	b, err := RandomNormal(rand.New(rand.NewSource(7)), []int{16}, 0, 1)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	_, err = RandomUniform(nil, []int{4}, 0, 1)
	assert.Error(t, err)
}

func TestElementwiseBackward(t *testing.T) {
	a := leaf(t, []int{3}, []float32{1, -2, 3})
	b := leaf(t, []int{3}, []float32{4, 5, -6})

	prod, err := Mul(a, b)
	require.NoError(t, err)
	diff, err := Sub(prod, a)
	require.NoError(t, err)
	loss, err := Sum(diff)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	// d/da (a*b - a) = b - 1, d/db = a
	assert.Equal(t, []float32{3, 4, -7}, a.Grad().Data)
	assert.Equal(t, []float32{1, -2, 3}, b.Grad().Data)
}

func TestScalarBroadcast(t *testing.T) {
	a := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})
	s := leaf(t, []int{1}, []float32{2})

	out, err := Mul(a, s)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6, 8}, out.Data)

	loss, err := Sum(out)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	assert.Equal(t, []float32{10}, s.Grad().Data)

	_, err = Add(a, mustNew(t, []int{3}, []float32{1, 2, 3}))
	assert.Error(t, err, "mismatched shapes must be rejected")
}

func TestGradientAccumulatesAcrossBackwardCalls(t *testing.T) {
	a := leaf(t, []int{2}, []float32{1, 2})
	for i := 0; i < 2; i++ {
		sq, err := Square(a)
		require.NoError(t, err)
		loss, err := Sum(sq)
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
	}
	assert.Equal(t, []float32{4, 8}, a.Grad().Data)

	ZeroGrad([]*Tensor{a})
	assert.Nil(t, a.Grad())
}

func TestBackwardRequiresScalar(t *testing.T) {
	a := leaf(t, []int{2}, []float32{1, 2})
	sq, err := Square(a)
	require.NoError(t, err)
	assert.Error(t, sq.Backward())

	c := mustNew(t, []int{1}, []float32{1})
	assert.Error(t, c.Backward(), "tensor without grad cannot run backward")
}

func TestNoGradDoesNotRecord(t *testing.T) {
	a := leaf(t, []int{2}, []float32{1, 2})
	var out *Tensor
	err := NoGrad(func() error {
		var err error
		out, err = Square(a)
		return err
	})
	require.NoError(t, err)
	assert.False(t, out.RequiresGrad())
	assert.Nil(t, out.Creator())
	assert.True(t, GradEnabled())
}

func TestDetachCutsGraph(t *testing.T) {
	a := leaf(t, []int{2}, []float32{1, 2})
	sq, err := Square(a)
	require.NoError(t, err)

	d := Detach(sq)
	assert.False(t, d.RequiresGrad())
	assert.True(t, d.IsLeaf())
	assert.Equal(t, sq.Data, d.Data)
}

func TestPadAndTruncate(t *testing.T) {
	a := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})

	padded, err := PadRight(a, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, padded.Shape)
	assert.Equal(t, []float32{1, 2, 0, 0, 3, 4, 0, 0}, padded.Data)

	cut, err := Truncate(padded, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 3}, cut.Data)

	loss, err := Sum(cut)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	assert.Equal(t, []float32{1, 0, 1, 0}, a.Grad().Data)

	_, err = PadRight(a, -1)
	assert.Error(t, err)
	_, err = Truncate(a, 3)
	assert.Error(t, err)
}

func TestReshape(t *testing.T) {
	a := leaf(t, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	r, err := Reshape(a, []int{3, -1})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, r.Shape)

	_, err = Reshape(a, []int{4, -1})
	assert.Error(t, err)
}

func TestConv1dForward(t *testing.T) {
	x := mustNew(t, []int{1, 1, 5}, []float32{1, 2, 3, 4, 5})
	w := mustNew(t, []int{1, 1, 3}, []float32{1, 0, -1})
	b := mustNew(t, []int{1}, []float32{0.5})

	out, err := Conv1d(x, w, b, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 5}, out.Shape)
	// zero padding on both sides: [0-2, 1-3, 2-4, 3-5, 4-0] + 0.5
	assert.Equal(t, []float32{-1.5, -1.5, -1.5, -1.5, 4.5}, out.Data)

	dilated, err := Conv1d(x, w, nil, 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{-4}, dilated.Data)

	strided, err := Conv1d(x, w, nil, 2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{-2, -2}, strided.Data)
}

func TestConvTranspose1dForward(t *testing.T) {
	x := mustNew(t, []int{1, 1, 2}, []float32{1, 2})
	w := mustNew(t, []int{1, 1, 4}, []float32{1, 1, 1, 1})

	out, err := ConvTranspose1d(x, w, nil, 2, 1)
	require.NoError(t, err)
	// full output [1 1 3 3 2 2] cropped by one on each side
	assert.Equal(t, []int{1, 1, 4}, out.Shape)
	assert.Equal(t, []float32{1, 3, 3, 2}, out.Data)
}

func TestFold(t *testing.T) {
	x := mustNew(t, []int{1, 1, 5}, []float32{0, 1, 2, 3, 4})
	out, err := Fold(x, 2)
	require.NoError(t, err)
	// reflect padded to [0 1 2 3 4 3]
	assert.Equal(t, []int{2, 1, 3}, out.Shape)
	assert.Equal(t, []float32{0, 2, 4, 1, 3, 3}, out.Data)
}

func TestAvgPool1d(t *testing.T) {
	x := mustNew(t, []int{1, 1, 4}, []float32{2, 4, 6, 8})
	out, err := AvgPool1d(x, 4, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3}, out.Shape)
	assert.InDeltaSlice(t, []float32{1.5, 5, 3.5}, out.Data, 1e-6)
}

// numericGradCheck compares the analytic gradient of f at every input element
// with central differences.
func numericGradCheck(t *testing.T, inputs []*Tensor, f func() (*Tensor, error)) {
	t.Helper()
	ZeroGrad(inputs)
	out, err := f()
	require.NoError(t, err)
	require.NoError(t, out.Backward())

	const eps = 1e-2
	for n, in := range inputs {
		analytic := in.Grad()
		require.NotNil(t, analytic, "input %d has no gradient", n)
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + eps
			plus, err := f()
			require.NoError(t, err)
			in.Data[i] = orig - eps
			minus, err := f()
			require.NoError(t, err)
			in.Data[i] = orig

			numeric := (float64(plus.Data[0]) - float64(minus.Data[0])) / (2 * eps)
			assert.InDelta(t, numeric, float64(analytic.Data[i]), 2e-2*math.Max(1, math.Abs(numeric)),
				"input %d element %d", n, i)
		}
	}
}

func TestConvGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	rnd := func(shape ...int) *Tensor {
		x, err := RandomNormal(rng, shape, 0, 1)
		require.NoError(t, err)
		x.SetRequiresGrad(true)
		return x
	}

	t.Run("conv1d", func(t *testing.T) {
		x, w, b := rnd(2, 2, 7), rnd(3, 2, 3), rnd(3)
		numericGradCheck(t, []*Tensor{x, w, b}, func() (*Tensor, error) {
			out, err := Conv1d(x, w, b, 2, 2, 2)
			if err != nil {
				return nil, err
			}
			sq, err := Square(out)
			if err != nil {
				return nil, err
			}
			return Mean(sq)
		})
	})

	t.Run("conv_transpose1d", func(t *testing.T) {
		x, w, b := rnd(1, 2, 4), rnd(2, 3, 4), rnd(3)
		numericGradCheck(t, []*Tensor{x, w, b}, func() (*Tensor, error) {
			out, err := ConvTranspose1d(x, w, b, 2, 1)
			if err != nil {
				return nil, err
			}
			sq, err := Square(out)
			if err != nil {
				return nil, err
			}
			return Mean(sq)
		})
	})

	t.Run("fold and pool", func(t *testing.T) {
		x := rnd(1, 1, 7)
		numericGradCheck(t, []*Tensor{x}, func() (*Tensor, error) {
			folded, err := Fold(x, 3)
			if err != nil {
				return nil, err
			}
			pooled, err := AvgPool1d(folded, 2, 1, 1)
			if err != nil {
				return nil, err
			}
			sq, err := Square(pooled)
			if err != nil {
				return nil, err
			}
			return Sum(sq)
		})
	})
}

func TestAllocationChargesMemoryManager(t *testing.T) {
	mm := memory.NewMemoryManager(40) // 10 float32 values
	memory.SetGlobalMemoryManager(mm)
	defer memory.SetGlobalMemoryManager(nil)

	_, err := Zeros([]int{8})
	require.NoError(t, err)

	_, err = Zeros([]int{8})
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrOutOfMemory))

	mm.EmptyCache()
	_, err = Zeros([]int{8})
	assert.NoError(t, err)
}

func TestWrapDoesNotChargeMemoryManager(t *testing.T) {
	mm := memory.NewMemoryManager(4)
	memory.SetGlobalMemoryManager(mm)
	defer memory.SetGlobalMemoryManager(nil)

	x, err := Wrap([]int{2, 3}, make([]float32, 6))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, x.Shape)
	assert.Equal(t, []int{3, 1}, x.Strides)
	assert.Zero(t, mm.InUse())

	_, err = Wrap([]int{2, 3}, make([]float32, 5))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, memory.ErrOutOfMemory))
}
