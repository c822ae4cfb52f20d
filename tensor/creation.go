package tensor

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/memory"
)

// alloc charges the global memory manager before handing out a buffer, so an
// oversized batch fails with memory.ErrOutOfMemory instead of exhausting the host.
func alloc(numElems int) ([]float32, error) {
	if err := memory.GetGlobalMemoryManager().Allocate(numElems); err != nil {
		return nil, err
	}
	return make([]float32, numElems), nil
}

// empty allocates an uninitialised (zeroed) tensor of the given shape
func empty(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	data, err := alloc(numElems)
	if err != nil {
		return nil, err
	}

	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// New creates a tensor that takes ownership of data.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}
	if err := memory.GetGlobalMemoryManager().Allocate(numElems); err != nil {
		return nil, err
	}

	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Wrap creates a tensor over host memory without charging the memory manager.
// The data loader builds its batches with it, so batches prepared ahead of the
// training step never count against the step's budget.
func Wrap(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return empty(shape)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := empty(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a one-element tensor. It never fails.
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}

// RandomUniform fills a tensor with values drawn from U(low, high) using rng.
func RandomUniform(rng *rand.Rand, shape []int, low, high float32) (*Tensor, error) {
	if rng == nil {
		return nil, errors.New("random source cannot be nil")
	}
	t, err := empty(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = low + rng.Float32()*(high-low)
	}
	return t, nil
}

// RandomNormal fills a tensor with values drawn from N(mean, std²) using rng.
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32) (*Tensor, error) {
	if rng == nil {
		return nil, errors.New("random source cannot be nil")
	}
	t, err := empty(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}
