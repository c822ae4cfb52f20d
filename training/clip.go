package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-vocoder/memory"
	"github.com/tsawler/go-vocoder/tensor"
)

// clipEpsilon keeps the clip coefficient finite for vanishing norms
const clipEpsilon = 1e-6

// GradNorm returns the L2 norm over the gradients of params. Parameters
// without a gradient are skipped.
func GradNorm(params []*tensor.Tensor) float64 {
	norms := make([]float64, 0, len(params))
	var buf []float64
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		buf = toFloat64(buf[:0], g.Data)
		norms = append(norms, floats.Norm(buf, 2))
	}
	if len(norms) == 0 {
		return 0
	}
	return floats.Norm(norms, 2)
}

// ClipGradNorm rescales the gradients of params in place so their combined
// L2 norm is at most maxNorm, and returns the norm before clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) (float64, error) {
	if maxNorm <= 0 || math.IsNaN(maxNorm) {
		return 0, errors.Errorf("clip threshold must be positive, got %g", maxNorm)
	}
	total := GradNorm(params)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return total, errors.Errorf("non-finite gradient norm %g", total)
	}

	coef := maxNorm / (total + clipEpsilon)
	if coef >= 1 {
		return total, nil
	}
	c := float32(coef)
	for _, p := range params {
		if g := p.Grad(); g != nil {
			for i := range g.Data {
				g.Data[i] *= c
			}
		}
	}
	return total, nil
}

// IsOutOfMemory reports whether err is, or wraps, a memory exhaustion error
func IsOutOfMemory(err error) bool {
	return errors.Is(err, memory.ErrOutOfMemory)
}

func toFloat64(dst []float64, src []float32) []float64 {
	for _, v := range src {
		dst = append(dst, float64(v))
	}
	return dst
}
