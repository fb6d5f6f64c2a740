// Package transform implements the stateless vector transforms applied around a
// forward pass: linear min-max scaling and the Box-Cox power transform.
//
// All functions are elementwise, return freshly allocated slices and never
// modify their arguments. Values outside the training range extrapolate
// silently. Box-Cox domain violations (non-positive inputs) produce NaN or
// -Inf rather than an error.
package transform

import (
	"math"

	"precept-serve/internal/common"

	"gonum.org/v1/gonum/floats"
)

// Scale maps x into the unit range recorded by min and max:
//
//	x' = (x - min) / (max - min)
func Scale(x, min, max []float64) ([]float64, error) {
	if err := sameLength("transform.scale", x, min, max); err != nil {
		return nil, err
	}
	span := make([]float64, len(x))
	floats.SubTo(span, max, min)

	out := make([]float64, len(x))
	floats.SubTo(out, x, min)
	floats.Div(out, span)
	return out, nil
}

// Unscale is the inverse of Scale:
//
//	x = x' * (max - min) + min
func Unscale(x, min, max []float64) ([]float64, error) {
	if err := sameLength("transform.unscale", x, min, max); err != nil {
		return nil, err
	}
	out := make([]float64, len(x))
	floats.SubTo(out, max, min)
	floats.Mul(out, x)
	floats.Add(out, min)
	return out, nil
}

// BoxCox applies the Box-Cox transform with a per-component lambda.
func BoxCox(y, lambda []float64) ([]float64, error) {
	if err := sameLength("transform.boxcox", y, lambda); err != nil {
		return nil, err
	}
	out := make([]float64, len(y))
	for i := range y {
		out[i] = BoxCox1(y[i], lambda[i])
	}
	return out, nil
}

// CoxBox applies the inverse Box-Cox transform with a per-component lambda.
func CoxBox(y, lambda []float64) ([]float64, error) {
	if err := sameLength("transform.coxbox", y, lambda); err != nil {
		return nil, err
	}
	out := make([]float64, len(y))
	for i := range y {
		out[i] = CoxBox1(y[i], lambda[i])
	}
	return out, nil
}

// BoxCox1 is the scalar Box-Cox transform.
//
//	y' = (y^λ - 1) / λ   for λ != 0
//	y' = ln(y)           for λ == 0
func BoxCox1(y, lambda float64) float64 {
	if lambda != 0 {
		return (math.Pow(y, lambda) - 1) / lambda
	}
	return math.Log(y)
}

// CoxBox1 is the scalar inverse Box-Cox transform.
//
//	y = exp(ln(y'·λ + 1) / λ)   for λ != 0
//	y = exp(y')                 for λ == 0
func CoxBox1(y, lambda float64) float64 {
	if lambda != 0 {
		return math.Exp(math.Log(y*lambda+1) / lambda)
	}
	return math.Exp(y)
}

// Narrow converts to the adapter's single precision.
func Narrow(x []float64) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(v)
	}
	return out
}

// Widen converts adapter output back to double precision.
func Widen(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

func sameLength(op string, first []float64, rest ...[]float64) error {
	for _, v := range rest {
		if len(v) != len(first) {
			return common.DimensionError(op, len(first), len(v))
		}
	}
	return nil
}
