// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latent

import (
	"math"

	"github.com/pkg/errors"
)

// checkSameShape returns an error if the codes can't be combined element-wise.
func checkSameShape(op string, a, b Code) error {
	if !a.Ok() || !b.Ok() {
		return errors.Errorf("latent.%s: invalid latent code operand(s)", op)
	}
	if a.shape != b.shape {
		return errors.Errorf("latent.%s: shapes %s and %s don't match", op, a.shape, b.shape)
	}
	return nil
}

// Lerp returns `a + coef*(b - a)`, element-wise.
//
// coef is not clamped: values outside of [0, 1] extrapolate beyond the segment connecting a and b.
func Lerp(a, b Code, coef float32) (Code, error) {
	if err := checkSameShape("Lerp", a, b); err != nil {
		return Code{}, err
	}
	out := make([]float32, len(a.values))
	for ii, av := range a.values {
		out[ii] = av + coef*(b.values[ii]-av)
	}
	return wrap(a.shape, out), nil
}

// AddScaled returns `a + scale*b`, element-wise. It is the gradient descent update when
// scale is the negative learning rate.
func AddScaled(a, b Code, scale float32) (Code, error) {
	if err := checkSameShape("AddScaled", a, b); err != nil {
		return Code{}, err
	}
	out := make([]float32, len(a.values))
	for ii, av := range a.values {
		out[ii] = av + scale*b.values[ii]
	}
	return wrap(a.shape, out), nil
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Code) (float64, error) {
	if err := checkSameShape("Distance", a, b); err != nil {
		return 0, err
	}
	var sum float64
	for ii, av := range a.values {
		d := float64(av) - float64(b.values[ii])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
