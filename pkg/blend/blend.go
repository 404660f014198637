// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blend combines the latent codes of two parents into the latent code of a child.
//
// The strategy is pluggable behind Model: Linear extrapolates along the line joining the
// parents, Nearest snaps another model's prediction to a bank of known codes, and ModelFunc
// adapts a plain function.
package blend

import (
	"math"

	"github.com/gomlx/familygan/pkg/latent"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model predicts one child per pair of parents: a[i] and b[i] produce the i-th child.
type Model interface {
	Predict(a, b []latent.Code) ([]latent.Code, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(a, b []latent.Code) ([]latent.Code, error)

// Predict implements Model.
func (fn ModelFunc) Predict(a, b []latent.Code) ([]latent.Code, error) {
	return fn(a, b)
}

// DefaultCoef used by the pipeline: a point past a, on the side away from b.
const DefaultCoef = -1.5

// Linear blends each pair as a + Coef*(b-a), element-wise. Coef = 0 yields a, Coef = 1 yields b,
// and values outside [0, 1] extrapolate.
type Linear struct {
	Coef float32
}

var _ Model = Linear{}

// NewLinear returns a Linear blend with DefaultCoef.
func NewLinear() Linear {
	return Linear{Coef: DefaultCoef}
}

// Predict implements Model.
func (l Linear) Predict(a, b []latent.Code) ([]latent.Code, error) {
	if err := checkPairs(a, b); err != nil {
		return nil, err
	}
	if math.IsNaN(float64(l.Coef)) || math.IsInf(float64(l.Coef), 0) {
		return nil, errors.Errorf("blend coefficient must be finite, got %g", l.Coef)
	}
	children := make([]latent.Code, len(a))
	for ii := range a {
		child, err := latent.Lerp(a[ii], b[ii], l.Coef)
		if err != nil {
			return nil, errors.WithMessagef(err, "blending pair #%d", ii)
		}
		if !child.IsFinite() {
			return nil, errors.Errorf("blending pair #%d with coefficient %g produced non-finite values", ii, l.Coef)
		}
		children[ii] = child
	}
	return children, nil
}

// Nearest predicts with Base and replaces each prediction by the closest code (Euclidean
// distance) in Bank.
type Nearest struct {
	Bank []latent.Code
	Base Model
}

var _ Model = (*Nearest)(nil)

// Predict implements Model.
func (n *Nearest) Predict(a, b []latent.Code) ([]latent.Code, error) {
	if len(n.Bank) == 0 {
		return nil, errors.New("nearest blend requires a non-empty bank of latent codes")
	}
	base := n.Base
	if base == nil {
		base = NewLinear()
	}
	predictions, err := base.Predict(a, b)
	if err != nil {
		return nil, err
	}
	children := make([]latent.Code, len(predictions))
	for ii, prediction := range predictions {
		if !prediction.Ok() || !prediction.IsFinite() {
			return nil, errors.Errorf("base blend model returned an invalid or non-finite prediction #%d", ii)
		}
		best, bestDist := -1, math.Inf(1)
		for jj, candidate := range n.Bank {
			dist, err := latent.Distance(prediction, candidate)
			if err != nil {
				return nil, errors.WithMessagef(err, "comparing prediction #%d with bank entry #%d", ii, jj)
			}
			if dist < bestDist {
				best, bestDist = jj, dist
			}
		}
		if best < 0 {
			return nil, errors.Errorf("no bank entry at a finite distance from prediction #%d", ii)
		}
		klog.V(2).Infof("blend #%d snapped to bank entry #%d (distance %.3f)", ii, best, bestDist)
		children[ii] = n.Bank[best]
	}
	return children, nil
}

func checkPairs(a, b []latent.Code) error {
	if len(a) != len(b) {
		return errors.Errorf("blend requires the same number of codes on both sides, got %d and %d", len(a), len(b))
	}
	for ii := range a {
		if !a[ii].Ok() || !b[ii].Ok() {
			return errors.Errorf("invalid latent code in pair #%d", ii)
		}
		if a[ii].Shape() != b[ii].Shape() {
			return errors.Errorf("pair #%d has mismatched shapes %s and %s", ii, a[ii].Shape(), b[ii].Shape())
		}
	}
	return nil
}
