// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package latent defines the latent code manipulated by the inversion engine, the cache and the
// blend models.
//
// A Code is a fixed-shape float32 tensor, shaped `[Layers, Dim]` -- `[18, 512]` for a StyleGAN
// style "dlatent". Codes are immutable once created: accessors return copies and all arithmetic
// returns a new Code.
package latent

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape of a latent code: Layers rows of Dim values each.
type Shape struct {
	Layers, Dim int
}

// DefaultShape is the shape of the latent codes of the reference generative model.
var DefaultShape = Shape{Layers: 18, Dim: 512}

// Size returns the total number of values in a code of this shape.
func (s Shape) Size() int {
	return s.Layers * s.Dim
}

// Ok returns whether the shape is valid.
func (s Shape) Ok() bool {
	return s.Layers > 0 && s.Dim > 0
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("[%d, %d]", s.Layers, s.Dim)
}

// Code is an immutable latent code.
//
// The zero value is an empty (invalid) code, see Code.Ok.
type Code struct {
	shape  Shape
	values []float32
}

// New creates a Code with a copy of the given values.
func New(shape Shape, values []float32) (Code, error) {
	if !shape.Ok() {
		return Code{}, errors.Errorf("invalid latent shape %s", shape)
	}
	if len(values) != shape.Size() {
		return Code{}, errors.Errorf("latent shape %s requires %d values, got %d", shape, shape.Size(), len(values))
	}
	return Code{shape: shape, values: append([]float32(nil), values...)}, nil
}

// MustNew is like New, but panics on error.
func MustNew(shape Shape, values []float32) Code {
	c, err := New(shape, values)
	if err != nil {
		exceptions.Panicf("latent.MustNew: %v", err)
	}
	return c
}

// Zeros returns a code of the given shape filled with zeros.
func Zeros(shape Shape) Code {
	if !shape.Ok() {
		exceptions.Panicf("latent.Zeros: invalid latent shape %s", shape)
	}
	return Code{shape: shape, values: make([]float32, shape.Size())}
}

// wrap takes ownership of values, no copy is made.
func wrap(shape Shape, values []float32) Code {
	return Code{shape: shape, values: values}
}

// Shape of the code.
func (c Code) Shape() Shape { return c.shape }

// Ok returns whether the code holds values.
func (c Code) Ok() bool {
	return c.shape.Ok() && len(c.values) == c.shape.Size()
}

// Len returns the number of values in the code.
func (c Code) Len() int { return len(c.values) }

// At returns the value at the given layer and position.
func (c Code) At(layer, idx int) float32 {
	return c.values[layer*c.shape.Dim+idx]
}

// Values returns a copy of the flat, row-major values.
func (c Code) Values() []float32 {
	return append([]float32(nil), c.values...)
}

// Layer returns a copy of the values of one layer.
func (c Code) Layer(layer int) []float32 {
	start := layer * c.shape.Dim
	return append([]float32(nil), c.values[start:start+c.shape.Dim]...)
}

// Equal returns whether both codes have the same shape and bit-identical values.
func (c Code) Equal(other Code) bool {
	if c.shape != other.shape || len(c.values) != len(other.values) {
		return false
	}
	for ii, v := range c.values {
		if math.Float32bits(v) != math.Float32bits(other.values[ii]) {
			return false
		}
	}
	return true
}

// IsFinite returns false if any of the values is NaN or infinite.
func (c Code) IsFinite() bool {
	for _, v := range c.values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, with a short summary of the code.
func (c Code) String() string {
	if !c.Ok() {
		return "latent.Code(invalid)"
	}
	return fmt.Sprintf("latent.Code(shape=%s, norm=%.4f)", c.shape, c.Norm())
}

// Norm returns the Euclidean norm of the code.
func (c Code) Norm() float64 {
	var sum float64
	for _, v := range c.values {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
