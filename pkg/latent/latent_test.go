// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latent

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	shape := Shape{Layers: 2, Dim: 3}
	values := []float32{1, 2, 3, 4, 5, 6}
	c, err := New(shape, values)
	require.NoError(t, err)
	assert.Equal(t, shape, c.Shape())
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, float32(6), c.At(1, 2))
	assert.Equal(t, []float32{4, 5, 6}, c.Layer(1))

	// The code must not alias the input slice, nor expose its own storage.
	values[0] = 100
	assert.Equal(t, float32(1), c.At(0, 0))
	got := c.Values()
	got[1] = 100
	assert.Equal(t, float32(2), c.At(0, 1))

	_, err = New(shape, []float32{1, 2})
	require.Error(t, err)
	_, err = New(Shape{}, nil)
	require.Error(t, err)
	assert.Panics(t, func() { MustNew(shape, nil) })
	assert.False(t, Code{}.Ok())
}

func TestEqual(t *testing.T) {
	shape := Shape{Layers: 1, Dim: 2}
	a := MustNew(shape, []float32{1, 2})
	assert.True(t, a.Equal(MustNew(shape, []float32{1, 2})))
	assert.False(t, a.Equal(MustNew(shape, []float32{1, 3})))
	assert.False(t, a.Equal(MustNew(Shape{Layers: 2, Dim: 1}, []float32{1, 2})))
}

func TestIsFinite(t *testing.T) {
	shape := Shape{Layers: 1, Dim: 2}
	assert.True(t, MustNew(shape, []float32{1, -2}).IsFinite())
	assert.False(t, MustNew(shape, []float32{1, float32(math.NaN())}).IsFinite())
	assert.False(t, MustNew(shape, []float32{float32(math.Inf(-1)), 0}).IsFinite())
}

func TestLerp(t *testing.T) {
	shape := Shape{Layers: 1, Dim: 3}
	a := MustNew(shape, []float32{0, 1, 2})
	b := MustNew(shape, []float32{2, 1, 0})

	mid, err := Lerp(a, b, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1}, mid.Values())

	// Extrapolation: a + (-1.5)*(b-a).
	ext, err := Lerp(a, b, -1.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-3, 1, 5}, ext.Values(), 1e-6)

	_, err = Lerp(a, MustNew(Shape{Layers: 3, Dim: 1}, []float32{0, 0, 0}), 0.5)
	require.Error(t, err)
}

func TestAddScaledAndDistance(t *testing.T) {
	shape := Shape{Layers: 1, Dim: 2}
	a := MustNew(shape, []float32{1, 1})
	g := MustNew(shape, []float32{2, -4})
	updated, err := AddScaled(a, g, -0.5)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3}, updated.Values())
	// Original is unchanged.
	assert.Equal(t, []float32{1, 1}, a.Values())

	d, err := Distance(MustNew(shape, []float32{0, 0}), MustNew(shape, []float32{3, 4}))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-9)
}
