// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inversion

import (
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShape = latent.Shape{Layers: 1, Dim: 3}

// fakeGenerator "generates" solid gray images whose level is the first latent value.
type fakeGenerator struct {
	latents  []latent.Code
	maxBatch int
	resets   int
}

func (g *fakeGenerator) Shape() latent.Shape { return testShape }
func (g *fakeGenerator) MaxBatchSize() int   { return g.maxBatch }

func (g *fakeGenerator) Reset(init *latent.Code, batchSize int) error {
	g.resets++
	start := latent.Zeros(testShape)
	if init != nil {
		start = *init
	}
	g.latents = make([]latent.Code, batchSize)
	for ii := range g.latents {
		g.latents[ii] = start
	}
	return nil
}

func (g *fakeGenerator) SetLatents(latents []latent.Code) error {
	g.latents = latents
	return nil
}

func (g *fakeGenerator) Latents() []latent.Code { return append([]latent.Code(nil), g.latents...) }

func (g *fakeGenerator) Decode() ([]*image.NRGBA, error) { return g.DecodeBatch(g.latents) }

func (g *fakeGenerator) DecodeBatch(latents []latent.Code) ([]*image.NRGBA, error) {
	out := make([]*image.NRGBA, len(latents))
	for ii, code := range latents {
		level := uint8(max(0, min(255, code.At(0, 0))))
		out[ii] = faces.Solid(4, 4, color.NRGBA{R: level, G: level, B: level, A: 255})
	}
	return out, nil
}

// quadraticModel has loss sum_i ||z_i - target_i||^2, where target_i is the gray level of the
// i-th reference image broadcast to all latent values.
type quadraticModel struct {
	targets []float32

	// nanAtStep, if >= 0, makes the loss NaN at that call.
	nanAtStep int
	calls     int
}

func (m *quadraticModel) SetReference(images []image.Image) error {
	m.targets = make([]float32, len(images))
	for ii, img := range images {
		r, _, _, _ := img.At(0, 0).RGBA()
		m.targets[ii] = float32(r >> 8)
	}
	return nil
}

func (m *quadraticModel) LossAndGradient(latents []latent.Code) (float64, []latent.Code, error) {
	defer func() { m.calls++ }()
	if m.nanAtStep >= 0 && m.calls == m.nanAtStep {
		return math.NaN(), nil, nil
	}
	var loss float64
	grads := make([]latent.Code, len(latents))
	for ii, code := range latents {
		values := code.Values()
		g := make([]float32, len(values))
		for j, v := range values {
			d := v - m.targets[ii]
			loss += float64(d * d)
			g[j] = 2 * d
		}
		grads[ii] = latent.MustNew(code.Shape(), g)
	}
	return loss, grads, nil
}

func gray(level uint8) image.Image {
	return faces.Solid(4, 4, color.NRGBA{R: level, G: level, B: level, A: 255})
}

func TestInvert(t *testing.T) {
	gen := &fakeGenerator{maxBatch: 2}
	model := &quadraticModel{nanAtStep: -1}
	var steps []int
	var losses []float64
	engine := New(gen, model, Config{Iterations: 50, LearningRate: 0.5}).
		OnStep(func(step int, loss float64) {
			steps = append(steps, step)
			losses = append(losses, loss)
		})

	generated, code, err := engine.Invert(gray(100), nil)
	require.NoError(t, err)
	// With learning rate 0.5 the quadratic converges in a single step.
	assert.InDeltaSlice(t, []float32{100, 100, 100}, code.Values(), 1e-3)
	assert.Equal(t, uint8(100), generated.NRGBAAt(0, 0).R)

	// Always runs the full budget, even after converging.
	require.Len(t, steps, 50)
	assert.Equal(t, 0, steps[0])
	assert.Equal(t, 49, steps[49])
	assert.Equal(t, 50, model.calls)
	assert.Equal(t, int64(50), engine.Iterations())
	assert.Equal(t, int64(1), engine.Inversions())
	for ii := 1; ii < len(losses); ii++ {
		assert.LessOrEqual(t, losses[ii], losses[ii-1])
	}
}

func TestInvertBatchPreservesOrder(t *testing.T) {
	gen := &fakeGenerator{maxBatch: 2}
	engine := New(gen, &quadraticModel{nanAtStep: -1}, Config{Iterations: 10, LearningRate: 0.5})
	generated, codes, err := engine.InvertBatch([]image.Image{gray(10), gray(200)}, nil)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.InDelta(t, 10, codes[0].At(0, 0), 1e-3)
	assert.InDelta(t, 200, codes[1].At(0, 0), 1e-3)
	assert.Equal(t, uint8(10), generated[0].NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(200), generated[1].NRGBAAt(0, 0).R)
	assert.Equal(t, int64(2), engine.Inversions())
	assert.Equal(t, int64(10), engine.Iterations())

	_, _, err = engine.InvertBatch([]image.Image{gray(1), gray(2), gray(3)}, nil)
	require.Error(t, err, "batch larger than the generator supports")
	_, _, err = engine.InvertBatch(nil, nil)
	require.Error(t, err)
}

func TestInvertInit(t *testing.T) {
	gen := &fakeGenerator{maxBatch: 1}
	engine := New(gen, &quadraticModel{nanAtStep: -1}, Config{Iterations: 0, LearningRate: 1})
	init := latent.MustNew(testShape, []float32{7, 8, 9})
	_, code, err := engine.Invert(gray(100), &init)
	require.NoError(t, err)
	assert.True(t, code.Equal(init), "zero iterations must return the initial latent")

	wrongShape := latent.Zeros(latent.Shape{Layers: 2, Dim: 2})
	_, _, err = engine.Invert(gray(100), &wrongShape)
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	engine := New(&fakeGenerator{maxBatch: 1}, &quadraticModel{nanAtStep: -1}, Config{Iterations: 0, LearningRate: 1})
	got := engine.summary(1, 1500*time.Microsecond, math.NaN())
	assert.Contains(t, got, "no steps")
	assert.NotContains(t, got, "NaN")

	engine = New(&fakeGenerator{maxBatch: 2}, &quadraticModel{nanAtStep: -1}, Config{Iterations: 5, LearningRate: 1})
	assert.Equal(t, "inverted 2 image(s) in 5 steps (2ms): final loss 0.2500", engine.summary(2, 2*time.Millisecond, 0.25))
}

func TestInvertDivergence(t *testing.T) {
	gen := &fakeGenerator{maxBatch: 1}
	model := &quadraticModel{nanAtStep: 3}
	var numSteps int
	engine := New(gen, model, Config{Iterations: 10, LearningRate: 0.1}).
		OnStep(func(int, float64) { numSteps++ })
	_, _, err := engine.Invert(gray(50), nil)
	var divergence *NumericalDivergenceError
	require.ErrorAs(t, err, &divergence)
	assert.Equal(t, 3, divergence.Step)
	assert.True(t, math.IsNaN(divergence.Loss))
	assert.Equal(t, 3, numSteps)
	assert.Equal(t, int64(0), engine.Inversions())
}

func TestInvertBlowsUp(t *testing.T) {
	gen := &fakeGenerator{maxBatch: 1}
	// A huge learning rate makes the quadratic overflow float32 within a few steps.
	engine := New(gen, &quadraticModel{nanAtStep: -1}, Config{Iterations: 1000, LearningRate: 1e6})
	_, _, err := engine.Invert(gray(50), nil)
	var divergence *NumericalDivergenceError
	require.ErrorAs(t, err, &divergence)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())
	require.Error(t, Config{Iterations: -1, LearningRate: 1}.Validate())
	require.Error(t, Config{Iterations: 1, LearningRate: 0}.Validate())
	require.Error(t, Config{Iterations: 1, LearningRate: math.Inf(1)}.Validate())

	engine := New(&fakeGenerator{maxBatch: 1}, &quadraticModel{nanAtStep: -1}, Config{Iterations: -1, LearningRate: 1})
	_, _, err := engine.Invert(gray(1), nil)
	require.Error(t, err)
}

type failingModel struct{ quadraticModel }

func (m *failingModel) LossAndGradient([]latent.Code) (float64, []latent.Code, error) {
	return 0, nil, errors.New("out of memory")
}

func TestInvertModelFailure(t *testing.T) {
	engine := New(&fakeGenerator{maxBatch: 1}, &failingModel{}, Config{Iterations: 3, LearningRate: 1})
	_, _, err := engine.Invert(gray(1), nil)
	require.ErrorContains(t, err, "out of memory")
	var divergence *NumericalDivergenceError
	assert.False(t, errors.As(err, &divergence))
}
