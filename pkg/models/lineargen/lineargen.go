// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lineargen implements a small differentiable generative model: each pixel of a
// low-resolution raster is the sigmoid of a fixed random linear projection of the latent code,
// and the raster is upscaled to the canonical face size.
//
// It has no learned weights and generates abstract color fields, not faces. It stands in for a
// pretrained generator where one is not available -- the command line demo mode and tests -- while
// exercising exactly the same inversion code paths.
package lineargen

import (
	"image"
	"math"
	"math/rand"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/inversion"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/pkg/errors"
)

// Config of the model.
type Config struct {
	// Shape of the latent codes.
	Shape latent.Shape

	// Resolution of the generated raster, before upscaling.
	Resolution int

	// Seed for the random projection: models with the same Config are identical.
	Seed int64

	// BatchSize is the maximum number of latents optimized together.
	BatchSize int
}

// DefaultConfig mirrors the latent shape of the reference StyleGAN encoder.
var DefaultConfig = Config{
	Shape:      latent.DefaultShape,
	Resolution: 16,
	Seed:       42,
	BatchSize:  2,
}

// Generator implements inversion.Generator.
//
// Its weights are read-only after creation, but the current latents are not: like any
// inversion.Generator it must be owned by a single inversion at a time.
type Generator struct {
	config Config

	// weights is shaped [numOutputs, latentSize], row-major.
	weights []float32
	bias    []float32

	latents []latent.Code
}

var _ inversion.Generator = (*Generator)(nil)

// New creates the model defined by config.
func New(config Config) (*Generator, error) {
	if !config.Shape.Ok() {
		return nil, errors.Errorf("invalid latent shape %s", config.Shape)
	}
	if config.Resolution <= 0 {
		return nil, errors.Errorf("invalid resolution %d", config.Resolution)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	g := &Generator{config: config}
	numOutputs := g.NumOutputs()
	latentSize := config.Shape.Size()
	rng := rand.New(rand.NewSource(config.Seed))
	// Scale so that pre-activations of unit-variance latents have unit variance.
	stddev := 1.0 / math.Sqrt(float64(latentSize))
	g.weights = make([]float32, numOutputs*latentSize)
	for ii := range g.weights {
		g.weights[ii] = float32(rng.NormFloat64() * stddev)
	}
	g.bias = make([]float32, numOutputs)
	for ii := range g.bias {
		g.bias[ii] = float32(rng.NormFloat64() * 0.1)
	}
	return g, nil
}

// Config returns the configuration used to create the model.
func (g *Generator) Config() Config { return g.config }

// NumOutputs is the number of values of the low-resolution raster: Resolution^2 * 3 channels.
func (g *Generator) NumOutputs() int {
	return g.config.Resolution * g.config.Resolution * 3
}

// Shape implements inversion.Generator.
func (g *Generator) Shape() latent.Shape { return g.config.Shape }

// MaxBatchSize implements inversion.Generator.
func (g *Generator) MaxBatchSize() int { return g.config.BatchSize }

// Reset implements inversion.Generator. The prior is the zero latent code (the mean of the
// latent distribution).
func (g *Generator) Reset(init *latent.Code, batchSize int) error {
	if batchSize <= 0 || batchSize > g.config.BatchSize {
		return errors.Errorf("batch size %d out of range [1, %d]", batchSize, g.config.BatchSize)
	}
	start := latent.Zeros(g.config.Shape)
	if init != nil {
		if init.Shape() != g.config.Shape {
			return errors.Errorf("initial latent shape %s doesn't match %s", init.Shape(), g.config.Shape)
		}
		start = *init
	}
	g.latents = make([]latent.Code, batchSize)
	for ii := range g.latents {
		g.latents[ii] = start
	}
	return nil
}

// SetLatents implements inversion.Generator.
func (g *Generator) SetLatents(latents []latent.Code) error {
	if err := g.checkLatents(latents); err != nil {
		return err
	}
	g.latents = append([]latent.Code(nil), latents...)
	return nil
}

// Latents implements inversion.Generator.
func (g *Generator) Latents() []latent.Code {
	return append([]latent.Code(nil), g.latents...)
}

// Decode implements inversion.Generator.
func (g *Generator) Decode() ([]*image.NRGBA, error) {
	if len(g.latents) == 0 {
		return nil, errors.New("generator has no latents, Reset or SetLatents must be called first")
	}
	return g.DecodeBatch(g.latents)
}

// DecodeBatch implements inversion.Generator.
func (g *Generator) DecodeBatch(latents []latent.Code) ([]*image.NRGBA, error) {
	if err := g.checkLatents(latents); err != nil {
		return nil, err
	}
	images := make([]*image.NRGBA, len(latents))
	for ii, code := range latents {
		images[ii] = faces.ResizeToCanonical(g.ToImage(g.Forward(code)))
	}
	return images, nil
}

func (g *Generator) checkLatents(latents []latent.Code) error {
	if len(latents) == 0 {
		return errors.New("no latents given")
	}
	for ii, code := range latents {
		if code.Shape() != g.config.Shape || !code.Ok() {
			return errors.Errorf("latent #%d has shape %s, expected %s", ii, code.Shape(), g.config.Shape)
		}
	}
	return nil
}

// Forward returns the low-resolution raster for code, with values in (0, 1), shaped
// [Resolution, Resolution, 3] row-major.
func (g *Generator) Forward(code latent.Code) []float32 {
	z := code.Values()
	latentSize := len(z)
	out := make([]float32, g.NumOutputs())
	for p := range out {
		row := g.weights[p*latentSize : (p+1)*latentSize]
		sum := float64(g.bias[p])
		for j, w := range row {
			sum += float64(w) * float64(z[j])
		}
		out[p] = float32(sigmoid(sum))
	}
	return out
}

// Backward returns the gradient with respect to code of a loss whose gradient with respect to
// the raster is outputGrad. outputs must be the result of Forward(code).
func (g *Generator) Backward(code latent.Code, outputs, outputGrad []float32) (latent.Code, error) {
	numOutputs := g.NumOutputs()
	if len(outputs) != numOutputs || len(outputGrad) != numOutputs {
		return latent.Code{}, errors.Errorf("Backward expects %d outputs and output gradients, got %d and %d",
			numOutputs, len(outputs), len(outputGrad))
	}
	latentSize := code.Len()
	grad := make([]float64, latentSize)
	for p := 0; p < numOutputs; p++ {
		s := float64(outputs[p])
		// d sigmoid(x)/dx = s * (1 - s).
		preGrad := float64(outputGrad[p]) * s * (1 - s)
		if preGrad == 0 {
			continue
		}
		row := g.weights[p*latentSize : (p+1)*latentSize]
		for j, w := range row {
			grad[j] += preGrad * float64(w)
		}
	}
	values := make([]float32, latentSize)
	for j, v := range grad {
		values[j] = float32(v)
	}
	return latent.New(code.Shape(), values)
}

// ToImage converts a raster returned by Forward to a Resolution x Resolution image.
func (g *Generator) ToImage(raster []float32) *image.NRGBA {
	res := g.config.Resolution
	img := image.NewNRGBA(image.Rect(0, 0, res, res))
	for pixel := 0; pixel < res*res; pixel++ {
		for channel := 0; channel < 3; channel++ {
			img.Pix[4*pixel+channel] = toByte(raster[3*pixel+channel])
		}
		img.Pix[4*pixel+3] = 0xFF
	}
	return img
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func toByte(v float32) uint8 {
	scaled := math.Round(float64(v) * 255)
	return uint8(max(0, min(255, scaled)))
}
