// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pixelloss implements an inversion.PerceptualModel for the lineargen generator: the
// mean squared error between the generated raster and the reference images downscaled to the
// generator's resolution.
//
// Downscaling with an area filter keeps the loss focused on the coarse structure of the face,
// the part a low-resolution feature space would capture.
package pixelloss

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/familygan/pkg/inversion"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/models/lineargen"
	"github.com/pkg/errors"
)

// Model implements inversion.PerceptualModel on top of a lineargen.Generator.
type Model struct {
	generator  *lineargen.Generator
	references [][]float32
}

var _ inversion.PerceptualModel = (*Model)(nil)

// New creates a Model differentiating through generator.
func New(generator *lineargen.Generator) *Model {
	return &Model{generator: generator}
}

// SetReference implements inversion.PerceptualModel.
func (m *Model) SetReference(images []image.Image) error {
	if len(images) == 0 {
		return errors.New("no reference images given")
	}
	res := m.generator.Config().Resolution
	m.references = make([][]float32, len(images))
	for ii, img := range images {
		if img == nil || img.Bounds().Empty() {
			return errors.Errorf("reference image #%d is empty", ii)
		}
		small := imaging.Resize(img, res, res, imaging.Box)
		ref := make([]float32, 0, res*res*3)
		for y := 0; y < res; y++ {
			for x := 0; x < res; x++ {
				px := small.NRGBAAt(x, y)
				ref = append(ref, float32(px.R)/255, float32(px.G)/255, float32(px.B)/255)
			}
		}
		m.references[ii] = ref
	}
	return nil
}

// LossAndGradient implements inversion.PerceptualModel.
//
// The loss is the sum over the batch of the per-image mean squared error, so the gradient of each
// latent doesn't depend on the batch size.
func (m *Model) LossAndGradient(latents []latent.Code) (float64, []latent.Code, error) {
	if len(latents) != len(m.references) {
		return 0, nil, errors.Errorf("got %d latents for %d reference images", len(latents), len(m.references))
	}
	var loss float64
	gradients := make([]latent.Code, len(latents))
	for ii, code := range latents {
		outputs := m.generator.Forward(code)
		ref := m.references[ii]
		n := float64(len(outputs))
		outputGrad := make([]float32, len(outputs))
		for p, out := range outputs {
			diff := float64(out) - float64(ref[p])
			loss += diff * diff / n
			outputGrad[p] = float32(2 * diff / n)
		}
		var err error
		gradients[ii], err = m.generator.Backward(code, outputs, outputGrad)
		if err != nil {
			return 0, nil, err
		}
	}
	return loss, gradients, nil
}
