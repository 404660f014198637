// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inversion

import (
	"image"

	"github.com/gomlx/familygan/pkg/latent"
)

// Generator is the pretrained generative model being inverted.
//
// It holds mutable state -- the current batch of latent codes being optimized -- so a Generator
// must be exclusively owned by one inversion at a time.
type Generator interface {
	// Shape of the latent codes accepted by the model.
	Shape() latent.Shape

	// MaxBatchSize is the largest number of latent codes that can be optimized together.
	MaxBatchSize() int

	// Reset the current latents to batchSize copies of init, or to the model's prior if init is nil.
	Reset(init *latent.Code, batchSize int) error

	// SetLatents replaces the current latents, for the next generation.
	SetLatents(latents []latent.Code) error

	// Latents returns the current latents.
	Latents() []latent.Code

	// Decode generates the images for the current latents.
	Decode() ([]*image.NRGBA, error)

	// DecodeBatch generates the images for the given latents, without changing the current ones.
	DecodeBatch(latents []latent.Code) ([]*image.NRGBA, error)
}

// PerceptualModel measures how far the images generated from a batch of latents are from a batch
// of reference images, in a learned feature space.
//
// It is tied to a Generator (it needs to differentiate through it) and, like it, is not safe for
// concurrent use.
type PerceptualModel interface {
	// SetReference sets the target images. Following calls to LossAndGradient compare against them,
	// in the same order.
	SetReference(images []image.Image) error

	// LossAndGradient returns the loss of the images generated from latents with respect to the
	// reference images, and its gradient with respect to each of the latents.
	LossAndGradient(latents []latent.Code) (loss float64, gradients []latent.Code, err error)
}
