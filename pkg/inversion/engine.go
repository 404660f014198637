// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inversion implements the latent inversion engine: given a photograph, it finds the
// latent code whose generated image best matches it, by gradient descent on a perceptual loss.
//
// The engine always runs the full iteration budget: there is no convergence detection, so the
// cost of an inversion is bounded and predictable. Per-step losses can be observed with OnStep
// hooks, klog (verbosity 2) or a progress bar, but they never change the control flow.
package inversion

import (
	"fmt"
	"image"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/gomlx/familygan/pkg/latent"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Config of an inversion run.
type Config struct {
	// Iterations of gradient descent for each inversion.
	Iterations int

	// LearningRate of the gradient descent updates.
	LearningRate float64

	// ProgressBar displays a progress bar with the current loss on stderr.
	ProgressBar bool
}

// DefaultConfig holds the hyperparameters used when none are given.
var DefaultConfig = Config{
	Iterations:   750,
	LearningRate: 1.0,
}

// Validate returns an error if the configuration can't be used.
func (c Config) Validate() error {
	if c.Iterations < 0 {
		return errors.Errorf("inversion iterations must be >= 0, got %d", c.Iterations)
	}
	if c.LearningRate <= 0 || math.IsNaN(c.LearningRate) || math.IsInf(c.LearningRate, 0) {
		return errors.Errorf("inversion learning rate must be a positive finite number, got %g", c.LearningRate)
	}
	return nil
}

// OnStepFn is called after each optimization step with the step number (starting at 0) and the
// loss computed on that step.
type OnStepFn func(step int, loss float64)

// Engine inverts images into latent codes. It owns its Generator and PerceptualModel, so it must
// not be used concurrently: create one Engine per worker.
type Engine struct {
	config     Config
	generator  Generator
	perceptual PerceptualModel
	onStep     []OnStepFn

	// Instrumentation.
	inversions, iterations atomic.Int64
}

// New creates an Engine for the given models.
func New(generator Generator, perceptual PerceptualModel, config Config) *Engine {
	return &Engine{
		config:     config,
		generator:  generator,
		perceptual: perceptual,
	}
}

// OnStep registers a hook called after every optimization step.
//
// It returns the Engine, so calls can be cascaded.
func (e *Engine) OnStep(fn OnStepFn) *Engine {
	e.onStep = append(e.onStep, fn)
	return e
}

// Inversions returns the number of images inverted so far.
func (e *Engine) Inversions() int64 { return e.inversions.Load() }

// Iterations returns the number of optimization steps run so far, across all inversions.
func (e *Engine) Iterations() int64 { return e.iterations.Load() }

// Invert finds the latent code that reproduces img. If init is not nil, the optimization starts
// from it, otherwise from the model's prior.
//
// It returns the image generated from the final latent code, and the latent code itself.
func (e *Engine) Invert(img image.Image, init *latent.Code) (*image.NRGBA, latent.Code, error) {
	generated, latents, err := e.InvertBatch([]image.Image{img}, init)
	if err != nil {
		return nil, latent.Code{}, err
	}
	return generated[0], latents[0], nil
}

// InvertBatch inverts all images in one optimization run. Results are returned in the same
// order as images.
//
// If init is not nil, every latent of the batch starts from it.
func (e *Engine) InvertBatch(images []image.Image, init *latent.Code) (generated []*image.NRGBA, latents []latent.Code, err error) {
	if err = e.config.Validate(); err != nil {
		return nil, nil, err
	}
	batchSize := len(images)
	if batchSize == 0 {
		return nil, nil, errors.New("InvertBatch called with no images")
	}
	if maxBatch := e.generator.MaxBatchSize(); maxBatch > 0 && batchSize > maxBatch {
		return nil, nil, errors.Errorf("batch of %d images larger than the generator's maximum batch size %d", batchSize, maxBatch)
	}
	if init != nil && init.Shape() != e.generator.Shape() {
		return nil, nil, errors.Errorf("initial latent shape %s doesn't match generator's latent shape %s",
			init.Shape(), e.generator.Shape())
	}

	startTime := time.Now()
	if err = e.generator.Reset(init, batchSize); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to reset generator")
	}
	if err = e.perceptual.SetReference(images); err != nil {
		return nil, nil, errors.WithMessage(err, "failed to set reference images")
	}

	var bar *progressbar.ProgressBar
	if e.config.ProgressBar {
		bar = progressbar.NewOptions(e.config.Iterations,
			progressbar.OptionSetDescription("Inverting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	loss := math.NaN()
	for step := 0; step < e.config.Iterations; step++ {
		loss, err = e.step(step)
		if err != nil {
			if bar != nil {
				_ = bar.Exit()
			}
			return nil, nil, err
		}
		e.iterations.Add(1)
		klog.V(2).Infof("inversion step %d/%d: loss=%.4f", step+1, e.config.Iterations, loss)
		for _, fn := range e.onStep {
			fn(step, loss)
		}
		if bar != nil {
			bar.Describe(fmt.Sprintf("Loss: %.2f", loss))
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Close()
		_, _ = fmt.Fprintln(os.Stderr)
	}

	generated, err = e.generator.Decode()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to generate images for the final latents")
	}
	latents = e.generator.Latents()
	if len(generated) != batchSize || len(latents) != batchSize {
		return nil, nil, errors.Errorf("generator returned %d images and %d latents for a batch of %d",
			len(generated), len(latents), batchSize)
	}
	e.inversions.Add(int64(batchSize))
	klog.V(1).Info(e.summary(batchSize, time.Since(startTime), loss))
	return generated, latents, nil
}

// summary of an inversion, for logging. With no steps there is no loss to report.
func (e *Engine) summary(batchSize int, elapsed time.Duration, loss float64) string {
	elapsed = elapsed.Round(time.Millisecond)
	if e.config.Iterations == 0 {
		return fmt.Sprintf("decoded %d image(s) with no steps (%s)", batchSize, elapsed)
	}
	return fmt.Sprintf("inverted %d image(s) in %d steps (%s): final loss %.4f",
		batchSize, e.config.Iterations, elapsed, loss)
}

// step runs one gradient descent update on the generator's current latents.
func (e *Engine) step(step int) (float64, error) {
	current := e.generator.Latents()
	loss, gradients, err := e.perceptual.LossAndGradient(current)
	if err != nil {
		return 0, errors.WithMessagef(err, "perceptual loss failed at step %d", step)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, &NumericalDivergenceError{Step: step, Loss: loss}
	}
	if len(gradients) != len(current) {
		return loss, errors.Errorf("perceptual model returned %d gradients for %d latents", len(gradients), len(current))
	}
	updated := make([]latent.Code, len(current))
	for ii, code := range current {
		if !gradients[ii].IsFinite() {
			return loss, &NumericalDivergenceError{Step: step, Loss: loss, InGradient: true}
		}
		updated[ii], err = latent.AddScaled(code, gradients[ii], float32(-e.config.LearningRate))
		if err != nil {
			return loss, errors.WithMessagef(err, "gradient update failed at step %d", step)
		}
	}
	if err = e.generator.SetLatents(updated); err != nil {
		return loss, errors.WithMessagef(err, "failed to set latents at step %d", step)
	}
	return loss, nil
}
