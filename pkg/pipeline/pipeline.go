// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline generates the face of a child from the faces of two parents.
//
// For each parent image it computes a content key, looks it up in the latent cache, and on a
// miss aligns the face and inverts it into a latent code (misses are inverted in parallel, each
// on its own worker). The two latent codes are blended and the blend is decoded into the child
// image.
package pipeline

import (
	"context"
	"image"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/familygan/pkg/blend"
	"github.com/gomlx/familygan/pkg/dispatch"
	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/inversion"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/latentcache"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a Pipeline. NewModels and Decoder are required, the other fields are filled by
// Defaults.
type Config struct {
	// Normalizer aligns the parents' faces before inversion.
	Normalizer *faces.Normalizer

	// Cache of latent codes, keyed by the raw (unaligned) image.
	Cache latentcache.Cache

	// Dispatcher runs the inversions.
	Dispatcher *dispatch.Dispatcher

	// NewModels creates the inversion engine of a worker. It is called at most once per
	// WorkerContext, and the engine is only ever used by the job holding that worker.
	NewModels func(wc dispatch.WorkerContext) (*inversion.Engine, error)

	// Decoder generates the child image from the blended latent. It is owned by the pipeline.
	Decoder inversion.Generator

	// Blend model combining father and mother latents.
	Blend blend.Model

	// NewID generates the base name of the files written by RunFromPaths.
	NewID func() string
}

// NewID returns a random UUID without dashes.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Defaults returns a copy of the config with the optional fields that are not set filled with
// their default values: the reference normalizer, an in-memory cache, a dispatcher with one
// worker per CPU, a linear blend with blend.DefaultCoef and random UUIDs.
func (c Config) Defaults() Config {
	if c.Normalizer == nil {
		c.Normalizer = faces.DefaultNormalizer()
	}
	if c.Cache == nil {
		c.Cache = latentcache.NewMemory()
	}
	if c.Dispatcher == nil {
		c.Dispatcher = dispatch.New(dispatch.Config{})
	}
	if c.Blend == nil {
		c.Blend = blend.NewLinear()
	}
	if c.NewID == nil {
		c.NewID = NewID
	}
	return c
}

// Pipeline generates children faces. Calls to Run are serialized.
type Pipeline struct {
	config Config

	mu sync.Mutex // Serializes Run.

	muEngines sync.Mutex
	engines   map[dispatch.WorkerContext]*inversion.Engine
}

// New creates a Pipeline. Unset optional fields of config take their defaults, see Config.Defaults.
func New(config Config) (*Pipeline, error) {
	config = config.Defaults()
	if config.NewModels == nil {
		return nil, errors.New("pipeline.Config.NewModels is required")
	}
	if config.Decoder == nil {
		return nil, errors.New("pipeline.Config.Decoder is required")
	}
	return &Pipeline{
		config:  config,
		engines: make(map[dispatch.WorkerContext]*inversion.Engine),
	}, nil
}

// Config returns the pipeline configuration, with defaults filled in.
func (p *Pipeline) Config() Config { return p.config }

// engine returns the inversion engine of the worker, creating it on first use.
func (p *Pipeline) engine(wc dispatch.WorkerContext) (*inversion.Engine, error) {
	p.muEngines.Lock()
	defer p.muEngines.Unlock()
	if engine, found := p.engines[wc]; found {
		return engine, nil
	}
	engine, err := p.config.NewModels(wc)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating models for %s", wc)
	}
	klog.V(1).Infof("created inversion models for %s", wc)
	p.engines[wc] = engine
	return engine, nil
}

// Inversions returns the number of images inverted so far, across all workers.
func (p *Pipeline) Inversions() int64 {
	p.muEngines.Lock()
	defer p.muEngines.Unlock()
	var total int64
	for _, engine := range p.engines {
		total += engine.Inversions()
	}
	return total
}

// Iterations returns the number of inversion steps run so far, across all workers.
func (p *Pipeline) Iterations() int64 {
	p.muEngines.Lock()
	defer p.muEngines.Unlock()
	var total int64
	for _, engine := range p.engines {
		total += engine.Iterations()
	}
	return total
}

// inversionJob is one parent image to invert.
type inversionJob struct {
	parent  Parent
	key     faces.Key
	aligned *image.NRGBA
}

// Run generates the child of father and mother, returned with the canonical size.
//
// Parents already in the cache are not inverted, and if both images have the same content it is
// inverted only once. New latents are stored in the cache as soon as all inversions finish,
// before blending. Errors are returned as *StageError.
func (p *Pipeline) Run(ctx context.Context, father, mother image.Image) (*image.NRGBA, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()

	parents := []Parent{Father, Mother}
	images := []image.Image{father, mother}
	keys := make([]faces.Key, len(parents))
	for ii, img := range images {
		if img == nil || img.Bounds().Empty() {
			return nil, stageError(StageKey, parents[ii], errors.New("empty image"))
		}
		keys[ii] = faces.KeyOf(img)
	}

	// Cache lookups, and alignment of the misses.
	codes := make(map[faces.Key]latent.Code, len(keys))
	seen := make(map[faces.Key]bool, len(keys))
	var jobs []inversionJob
	for ii, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		code, found, err := p.config.Cache.Get(key)
		if err != nil {
			return nil, stageError(StageCache, parents[ii], err)
		}
		if found {
			klog.V(1).Infof("%s latent found in cache (key %s)", parents[ii], key.Short())
			codes[key] = code
			continue
		}
		aligned, err := p.config.Normalizer.Normalize(images[ii])
		if err != nil {
			return nil, stageError(StageAlign, parents[ii], err)
		}
		jobs = append(jobs, inversionJob{parent: parents[ii], key: key, aligned: aligned})
	}

	if len(jobs) > 0 {
		klog.V(1).Infof("inverting %d parent image(s)", len(jobs))
		inverted, err := dispatch.Map(ctx, p.config.Dispatcher, jobs, p.invert)
		if err != nil {
			var parent Parent
			var dispatchErr *dispatch.Error
			if errors.As(err, &dispatchErr) {
				parent = jobs[dispatchErr.JobIndex].parent
			}
			return nil, stageError(StageInvert, parent, err)
		}
		for ii, job := range jobs {
			if err = p.config.Cache.Put(job.key, inverted[ii]); err != nil {
				return nil, stageError(StageCache, job.parent, err)
			}
			codes[job.key] = inverted[ii]
		}
	}

	children, err := p.config.Blend.Predict([]latent.Code{codes[keys[0]]}, []latent.Code{codes[keys[1]]})
	if err == nil && len(children) != 1 {
		err = errors.Errorf("blend model returned %d children for one pair of parents", len(children))
	}
	if err != nil {
		return nil, stageError(StageBlend, "", err)
	}

	decoded, err := p.config.Decoder.DecodeBatch(children)
	if err == nil && len(decoded) != 1 {
		err = errors.Errorf("decoder returned %d images for one latent", len(decoded))
	}
	if err != nil {
		return nil, stageError(StageDecode, "", err)
	}
	child := faces.ResizeToCanonical(decoded[0])
	klog.V(1).Infof("child generated in %s (%d inversions)", time.Since(start).Round(time.Millisecond), len(jobs))
	return child, nil
}

// invert is the job function run by the dispatcher for each cache miss.
func (p *Pipeline) invert(wc dispatch.WorkerContext, job inversionJob) (latent.Code, error) {
	engine, err := p.engine(wc)
	if err != nil {
		return latent.Code{}, err
	}
	klog.V(1).Infof("inverting %s (key %s) on %s", job.parent, job.key.Short(), wc)
	_, code, err := engine.Invert(job.aligned, nil)
	return code, err
}

// RunFromPaths loads the parents' images, runs the pipeline and saves the child as a PNG file in
// the directory of the father's image. It returns the name of the file, without the directory.
func (p *Pipeline) RunFromPaths(ctx context.Context, fatherPath, motherPath string) (string, error) {
	father, err := faces.Load(fatherPath)
	if err != nil {
		return "", stageError(StageLoad, Father, err)
	}
	mother, err := faces.Load(motherPath)
	if err != nil {
		return "", stageError(StageLoad, Mother, err)
	}
	child, err := p.Run(ctx, father, mother)
	if err != nil {
		return "", err
	}
	fileName := p.config.NewID() + ".png"
	outputPath := filepath.Join(filepath.Dir(fatherPath), fileName)
	if err = faces.Save(child, outputPath); err != nil {
		return "", stageError(StageSave, "", err)
	}
	klog.V(1).Infof("child saved to %q", outputPath)
	return fileName, nil
}
