// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// familygan generates the face of a child from photos of its two parents.
//
// Usage:
//
//	familygan -father=dad.png -mother=mom.jpg [-cache=~/.cache/familygan/latents.fglc]
//	familygan -list_cache
//
// The child is saved as a PNG next to the father's photo. Latent codes found by inversion are
// cached, so running again with the same photos skips the (expensive) inversion.
package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/familygan/pkg/blend"
	"github.com/gomlx/familygan/pkg/dispatch"
	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/inversion"
	"github.com/gomlx/familygan/pkg/latentcache"
	"github.com/gomlx/familygan/pkg/models/lineargen"
	"github.com/gomlx/familygan/pkg/models/pixelloss"
	"github.com/gomlx/familygan/pkg/pipeline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagFather       = flag.String("father", "", "Path to the father's photo.")
	flagMother       = flag.String("mother", "", "Path to the mother's photo.")
	flagCache        = flag.String("cache", "~/.cache/familygan/latents.fglc", "Path of the latent cache.")
	flagCacheBackend = flag.String("cache_backend", string(latentcache.BackendFile), "Latent cache backend: file, bolt, sqlite or memory.")
	flagListCache    = flag.Bool("list_cache", false, "List the contents of the latent cache and exit.")
	flagIterations   = flag.Int("iterations", inversion.DefaultConfig.Iterations, "Number of optimization steps per inversion.")
	flagLearningRate = flag.Float64("lr", inversion.DefaultConfig.LearningRate, "Learning rate of the inversion.")
	flagCoef         = flag.Float64("coef", blend.DefaultCoef, "Blend coefficient: the child latent is father + coef*(mother - father).")
	flagDevices      = flag.String("devices", "", "Comma-separated list of device ids to run inversions on. If empty, uses CPU workers.")
	flagWorkers      = flag.Int("workers", 0, "Number of CPU workers when -devices is empty. Defaults to the number of cores.")
	flagProgress     = flag.Bool("progress", true, "Display a progress bar during inversions.")
	flagModelSeed    = flag.Int64("model_seed", lineargen.DefaultConfig.Seed, "Seed of the reference generator.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cache := check1(latentcache.Open(latentcache.Config{
		Backend: latentcache.Backend(*flagCacheBackend),
		Path:    *flagCache,
	}))
	defer func() { must.M(cache.Close()) }()

	if *flagListCache {
		check(listCache(cache))
		return
	}
	if *flagFather == "" || *flagMother == "" {
		klog.Fatalf("Both -father and -mother must be given, or -list_cache.")
	}

	modelConfig := lineargen.DefaultConfig
	modelConfig.Seed = *flagModelSeed
	inversionConfig := inversion.Config{
		Iterations:   *flagIterations,
		LearningRate: *flagLearningRate,
		ProgressBar:  *flagProgress,
	}
	check(inversionConfig.Validate())

	p := check1(pipeline.New(pipeline.Config{
		Normalizer: faces.DefaultNormalizer(),
		Cache:      cache,
		Dispatcher: dispatch.New(dispatch.Config{
			Devices:    check1(parseDevices(*flagDevices)),
			MaxWorkers: *flagWorkers,
		}),
		NewModels: func(wc dispatch.WorkerContext) (*inversion.Engine, error) {
			generator, err := lineargen.New(modelConfig)
			if err != nil {
				return nil, err
			}
			return inversion.New(generator, pixelloss.New(generator), inversionConfig), nil
		},
		Decoder: must.M1(lineargen.New(modelConfig)),
		Blend:   blend.Linear{Coef: float32(*flagCoef)},
	}))

	var fileName string
	var runErr error
	err := exceptions.TryCatch[error](func() {
		fileName, runErr = p.RunFromPaths(context.Background(), *flagFather, *flagMother)
	})
	check(err)
	check(runErr)
	fmt.Printf("Child saved to %s\n", filepath.Join(filepath.Dir(*flagFather), fileName))
}

// parseDevices parses a comma-separated list of device ids.
func parseDevices(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	var devices []int
	for _, part := range strings.Split(list, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return nil, errors.Errorf("invalid device id %q in -devices=%q", part, list)
		}
		devices = append(devices, id)
	}
	return devices, nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
