// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch runs independent jobs in parallel, each one bound to an exclusive worker
// (and the device that worker owns).
//
// A Dispatcher is created once with the available devices, and Map fans a batch of jobs out
// to its workers:
//
//	d := dispatch.New(dispatch.Config{Devices: []int{0, 1}})
//	latents, err := dispatch.Map(ctx, d, images, func(wc dispatch.WorkerContext, img image.Image) (latent.Code, error) {
//		return modelsFor(wc).Invert(img)
//	})
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/familygan/internal/workerspool"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// CPU is the DeviceID of workers not bound to an accelerator.
const CPU = -1

// WorkerContext identifies the worker running a job. It is passed explicitly to every job
// function: there is no process-wide "current device".
//
// At any time at most one running job holds a given WorkerContext, so resources keyed by it
// (e.g. models) can be used without further locking.
type WorkerContext struct {
	// WorkerID in the range 0 to Dispatcher.NumWorkers()-1.
	WorkerID int

	// DeviceID the worker is bound to, or CPU.
	DeviceID int
}

// String implements fmt.Stringer.
func (wc WorkerContext) String() string {
	if wc.DeviceID == CPU {
		return fmt.Sprintf("worker #%d (cpu)", wc.WorkerID)
	}
	return fmt.Sprintf("worker #%d (device %d)", wc.WorkerID, wc.DeviceID)
}

// Config of a Dispatcher.
type Config struct {
	// Devices to run on, one worker per device. If empty, MaxWorkers CPU workers are used.
	Devices []int

	// MaxWorkers is the number of CPU workers when Devices is empty. If <= 0 it defaults to
	// runtime.NumCPU().
	MaxWorkers int
}

// Dispatcher owns the workers used by Map. It is safe for concurrent use: concurrent calls to
// Map share the same workers.
type Dispatcher struct {
	workers []WorkerContext
	pool    *workerspool.Pool
	numJobs atomic.Int64
}

// New creates a Dispatcher from config.
func New(config Config) *Dispatcher {
	var workers []WorkerContext
	if len(config.Devices) > 0 {
		for ii, device := range config.Devices {
			workers = append(workers, WorkerContext{WorkerID: ii, DeviceID: device})
		}
	} else {
		n := config.MaxWorkers
		if n <= 0 {
			n = runtime.NumCPU()
		}
		for ii := range n {
			workers = append(workers, WorkerContext{WorkerID: ii, DeviceID: CPU})
		}
	}
	klog.V(1).Infof("dispatcher with %d workers", len(workers))
	return &Dispatcher{
		workers: workers,
		pool:    workerspool.New(len(workers)),
	}
}

// NumWorkers returns the number of workers, the maximum number of jobs running at once.
func (d *Dispatcher) NumWorkers() int {
	return len(d.workers)
}

// Workers returns the WorkerContext of every worker.
func (d *Dispatcher) Workers() []WorkerContext {
	return append([]WorkerContext(nil), d.workers...)
}

// NumJobs returns the number of jobs started so far.
func (d *Dispatcher) NumJobs() int64 {
	return d.numJobs.Load()
}

// Error is returned by Map when a job fails.
type Error struct {
	// JobIndex of the failed job in the jobs slice.
	JobIndex int

	// Worker that ran the job.
	Worker WorkerContext

	// Err returned by the job, or built from its panic.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("job #%d on %s failed: %v", e.JobIndex, e.Worker, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Map calls fn for every job in parallel, each call holding an exclusive worker, and returns
// the results in the order of jobs.
//
// On the first failure (an error or a panic in fn) Map stops starting new jobs, waits for the
// ones already running and returns an *Error. Running jobs are never interrupted: ctx only bounds
// the wait for a free worker.
func Map[J, R any](ctx context.Context, d *Dispatcher, jobs []J, fn func(wc WorkerContext, job J) (R, error)) ([]R, error) {
	results := make([]R, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}
	g, gCtx := errgroup.WithContext(ctx)
	var numStarted int
	var failed atomic.Bool // Set before the failed job releases its worker.
	for ii, job := range jobs {
		slot, err := d.pool.Acquire(gCtx)
		if err != nil {
			break
		}
		if failed.Load() || gCtx.Err() != nil {
			d.pool.Release(slot)
			break
		}
		wc := d.workers[slot]
		numStarted++
		d.numJobs.Add(1)
		g.Go(func() error {
			defer d.pool.Release(slot)
			klog.V(2).Infof("job #%d started on %s", ii, wc)
			result, err := runJob(wc, job, fn)
			if err != nil {
				failed.Store(true)
				return &Error{JobIndex: ii, Worker: wc, Err: err}
			}
			results[ii] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if numStarted < len(jobs) {
		return nil, errors.Wrapf(ctx.Err(), "dispatch interrupted after starting %d of %d jobs", numStarted, len(jobs))
	}
	return results, nil
}

// runJob calls fn, converting a panic into an error.
func runJob[J, R any](wc WorkerContext, job J, fn func(wc WorkerContext, job J) (R, error)) (result R, err error) {
	exception := exceptions.Try(func() {
		result, err = fn(wc, job)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return result, errors.WithMessage(e, "panic")
		}
		return result, errors.Errorf("panic: %v", exception)
	}
	return
}
