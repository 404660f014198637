// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool leases a fixed set of worker slots to tasks. Each slot is held by at
// most one task at a time, which is what binds a model (and the device it lives on) to a
// single running job.
package workerspool

import (
	"context"
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Pool of numbered slots, 0 to Size()-1.
type Pool struct {
	size int
	mu   sync.Mutex
	cond sync.Cond // Should be signaled whenever a slot is released.

	// free slots, used as a stack: the most recently released slot is leased first, which keeps
	// already-initialized workers busy.
	free   []int
	leased []bool
}

// New returns a pool with size slots. If size <= 0 it defaults to runtime.NumCPU().
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{size: size}
	p.cond = sync.Cond{L: &p.mu}
	p.leased = make([]bool, size)
	p.free = make([]int, size)
	for ii := range size {
		// Reversed so slot 0 is leased first.
		p.free[ii] = size - 1 - ii
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return p.size
}

// Acquire waits for a free slot and leases it. It returns an error only if ctx is done first.
//
// The slot must be returned with Release.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, errors.Wrap(err, "waiting for a free worker")
	}
	// Wake up waiters when ctx is done, so they can notice it.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) == 0 {
		if err := ctx.Err(); err != nil {
			return -1, errors.Wrap(err, "waiting for a free worker")
		}
		p.cond.Wait()
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.leased[slot] = true
	return slot, nil
}

// Release returns a slot leased with Acquire. Releasing a slot that is not leased panics.
func (p *Pool) Release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= p.size || !p.leased[slot] {
		exceptions.Panicf("workerspool: releasing slot %d that is not leased", slot)
	}
	p.leased[slot] = false
	p.free = append(p.free, slot)
	p.cond.Signal()
}
