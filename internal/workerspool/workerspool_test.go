// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Saturate(t *testing.T) {
	const size = 3
	pool := New(size)
	require.Equal(t, size, pool.Size())

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	seen := make([]atomic.Int32, size)
	for range 20 {
		slot, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pool.Release(slot)
			if seen[slot].Add(1) != 1 {
				t.Errorf("slot %d leased twice at the same time", slot)
			}
			got := running.Add(1)
			for {
				old := maxRunning.Load()
				if got <= old || maxRunning.CompareAndSwap(old, got) {
					break
				}
			}
			runtime.Gosched()
			time.Sleep(time.Millisecond)
			running.Add(-1)
			seen[slot].Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, int(maxRunning.Load()), size)

	// All slots are free again.
	for range size {
		_, err := pool.Acquire(context.Background())
		require.NoError(t, err)
	}
}

func TestPool_Default(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), New(0).Size())
}

func TestPool_LeaseOrder(t *testing.T) {
	pool := New(2)
	slot0, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, slot0)
	slot1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, slot1)

	// Most recently released slot is leased first.
	pool.Release(slot1)
	slot, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, slot1, slot)
}

func TestPool_ReleaseNotLeased(t *testing.T) {
	pool := New(2)
	slot0, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	slot1, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(slot0)
	// Double release while another slot is still leased.
	assert.Panics(t, func() { pool.Release(slot0) })
	assert.Panics(t, func() { pool.Release(5) })
	assert.Panics(t, func() { pool.Release(-1) })

	// slot0 must be free exactly once: after leasing it again, the pool is full.
	slot, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, slot0, slot)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	pool.Release(slot1)
}

func TestPool_AcquireCanceled(t *testing.T) {
	pool := New(1)
	slot, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error)
	go func() {
		_, err := pool.Acquire(ctx)
		errChan <- err
	}()
	select {
	case <-errChan:
		t.Fatal("Acquire returned while the only slot was leased")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	select {
	case err = <-errChan:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire didn't return after its context was canceled")
	}

	// A canceled waiter must not have taken the slot.
	pool.Release(slot)
	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)
}
