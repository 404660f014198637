// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latentcache

import (
	"maps"
	"slices"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/pkg/errors"
)

// Memory is a Cache that doesn't persist anything.
type Memory struct {
	entries map[faces.Key]latent.Code
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[faces.Key]latent.Code)}
}

// Get implements Cache.
func (m *Memory) Get(key faces.Key) (latent.Code, bool, error) {
	code, found := m.entries[key]
	return code, found, nil
}

// Put implements Cache.
func (m *Memory) Put(key faces.Key, code latent.Code) error {
	if !code.Ok() {
		return errors.Errorf("can't cache an invalid latent code for key %s", key.Short())
	}
	m.entries[key] = code
	return nil
}

// Len implements Cache.
func (m *Memory) Len() (int, error) { return len(m.entries), nil }

// Range implements Cache.
func (m *Memory) Range(fn func(key faces.Key, code latent.Code) bool) error {
	rangeSorted(m.entries, fn)
	return nil
}

// Close implements Cache.
func (m *Memory) Close() error { return nil }

func rangeSorted(entries map[faces.Key]latent.Code, fn func(key faces.Key, code latent.Code) bool) {
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		if !fn(key, entries[key]) {
			return
		}
	}
}
