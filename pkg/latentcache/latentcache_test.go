// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latentcache

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testShape = latent.Shape{Layers: 2, Dim: 3}

func testCode(base float32) latent.Code {
	return latent.MustNew(testShape, []float32{base, base + 1, -base, float32(math.Pi), 1e-30, base * 1e6})
}

var persistentBackends = []Backend{BackendFile, BackendBolt, BackendSQLite}

func openTest(t *testing.T, backend Backend, path string) Cache {
	cache, err := Open(Config{Backend: backend, Path: path})
	require.NoError(t, err)
	return cache
}

func TestRoundTrip(t *testing.T) {
	for _, backend := range persistentBackends {
		t.Run(string(backend), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sub", "latents.db")
			cache := openTest(t, backend, path)
			n, err := cache.Len()
			require.NoError(t, err)
			assert.Equal(t, 0, n, "missing store must be an empty cache")

			_, found, err := cache.Get("missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, cache.Put("k1", testCode(1)))
			require.NoError(t, cache.Put("k2", testCode(2)))
			got, found, err := cache.Get("k1")
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, got.Equal(testCode(1)))

			// Last write wins.
			require.NoError(t, cache.Put("k1", testCode(3)))
			require.NoError(t, cache.Close())

			// Simulated restart.
			cache = openTest(t, backend, path)
			defer func() { require.NoError(t, cache.Close()) }()
			n, err = cache.Len()
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			got, found, err = cache.Get("k1")
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, got.Equal(testCode(3)), "got %s", got)
			got, found, err = cache.Get("k2")
			require.NoError(t, err)
			require.True(t, found)
			assert.True(t, got.Equal(testCode(2)))

			var keys []faces.Key
			require.NoError(t, cache.Range(func(key faces.Key, code latent.Code) bool {
				keys = append(keys, key)
				assert.Equal(t, testShape, code.Shape())
				return true
			}))
			assert.Equal(t, []faces.Key{"k1", "k2"}, keys)

			// Early stop.
			keys = nil
			require.NoError(t, cache.Range(func(key faces.Key, _ latent.Code) bool {
				keys = append(keys, key)
				return false
			}))
			assert.Len(t, keys, 1)

			require.Error(t, cache.Put("bad", latent.Code{}))
		})
	}
}

func TestEmptyStore(t *testing.T) {
	for _, backend := range persistentBackends {
		t.Run(string(backend), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "latents")
			require.NoError(t, os.WriteFile(path, nil, 0644))
			cache := openTest(t, backend, path)
			defer func() { require.NoError(t, cache.Close()) }()
			n, err := cache.Len()
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			require.NoError(t, cache.Put("k", testCode(1)))
		})
	}
}

func TestCorruptStore(t *testing.T) {
	for _, backend := range persistentBackends {
		t.Run(string(backend), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "latents")
			require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 16*1024), 0644))
			_, err := Open(Config{Backend: backend, Path: path})
			var corruptErr *CorruptionError
			require.ErrorAs(t, err, &corruptErr)
			assert.Equal(t, path, corruptErr.Path)
		})
	}
}

func TestFileTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latents")
	cache, err := OpenFile(path)
	require.NoError(t, err)
	for ii := range 10 {
		require.NoError(t, cache.Put(faces.Key(rune('a'+ii)), testCode(float32(ii))))
	}
	require.NoError(t, cache.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(contents, fileMagic))
	require.NoError(t, os.WriteFile(path, contents[:len(contents)/2], 0644))
	_, err = OpenFile(path)
	var corruptErr *CorruptionError
	require.ErrorAs(t, err, &corruptErr)
}

func TestFilePutIsDurable(t *testing.T) {
	// Each Put is visible to a new reader without Close: a crash right after Put loses nothing.
	path := filepath.Join(t.TempDir(), "latents")
	writer, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, writer.Put("k", testCode(5)))

	reader, err := OpenFile(path)
	require.NoError(t, err)
	got, found, err := reader.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(testCode(5)))
	require.NoError(t, reader.Close())
	require.NoError(t, writer.Close())
}

func TestMemory(t *testing.T) {
	cache, err := Open(Config{Backend: BackendMemory})
	require.NoError(t, err)
	require.NoError(t, cache.Put("k", testCode(1)))
	got, found, err := cache.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(testCode(1)))
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(Config{Backend: BackendFile})
	require.Error(t, err, "path required")
	_, err = Open(Config{Backend: "redis", Path: filepath.Join(t.TempDir(), "x")})
	require.Error(t, err)
}

func TestEncodeCode(t *testing.T) {
	code := testCode(7)
	decoded, err := decodeCode(encodeCode(code))
	require.NoError(t, err)
	assert.True(t, decoded.Equal(code))

	_, err = decodeCode([]byte{1, 2})
	require.Error(t, err)
	_, err = decodeCode(encodeCode(code)[:encodedHeaderSize+5])
	require.Error(t, err)
}
