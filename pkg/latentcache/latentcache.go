// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package latentcache persists the latent codes found by inversion, keyed by the content key of
// the source image, so that an image is never inverted twice.
//
// Three backends are available (see Backend): a single compressed file rewritten atomically on
// every Put (the default), a bbolt database and a SQLite database. All of them treat a missing or
// empty store as an empty cache, and fail with a *CorruptionError if an existing store can't be
// read: silently starting over would hide the loss of every cached inversion.
package latentcache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Cache maps image keys to latent codes. Writes are last-write-wins.
//
// Implementations are meant for a single writer: they are not safe for concurrent use.
type Cache interface {
	// Get returns the latent code for key, and whether it was found.
	Get(key faces.Key) (latent.Code, bool, error)

	// Put stores code under key, replacing any previous value. Once it returns the entry is durable.
	Put(key faces.Key, code latent.Code) error

	// Len returns the number of entries.
	Len() (int, error)

	// Range calls fn for every entry, in key order, until fn returns false.
	Range(fn func(key faces.Key, code latent.Code) bool) error

	// Close releases the resources held by the cache.
	Close() error
}

// Backend selects the storage used by Open.
type Backend string

const (
	// BackendFile stores everything in one zstd-compressed gob file.
	BackendFile Backend = "file"

	// BackendBolt stores entries in a bbolt database.
	BackendBolt Backend = "bolt"

	// BackendSQLite stores entries in a SQLite database.
	BackendSQLite Backend = "sqlite"

	// BackendMemory keeps entries in memory only, nothing is persisted.
	BackendMemory Backend = "memory"
)

// Config for Open.
type Config struct {
	Backend Backend

	// Path of the file or database. A leading "~" is replaced by the user's home directory.
	Path string
}

// Open the cache described by config. An empty Backend defaults to BackendFile.
func Open(config Config) (Cache, error) {
	if config.Backend == BackendMemory {
		return NewMemory(), nil
	}
	if config.Path == "" {
		return nil, errors.Errorf("latent cache backend %q requires a path", config.Backend)
	}
	path, err := fsutil.ReplaceTildeInDir(config.Path)
	if err != nil {
		return nil, err
	}
	var cache Cache
	switch config.Backend {
	case BackendFile, "":
		cache, err = OpenFile(path)
	case BackendBolt:
		cache, err = OpenBolt(path)
	case BackendSQLite:
		cache, err = OpenSQLite(path)
	default:
		return nil, errors.Errorf("unknown latent cache backend %q, valid values are %q, %q, %q and %q",
			config.Backend, BackendFile, BackendBolt, BackendSQLite, BackendMemory)
	}
	if err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		if n, err := cache.Len(); err == nil {
			klog.Infof("latent cache %q (%s): %d entries", path, config.Backend, n)
		}
	}
	return cache, nil
}

// CorruptionError is returned when an existing cache store can't be read.
type CorruptionError struct {
	Path  string
	cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("latent cache %q is corrupt: %v", e.Path, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

func corruption(path string, cause error) *CorruptionError {
	return &CorruptionError{Path: path, cause: cause}
}

// encodedHeaderSize is the size of the shape prefix of encodeCode.
const encodedHeaderSize = 8

// encodeCode serializes a code as its shape (2 little-endian uint32) followed by the
// little-endian IEEE 754 float32 values.
func encodeCode(code latent.Code) []byte {
	shape := code.Shape()
	values := code.Values()
	buf := make([]byte, encodedHeaderSize+4*len(values))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(shape.Layers))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(shape.Dim))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[encodedHeaderSize+4*ii:], math.Float32bits(v))
	}
	return buf
}

// decodeCode is the reverse of encodeCode.
func decodeCode(buf []byte) (latent.Code, error) {
	if len(buf) < encodedHeaderSize {
		return latent.Code{}, errors.Errorf("encoded latent has %d bytes, not enough for its header", len(buf))
	}
	shape := latent.Shape{
		Layers: int(binary.LittleEndian.Uint32(buf[0:4])),
		Dim:    int(binary.LittleEndian.Uint32(buf[4:8])),
	}
	data := buf[encodedHeaderSize:]
	if len(data)%4 != 0 {
		return latent.Code{}, errors.Errorf("encoded latent data has %d bytes, not a multiple of 4", len(data))
	}
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*ii:]))
	}
	return latent.New(shape, values)
}
