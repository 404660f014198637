// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latentcache

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/support/fsutil"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// fileMagic starts every cache file, followed by fileVersion.
var fileMagic = []byte("FGLC")

const fileVersion byte = 1

// fileEntry is the serialized form of a latent code.
type fileEntry struct {
	Layers, Dim int
	Values      []float32
}

// File is a Cache kept in memory and persisted to a single file.
//
// The whole file is loaded on open and atomically rewritten on every Put, so a crash never
// loses an entry whose Put returned. A "<path>.lock" advisory lock serializes rewrites with
// loads from other processes.
type File struct {
	path    string
	lock    *flock.Flock
	entries map[faces.Key]latent.Code
}

var _ Cache = (*File)(nil)

// OpenFile opens or creates the cache file at path. The file itself is only created on the first
// Put; a missing or empty file is an empty cache.
func OpenFile(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for latent cache %q", path)
		}
	}
	f := &File{
		path:    path,
		lock:    flock.New(path + ".lock"),
		entries: make(map[faces.Key]latent.Code),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) load() error {
	if err := f.lock.RLock(); err != nil {
		return errors.Wrapf(err, "failed to lock latent cache %q", f.path)
	}
	defer func() { _ = f.lock.Unlock() }()

	contents, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		klog.V(1).Infof("latent cache %q doesn't exist yet, starting empty", f.path)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read latent cache %q", f.path)
	}
	if len(contents) == 0 {
		klog.Warningf("latent cache %q is empty, starting empty", f.path)
		return nil
	}
	stored, err := decodeFile(contents)
	if err != nil {
		return corruption(f.path, err)
	}
	for key, entry := range stored {
		code, err := latent.New(latent.Shape{Layers: entry.Layers, Dim: entry.Dim}, entry.Values)
		if err != nil {
			return corruption(f.path, errors.WithMessagef(err, "entry %s", faces.Key(key).Short()))
		}
		f.entries[faces.Key(key)] = code
	}
	klog.V(1).Infof("loaded %d latents from %q (%s)", len(f.entries), f.path, humanize.Bytes(uint64(len(contents))))
	return nil
}

func decodeFile(contents []byte) (map[string]fileEntry, error) {
	headerLen := len(fileMagic) + 1
	if len(contents) < headerLen || !bytes.Equal(contents[:len(fileMagic)], fileMagic) {
		return nil, errors.New("not a latent cache file (bad magic)")
	}
	if version := contents[len(fileMagic)]; version != fileVersion {
		return nil, errors.Errorf("unsupported latent cache file version %d", version)
	}
	decoder, err := zstd.NewReader(bytes.NewReader(contents[headerLen:]))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	defer decoder.Close()
	var stored map[string]fileEntry
	if err = gob.NewDecoder(decoder).Decode(&stored); err != nil {
		return nil, errors.Wrap(err, "failed to decode latents")
	}
	return stored, nil
}

// Get implements Cache.
func (f *File) Get(key faces.Key) (latent.Code, bool, error) {
	code, found := f.entries[key]
	return code, found, nil
}

// Put implements Cache. The file is rewritten before Put returns; if that fails the in-memory
// entry is rolled back.
func (f *File) Put(key faces.Key, code latent.Code) error {
	if !code.Ok() {
		return errors.Errorf("can't cache an invalid latent code for key %s", key.Short())
	}
	previous, hadPrevious := f.entries[key]
	f.entries[key] = code
	if err := f.flush(); err != nil {
		if hadPrevious {
			f.entries[key] = previous
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

// flush rewrites the whole file with the current entries.
func (f *File) flush() error {
	if err := f.lock.Lock(); err != nil {
		return errors.Wrapf(err, "failed to lock latent cache %q", f.path)
	}
	defer func() { _ = f.lock.Unlock() }()

	stored := make(map[string]fileEntry, len(f.entries))
	for key, code := range f.entries {
		shape := code.Shape()
		stored[string(key)] = fileEntry{Layers: shape.Layers, Dim: shape.Dim, Values: code.Values()}
	}
	return fsutil.WriteFileAtomic(f.path, 0644, func(w io.Writer) error {
		if _, err := w.Write(append(append([]byte(nil), fileMagic...), fileVersion)); err != nil {
			return err
		}
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return errors.Wrap(err, "failed to create zstd encoder")
		}
		if err = gob.NewEncoder(encoder).Encode(stored); err != nil {
			_ = encoder.Close()
			return errors.Wrap(err, "failed to encode latents")
		}
		return encoder.Close()
	})
}

// Len implements Cache.
func (f *File) Len() (int, error) { return len(f.entries), nil }

// Range implements Cache.
func (f *File) Range(fn func(key faces.Key, code latent.Code) bool) error {
	rangeSorted(f.entries, fn)
	return nil
}

// Close implements Cache. Every Put is already persisted, so there is nothing to flush.
func (f *File) Close() error {
	return f.lock.Close()
}
