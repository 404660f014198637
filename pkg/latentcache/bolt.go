// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latentcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/support/fsutil"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var boltBucket = []byte("latents")

// Bolt is a Cache stored in a bbolt database. Each Put is its own transaction.
type Bolt struct {
	path string
	db   *bbolt.DB
}

var _ Cache = (*Bolt)(nil)

// OpenBolt opens or creates the bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	existed, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for latent cache %q", path)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		if existed && !errors.Is(err, bbolt.ErrTimeout) {
			return nil, corruption(path, err)
		}
		return nil, errors.Wrapf(err, "failed to open latent cache %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to initialize latent cache %q", path)
	}
	return &Bolt{path: path, db: db}, nil
}

// Get implements Cache.
func (b *Bolt) Get(key faces.Key) (code latent.Code, found bool, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(boltBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		code, err = decodeCode(data)
		if err != nil {
			return corruption(b.path, errors.WithMessagef(err, "entry %s", key.Short()))
		}
		return nil
	})
	return
}

// Put implements Cache.
func (b *Bolt) Put(key faces.Key, code latent.Code) error {
	if !code.Ok() {
		return errors.Errorf("can't cache an invalid latent code for key %s", key.Short())
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), encodeCode(code))
	})
	return errors.Wrapf(err, "failed to store latent %s in %q", key.Short(), b.path)
}

// Len implements Cache.
func (b *Bolt) Len() (n int, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(boltBucket).Stats().KeyN
		return nil
	})
	return
}

// Range implements Cache. bbolt keeps keys sorted, so entries come in key order.
func (b *Bolt) Range(fn func(key faces.Key, code latent.Code) bool) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(boltBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			code, err := decodeCode(v)
			if err != nil {
				return corruption(b.path, errors.WithMessagef(err, "entry %s", faces.Key(k).Short()))
			}
			if !fn(faces.Key(k), code) {
				return nil
			}
		}
		return nil
	})
}

// Close implements Cache.
func (b *Bolt) Close() error {
	return b.db.Close()
}
