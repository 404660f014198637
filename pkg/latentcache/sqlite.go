// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package latentcache

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/support/fsutil"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite" // Registers the pure-Go "sqlite" driver.
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS latents (
	key    TEXT PRIMARY KEY,
	layers INTEGER NOT NULL,
	dim    INTEGER NOT NULL,
	data   BLOB NOT NULL
)`

// SQLite is a Cache stored in a SQLite database, table "latents".
type SQLite struct {
	path string
	db   *sql.DB
}

var _ Cache = (*SQLite)(nil)

// OpenSQLite opens or creates the SQLite database at path.
func OpenSQLite(path string) (*SQLite, error) {
	existed, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for latent cache %q", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open latent cache %q", path)
	}
	// Single writer: one connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		if existed {
			return nil, corruption(path, err)
		}
		return nil, errors.Wrapf(err, "failed to create schema of latent cache %q", path)
	}
	return &SQLite{path: path, db: db}, nil
}

// Get implements Cache.
func (s *SQLite) Get(key faces.Key) (latent.Code, bool, error) {
	var layers, dim int
	var data []byte
	err := s.db.QueryRow(`SELECT layers, dim, data FROM latents WHERE key = ?`, string(key)).Scan(&layers, &dim, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return latent.Code{}, false, nil
	}
	if err != nil {
		return latent.Code{}, false, errors.Wrapf(err, "failed to read latent %s from %q", key.Short(), s.path)
	}
	code, err := s.decodeRow(key, layers, dim, data)
	return code, true, err
}

func (s *SQLite) decodeRow(key faces.Key, layers, dim int, data []byte) (latent.Code, error) {
	code, err := decodeCode(data)
	if err == nil && (code.Shape().Layers != layers || code.Shape().Dim != dim) {
		err = errors.Errorf("shape columns [%d, %d] don't match encoded shape %s", layers, dim, code.Shape())
	}
	if err != nil {
		return latent.Code{}, corruption(s.path, errors.WithMessagef(err, "entry %s", key.Short()))
	}
	return code, nil
}

// Put implements Cache.
func (s *SQLite) Put(key faces.Key, code latent.Code) error {
	if !code.Ok() {
		return errors.Errorf("can't cache an invalid latent code for key %s", key.Short())
	}
	shape := code.Shape()
	_, err := s.db.Exec(`INSERT INTO latents(key, layers, dim, data) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET layers = excluded.layers, dim = excluded.dim, data = excluded.data`,
		string(key), shape.Layers, shape.Dim, encodeCode(code))
	return errors.Wrapf(err, "failed to store latent %s in %q", key.Short(), s.path)
}

// Len implements Cache.
func (s *SQLite) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM latents`).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "failed to count latents in %q", s.path)
	}
	return n, nil
}

// Range implements Cache.
func (s *SQLite) Range(fn func(key faces.Key, code latent.Code) bool) error {
	rows, err := s.db.Query(`SELECT key, layers, dim, data FROM latents ORDER BY key`)
	if err != nil {
		return errors.Wrapf(err, "failed to list latents in %q", s.path)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key string
		var layers, dim int
		var data []byte
		if err = rows.Scan(&key, &layers, &dim, &data); err != nil {
			return errors.Wrapf(err, "failed to read latents from %q", s.path)
		}
		code, err := s.decodeRow(faces.Key(key), layers, dim, data)
		if err != nil {
			return err
		}
		if !fn(faces.Key(key), code) {
			return nil
		}
	}
	return errors.Wrapf(rows.Err(), "failed to list latents in %q", s.path)
}

// Close implements Cache.
func (s *SQLite) Close() error {
	return s.db.Close()
}
