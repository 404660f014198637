// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package faces

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"image"

	"github.com/disintegration/imaging"
)

// Key identifies an image by its pixel content. It is the lowercase hex SHA-256 of the image
// dimensions followed by its 8-bit RGBA pixels in row-major order.
//
// Identical pixel content yields identical keys, regardless of the concrete image type or its
// origin in the coordinate space.
type Key string

// KeyOf computes the Key of img.
func KeyOf(img image.Image) Key {
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
	}
	size := nrgba.Rect.Size()
	h := sha256.New()
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(size.X))
	binary.LittleEndian.PutUint32(header[4:8], uint32(size.Y))
	_, _ = h.Write(header[:])
	rowLen := 4 * size.X
	for y := 0; y < size.Y; y++ {
		start := y * nrgba.Stride
		_, _ = h.Write(nrgba.Pix[start : start+rowLen])
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Short returns a prefix of the key, for logging.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
