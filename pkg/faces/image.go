// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package faces holds the image side of the pipeline: converting and resizing rasters, computing
// content keys, and normalizing (aligning) face photographs to the canonical pose and size
// expected by the generative model.
package faces

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// CanonicalSize is the width and height of aligned and generated face images.
const CanonicalSize = 256

// ToNRGBA returns img as an opaque *image.NRGBA with its origin at (0, 0).
//
// If img is already such an image it is returned as is, otherwise it is converted.
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) && nrgba.Opaque() {
		return nrgba
	}
	out := imaging.Clone(img)
	// Drop transparency: the models work on RGB.
	for ii := 3; ii < len(out.Pix); ii += 4 {
		out.Pix[ii] = 0xFF
	}
	return out
}

// ResizeToCanonical resizes img to CanonicalSize x CanonicalSize if it is not already.
func ResizeToCanonical(img image.Image) *image.NRGBA {
	size := img.Bounds().Size()
	if size.X == CanonicalSize && size.Y == CanonicalSize {
		return ToNRGBA(img)
	}
	return ToNRGBA(imaging.Resize(img, CanonicalSize, CanonicalSize, imaging.Lanczos))
}

// IsCanonical returns whether img has the canonical size.
func IsCanonical(img image.Image) bool {
	size := img.Bounds().Size()
	return size.X == CanonicalSize && size.Y == CanonicalSize
}

// Load reads an image file, in any of the registered formats (jpeg and png included).
func Load(filePath string) (*image.NRGBA, error) {
	img, err := imaging.Open(filePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image from %q", filePath)
	}
	return ToNRGBA(img), nil
}

// Save writes img to filePath, the format is taken from the file extension.
func Save(img image.Image, filePath string) error {
	if err := imaging.Save(img, filePath); err != nil {
		return errors.Wrapf(err, "failed to save image to %q", filePath)
	}
	return nil
}

// Solid creates a width x height opaque image filled with c.
func Solid(width, height int, c color.Color) *image.NRGBA {
	return imaging.New(width, height, c)
}
