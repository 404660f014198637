// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package faces

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// BoxDetector is a minimal LandmarkDetector for portraits shot against a uniform background
// (ID photos, renders, the images produced by the generator itself).
//
// The background color is the top-left pixel. The single "face" reported is the bounding box of
// every pixel that differs from the background by more than Threshold in some channel, and its
// landmarks are the 4 corners of that box.
type BoxDetector struct {
	// Threshold on the per-channel difference (0-255) to consider a pixel foreground.
	Threshold int
}

// DefaultBoxThreshold is used when BoxDetector.Threshold is 0.
const DefaultBoxThreshold = 24

// DetectLandmarks implements LandmarkDetector.
func (d BoxDetector) DetectLandmarks(img image.Image) ([]Landmarks, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("empty image")
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultBoxThreshold
	}
	nrgba := ToNRGBA(img)
	size := nrgba.Rect.Size()
	bg := nrgba.Pix[0:3]
	minX, minY, maxX, maxY := size.X, size.Y, -1, -1
	for y := 0; y < size.Y; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*size.X]
		for x := 0; x < size.X; x++ {
			px := row[4*x : 4*x+3]
			if !differs(px, bg, threshold) {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < 0 {
		return nil, nil
	}
	offset := bounds.Min
	corners := []image.Point{
		image.Pt(minX, minY).Add(offset),
		image.Pt(maxX, minY).Add(offset),
		image.Pt(minX, maxY).Add(offset),
		image.Pt(maxX, maxY).Add(offset),
	}
	return []Landmarks{{Points: corners}}, nil
}

func differs(a, b []uint8, threshold int) bool {
	for ii := range a {
		d := int(a[ii]) - int(b[ii])
		if d > threshold || -d > threshold {
			return true
		}
	}
	return false
}

// SquareAligner crops a square centered on the landmarks, enlarged by Margin on each side, pads
// it with the background color where it falls outside the image, and resizes it to the
// canonical size.
type SquareAligner struct {
	// Margin is the fraction of the landmarks' larger side added around them.
	Margin float64
}

// DefaultMargin used by SquareAligner when Margin is 0.
const DefaultMargin = 0.25

// Align implements Aligner.
func (a SquareAligner) Align(img image.Image, landmarks Landmarks) (image.Image, error) {
	box := landmarks.Bounds()
	if box.Empty() {
		return nil, errors.New("no landmarks to align to")
	}
	margin := a.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	side := int(math.Round(float64(max(box.Dx(), box.Dy())) * (1 + margin)))
	side = max(side, 1)
	center := image.Pt((box.Min.X+box.Max.X)/2, (box.Min.Y+box.Max.Y)/2)
	square := image.Rect(center.X-side/2, center.Y-side/2, center.X-side/2+side, center.Y-side/2+side)

	bounds := img.Bounds()
	bg := color.NRGBAModel.Convert(img.At(bounds.Min.X, bounds.Min.Y))
	canvas := imaging.New(side, side, bg)
	visible := square.Intersect(bounds)
	if !visible.Empty() {
		canvas = imaging.Paste(canvas, imaging.Crop(img, visible), visible.Min.Sub(square.Min))
	}
	return ResizeToCanonical(canvas), nil
}

// DefaultNormalizer returns a Normalizer using BoxDetector and SquareAligner with default
// parameters.
func DefaultNormalizer() *Normalizer {
	return NewNormalizer(BoxDetector{}, SquareAligner{})
}
