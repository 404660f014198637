// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package faces

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Landmarks of one detected face, in the coordinates of the image it was detected on.
type Landmarks struct {
	Points []image.Point
}

// Bounds returns the smallest rectangle containing all landmark points.
func (l Landmarks) Bounds() image.Rectangle {
	if len(l.Points) == 0 {
		return image.Rectangle{}
	}
	r := image.Rectangle{Min: l.Points[0], Max: l.Points[0].Add(image.Pt(1, 1))}
	for _, p := range l.Points[1:] {
		r = r.Union(image.Rectangle{Min: p, Max: p.Add(image.Pt(1, 1))})
	}
	return r
}

// LandmarkDetector finds faces in an image. It returns one Landmarks per face found, and an
// empty slice if there are none.
type LandmarkDetector interface {
	DetectLandmarks(img image.Image) ([]Landmarks, error)
}

// Aligner crops and warps img to the canonical pose given the landmarks of the face.
type Aligner interface {
	Align(img image.Image, landmarks Landmarks) (image.Image, error)
}

// AlignmentError is returned when an image doesn't contain exactly one usable face.
// It is terminal: there is no latent to extract without alignment.
type AlignmentError struct {
	// NumFaces found by the detector.
	NumFaces int

	cause error
}

func (e *AlignmentError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("face alignment failed: %v", e.cause)
	}
	if e.NumFaces == 0 {
		return "face alignment failed: no face detected"
	}
	return fmt.Sprintf("face alignment failed: %d faces detected, expected exactly one", e.NumFaces)
}

func (e *AlignmentError) Unwrap() error { return e.cause }

// Normalizer wraps landmark detection and alignment into a single operation, see Normalize.
type Normalizer struct {
	Detector LandmarkDetector
	Aligner  Aligner
}

// NewNormalizer returns a Normalizer using the given detector and aligner.
func NewNormalizer(detector LandmarkDetector, aligner Aligner) *Normalizer {
	return &Normalizer{Detector: detector, Aligner: aligner}
}

// Normalize detects the single face in img, aligns it and returns it with the canonical size.
//
// It fails with an *AlignmentError if there are no faces or more than one face, or if the detector
// or the aligner fail. There are no retries.
func (n *Normalizer) Normalize(img image.Image) (*image.NRGBA, error) {
	if n.Detector == nil || n.Aligner == nil {
		return nil, errors.New("faces.Normalizer requires both a Detector and an Aligner")
	}
	faces, err := n.Detector.DetectLandmarks(img)
	if err != nil {
		return nil, &AlignmentError{cause: errors.WithMessage(err, "landmark detection")}
	}
	if len(faces) != 1 {
		return nil, &AlignmentError{NumFaces: len(faces)}
	}
	aligned, err := n.Aligner.Align(img, faces[0])
	if err != nil {
		return nil, &AlignmentError{NumFaces: 1, cause: errors.WithMessage(err, "align")}
	}
	if !IsCanonical(aligned) {
		klog.V(2).Infof("resizing aligned face from %s to canonical size", aligned.Bounds().Size())
	}
	return ResizeToCanonical(aligned), nil
}
