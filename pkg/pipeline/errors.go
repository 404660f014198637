// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
)

// Stage of the pipeline where an error happened.
type Stage string

const (
	StageLoad   Stage = "load"
	StageKey    Stage = "key"
	StageCache  Stage = "cache"
	StageAlign  Stage = "align"
	StageInvert Stage = "invert"
	StageBlend  Stage = "blend"
	StageDecode Stage = "decode"
	StageSave   Stage = "save"
)

// Parent identifies one of the two input images.
type Parent string

const (
	Father Parent = "father"
	Mother Parent = "mother"
)

// StageError wraps every error returned by Pipeline.Run and Pipeline.RunFromPaths, recording
// where it happened. The typed cause (e.g. *faces.AlignmentError) is still reachable with
// errors.As.
type StageError struct {
	Stage Stage

	// Parent whose image was being processed, empty for stages that work on the child.
	Parent Parent

	Err error
}

func (e *StageError) Error() string {
	if e.Parent != "" {
		return fmt.Sprintf("familygan %s stage failed for the %s: %v", e.Stage, e.Parent, e.Err)
	}
	return fmt.Sprintf("familygan %s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage Stage, parent Parent, err error) *StageError {
	return &StageError{Stage: stage, Parent: parent, Err: err}
}
