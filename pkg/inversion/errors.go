// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inversion

import "fmt"

// NumericalDivergenceError is returned when the optimization produces a non-finite loss (or
// gradient). The inversion is not retried: the caller may restart it with other hyperparameters.
type NumericalDivergenceError struct {
	// Step at which the divergence was detected, starting from 0.
	Step int

	// Loss at that step. It may be finite if it was the gradient that diverged.
	Loss float64

	// InGradient is set if the loss was finite but the gradient wasn't.
	InGradient bool
}

func (e *NumericalDivergenceError) Error() string {
	if e.InGradient {
		return fmt.Sprintf("latent inversion diverged at step %d: non-finite gradient (loss=%g)", e.Step, e.Loss)
	}
	return fmt.Sprintf("latent inversion diverged at step %d: loss is %g", e.Step, e.Loss)
}
