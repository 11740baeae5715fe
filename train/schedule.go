// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "math"

// ExponentialDecay multiplies the learning rate by gamma once per epoch:
// LR(epoch) = initial * gamma^epoch.
type ExponentialDecay struct {
	initial, gamma float32
	epoch          int
}

// NewExponentialDecay creates a schedule already advanced past lastEpoch, so
// a resumed run continues exactly where an uninterrupted run would be. Pass
// lastEpoch = -1 for a fresh run, which starts at the initial rate.
func NewExponentialDecay(initial, gamma float32, lastEpoch int) *ExponentialDecay {
	return &ExponentialDecay{initial: initial, gamma: gamma, epoch: lastEpoch + 1}
}

// LR returns the current learning rate.
func (s *ExponentialDecay) LR() float32 {
	return s.initial * float32(math.Pow(float64(s.gamma), float64(s.epoch)))
}

// Step advances the schedule by one epoch.
func (s *ExponentialDecay) Step() { s.epoch++ }
