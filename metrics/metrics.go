// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements the recognition quality metrics used during
// evaluation, chiefly the character error rate (CER).
package metrics

import (
	"github.com/agnivade/levenshtein"
	"github.com/pkg/errors"
)

// CER returns the character error rate: the edit distance between hypothesis
// and reference, normalized by the reference length (in runes).
//
// An empty reference is an error: callers must skip or guard zero-length
// references before aggregating.
func CER(hypothesis, reference string) (float64, error) {
	refLen := len([]rune(reference))
	if refLen == 0 {
		return 0, errors.New("CER is undefined for an empty reference")
	}
	return float64(levenshtein.ComputeDistance(hypothesis, reference)) / float64(refLen), nil
}

// Mean accumulates a running arithmetic mean.
//
// Aggregate error rates are the mean of per-sample normalized distances (not
// total distance over total length), so short and long utterances weigh the
// same. Using the same accumulator for running and final aggregates keeps the
// two consistent.
type Mean struct {
	sum   float64
	count int
}

// Add accumulates one observation.
func (m *Mean) Add(value float64) {
	m.sum += value
	m.count++
}

// Value returns the current mean, or 0 if nothing was accumulated.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Count returns the number of accumulated observations.
func (m *Mean) Count() int { return m.count }
