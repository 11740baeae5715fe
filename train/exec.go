// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the CTC training loop: forward and backward passes,
// gradient synchronization across ranks, optimization, checkpointing and
// periodic evaluation.
package train

import "github.com/pkg/errors"

// ExecContext describes this process's place in a data-parallel run.
type ExecContext struct {
	// WorldSize is the number of cooperating processes.
	WorldSize int

	// Rank is this process's index in [0, WorldSize).
	Rank int
}

// SingleProcess is the ExecContext of a non-distributed run.
func SingleProcess() ExecContext { return ExecContext{WorldSize: 1, Rank: 0} }

// IsPrimary reports whether this process owns the side effects of the run:
// logging, evaluation, checkpoints and exported artifacts.
func (ec ExecContext) IsPrimary() bool { return ec.Rank == 0 }

// Validate checks the context is internally consistent.
func (ec ExecContext) Validate() error {
	if ec.WorldSize < 1 {
		return errors.Errorf("world size must be >= 1, got %d", ec.WorldSize)
	}
	if ec.Rank < 0 || ec.Rank >= ec.WorldSize {
		return errors.Errorf("rank %d outside [0, %d)", ec.Rank, ec.WorldSize)
	}
	return nil
}
