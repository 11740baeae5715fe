// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Featurizer converts one manifest entry into a (featureDim, time) feature
// matrix. Implementations must be safe for concurrent use: the dataset calls
// Extract from multiple goroutines.
type Featurizer interface {
	// FeatureDim is the fixed first dimension of every extracted matrix.
	FeatureDim() int

	// Extract computes the features for an utterance.
	Extract(entry ManifestEntry) (*tensors.Tensor, error)
}

// TensorFeaturizer reads precomputed features: each manifest AudioPath
// points at a tensor file saved with tensors.Tensor.Save.
type TensorFeaturizer struct {
	featureDim int
}

// NewTensorFeaturizer creates a featurizer for precomputed feature files
// with the given coefficient count.
func NewTensorFeaturizer(featureDim int) *TensorFeaturizer {
	return &TensorFeaturizer{featureDim: featureDim}
}

// FeatureDim implements Featurizer.
func (tf *TensorFeaturizer) FeatureDim() int { return tf.featureDim }

// Extract implements Featurizer.
func (tf *TensorFeaturizer) Extract(entry ManifestEntry) (*tensors.Tensor, error) {
	t, err := tensors.Load(entry.AudioPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading features %q", entry.AudioPath)
	}
	if t.Rank() != 2 || t.Shape().Dimensions[0] != tf.featureDim {
		return nil, errors.Errorf("features %q: want (%d, time), got %s",
			entry.AudioPath, tf.featureDim, t.Shape())
	}
	return t, nil
}
