// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"encoding/gob"
	"os"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Normalizer standardizes features with precomputed per-coefficient mean and
// standard deviation vectors of length featureDim.
type Normalizer struct {
	mean, std []float32
}

// NewNormalizer builds a Normalizer from mean and standard deviation
// vectors. Both must be rank-1 tensors of the same length, and every
// standard deviation must be positive.
func NewNormalizer(mean, std *tensors.Tensor) (*Normalizer, error) {
	if mean.Rank() != 1 || std.Rank() != 1 {
		return nil, errors.Errorf("mean and std must be rank-1, got %s and %s", mean.Shape(), std.Shape())
	}
	if mean.Shape().Dimensions[0] != std.Shape().Dimensions[0] {
		return nil, errors.Errorf("mean has %d coefficients, std has %d",
			mean.Shape().Dimensions[0], std.Shape().Dimensions[0])
	}
	n := &Normalizer{
		mean: tensors.CopyFlatData[float32](mean),
		std:  tensors.CopyFlatData[float32](std),
	}
	for i, s := range n.std {
		if s <= 0 {
			return nil, errors.Errorf("std[%d] = %g, must be positive", i, s)
		}
	}
	return n, nil
}

// FeatureDim returns the number of coefficients the Normalizer expects.
func (n *Normalizer) FeatureDim() int { return len(n.mean) }

// Mean returns a copy of the mean vector as a tensor.
func (n *Normalizer) Mean() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(append([]float32(nil), n.mean...), len(n.mean))
}

// Std returns a copy of the standard deviation vector as a tensor.
func (n *Normalizer) Std() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(append([]float32(nil), n.std...), len(n.std))
}

// Normalize standardizes a (featureDim, time) feature matrix in place.
func (n *Normalizer) Normalize(features *tensors.Tensor) error {
	if features.Rank() != 2 || features.Shape().Dimensions[0] != len(n.mean) {
		return errors.Errorf("features must be (%d, time), got %s", len(n.mean), features.Shape())
	}
	numSteps := features.Shape().Dimensions[1]
	tensors.MutableFlatData[float32](features, func(flat []float32) {
		for f := range n.mean {
			row := flat[f*numSteps : (f+1)*numSteps]
			mean, invStd := n.mean[f], 1/n.std[f]
			for t := range row {
				row[t] = (row[t] - mean) * invStd
			}
		}
	})
	return nil
}

// NormalizeBatch standardizes a (batch, featureDim, maxTime) tensor in
// place. Padded frames are zero before and remain (0-mean)/std after, which
// is fine since masking excludes them downstream.
func (n *Normalizer) NormalizeBatch(features *tensors.Tensor) error {
	if features.Rank() != 3 || features.Shape().Dimensions[1] != len(n.mean) {
		return errors.Errorf("features must be (batch, %d, time), got %s", len(n.mean), features.Shape())
	}
	dims := features.Shape().Dimensions
	maxTime := dims[2]
	tensors.MutableFlatData[float32](features, func(flat []float32) {
		for b := 0; b < dims[0]; b++ {
			for f := range n.mean {
				row := flat[b*len(n.mean)*maxTime+f*maxTime : b*len(n.mean)*maxTime+(f+1)*maxTime]
				mean, invStd := n.mean[f], 1/n.std[f]
				for t := range row {
					row[t] = (row[t] - mean) * invStd
				}
			}
		}
	})
	return nil
}

type normalizerBlob struct {
	Mean, Std []float32
}

// SaveNormalizer writes the normalizer statistics to a gob file.
func SaveNormalizer(path string, n *Normalizer) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(normalizerBlob{Mean: n.mean, Std: n.std}); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding normalizer to %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// LoadNormalizer reads normalizer statistics written by SaveNormalizer.
func LoadNormalizer(path string) (*Normalizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	var blob normalizerBlob
	if err := gob.NewDecoder(f).Decode(&blob); err != nil {
		return nil, errors.Wrapf(err, "decoding normalizer from %q", path)
	}
	return NewNormalizer(
		tensors.FromFlatDataAndDimensions(blob.Mean, len(blob.Mean)),
		tensors.FromFlatDataAndDimensions(blob.Std, len(blob.Std)))
}
