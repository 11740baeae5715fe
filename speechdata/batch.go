// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
)

// Sample is one utterance ready for batching: its feature matrix
// (featureDim, numSteps) and its transcript as token ids.
type Sample struct {
	Features *tensors.Tensor
	LabelIDs []int
	Duration float64
}

// Batch is a zero-padded collection of samples.
//
// Features is (batchSize, featureDim, maxTime) padded with zeros; Labels is
// (batchSize, maxLabelLen) padded with the blank id. InputLengths and
// LabelLengths give the unpadded sizes, index-aligned with the batch
// dimension.
type Batch struct {
	Features     *tensors.Tensor
	InputLengths []int
	Labels       *tensors.Tensor
	LabelLengths []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.InputLengths) }

// LabelSeqs undoes the padding: one id slice per sample.
func (b *Batch) LabelSeqs() [][]int {
	seqs := make([][]int, b.Size())
	flat := tensors.CopyFlatData[int32](b.Labels)
	maxLabelLen := b.Labels.Shape().Dimensions[1]
	for i := range seqs {
		seq := make([]int, b.LabelLengths[i])
		for j := range seq {
			seq[j] = int(flat[i*maxLabelLen+j])
		}
		seqs[i] = seq
	}
	return seqs
}

// Collate pads a group of samples into one Batch. All samples must share a
// feature dimension and every sample must have at least one time step.
func Collate(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	featureDim := samples[0].Features.Shape().Dimensions[0]
	maxTime, maxLabelLen := 0, 1 // tensor dims must stay >= 1
	for i, s := range samples {
		if s.Features.Rank() != 2 {
			return nil, errors.Errorf("sample #%d: features must be rank-2 (featureDim, time), got %s",
				i, s.Features.Shape())
		}
		dims := s.Features.Shape().Dimensions
		if dims[0] != featureDim {
			return nil, errors.Errorf("sample #%d: feature dim %d, batch has %d", i, dims[0], featureDim)
		}
		if dims[1] < 1 {
			return nil, errors.Errorf("sample #%d: no time steps", i)
		}
		maxTime = max(maxTime, dims[1])
		maxLabelLen = max(maxLabelLen, len(s.LabelIDs))
	}

	batchSize := len(samples)
	featFlat := make([]float32, batchSize*featureDim*maxTime)
	labelFlat := make([]int32, batchSize*maxLabelLen)
	for i := range labelFlat {
		labelFlat[i] = int32(vocab.BlankID)
	}
	inputLengths := make([]int, batchSize)
	labelLengths := make([]int, batchSize)
	for i, s := range samples {
		numSteps := s.Features.Shape().Dimensions[1]
		inputLengths[i] = numSteps
		labelLengths[i] = len(s.LabelIDs)
		tensors.ConstFlatData[float32](s.Features, func(src []float32) {
			for f := 0; f < featureDim; f++ {
				copy(featFlat[i*featureDim*maxTime+f*maxTime:], src[f*numSteps:(f+1)*numSteps])
			}
		})
		for j, id := range s.LabelIDs {
			labelFlat[i*maxLabelLen+j] = int32(id)
		}
	}
	return &Batch{
		Features:     tensors.FromFlatDataAndDimensions(featFlat, batchSize, featureDim, maxTime),
		InputLengths: inputLengths,
		Labels:       tensors.FromFlatDataAndDimensions(labelFlat, batchSize, maxLabelLen),
		LabelLengths: labelLengths,
	}, nil
}
