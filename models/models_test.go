// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyModel(t *testing.T) *Network {
	model, err := Build(LightModel).
		FeatureDim(4).
		VocabSize(5).
		EncoderDim(6).
		RNNSize(3).
		RNNLayers(2).
		Done()
	require.NoError(t, err)
	return model
}

func randFeatures(batchSize, featureDim, maxTime int) *tensors.Tensor {
	flat := make([]float32, batchSize*featureDim*maxTime)
	for ii := range flat {
		flat[ii] = float32(ii%7)*0.1 - 0.3
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, featureDim, maxTime)
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("standard")
	require.NoError(t, err)
	assert.Equal(t, StandardModel, v)

	_, err = ParseVariant("gigantic")
	assert.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestForwardShapes(t *testing.T) {
	model := tinyModel(t)
	features := randFeatures(2, 4, 5)
	logits, outLengths, err := model.Forward(features, []int{5, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 5}, logits.Shape().Dimensions)
	assert.Equal(t, []int{5, 3}, outLengths)

	// Frames past a sample's length stay zero.
	flat := tensors.CopyFlatData[float32](logits)
	vocabSize, maxTime := 5, 5
	for t2 := 3; t2 < maxTime; t2++ {
		for c := 0; c < vocabSize; c++ {
			assert.Zero(t, flat[1*maxTime*vocabSize+t2*vocabSize+c])
		}
	}
}

func TestForwardDeterministic(t *testing.T) {
	m1, m2 := tinyModel(t), tinyModel(t)
	features := randFeatures(1, 4, 6)
	l1, _, err := m1.Forward(features, []int{6}, nil)
	require.NoError(t, err)
	l2, _, err := m2.Forward(features, []int{6}, nil)
	require.NoError(t, err)
	assert.True(t, l1.Equal(l2), "same seed must give the same logits")
}

func TestForwardInitialStateChangesOutput(t *testing.T) {
	model := tinyModel(t)
	features := randFeatures(1, 4, 4)
	base, _, err := model.Forward(features, []int{4}, nil)
	require.NoError(t, err)

	stateFlat := make([]float32, 2*1*3)
	for ii := range stateFlat {
		stateFlat[ii] = 0.5
	}
	state := tensors.FromFlatDataAndDimensions(stateFlat, 2, 1, 3)
	warm, _, err := model.Forward(features, []int{4}, state)
	require.NoError(t, err)
	assert.False(t, base.Equal(warm), "initial state must affect the logits")
}

func TestForwardValidation(t *testing.T) {
	model := tinyModel(t)
	features := randFeatures(2, 4, 5)

	_, _, err := model.Forward(features, []int{5}, nil)
	assert.Error(t, err, "wrong number of lengths")

	_, _, err = model.Forward(features, []int{5, 9}, nil)
	assert.Error(t, err, "length beyond padded time")

	badState := tensors.FromFlatDataAndDimensions(make([]float32, 3), 1, 1, 3)
	_, _, err = model.Forward(features, []int{5, 3}, badState)
	assert.Error(t, err, "wrong initial state shape")
}

func TestBackwardAccumulatesGradients(t *testing.T) {
	model := tinyModel(t)
	features := randFeatures(2, 4, 5)
	_, _, err := model.Forward(features, []int{5, 3}, nil)
	require.NoError(t, err)

	gradFlat := make([]float32, 2*5*5)
	for ii := range gradFlat {
		gradFlat[ii] = 0.01 * float32(ii%3)
	}
	grad := tensors.FromFlatDataAndDimensions(gradFlat, 2, 5, 5)
	require.NoError(t, model.Backward(grad))

	var nonZero int
	for _, name := range model.Gradients().Names() {
		tensors.ConstFlatData[float32](model.Gradients()[name], func(flat []float32) {
			for _, v := range flat {
				if v != 0 {
					nonZero++
				}
			}
		})
	}
	assert.Greater(t, nonZero, 0, "backward must produce non-zero gradients")

	model.ZeroGrads()
	for _, name := range model.Gradients().Names() {
		tensors.ConstFlatData[float32](model.Gradients()[name], func(flat []float32) {
			for _, v := range flat {
				assert.Zero(t, v)
			}
		})
	}
}

func TestBackwardRequiresForward(t *testing.T) {
	model := tinyModel(t)
	model.SetInference(true)
	features := randFeatures(1, 4, 3)
	_, _, err := model.Forward(features, []int{3}, nil)
	require.NoError(t, err)
	grad := tensors.FromFlatDataAndDimensions(make([]float32, 1*3*5), 1, 3, 5)
	assert.Error(t, model.Backward(grad))
}

func TestSetParamsStrict(t *testing.T) {
	src, dst := tinyModel(t), tinyModel(t)
	require.NoError(t, dst.SetParams(src.Params()))

	bad := src.Params().Clone()
	bad[outputBiases] = tensors.FromFlatDataAndDimensions(make([]float32, 7), 7)
	assert.Error(t, dst.SetParams(bad), "shape mismatch must be rejected")

	delete(bad, outputBiases)
	assert.Error(t, dst.SetParams(bad), "missing parameter must be rejected")
}

func TestLoadPretrainedPartial(t *testing.T) {
	src := tinyModel(t)
	// Destination with a different vocabulary size: output layer shapes differ.
	dst, err := Build(LightModel).
		FeatureDim(4).
		VocabSize(9).
		EncoderDim(6).
		RNNSize(3).
		RNNLayers(2).
		Done()
	require.NoError(t, err)

	pretrained := src.Params().Clone()
	delete(pretrained, encoderBiases)

	loaded, skipped, missing := LoadPretrained(dst, pretrained)
	assert.Equal(t, 1, missing, "encoder biases were removed")
	assert.Equal(t, 2, skipped, "output weights and biases mismatch")
	assert.Equal(t, len(dst.Params())-3, loaded)

	// Compatible parameters were transferred by value.
	assert.True(t, dst.Params()[encoderWeights].Equal(src.Params()[encoderWeights]))
}
