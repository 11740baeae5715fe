// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/checkpoints"
	"github.com/gomlx/gospeech/models"
	"github.com/gomlx/gospeech/params"
	"github.com/gomlx/gospeech/speechdata"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel(t *testing.T) models.Model {
	t.Helper()
	model, err := models.Build(models.LightModel).
		FeatureDim(3).VocabSize(4).EncoderDim(5).RNNSize(4).RNNLayers(2).
		Done()
	require.NoError(t, err)
	return model
}

func identityNormalizer(t *testing.T, featureDim int) *speechdata.Normalizer {
	t.Helper()
	mean := make([]float32, featureDim)
	std := make([]float32, featureDim)
	for i := range std {
		std[i] = 1
	}
	n, err := speechdata.NewNormalizer(
		tensors.FromFlatDataAndDimensions(mean, featureDim),
		tensors.FromFlatDataAndDimensions(std, featureDim))
	require.NoError(t, err)
	return n
}

func TestPipelineForwardProbabilities(t *testing.T) {
	model := testModel(t)
	pipeline, err := NewPipeline(identityNormalizer(t, 3), Mask{}, model, Softmax{})
	require.NoError(t, err)

	flat := make([]float32, 2*3*6)
	for i := range flat {
		flat[i] = float32(i%5)*0.3 - 0.6
	}
	features := tensors.FromFlatDataAndDimensions(flat, 2, 3, 6)
	lengths := []int{6, 4}
	probs, outLengths, err := pipeline.Forward(features, lengths, nil)
	require.NoError(t, err)
	assert.Equal(t, lengths, outLengths)
	assert.Equal(t, []int{2, 6, 4}, probs.Shape().Dimensions)

	// The input tensor is untouched.
	assert.Equal(t, flat, tensors.CopyFlatData[float32](features))

	probsFlat := tensors.CopyFlatData[float32](probs)
	for b, length := range lengths {
		for frame := 0; frame < 6; frame++ {
			row := probsFlat[b*6*4+frame*4 : b*6*4+(frame+1)*4]
			var sum float32
			for _, v := range row {
				assert.GreaterOrEqual(t, v, float32(0))
				sum += v
			}
			if frame < length {
				assert.InDelta(t, 1.0, float64(sum), 1e-4, "valid frames are distributions")
			} else {
				assert.Zero(t, sum, "padded frames stay zero")
			}
		}
	}
}

func TestExportRoundTrip(t *testing.T) {
	model := testModel(t)
	checkpointDir := filepath.Join(t.TempDir(), "epoch_7")
	require.NoError(t, os.MkdirAll(checkpointDir, 0o755))
	require.NoError(t, params.Save(filepath.Join(checkpointDir, checkpoints.ModelParamsFile), model.Params()))

	normalizer := identityNormalizer(t, 3)
	root := t.TempDir()
	path, err := Export(root, models.LightModel, checkpointDir, normalizer)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "light", "infer", InferModelFile), path)

	pipeline, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, 3, pipeline.Model().FeatureDim())
	assert.Equal(t, 4, pipeline.Model().VocabSize())
	assert.Equal(t, 2, pipeline.Model().NumRNNLayers())
	assert.Equal(t, 4, pipeline.Model().RNNSize())

	// The exported model computes the same probabilities as the original.
	features := tensors.FromFlatDataAndDimensions(make([]float32, 1*3*5), 1, 3, 5)
	tensors.MutableFlatData[float32](features, func(flat []float32) {
		for i := range flat {
			flat[i] = float32(i) * 0.1
		}
	})
	original, err := NewPipeline(normalizer, Mask{}, model, Softmax{})
	require.NoError(t, err)
	wantProbs, _, err := original.Forward(features, []int{5}, nil)
	require.NoError(t, err)
	gotProbs, _, err := pipeline.Forward(features, []int{5}, nil)
	require.NoError(t, err)
	assert.True(t, wantProbs.Equal(gotProbs))
}

func TestExportMissingCheckpoint(t *testing.T) {
	_, err := Export(t.TempDir(), models.LightModel, filepath.Join(t.TempDir(), "epoch_1"),
		identityNormalizer(t, 3))
	assert.True(t, errors.Is(err, checkpoints.ErrMissingCheckpoint))
}
