// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/gospeech/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LoadPretrained copies every compatible parameter from d into the model.
// Parameters whose shape differs and parameters missing from d are skipped
// with a warning, so a checkpoint from a model with a different vocabulary
// (or a subset of the layers) can still seed training.
func LoadPretrained(model Model, d params.Dict) (loaded, skipped, missing int) {
	current := model.Params()
	merged := make(params.Dict, len(current))
	for _, name := range current.Names() {
		have := current[name]
		pretrained, found := d[name]
		if !found {
			klog.Warningf("Pretrained parameters: %q not found, keeping initialization", name)
			merged[name] = have
			missing++
			continue
		}
		if !pretrained.Shape().Equal(have.Shape()) {
			klog.Warningf("Pretrained parameters: %q has shape %s, model expects %s, keeping initialization",
				name, pretrained.Shape(), have.Shape())
			merged[name] = have
			skipped++
			continue
		}
		merged[name] = pretrained
		loaded++
	}
	if err := model.SetParams(merged); err != nil {
		// merged was built from the model's own parameter set, shapes match.
		klog.Errorf("Pretrained parameters: %+v", err)
	}
	return
}

// FromParams rebuilds a model around a saved parameter dictionary, inferring
// the architecture from the parameter shapes: the encoder weights give the
// feature and encoder dimensions, the output weights give the vocabulary and
// recurrent sizes, and the recurrent layers are counted by name.
func FromParams(variant Variant, d params.Dict) (Model, error) {
	encoder, found := d[encoderWeights]
	if !found {
		return nil, errors.Errorf("parameters have no %q", encoderWeights)
	}
	output, found := d[outputWeights]
	if !found {
		return nil, errors.Errorf("parameters have no %q", outputWeights)
	}
	if encoder.Rank() != 2 || output.Rank() != 2 {
		return nil, errors.Errorf("malformed parameters: encoder weights %s, output weights %s",
			encoder.Shape(), output.Shape())
	}
	encoderDim, featureDim := encoder.Shape().Dimensions[0], encoder.Shape().Dimensions[1]
	vocabSize, rnnSize := output.Shape().Dimensions[0], output.Shape().Dimensions[1]
	numLayers := 0
	for {
		if _, found := d[rnnInputWeights(numLayers)]; !found {
			break
		}
		numLayers++
	}
	if numLayers == 0 {
		return nil, errors.New("parameters have no recurrent layers")
	}

	model, err := Build(variant).
		FeatureDim(featureDim).
		VocabSize(vocabSize).
		EncoderDim(encoderDim).
		RNNSize(rnnSize).
		RNNLayers(numLayers).
		Done()
	if err != nil {
		return nil, err
	}
	if err := model.SetParams(d); err != nil {
		return nil, err
	}
	return model, nil
}
