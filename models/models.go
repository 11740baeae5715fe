// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the acoustic model variants and their fixed
// forward-computation contract.
//
// The set of variants is closed: StandardModel and LightModel. Both share the
// same architecture family -- a feature encoder, a stack of unidirectional
// recurrent layers and a linear output projection producing per-timestep
// class logits -- and differ only in their default sizes. The contract is:
//
//	inputs:  features (batch, featureDim, time), per-sample lengths, and an
//	         optional initial recurrent state (numRNNLayers, batch, rnnSize);
//	outputs: logits (batch, time, vocabSize) and per-sample output lengths.
//
// Models produce raw logits: the CTC loss expects them, and softmax is
// composed in only at export/inference time.
package models

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/params"
	"github.com/pkg/errors"
)

// Variant names one of the closed set of acoustic model architectures.
type Variant string

const (
	// StandardModel is the full-size architecture.
	StandardModel Variant = "standard"

	// LightModel is a smaller variant for constrained deployments.
	LightModel Variant = "light"
)

// ErrUnknownVariant is the configuration error for a model variant outside
// the closed set. It is raised pre-flight, before any data is loaded.
var ErrUnknownVariant = errors.New("unknown model variant")

// Variants returns the closed set of model variants.
func Variants() []Variant { return []Variant{StandardModel, LightModel} }

// ParseVariant validates a variant name.
func ParseVariant(name string) (Variant, error) {
	for _, v := range Variants() {
		if string(v) == name {
			return v, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownVariant, "%q (valid: %v)", name, Variants())
}

// Model is the inference-side contract of an acoustic model.
type Model interface {
	Variant() Variant
	FeatureDim() int
	VocabSize() int
	NumRNNLayers() int
	RNNSize() int

	// Forward runs the model on a padded batch. initState may be nil, in
	// which case the recurrent state starts at zero.
	Forward(features *tensors.Tensor, lengths []int, initState *tensors.Tensor) (logits *tensors.Tensor, outLengths []int, err error)

	// Params returns the live parameter dictionary, owned by the model.
	Params() params.Dict

	// SetParams replaces all parameters. Every parameter must be present
	// with a matching shape; values are copied in.
	SetParams(d params.Dict) error
}

// Trainable extends Model with the backward pass used during training.
type Trainable interface {
	Model

	// Backward accumulates parameter gradients from the gradient of the
	// loss with respect to the logits of the last Forward call.
	Backward(gradLogits *tensors.Tensor) error

	// Gradients returns the live gradient dictionary, owned by the model.
	Gradients() params.Dict

	// ZeroGrads clears the accumulated gradients.
	ZeroGrads()
}

// Builder configures and creates a Network. Created with Build, finished
// with Done.
type Builder struct {
	err     error
	variant Variant

	featureDim, vocabSize             int
	encoderDim, rnnSize, numRNNLayers int
	seed                              int64
}

// Build starts the configuration of a model of the given variant, with the
// variant's default sizes. An unknown variant is reported at Done.
func Build(variant Variant) *Builder {
	b := &Builder{variant: variant, seed: 42}
	switch variant {
	case StandardModel:
		b.encoderDim, b.rnnSize, b.numRNNLayers = 512, 512, 3
	case LightModel:
		b.encoderDim, b.rnnSize, b.numRNNLayers = 256, 256, 2
	default:
		b.err = errors.Wrapf(ErrUnknownVariant, "%q (valid: %v)", variant, Variants())
	}
	return b
}

// FeatureDim sets the input feature dimension. Required.
func (b *Builder) FeatureDim(dim int) *Builder {
	b.featureDim = dim
	return b
}

// VocabSize sets the number of output classes, including the blank. Required.
func (b *Builder) VocabSize(size int) *Builder {
	b.vocabSize = size
	return b
}

// EncoderDim overrides the variant's feature encoder width.
func (b *Builder) EncoderDim(dim int) *Builder {
	b.encoderDim = dim
	return b
}

// RNNSize overrides the variant's recurrent layer width.
func (b *Builder) RNNSize(size int) *Builder {
	b.rnnSize = size
	return b
}

// RNNLayers overrides the variant's number of recurrent layers.
func (b *Builder) RNNLayers(n int) *Builder {
	b.numRNNLayers = n
	return b
}

// Seed sets the parameter initialization seed.
func (b *Builder) Seed(seed int64) *Builder {
	b.seed = seed
	return b
}

// Done validates the configuration and creates the Network.
func (b *Builder) Done() (*Network, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.featureDim < 1 {
		return nil, errors.Errorf("model %q requires FeatureDim >= 1, got %d", b.variant, b.featureDim)
	}
	if b.vocabSize < 2 {
		return nil, errors.Errorf("model %q requires VocabSize >= 2 (blank plus tokens), got %d", b.variant, b.vocabSize)
	}
	if b.encoderDim < 1 || b.rnnSize < 1 || b.numRNNLayers < 1 {
		return nil, errors.Errorf("model %q has invalid sizes: encoder %d, rnn %d, layers %d",
			b.variant, b.encoderDim, b.rnnSize, b.numRNNLayers)
	}
	return newNetwork(b), nil
}
