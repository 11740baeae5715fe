// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package export packages a trained acoustic model for inference: a single
// artifact bundling the feature normalization statistics, the model
// architecture and parameters, and the output softmax, composed into one
// forward function.
package export

import (
	"encoding/gob"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/checkpoints"
	"github.com/gomlx/gospeech/models"
	"github.com/gomlx/gospeech/params"
	"github.com/gomlx/gospeech/speechdata"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferModelFile is the artifact name inside the export directory.
const InferModelFile = "model.infer"

// Mask zeroes every feature frame beyond each sample's valid length, so
// whatever padding the caller used cannot leak into the model.
type Mask struct{}

// Apply masks features (batch, featureDim, maxTime) in place.
func (Mask) Apply(features *tensors.Tensor, lengths []int) {
	dims := features.Shape().Dimensions
	featureDim, maxTime := dims[1], dims[2]
	tensors.MutableFlatData[float32](features, func(flat []float32) {
		for b, length := range lengths {
			for f := 0; f < featureDim; f++ {
				row := flat[b*featureDim*maxTime+f*maxTime : b*featureDim*maxTime+(f+1)*maxTime]
				clear(row[length:])
			}
		}
	})
}

// Softmax normalizes logits into probabilities along the vocabulary axis.
type Softmax struct{}

// Apply converts logits (batch, maxTime, vocabSize) in place; frames beyond
// each sample's length stay zero.
func (Softmax) Apply(logits *tensors.Tensor, lengths []int) {
	dims := logits.Shape().Dimensions
	maxTime, vocabSize := dims[1], dims[2]
	tensors.MutableFlatData[float32](logits, func(flat []float32) {
		for b, length := range lengths {
			for t := 0; t < length; t++ {
				row := flat[b*maxTime*vocabSize+t*vocabSize : b*maxTime*vocabSize+(t+1)*vocabSize]
				maxLogit := row[0]
				for _, v := range row[1:] {
					if v > maxLogit {
						maxLogit = v
					}
				}
				var sum float64
				for c, v := range row {
					e := math.Exp(float64(v - maxLogit))
					row[c] = float32(e)
					sum += e
				}
				for c := range row {
					row[c] /= float32(sum)
				}
			}
		}
	})
}

// Pipeline is the inference-time forward function: normalize features, mask
// the padding, run the acoustic model and apply the softmax.
type Pipeline struct {
	normalizer *speechdata.Normalizer
	mask       Mask
	model      models.Model
	softmax    Softmax
}

// NewPipeline composes the four inference stages, applied in argument order.
func NewPipeline(normalizer *speechdata.Normalizer, mask Mask, model models.Model, softmax Softmax) (*Pipeline, error) {
	if normalizer == nil {
		return nil, errors.New("pipeline requires a normalizer")
	}
	if model == nil {
		return nil, errors.New("pipeline requires a model")
	}
	if normalizer.FeatureDim() != model.FeatureDim() {
		return nil, errors.Errorf("normalizer has %d coefficients, model expects %d",
			normalizer.FeatureDim(), model.FeatureDim())
	}
	if setter, ok := model.(interface{ SetInference(bool) }); ok {
		setter.SetInference(true)
	}
	return &Pipeline{normalizer: normalizer, mask: mask, model: model, softmax: softmax}, nil
}

// Model returns the wrapped acoustic model.
func (p *Pipeline) Model() models.Model { return p.model }

// Forward takes raw features (batch, featureDim, maxTime), their lengths and
// an optional initial recurrent state (numRNNLayers, batch, rnnSize), and
// returns per-frame token probabilities (batch, maxTime, vocabSize) plus the
// output lengths. The input tensor is not modified.
func (p *Pipeline) Forward(features *tensors.Tensor, lengths []int, initState *tensors.Tensor) (*tensors.Tensor, []int, error) {
	features = features.LocalClone()
	if err := p.normalizer.NormalizeBatch(features); err != nil {
		return nil, nil, err
	}
	if len(lengths) != features.Shape().Dimensions[0] {
		return nil, nil, errors.Errorf("got %d lengths for a batch of %d",
			len(lengths), features.Shape().Dimensions[0])
	}
	p.mask.Apply(features, lengths)
	logits, outLengths, err := p.model.Forward(features, lengths, initState)
	if err != nil {
		return nil, nil, err
	}
	p.softmax.Apply(logits, outLengths)
	return logits, outLengths, nil
}

// Export builds the inference artifact for a trained checkpoint: it reads
// the model parameters blob from checkpointDir, reconstructs the model
// around them and writes root/<variant>/infer/model.infer. It returns the
// artifact path.
//
// The checkpoint's optimizer state is not needed; only the model parameters
// blob must exist.
func Export(root string, variant models.Variant, checkpointDir string, normalizer *speechdata.Normalizer) (string, error) {
	paramsPath := filepath.Join(checkpointDir, checkpoints.ModelParamsFile)
	if _, err := os.Stat(paramsPath); err != nil {
		return "", errors.Wrapf(checkpoints.ErrMissingCheckpoint, "%q: %v", paramsPath, err)
	}
	modelParams, err := params.Load(paramsPath)
	if err != nil {
		return "", err
	}
	model, err := models.FromParams(variant, modelParams)
	if err != nil {
		return "", err
	}
	if normalizer.FeatureDim() != model.FeatureDim() {
		return "", errors.Errorf("normalizer has %d coefficients, checkpointed model expects %d",
			normalizer.FeatureDim(), model.FeatureDim())
	}

	dir := filepath.Join(root, string(variant), "infer")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating export directory %q", dir)
	}
	path := filepath.Join(dir, InferModelFile)
	if err := writeArtifact(path, variant, model, normalizer); err != nil {
		return "", err
	}
	klog.Infof("Exported inference model to %q", path)
	return path, nil
}

// LoadPipeline reconstructs the inference pipeline from an exported
// artifact.
func LoadPipeline(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening inference model %q", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var header artifactHeader
	if err := dec.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "reading inference model %q", path)
	}
	if header.FormatVersion != artifactFormatVersion {
		return nil, errors.Errorf("inference model %q has unsupported format version %d",
			path, header.FormatVersion)
	}
	modelParams, err := decodeDict(dec, header.NumParams)
	if err != nil {
		return nil, errors.Wrapf(err, "reading inference model %q", path)
	}
	variant, err := models.ParseVariant(header.Variant)
	if err != nil {
		return nil, errors.Wrapf(err, "inference model %q", path)
	}
	model, err := models.FromParams(variant, modelParams)
	if err != nil {
		return nil, errors.Wrapf(err, "inference model %q", path)
	}
	normalizer, err := speechdata.NewNormalizer(
		tensors.FromFlatDataAndDimensions(header.Mean, len(header.Mean)),
		tensors.FromFlatDataAndDimensions(header.Std, len(header.Std)))
	if err != nil {
		return nil, errors.Wrapf(err, "inference model %q", path)
	}
	return NewPipeline(normalizer, Mask{}, model, Softmax{})
}

const artifactFormatVersion = 1

type artifactHeader struct {
	FormatVersion int
	Variant       string
	Mean, Std     []float32
	NumParams     int
}

func writeArtifact(path string, variant models.Variant, model models.Model, normalizer *speechdata.Normalizer) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating inference model %q", path)
	}
	enc := gob.NewEncoder(f)
	modelParams := model.Params()
	header := artifactHeader{
		FormatVersion: artifactFormatVersion,
		Variant:       string(variant),
		Mean:          tensors.CopyFlatData[float32](normalizer.Mean()),
		Std:           tensors.CopyFlatData[float32](normalizer.Std()),
		NumParams:     len(modelParams),
	}
	if err := enc.Encode(header); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing inference model %q", path)
	}
	for _, name := range modelParams.Names() {
		if err := enc.Encode(name); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "writing inference model %q", path)
		}
		if err := modelParams[name].GobSerialize(enc); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "writing parameter %q to %q", name, path)
		}
	}
	return errors.Wrapf(f.Close(), "closing inference model %q", path)
}

func decodeDict(dec *gob.Decoder, count int) (params.Dict, error) {
	d := make(params.Dict, count)
	for i := 0; i < count; i++ {
		var name string
		if err := dec.Decode(&name); err != nil {
			return nil, errors.Wrapf(err, "reading parameter name #%d", i)
		}
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(err, "reading parameter %q", name)
		}
		d[name] = t
	}
	return d, nil
}
