// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/ctc"
	"github.com/gomlx/gospeech/decoders"
	"github.com/gomlx/gospeech/metrics"
	"github.com/gomlx/gospeech/models"
	"github.com/gomlx/gospeech/speechdata"
	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EvalResult aggregates an evaluation pass over a dataset.
type EvalResult struct {
	// CER is the mean per-utterance character error rate.
	CER float64

	// Loss is the mean per-batch CTC loss.
	Loss float64
}

// Evaluate runs the model over the whole dataset, decoding every utterance
// and scoring it against its reference transcript. Utterances with an empty
// reference are skipped. The model runs in inference mode and is restored to
// training mode before returning.
func Evaluate(model models.Model, ds speechdata.Dataset, voc *vocab.Vocabulary, decoder decoders.Decoder) (EvalResult, error) {
	if setter, ok := model.(interface{ SetInference(bool) }); ok {
		setter.SetInference(true)
		defer setter.SetInference(false)
	}
	var cerMean, lossMean metrics.Mean
	numBatches := 0
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "reading evaluation batch")
		}
		logits, outLengths, err := model.Forward(batch.Features, batch.InputLengths, nil)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "evaluation forward pass")
		}
		labelSeqs := batch.LabelSeqs()

		lossResult, err := ctc.Loss(logits, outLengths, labelSeqs, false)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "evaluation loss")
		}
		lossMean.Add(lossResult.Loss)

		hypotheses, err := decoder.DecodeBatch(softmaxProbs(logits, outLengths), voc)
		if err != nil {
			return EvalResult{}, errors.Wrap(err, "decoding evaluation batch")
		}
		for i, hypothesis := range hypotheses {
			reference := voc.DecodeIDs(labelSeqs[i])
			if reference == "" {
				continue
			}
			cer, err := metrics.CER(hypothesis, reference)
			if err != nil {
				return EvalResult{}, err
			}
			cerMean.Add(cer)
		}

		numBatches++
		if numBatches%100 == 0 {
			klog.Infof("Evaluation: %d/%d batches, cer so far: %.5f", numBatches, ds.NumBatches(), cerMean.Value())
		}
	}
	return EvalResult{CER: cerMean.Value(), Loss: lossMean.Value()}, nil
}

// softmaxProbs converts logits (batch, maxTime, vocabSize) into per-sample
// probability matrices trimmed to each sample's valid frames.
func softmaxProbs(logits *tensors.Tensor, lengths []int) [][][]float32 {
	dims := logits.Shape().Dimensions
	maxTime, vocabSize := dims[1], dims[2]
	flat := tensors.CopyFlatData[float32](logits)
	probs := make([][][]float32, len(lengths))
	for b, length := range lengths {
		sample := make([][]float32, length)
		for t := 0; t < length; t++ {
			row := flat[b*maxTime*vocabSize+t*vocabSize : b*maxTime*vocabSize+(t+1)*vocabSize]
			frame := make([]float32, vocabSize)
			maxLogit := row[0]
			for _, v := range row[1:] {
				if v > maxLogit {
					maxLogit = v
				}
			}
			var sum float64
			for c, v := range row {
				e := math.Exp(float64(v - maxLogit))
				frame[c] = float32(e)
				sum += e
			}
			for c := range frame {
				frame[c] /= float32(sum)
			}
			sample[t] = frame
		}
		probs[b] = sample
	}
	return probs
}
