// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ctc implements the connectionist temporal classification loss.
//
// The loss of a sample is the negative log probability of its label sequence
// summed over all monotonic blank-augmented alignments, computed with the
// forward-backward algorithm in log space. Per the "norm by time" reduction,
// each sample's loss is divided by its number of valid timesteps, and the
// batch loss is the mean over samples. The gradient with respect to the raw
// logits (softmax minus the alignment posterior) follows the same scaling, so
// models can be trained directly from logits.
package ctc

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
)

// Result of the CTC loss over one batch.
type Result struct {
	// Loss is the batch loss: mean over samples of the per-sample normalized
	// loss. Samples whose label cannot be aligned (label longer than the
	// available timesteps) are excluded; see Infeasible.
	Loss float64

	// PerSample has one normalized loss per batch element; +Inf marks an
	// infeasible sample.
	PerSample []float64

	// Infeasible counts samples whose labels cannot fit their timesteps.
	Infeasible int

	// Grad is the gradient of Loss with respect to the logits. It has the
	// logits' shape, with zeros outside the valid time range. Nil unless
	// requested.
	Grad *tensors.Tensor
}

// Loss computes the CTC loss of a batch and, if wantGrad, its gradient.
//
// logits is (batch, time, vocabSize) of raw scores (softmax is applied
// internally); logitLens gives the valid timesteps per sample; labels holds
// the per-sample label token ids (no blanks, no padding).
func Loss(logits *tensors.Tensor, logitLens []int, labels [][]int, wantGrad bool) (*Result, error) {
	dims := logits.Shape().Dimensions
	if logits.Rank() != 3 {
		return nil, errors.Errorf("logits must be (batch, time, vocabSize), got shape %s", logits.Shape())
	}
	if logits.DType() != dtypes.Float32 {
		return nil, errors.Errorf("logits must be %s, got %s", dtypes.Float32, logits.DType())
	}
	batchSize, maxTime, vocabSize := dims[0], dims[1], dims[2]
	if len(logitLens) != batchSize || len(labels) != batchSize {
		return nil, errors.Errorf("batch size mismatch: logits have %d samples, %d lengths, %d label sequences",
			batchSize, len(logitLens), len(labels))
	}

	result := &Result{PerSample: make([]float64, batchSize)}
	var gradFlat []float32
	if wantGrad {
		gradFlat = make([]float32, batchSize*maxTime*vocabSize)
	}

	flat := tensors.CopyFlatData[float32](logits)
	lossSum := 0.0
	feasible := 0
	for b := 0; b < batchSize; b++ {
		numSteps := logitLens[b]
		if numSteps < 0 || numSteps > maxTime {
			return nil, errors.Errorf("sample #%d: logit length %d outside [0, %d]", b, numSteps, maxTime)
		}
		label := labels[b]
		for _, id := range label {
			if id <= vocab.BlankID || id >= vocabSize {
				return nil, errors.Errorf("sample #%d: label id %d outside (0, %d)", b, id, vocabSize)
			}
		}

		sampleOffset := b * maxTime * vocabSize
		var sampleGrad []float32
		if wantGrad {
			sampleGrad = gradFlat[sampleOffset : sampleOffset+numSteps*vocabSize]
		}
		loss := sampleLoss(flat[sampleOffset:sampleOffset+numSteps*vocabSize], numSteps, vocabSize, label, sampleGrad)
		result.PerSample[b] = loss
		if math.IsInf(loss, 1) {
			result.Infeasible++
			if wantGrad {
				clear(sampleGrad)
			}
			continue
		}
		lossSum += loss
		feasible++
	}
	if feasible > 0 {
		result.Loss = lossSum / float64(feasible)
	}

	if wantGrad {
		// sampleLoss produces d(normalized sample loss); the batch loss is
		// the mean over feasible samples.
		if feasible > 0 {
			scale := float32(1.0 / float64(feasible))
			for ii := range gradFlat {
				gradFlat[ii] *= scale
			}
		}
		result.Grad = tensors.FromFlatDataAndDimensions(gradFlat, batchSize, maxTime, vocabSize)
	}
	return result, nil
}

// sampleLoss runs the forward-backward algorithm for one sample and returns
// the normalized loss. If grad is non-nil it is filled with the gradient of
// the normalized loss with respect to the sample's logits.
//
// logits is the (numSteps * vocabSize) flat slice of the valid time range.
func sampleLoss(logits []float32, numSteps, vocabSize int, label []int, grad []float32) float64 {
	// Extended label: blanks interleaved around every token.
	numStates := 2*len(label) + 1
	extended := make([]int, numStates)
	for ii, id := range label {
		extended[2*ii+1] = id
	}

	// Feasibility: every repeated token needs a separating blank.
	required := len(label)
	for ii := 1; ii < len(label); ii++ {
		if label[ii] == label[ii-1] {
			required++
		}
	}
	if numSteps < required {
		return math.Inf(1)
	}
	if numSteps == 0 {
		// Empty label over zero steps is trivially aligned.
		return 0
	}

	// Log-softmax per frame.
	logProbs := make([]float64, numSteps*vocabSize)
	for t := 0; t < numSteps; t++ {
		frame := logits[t*vocabSize : (t+1)*vocabSize]
		maxLogit := frame[0]
		for _, v := range frame[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for _, v := range frame {
			sumExp += math.Exp(float64(v - maxLogit))
		}
		logZ := float64(maxLogit) + math.Log(sumExp)
		for k, v := range frame {
			logProbs[t*vocabSize+k] = float64(v) - logZ
		}
	}
	lp := func(t, class int) float64 { return logProbs[t*vocabSize+class] }

	// Forward pass.
	alpha := make([]float64, numSteps*numStates)
	for ii := range alpha {
		alpha[ii] = negInf
	}
	alpha[0] = lp(0, vocab.BlankID)
	if numStates > 1 {
		alpha[1] = lp(0, extended[1])
	}
	for t := 1; t < numSteps; t++ {
		for s := 0; s < numStates; s++ {
			sum := alpha[(t-1)*numStates+s]
			if s >= 1 {
				sum = logAdd(sum, alpha[(t-1)*numStates+s-1])
			}
			if s >= 2 && extended[s] != vocab.BlankID && extended[s] != extended[s-2] {
				sum = logAdd(sum, alpha[(t-1)*numStates+s-2])
			}
			alpha[t*numStates+s] = sum + lp(t, extended[s])
		}
	}
	logLikelihood := alpha[(numSteps-1)*numStates+numStates-1]
	if numStates > 1 {
		logLikelihood = logAdd(logLikelihood, alpha[(numSteps-1)*numStates+numStates-2])
	}
	if math.IsInf(logLikelihood, -1) {
		return math.Inf(1)
	}
	loss := -logLikelihood / float64(numSteps)
	if grad == nil {
		return loss
	}

	// Backward pass.
	beta := make([]float64, numSteps*numStates)
	for ii := range beta {
		beta[ii] = negInf
	}
	beta[(numSteps-1)*numStates+numStates-1] = lp(numSteps-1, extended[numStates-1])
	if numStates > 1 {
		beta[(numSteps-1)*numStates+numStates-2] = lp(numSteps-1, extended[numStates-2])
	}
	for t := numSteps - 2; t >= 0; t-- {
		for s := numStates - 1; s >= 0; s-- {
			sum := beta[(t+1)*numStates+s]
			if s+1 < numStates {
				sum = logAdd(sum, beta[(t+1)*numStates+s+1])
			}
			if s+2 < numStates && extended[s+2] != vocab.BlankID && extended[s+2] != extended[s] {
				sum = logAdd(sum, beta[(t+1)*numStates+s+2])
			}
			beta[t*numStates+s] = sum + lp(t, extended[s])
		}
	}

	// Posterior over classes per timestep, and the gradient
	// d(-logLikelihood/numSteps)/d(logit) = (softmax - posterior)/numSteps.
	classLogPosterior := make([]float64, vocabSize)
	for t := 0; t < numSteps; t++ {
		for k := range classLogPosterior {
			classLogPosterior[k] = negInf
		}
		for s := 0; s < numStates; s++ {
			// alpha and beta both include the emission at (t, s); divide one out.
			gamma := alpha[t*numStates+s] + beta[t*numStates+s] - lp(t, extended[s])
			classLogPosterior[extended[s]] = logAdd(classLogPosterior[extended[s]], gamma)
		}
		for k := 0; k < vocabSize; k++ {
			softmax := math.Exp(logProbs[t*vocabSize+k])
			posterior := math.Exp(classLogPosterior[k] - logLikelihood)
			grad[t*vocabSize+k] = float32((softmax - posterior) / float64(numSteps))
		}
	}
	return loss
}

var negInf = math.Inf(-1)

func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
