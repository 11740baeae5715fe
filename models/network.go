// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gospeech/params"
	"github.com/pkg/errors"
)

// Network is the concrete acoustic model for every variant: a ReLU feature
// encoder, numRNNLayers unidirectional tanh recurrent layers and a linear
// output projection. It implements Model and Trainable.
//
// A Network is owned by a single goroutine: Forward, Backward and parameter
// updates must not run concurrently.
type Network struct {
	variant                           Variant
	featureDim, vocabSize             int
	encoderDim, rnnSize, numRNNLayers int

	weights   params.Dict
	grads     params.Dict
	inference bool

	// cache holds the activations of the last Forward call, for Backward.
	cache *forwardCache
}

// Parameter names, scoped like context variables.
const (
	encoderWeights = "encoder/weights"
	encoderBiases  = "encoder/biases"
	outputWeights  = "output/weights"
	outputBiases   = "output/biases"
)

func rnnInputWeights(layer int) string     { return fmt.Sprintf("rnn_%d/w_input", layer) }
func rnnRecurrentWeights(layer int) string { return fmt.Sprintf("rnn_%d/w_recurrent", layer) }
func rnnBiases(layer int) string           { return fmt.Sprintf("rnn_%d/biases", layer) }

func newNetwork(b *Builder) *Network {
	n := &Network{
		variant:      b.variant,
		featureDim:   b.featureDim,
		vocabSize:    b.vocabSize,
		encoderDim:   b.encoderDim,
		rnnSize:      b.rnnSize,
		numRNNLayers: b.numRNNLayers,
		weights:      make(params.Dict),
		grads:        make(params.Dict),
	}
	rng := rand.New(rand.NewSource(b.seed))
	addParam := func(name string, dims ...int) {
		n.weights[name] = xavierUniform(rng, dims)
		size := 1
		for _, d := range dims {
			size *= d
		}
		n.grads[name] = tensors.FromFlatDataAndDimensions(make([]float32, size), dims...)
	}
	addParam(encoderWeights, n.encoderDim, n.featureDim)
	addParam(encoderBiases, n.encoderDim)
	inDim := n.encoderDim
	for layer := range n.numRNNLayers {
		addParam(rnnInputWeights(layer), n.rnnSize, inDim)
		addParam(rnnRecurrentWeights(layer), n.rnnSize, n.rnnSize)
		addParam(rnnBiases(layer), n.rnnSize)
		inDim = n.rnnSize
	}
	addParam(outputWeights, n.vocabSize, n.rnnSize)
	addParam(outputBiases, n.vocabSize)
	return n
}

// xavierUniform initializes a weight tensor uniformly in
// [-sqrt(6/(fanIn+fanOut)), +sqrt(6/(fanIn+fanOut))]; vectors (biases) start
// at zero.
func xavierUniform(rng *rand.Rand, dims []int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float32, size)
	if len(dims) == 2 {
		bound := float32(math.Sqrt(6.0 / float64(dims[0]+dims[1])))
		for ii := range flat {
			flat[ii] = (rng.Float32()*2 - 1) * bound
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// Variant implements Model.
func (n *Network) Variant() Variant { return n.variant }

// FeatureDim implements Model.
func (n *Network) FeatureDim() int { return n.featureDim }

// VocabSize implements Model.
func (n *Network) VocabSize() int { return n.vocabSize }

// NumRNNLayers implements Model.
func (n *Network) NumRNNLayers() int { return n.numRNNLayers }

// RNNSize implements Model.
func (n *Network) RNNSize() int { return n.rnnSize }

// Params implements Model.
func (n *Network) Params() params.Dict { return n.weights }

// Gradients implements Trainable.
func (n *Network) Gradients() params.Dict { return n.grads }

// ZeroGrads implements Trainable.
func (n *Network) ZeroGrads() {
	for _, g := range n.grads {
		tensors.MutableFlatData[float32](g, func(flat []float32) {
			clear(flat)
		})
	}
}

// SetInference switches activation caching off (true) or on (false).
// Backward requires a Forward run with caching on.
func (n *Network) SetInference(inference bool) {
	n.inference = inference
	if inference {
		n.cache = nil
	}
}

// SetParams implements Model: values are copied in, never shared.
func (n *Network) SetParams(d params.Dict) error {
	for name, current := range n.weights {
		loaded, found := d[name]
		if !found {
			return errors.Errorf("parameter %q missing from the given dictionary", name)
		}
		if !loaded.Shape().Equal(current.Shape()) {
			return errors.Errorf("parameter %q has shape %s, model expects %s", name, loaded.Shape(), current.Shape())
		}
	}
	for name := range n.weights {
		n.weights[name] = d[name].LocalClone()
	}
	return nil
}

// forwardCache keeps the activations needed by Backward.
type forwardCache struct {
	lengths   []int
	maxTime   int
	features  []float32   // flat (batch, featureDim, maxTime)
	encoded   [][]float32 // per sample: flat (length, encoderDim), post-ReLU
	hidden    [][][]float32
	initState []float32 // flat (numRNNLayers, batch, rnnSize), zeros if absent
}

// Forward implements Model.
func (n *Network) Forward(features *tensors.Tensor, lengths []int, initState *tensors.Tensor) (*tensors.Tensor, []int, error) {
	dims := features.Shape().Dimensions
	if features.Rank() != 3 || dims[1] != n.featureDim {
		return nil, nil, errors.Errorf("features must be (batch, %d, time), got shape %s", n.featureDim, features.Shape())
	}
	if features.DType() != dtypes.Float32 {
		return nil, nil, errors.Errorf("features must be %s, got %s", dtypes.Float32, features.DType())
	}
	batchSize, maxTime := dims[0], dims[2]
	if len(lengths) != batchSize {
		return nil, nil, errors.Errorf("got %d lengths for a batch of %d", len(lengths), batchSize)
	}
	for b, length := range lengths {
		if length < 0 || length > maxTime {
			return nil, nil, errors.Errorf("sample #%d: length %d outside [0, %d]", b, length, maxTime)
		}
	}
	var h0 []float32
	if initState != nil {
		wantDims := []int{n.numRNNLayers, batchSize, n.rnnSize}
		gotDims := initState.Shape().Dimensions
		if initState.Rank() != 3 || gotDims[0] != wantDims[0] || gotDims[1] != wantDims[1] || gotDims[2] != wantDims[2] {
			return nil, nil, errors.Errorf("initial state must be (%d, %d, %d), got shape %s",
				wantDims[0], wantDims[1], wantDims[2], initState.Shape())
		}
		h0 = tensors.CopyFlatData[float32](initState)
	} else {
		h0 = make([]float32, n.numRNNLayers*batchSize*n.rnnSize)
	}

	featFlat := tensors.CopyFlatData[float32](features)
	wEnc := tensors.CopyFlatData[float32](n.weights[encoderWeights])
	bEnc := tensors.CopyFlatData[float32](n.weights[encoderBiases])
	wOut := tensors.CopyFlatData[float32](n.weights[outputWeights])
	bOut := tensors.CopyFlatData[float32](n.weights[outputBiases])
	wIn := make([][]float32, n.numRNNLayers)
	wRec := make([][]float32, n.numRNNLayers)
	bRNN := make([][]float32, n.numRNNLayers)
	for layer := range n.numRNNLayers {
		wIn[layer] = tensors.CopyFlatData[float32](n.weights[rnnInputWeights(layer)])
		wRec[layer] = tensors.CopyFlatData[float32](n.weights[rnnRecurrentWeights(layer)])
		bRNN[layer] = tensors.CopyFlatData[float32](n.weights[rnnBiases(layer)])
	}

	var cache *forwardCache
	if !n.inference {
		cache = &forwardCache{
			lengths:   append([]int(nil), lengths...),
			maxTime:   maxTime,
			features:  featFlat,
			encoded:   make([][]float32, batchSize),
			hidden:    make([][][]float32, batchSize),
			initState: h0,
		}
	}

	logitsFlat := make([]float32, batchSize*maxTime*n.vocabSize)
	xCol := make([]float32, n.featureDim)
	for b := 0; b < batchSize; b++ {
		length := lengths[b]
		encoded := make([]float32, length*n.encoderDim)
		hidden := make([][]float32, n.numRNNLayers)
		for layer := range hidden {
			hidden[layer] = make([]float32, length*n.rnnSize)
		}

		for t := 0; t < length; t++ {
			// Encoder: e = relu(We·x + be).
			for f := 0; f < n.featureDim; f++ {
				xCol[f] = featFlat[b*n.featureDim*maxTime+f*maxTime+t]
			}
			e := encoded[t*n.encoderDim : (t+1)*n.encoderDim]
			matVec(wEnc, xCol, e)
			for ii := range e {
				e[ii] += bEnc[ii]
				if e[ii] < 0 {
					e[ii] = 0
				}
			}

			// RNN stack: h = tanh(Wx·in + Wh·hPrev + b).
			in := e
			for layer := range n.numRNNLayers {
				h := hidden[layer][t*n.rnnSize : (t+1)*n.rnnSize]
				matVec(wIn[layer], in, h)
				hPrev := h0[layer*batchSize*n.rnnSize+b*n.rnnSize : layer*batchSize*n.rnnSize+(b+1)*n.rnnSize]
				if t > 0 {
					hPrev = hidden[layer][(t-1)*n.rnnSize : t*n.rnnSize]
				}
				addMatVec(wRec[layer], hPrev, h)
				for ii := range h {
					h[ii] = float32(math.Tanh(float64(h[ii] + bRNN[layer][ii])))
				}
				in = h
			}

			// Output projection to logits.
			logits := logitsFlat[b*maxTime*n.vocabSize+t*n.vocabSize : b*maxTime*n.vocabSize+(t+1)*n.vocabSize]
			matVec(wOut, in, logits)
			for ii := range logits {
				logits[ii] += bOut[ii]
			}
		}
		if cache != nil {
			cache.encoded[b] = encoded
			cache.hidden[b] = hidden
		}
	}
	n.cache = cache

	outLengths := append([]int(nil), lengths...)
	return tensors.FromFlatDataAndDimensions(logitsFlat, batchSize, maxTime, n.vocabSize), outLengths, nil
}

// Backward implements Trainable. Gradients accumulate until ZeroGrads.
func (n *Network) Backward(gradLogits *tensors.Tensor) error {
	cache := n.cache
	if cache == nil {
		return errors.New("Backward called without a cached Forward pass (inference mode?)")
	}
	batchSize := len(cache.lengths)
	dims := gradLogits.Shape().Dimensions
	if gradLogits.Rank() != 3 || dims[0] != batchSize || dims[1] != cache.maxTime || dims[2] != n.vocabSize {
		return errors.Errorf("gradLogits must be (%d, %d, %d), got shape %s",
			batchSize, cache.maxTime, n.vocabSize, gradLogits.Shape())
	}
	gradFlat := tensors.CopyFlatData[float32](gradLogits)

	wOut := tensors.CopyFlatData[float32](n.weights[outputWeights])
	wIn := make([][]float32, n.numRNNLayers)
	wRec := make([][]float32, n.numRNNLayers)
	for layer := range n.numRNNLayers {
		wIn[layer] = tensors.CopyFlatData[float32](n.weights[rnnInputWeights(layer)])
		wRec[layer] = tensors.CopyFlatData[float32](n.weights[rnnRecurrentWeights(layer)])
	}

	gwEnc := make([]float32, n.encoderDim*n.featureDim)
	gbEnc := make([]float32, n.encoderDim)
	gwOut := make([]float32, n.vocabSize*n.rnnSize)
	gbOut := make([]float32, n.vocabSize)
	gwIn := make([][]float32, n.numRNNLayers)
	gwRec := make([][]float32, n.numRNNLayers)
	gbRNN := make([][]float32, n.numRNNLayers)
	inDim := n.encoderDim
	for layer := range n.numRNNLayers {
		gwIn[layer] = make([]float32, n.rnnSize*inDim)
		gwRec[layer] = make([]float32, n.rnnSize*n.rnnSize)
		gbRNN[layer] = make([]float32, n.rnnSize)
		inDim = n.rnnSize
	}

	xCol := make([]float32, n.featureDim)
	for b := 0; b < batchSize; b++ {
		length := cache.lengths[b]
		if length == 0 {
			continue
		}
		encoded := cache.encoded[b]
		hidden := cache.hidden[b]

		// dHidden[layer][t] accumulates the gradient flowing into each
		// hidden activation from the layer above (or the output layer).
		dHidden := make([][]float32, n.numRNNLayers)
		for layer := range dHidden {
			dHidden[layer] = make([]float32, length*n.rnnSize)
		}

		// Output layer.
		top := n.numRNNLayers - 1
		for t := 0; t < length; t++ {
			dLogits := gradFlat[b*cache.maxTime*n.vocabSize+t*n.vocabSize : b*cache.maxTime*n.vocabSize+(t+1)*n.vocabSize]
			hTop := hidden[top][t*n.rnnSize : (t+1)*n.rnnSize]
			addOuter(gwOut, dLogits, hTop)
			addVec(gbOut, dLogits)
			addMatVecT(wOut, dLogits, dHidden[top][t*n.rnnSize:(t+1)*n.rnnSize])
		}

		// Recurrent layers, top to bottom, backward through time.
		u := make([]float32, n.rnnSize)
		dRecurrent := make([]float32, n.rnnSize)
		for layer := top; layer >= 0; layer-- {
			clear(dRecurrent)
			for t := length - 1; t >= 0; t-- {
				h := hidden[layer][t*n.rnnSize : (t+1)*n.rnnSize]
				dh := dHidden[layer][t*n.rnnSize : (t+1)*n.rnnSize]
				for ii := range u {
					total := dh[ii] + dRecurrent[ii]
					u[ii] = total * (1 - h[ii]*h[ii]) // tanh'
				}
				in := encoded[t*n.encoderDim : (t+1)*n.encoderDim]
				if layer > 0 {
					in = hidden[layer-1][t*n.rnnSize : (t+1)*n.rnnSize]
				}
				hPrev := cache.initState[layer*batchSize*n.rnnSize+b*n.rnnSize : layer*batchSize*n.rnnSize+(b+1)*n.rnnSize]
				if t > 0 {
					hPrev = hidden[layer][(t-1)*n.rnnSize : t*n.rnnSize]
				}
				addOuter(gwIn[layer], u, in)
				addOuter(gwRec[layer], u, hPrev)
				addVec(gbRNN[layer], u)

				clear(dRecurrent)
				addMatVecT(wRec[layer], u, dRecurrent)
				if layer > 0 {
					addMatVecT(wIn[layer], u, dHidden[layer-1][t*n.rnnSize:(t+1)*n.rnnSize])
				} else {
					// Through the encoder: relu' gates on the activation.
					dEnc := make([]float32, n.encoderDim)
					addMatVecT(wIn[0], u, dEnc)
					e := encoded[t*n.encoderDim : (t+1)*n.encoderDim]
					for ii := range dEnc {
						if e[ii] <= 0 {
							dEnc[ii] = 0
						}
					}
					for f := 0; f < n.featureDim; f++ {
						xCol[f] = cache.features[b*n.featureDim*cache.maxTime+f*cache.maxTime+t]
					}
					addOuter(gwEnc, dEnc, xCol)
					addVec(gbEnc, dEnc)
				}
			}
		}
	}

	accumulate := func(name string, delta []float32) {
		tensors.MutableFlatData[float32](n.grads[name], func(flat []float32) {
			for ii := range flat {
				flat[ii] += delta[ii]
			}
		})
	}
	accumulate(encoderWeights, gwEnc)
	accumulate(encoderBiases, gbEnc)
	for layer := range n.numRNNLayers {
		accumulate(rnnInputWeights(layer), gwIn[layer])
		accumulate(rnnRecurrentWeights(layer), gwRec[layer])
		accumulate(rnnBiases(layer), gbRNN[layer])
	}
	accumulate(outputWeights, gwOut)
	accumulate(outputBiases, gbOut)
	return nil
}

// matVec sets out = w·x, with w row-major (len(out), len(x)).
func matVec(w, x, out []float32) {
	inDim := len(x)
	for o := range out {
		row := w[o*inDim : (o+1)*inDim]
		var sum float32
		for ii, v := range row {
			sum += v * x[ii]
		}
		out[o] = sum
	}
}

// addMatVec adds w·x into out.
func addMatVec(w, x, out []float32) {
	inDim := len(x)
	for o := range out {
		row := w[o*inDim : (o+1)*inDim]
		var sum float32
		for ii, v := range row {
			sum += v * x[ii]
		}
		out[o] += sum
	}
}

// addMatVecT adds wᵀ·u into out, with w row-major (len(u), len(out)).
func addMatVecT(w, u, out []float32) {
	inDim := len(out)
	for o, uo := range u {
		if uo == 0 {
			continue
		}
		row := w[o*inDim : (o+1)*inDim]
		for ii, v := range row {
			out[ii] += uo * v
		}
	}
}

// addOuter adds u⊗x into gw, row-major (len(u), len(x)).
func addOuter(gw, u, x []float32) {
	inDim := len(x)
	for o, uo := range u {
		if uo == 0 {
			continue
		}
		row := gw[o*inDim : (o+1)*inDim]
		for ii, xi := range x {
			row[ii] += uo * xi
		}
	}
}

func addVec(dst, src []float32) {
	for ii, v := range src {
		dst[ii] += v
	}
}
