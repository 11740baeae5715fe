// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"testing"

	"github.com/gomlx/gospeech/decoders"
	"github.com/gomlx/gospeech/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVocab(t *testing.T, tokens ...string) *vocab.Vocabulary {
	v, err := vocab.New(tokens)
	require.NoError(t, err)
	return v
}

func newDecoder(t *testing.T, config decoders.Config) decoders.Decoder {
	dec, err := decoders.New(decoders.BeamSearch, config)
	require.NoError(t, err)
	return dec
}

func TestRegistered(t *testing.T) {
	// Importing this package makes the backend available through the registry.
	dec := newDecoder(t, decoders.DefaultConfig())
	assert.Equal(t, decoders.BeamSearch, dec.Name())
}

func TestPeakedDistribution(t *testing.T) {
	voc := mustVocab(t, "a", "b") // {blank:0, a:1, b:2}
	dec := newDecoder(t, decoders.DefaultConfig())

	// On a sharply peaked distribution beam search agrees with greedy
	// collapsing: [a, a, blank, b] -> "ab".
	peak := func(class int) []float32 {
		frame := []float32{0.01, 0.01, 0.01}
		frame[class] = 0.98
		return frame
	}
	probs := [][]float32{peak(1), peak(1), peak(0), peak(2)}
	results, err := dec.DecodeBatch([][][]float32{probs}, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab"}, results)
}

func TestSumsOverPaths(t *testing.T) {
	voc := mustVocab(t, "a")
	config := decoders.DefaultConfig()
	config.Beta = 0 // score by path probability only
	dec := newDecoder(t, config)

	// Blank is the argmax of every frame, so best-path decoding yields "".
	// But the paths (a,a), (a,blank) and (blank,a) all collapse to "a" and
	// together outweigh it: P("a") = 0.16+0.24+0.24 = 0.64 > P("") = 0.36.
	frame := []float32{0.6, 0.4}
	probs := [][]float32{frame, frame}
	results, err := dec.DecodeBatch([][][]float32{probs}, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, results, "beam search must sum probabilities over collapsing paths")
}

func TestBatchOrderAndParallelism(t *testing.T) {
	voc := mustVocab(t, "a", "b")
	config := decoders.DefaultConfig()
	config.NumProcesses = 3
	dec := newDecoder(t, config)

	peak := func(class int) []float32 {
		frame := []float32{0.01, 0.01, 0.01}
		frame[class] = 0.98
		return frame
	}
	batch := [][][]float32{
		{peak(1)},
		{peak(2)},
		{peak(1), peak(0), peak(1)},
		{peak(0)},
	}
	results, err := dec.DecodeBatch(batch, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "aa", ""}, results)
}

// unigramLM penalizes every token equally, favoring shorter hypotheses.
type unigramLM struct{ perToken float64 }

func (lm unigramLM) Score(tokens []string) float64 { return lm.perToken * float64(len(tokens)) }

func TestLanguageModelBias(t *testing.T) {
	voc := mustVocab(t, "a", "b")

	// Ambiguous frames: "a" then a near-tie between a-repeat and "b".
	probs := [][]float32{
		{0.02, 0.96, 0.02},
		{0.30, 0.02, 0.68},
	}

	config := decoders.DefaultConfig()
	config.Beta = 0
	dec := newDecoder(t, config)
	results, err := dec.DecodeBatch([][][]float32{probs}, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab"}, results)

	// A strong length penalty from the LM flips the decision to the shorter
	// hypothesis "a".
	config.LM = unigramLM{perToken: -5}
	config.Alpha = 1.0
	dec = newDecoder(t, config)
	results, err = dec.DecodeBatch([][][]float32{probs}, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, results)
}

func TestConfigValidation(t *testing.T) {
	config := decoders.DefaultConfig()
	config.BeamSize = 0
	_, err := New(config)
	assert.Error(t, err)

	config = decoders.DefaultConfig()
	config.CutoffProb = 0
	_, err = New(config)
	assert.Error(t, err)

	config = decoders.DefaultConfig()
	config.CutoffTopN = 0
	_, err = New(config)
	assert.Error(t, err)
}
