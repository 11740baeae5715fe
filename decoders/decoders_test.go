// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoders

import (
	"testing"

	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVocab(t *testing.T, tokens ...string) *vocab.Vocabulary {
	v, err := vocab.New(tokens)
	require.NoError(t, err)
	return v
}

// oneHot builds a (time, vocabSize) probability matrix from a class sequence.
func oneHot(classes []int, vocabSize int) [][]float32 {
	probs := make([][]float32, len(classes))
	for t, class := range classes {
		probs[t] = make([]float32, vocabSize)
		probs[t][class] = 1
	}
	return probs
}

func TestGreedyCollapse(t *testing.T) {
	voc := mustVocab(t, "a", "b") // {blank:0, a:1, b:2}
	dec, err := New(Greedy, DefaultConfig())
	require.NoError(t, err)

	// [a, a, blank, b, b, b] collapses to "ab".
	probs := oneHot([]int{1, 1, 0, 2, 2, 2}, voc.Size())
	results, err := dec.DecodeBatch([][][]float32{probs}, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab"}, results)
}

func TestGreedyRoundTrip(t *testing.T) {
	voc := mustVocab(t, "a", "b", "c")
	dec, err := New(Greedy, DefaultConfig())
	require.NoError(t, err)

	// decode(encode(tokens)) == tokens on a noiseless one-hot input, with
	// blanks separating repeated symbols.
	labels := voc.EncodeText("abca")
	var classes []int
	prev := -1
	for _, id := range labels {
		if id == prev {
			classes = append(classes, vocab.BlankID)
		}
		classes = append(classes, id)
		prev = id
	}
	results, err := dec.DecodeBatch([][][]float32{oneHot(classes, voc.Size())}, voc)
	require.NoError(t, err)
	assert.Equal(t, "abca", results[0])
}

func TestGreedyBatchOrder(t *testing.T) {
	voc := mustVocab(t, "a", "b")
	dec, err := New(Greedy, DefaultConfig())
	require.NoError(t, err)

	batch := [][][]float32{
		oneHot([]int{1, 0, 1}, voc.Size()),
		oneHot([]int{2}, voc.Size()),
		{}, // no frames decodes to the empty string
	}
	results, err := dec.DecodeBatch(batch, voc)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa", "b", ""}, results)
}

func TestNewErrors(t *testing.T) {
	// Beam search is known but not compiled into this test binary.
	_, err := New(BeamSearch, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecoderUnavailable))

	_, err = New("viterbi", DefaultConfig())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDecoderUnavailable))
}
