// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decoders

import (
	"strings"

	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
)

func init() {
	Register(Greedy, func(_ Config) (Decoder, error) {
		return greedyDecoder{}, nil
	})
}

// greedyDecoder implements best-path CTC decoding: argmax class per timestep,
// collapse consecutive duplicates, drop blanks. Deterministic and stateless.
type greedyDecoder struct{}

func (greedyDecoder) Name() string { return Greedy }

func (greedyDecoder) DecodeBatch(probs [][][]float32, voc *vocab.Vocabulary) ([]string, error) {
	results := make([]string, len(probs))
	for sampleIdx, sample := range probs {
		text, err := greedyDecode(sample, voc)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding sample #%d", sampleIdx)
		}
		results[sampleIdx] = text
	}
	return results, nil
}

func greedyDecode(probs [][]float32, voc *vocab.Vocabulary) (string, error) {
	var sb strings.Builder
	prevClass := -1
	for t, frame := range probs {
		if len(frame) != voc.Size() {
			return "", errors.Errorf("timestep %d has %d classes, vocabulary has %d", t, len(frame), voc.Size())
		}
		best := 0
		for class := 1; class < len(frame); class++ {
			if frame[class] > frame[best] {
				best = class
			}
		}
		if best != prevClass && best != vocab.BlankID {
			token, err := voc.Token(best)
			if err != nil {
				return "", err
			}
			sb.WriteString(token)
		}
		prevClass = best
	}
	return sb.String(), nil
}
