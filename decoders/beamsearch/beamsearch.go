// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package beamsearch implements CTC prefix beam search decoding.
//
// Importing the package registers the "ctc_beam_search" backend with the
// decoders registry:
//
//	import _ "github.com/gomlx/gospeech/decoders/beamsearch"
//
// Each partial hypothesis is scored by
//
//	log P(tokens) + alpha*log P_lm(tokens) + beta*wordCount
//
// where the language model term is present only when a decoders.LanguageModel
// is configured. Per timestep, extension candidates are pruned to the classes
// whose cumulative probability mass stays within CutoffProb and whose rank is
// within CutoffTopN. Samples of a batch are decoded in parallel by a bounded
// pool of NumProcesses workers.
package beamsearch

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/gospeech/decoders"
	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
)

func init() {
	decoders.Register(decoders.BeamSearch, New)
}

// New builds a beam search decoder from the given configuration.
func New(config decoders.Config) (decoders.Decoder, error) {
	if config.BeamSize < 1 {
		return nil, errors.Errorf("beam search requires BeamSize >= 1, got %d", config.BeamSize)
	}
	if config.CutoffProb <= 0 || config.CutoffProb > 1 {
		return nil, errors.Errorf("beam search requires CutoffProb in (0, 1], got %g", config.CutoffProb)
	}
	if config.CutoffTopN < 1 {
		return nil, errors.Errorf("beam search requires CutoffTopN >= 1, got %d", config.CutoffTopN)
	}
	if config.NumProcesses < 1 {
		config.NumProcesses = 1
	}
	return &beamSearchDecoder{config: config}, nil
}

type beamSearchDecoder struct {
	config decoders.Config
}

func (d *beamSearchDecoder) Name() string { return decoders.BeamSearch }

func (d *beamSearchDecoder) DecodeBatch(probs [][][]float32, voc *vocab.Vocabulary) ([]string, error) {
	results := make([]string, len(probs))
	numWorkers := min(d.config.NumProcesses, len(probs))
	if numWorkers == 0 {
		return results, nil
	}

	sampleIndices := make(chan int)
	var wg sync.WaitGroup
	var muErr sync.Mutex
	var firstErr error
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range sampleIndices {
				text, err := d.decodeSample(probs[idx], voc)
				if err != nil {
					muErr.Lock()
					if firstErr == nil {
						firstErr = errors.WithMessagef(err, "decoding sample #%d", idx)
					}
					muErr.Unlock()
					continue
				}
				results[idx] = text
			}
		}()
	}
	for idx := range probs {
		sampleIndices <- idx
	}
	close(sampleIndices)
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// beam is one partial hypothesis: the decoded token ids plus the log
// probabilities of all CTC paths mapping to it, split by whether the path
// ends in blank.
type beam struct {
	ids     []int
	pBlank  float64
	pToken  float64
	lmScore float64
}

func (b *beam) logProb() float64 { return logAdd(b.pBlank, b.pToken) }

func (d *beamSearchDecoder) score(b *beam) float64 {
	s := b.logProb() + d.config.Beta*float64(len(b.ids))
	if d.config.LM != nil {
		s += d.config.Alpha * b.lmScore
	}
	return s
}

func (d *beamSearchDecoder) decodeSample(probs [][]float32, voc *vocab.Vocabulary) (string, error) {
	beams := map[string]*beam{"": {pBlank: 0, pToken: negInf}}
	for t, frame := range probs {
		if len(frame) != voc.Size() {
			return "", errors.Errorf("timestep %d has %d classes, vocabulary has %d", t, len(frame), voc.Size())
		}
		candidates := d.pruneClasses(frame)
		next := make(map[string]*beam, len(beams)*len(candidates))
		for _, b := range beams {
			pTotal := b.logProb()
			for _, class := range candidates {
				logP := math.Log(float64(frame[class]))
				if class == vocab.BlankID {
					nb := d.lookup(next, b.ids, voc)
					nb.pBlank = logAdd(nb.pBlank, pTotal+logP)
					continue
				}
				if len(b.ids) > 0 && class == b.ids[len(b.ids)-1] {
					// Repeated symbol: without an intervening blank it
					// collapses into the same prefix.
					nb := d.lookup(next, b.ids, voc)
					nb.pToken = logAdd(nb.pToken, b.pToken+logP)
					extended := d.lookup(next, append(b.ids[:len(b.ids):len(b.ids)], class), voc)
					extended.pToken = logAdd(extended.pToken, b.pBlank+logP)
					continue
				}
				extended := d.lookup(next, append(b.ids[:len(b.ids):len(b.ids)], class), voc)
				extended.pToken = logAdd(extended.pToken, pTotal+logP)
			}
		}
		beams = d.prune(next)
	}

	var best *beam
	for _, b := range beams {
		if best == nil || d.score(b) > d.score(best) {
			best = b
		}
	}
	if best == nil {
		return "", nil
	}
	var sb strings.Builder
	for _, id := range best.ids {
		token, err := voc.Token(id)
		if err != nil {
			return "", err
		}
		sb.WriteString(token)
	}
	return sb.String(), nil
}

// lookup finds or creates the beam for the given prefix in the next-step set.
func (d *beamSearchDecoder) lookup(next map[string]*beam, ids []int, voc *vocab.Vocabulary) *beam {
	key := prefixKey(ids)
	if b, found := next[key]; found {
		return b
	}
	b := &beam{ids: ids, pBlank: negInf, pToken: negInf}
	if d.config.LM != nil {
		tokens := make([]string, len(ids))
		for ii, id := range ids {
			tokens[ii], _ = voc.Token(id)
		}
		b.lmScore = d.config.LM.Score(tokens)
	}
	next[key] = b
	return b
}

// pruneClasses returns the classes to consider at one timestep: sorted by
// descending probability, truncated at CutoffTopN and at the CutoffProb
// cumulative mass. At least one class is always kept.
func (d *beamSearchDecoder) pruneClasses(frame []float32) []int {
	classes := make([]int, len(frame))
	for ii := range classes {
		classes[ii] = ii
	}
	sort.Slice(classes, func(i, j int) bool { return frame[classes[i]] > frame[classes[j]] })
	if len(classes) > d.config.CutoffTopN {
		classes = classes[:d.config.CutoffTopN]
	}
	if d.config.CutoffProb < 1 {
		cumulative := 0.0
		for ii, class := range classes {
			cumulative += float64(frame[class])
			if cumulative >= d.config.CutoffProb {
				classes = classes[:ii+1]
				break
			}
		}
	}
	return classes
}

// prune keeps the BeamSize best hypotheses.
func (d *beamSearchDecoder) prune(next map[string]*beam) map[string]*beam {
	if len(next) <= d.config.BeamSize {
		return next
	}
	all := make([]*beam, 0, len(next))
	for _, b := range next {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return d.score(all[i]) > d.score(all[j]) })
	pruned := make(map[string]*beam, d.config.BeamSize)
	for _, b := range all[:d.config.BeamSize] {
		pruned[prefixKey(b.ids)] = b
	}
	return pruned
}

func prefixKey(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteRune(rune(id + 1)) // +1 keeps the key free of NUL runes
	}
	return sb.String()
}

var negInf = math.Inf(-1)

// logAdd returns log(exp(a) + exp(b)) without overflow.
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
