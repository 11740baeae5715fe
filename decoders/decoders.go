// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decoders converts per-timestep class probabilities produced by an
// acoustic model into text.
//
// Decoding strategies are registered by name, following the same pattern used
// for computation backends: the greedy CTC decoder is always available, while
// optional backends register themselves at init time when their package is
// imported. For example:
//
//	import _ "github.com/gomlx/gospeech/decoders/beamsearch"
//
// Requesting a known backend that was not compiled in returns
// ErrDecoderUnavailable -- a capability error the caller can check at startup,
// before any data is loaded.
package decoders

import (
	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
)

// Names of the decoding strategies.
const (
	// Greedy is best-path decoding: argmax per timestep plus CTC collapsing.
	Greedy = "ctc_greedy"

	// BeamSearch is CTC prefix beam search. Available only if the
	// decoders/beamsearch package is imported.
	BeamSearch = "ctc_beam_search"
)

// ErrDecoderUnavailable is returned by New when a known decoding backend was
// not compiled into the binary.
var ErrDecoderUnavailable = errors.New("decoder backend unavailable")

// LanguageModel scores token sequences for beam search. It returns the log
// probability of the sequence under the language model. Implementations are
// external to this package.
type LanguageModel interface {
	Score(tokens []string) float64
}

// Config carries the decoding hyperparameters. Strategies ignore the fields
// they do not use; greedy decoding uses none.
type Config struct {
	// Alpha is the language-model weight in the beam score.
	Alpha float64

	// Beta is the word-count bonus weight in the beam score.
	Beta float64

	// BeamSize is the number of partial hypotheses kept per sample.
	BeamSize int

	// CutoffProb prunes extension candidates once their cumulative
	// probability mass exceeds it. 1.0 disables the cutoff.
	CutoffProb float64

	// CutoffTopN caps the number of extension candidates per timestep.
	CutoffTopN int

	// NumProcesses is the number of parallel workers decoding a batch.
	NumProcesses int

	// LM is the optional language model; nil disables LM scoring.
	LM LanguageModel
}

// DefaultConfig returns the decoding hyperparameters used by default.
func DefaultConfig() Config {
	return Config{
		Alpha:        1.2,
		Beta:         0.35,
		BeamSize:     10,
		CutoffProb:   1.0,
		CutoffTopN:   40,
		NumProcesses: 8,
	}
}

// Decoder converts a batch of per-timestep class-probability matrices into
// one decoded string per batch element, in input order.
//
// Each element of probs is one sample: a (time, vocabSize) matrix of
// probabilities (softmax already applied), truncated to the sample's valid
// output length.
type Decoder interface {
	Name() string
	DecodeBatch(probs [][][]float32, voc *vocab.Vocabulary) ([]string, error)
}

// Constructor builds a Decoder from a Config.
type Constructor func(config Config) (Decoder, error)

var registeredConstructors = make(map[string]Constructor)

// Register a decoder constructor under the given name. To be safe, call
// Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registeredConstructors[name] = constructor
}

// New builds the decoder registered under name. Requesting a known but
// unregistered backend returns ErrDecoderUnavailable; an unknown name is a
// configuration error.
func New(name string, config Config) (Decoder, error) {
	constructor, found := registeredConstructors[name]
	if found {
		return constructor(config)
	}
	switch name {
	case Greedy, BeamSearch:
		return nil, errors.Wrapf(ErrDecoderUnavailable,
			"decoder %q is not compiled in -- import the package that registers it (e.g. github.com/gomlx/gospeech/decoders/beamsearch)", name)
	}
	return nil, errors.Errorf("unknown decoder %q", name)
}
