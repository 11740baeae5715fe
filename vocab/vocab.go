// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vocab implements the token vocabulary shared by featurization,
// training labels and decoding.
//
// The vocabulary is an ordered sequence of tokens: the order defines the
// token↔index mapping used everywhere, and index 0 is reserved for the CTC
// blank symbol. The on-disk format is one `token<TAB>count` line per token,
// with the first line reserved for the blank symbol with count -1.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// BlankToken is the reserved CTC blank symbol.
	BlankToken = "<blank>"

	// BlankID is the index of the blank symbol. It is always 0.
	BlankID = 0
)

// Vocabulary is a bijective, stable token↔index mapping with the blank
// symbol at index 0.
type Vocabulary struct {
	tokens []string
	ids    map[string]int
}

// New creates a Vocabulary from the given tokens, in order. The blank symbol
// is prepended at index 0 -- tokens must not include it. Duplicate tokens are
// an error, since the mapping must be bijective.
func New(tokens []string) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens: make([]string, 0, len(tokens)+1),
		ids:    make(map[string]int, len(tokens)+1),
	}
	v.tokens = append(v.tokens, BlankToken)
	v.ids[BlankToken] = BlankID
	for _, token := range tokens {
		if _, found := v.ids[token]; found {
			return nil, errors.Errorf("vocabulary token %q appears more than once", token)
		}
		v.ids[token] = len(v.tokens)
		v.tokens = append(v.tokens, token)
	}
	return v, nil
}

// Load reads a vocabulary file: lines of `token<TAB>count`, the first line
// being the blank symbol with count -1.
func Load(filePath string) (*Vocabulary, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening vocabulary file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var tokens []string
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNum++
		if line == "" {
			continue
		}
		token, countStr, found := strings.Cut(line, "\t")
		if !found {
			return nil, errors.Errorf("vocabulary file %q line %d: missing tab separator", filePath, lineNum)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return nil, errors.Wrapf(err, "vocabulary file %q line %d: invalid count", filePath, lineNum)
		}
		if len(tokens) == 0 {
			if token != BlankToken || count != -1 {
				return nil, errors.Errorf("vocabulary file %q: first line must be %q with count -1, got %q with count %d",
					filePath, BlankToken, token, count)
			}
			tokens = append(tokens, token)
			continue
		}
		tokens = append(tokens, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading vocabulary file %q", filePath)
	}
	if len(tokens) == 0 {
		return nil, errors.Errorf("vocabulary file %q is empty", filePath)
	}
	return New(tokens[1:])
}

// Save writes the vocabulary in the `token<TAB>count` format. Counts other
// than the blank's -1 are not preserved by Vocabulary, so they are written
// as 0.
func (v *Vocabulary) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating vocabulary file %q", filePath)
	}
	w := bufio.NewWriter(f)
	for id, token := range v.tokens {
		count := 0
		if id == BlankID {
			count = -1
		}
		if _, err = fmt.Fprintf(w, "%s\t%d\n", token, count); err != nil {
			return errors.Wrapf(err, "writing vocabulary file %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		return errors.Wrapf(err, "writing vocabulary file %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing vocabulary file %q", filePath)
}

// Size returns the number of tokens, including the blank symbol.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// Token returns the token at the given index.
func (v *Vocabulary) Token(id int) (string, error) {
	if id < 0 || id >= len(v.tokens) {
		return "", errors.Errorf("token id %d out of range [0, %d)", id, len(v.tokens))
	}
	return v.tokens[id], nil
}

// ID returns the index of the given token, and whether it is in the
// vocabulary.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, found := v.ids[token]
	return id, found
}

// Tokens returns the tokens in index order. The caller must not modify the
// returned slice.
func (v *Vocabulary) Tokens() []string { return v.tokens }

// EncodeText converts a transcript to label token ids, one per rune.
// Runes not in the vocabulary are skipped.
func (v *Vocabulary) EncodeText(text string) []int {
	var labels []int
	for _, r := range text {
		if id, found := v.ids[string(r)]; found {
			labels = append(labels, id)
		}
	}
	return labels
}

// DecodeIDs converts label token ids back to a string, skipping blanks.
func (v *Vocabulary) DecodeIDs(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == BlankID || id < 0 || id >= len(v.tokens) {
			continue
		}
		sb.WriteString(v.tokens[id])
	}
	return sb.String()
}
