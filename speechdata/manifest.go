// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package speechdata loads speech manifests and turns utterances into padded
// training batches: features, transcripts encoded as token ids, and the
// per-sample lengths the acoustic model and the CTC loss need.
package speechdata

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ManifestEntry is one utterance in a JSON-lines manifest file.
type ManifestEntry struct {
	AudioPath string  `json:"audio_filepath"`
	Duration  float64 `json:"duration"`
	Text      string  `json:"text"`
}

// ReadManifest parses a JSON-lines manifest, keeping only utterances whose
// duration falls within [minDuration, maxDuration]. maxDuration <= 0 means
// no upper limit.
func ReadManifest(path string, minDuration, maxDuration float64) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %q", path)
	}
	defer func() { _ = f.Close() }()

	var entries []ManifestEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry ManifestEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, errors.Wrapf(err, "manifest %q line %d", path, lineNum)
		}
		if entry.Duration < minDuration {
			continue
		}
		if maxDuration > 0 && entry.Duration > maxDuration {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading manifest %q", path)
	}
	return entries, nil
}
