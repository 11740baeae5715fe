// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scalars records named scalar series (loss, error rates, learning
// rate) as JSON lines, one point per line, for plotting after a run.
package scalars

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Point is one recorded value of a series.
type Point struct {
	Series string  `json:"series"`
	Step   int     `json:"step"`
	Value  float64 `json:"value"`
	Time   int64   `json:"time_unix_ms"`
}

// Writer appends scalar points to a JSON-lines file. A nil *Writer is valid
// and records nothing, so non-primary ranks can share the recording code.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	enc   *json.Encoder
	steps map[string]int
}

// NewWriter creates (or appends to) a scalar log file, creating parent
// directories as needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %q", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening scalar log %q", path)
	}
	return &Writer{f: f, enc: json.NewEncoder(f), steps: make(map[string]int)}, nil
}

// Add records value as the next step of the series.
func (w *Writer) Add(series string, value float64) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	step := w.steps[series]
	w.steps[series] = step + 1
	return w.writeLocked(series, step, value)
}

// AddAt records value at an explicit step, also advancing the automatic
// counter past it.
func (w *Writer) AddAt(series string, step int, value float64) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if step >= w.steps[series] {
		w.steps[series] = step + 1
	}
	return w.writeLocked(series, step, value)
}

func (w *Writer) writeLocked(series string, step int, value float64) error {
	point := Point{Series: series, Step: step, Value: value, Time: time.Now().UnixMilli()}
	return errors.Wrapf(w.enc.Encode(point), "recording scalar %q", series)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrap(w.f.Close(), "closing scalar log")
}

// Read loads every point of a scalar log, in file order.
func Read(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening scalar log %q", path)
	}
	defer func() { _ = f.Close() }()
	var points []Point
	dec := json.NewDecoder(f)
	for dec.More() {
		var p Point
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrapf(err, "parsing scalar log %q", path)
		}
		points = append(points, p)
	}
	return points, nil
}
