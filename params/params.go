// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params defines Dict, the named collection of tensors used to hold
// model parameters and optimizer state, and its on-disk blob format.
//
// A blob is a single file: a gob stream with a format version, the number of
// entries, and then (name, tensor) pairs in lexicographic name order. Model
// parameters and optimizer state are each stored as one blob.
package params

import (
	"encoding/gob"
	"os"
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Dict maps a parameter name to its tensor value.
type Dict map[string]*tensors.Tensor

// blobFormatVersion is bumped if the serialization layout ever changes.
const blobFormatVersion = 1

// Names returns the parameter names in lexicographic order.
func (d Dict) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the Dict: tensor values are copied, not shared.
func (d Dict) Clone() Dict {
	clone := make(Dict, len(d))
	for name, t := range d {
		clone[name] = t.LocalClone()
	}
	return clone
}

// Save writes the Dict as a single blob file at filePath.
func Save(filePath string, d Dict) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating parameters blob %q", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(blobFormatVersion); err != nil {
		return errors.Wrapf(err, "writing parameters blob %q", filePath)
	}
	if err = enc.Encode(len(d)); err != nil {
		return errors.Wrapf(err, "writing parameters blob %q", filePath)
	}
	for _, name := range d.Names() {
		if err = enc.Encode(name); err != nil {
			return errors.Wrapf(err, "writing parameter name %q to %q", name, filePath)
		}
		if err = d[name].GobSerialize(enc); err != nil {
			return errors.Wrapf(err, "writing parameter %q to %q", name, filePath)
		}
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing parameters blob %q", filePath)
	}
	return nil
}

// Load reads a Dict from the blob file at filePath.
func Load(filePath string) (Dict, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening parameters blob %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var version int
	if err = dec.Decode(&version); err != nil {
		return nil, errors.Wrapf(err, "reading parameters blob %q", filePath)
	}
	if version != blobFormatVersion {
		return nil, errors.Errorf("parameters blob %q has unsupported format version %d", filePath, version)
	}
	var count int
	if err = dec.Decode(&count); err != nil {
		return nil, errors.Wrapf(err, "reading parameters blob %q", filePath)
	}
	d := make(Dict, count)
	for ii := 0; ii < count; ii++ {
		var name string
		if err = dec.Decode(&name); err != nil {
			return nil, errors.Wrapf(err, "reading parameter name #%d from %q", ii, filePath)
		}
		t, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(err, "reading parameter %q from %q", name, filePath)
		}
		d[name] = t
	}
	return d, nil
}
