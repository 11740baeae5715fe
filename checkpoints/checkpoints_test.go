// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/params"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDicts() (model, optimizer params.Dict) {
	model = params.Dict{
		"encoder/weights": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		"encoder/biases":  tensors.FromFlatDataAndDimensions([]float32{-1, 0.5}, 2),
	}
	optimizer = params.Dict{
		"m/encoder/weights": tensors.FromFlatDataAndDimensions(make([]float32, 6), 2, 3),
		"step":              tensors.FromFlatDataAndDimensions([]int64{17}, 1),
	}
	return
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr := New(t.TempDir(), "standard")
	model, optimizer := testDicts()
	require.NoError(t, mgr.Save(5, model, optimizer))

	gotModel, gotOptimizer, err := Load(mgr.Dir(5))
	require.NoError(t, err)
	for name, want := range model {
		require.Contains(t, gotModel, name)
		assert.True(t, want.Equal(gotModel[name]), "parameter %q must round-trip bit-identically", name)
	}
	for name, want := range optimizer {
		require.Contains(t, gotOptimizer, name)
		assert.True(t, want.Equal(gotOptimizer[name]), "state %q must round-trip bit-identically", name)
	}
}

func TestRetentionWindow(t *testing.T) {
	root := t.TempDir()
	mgr := New(root, "light")
	model, optimizer := testDicts()
	for epoch := 1; epoch <= 6; epoch++ {
		require.NoError(t, mgr.Save(epoch, model, optimizer))
	}
	entries, err := os.ReadDir(filepath.Join(root, "light"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"epoch_4", "epoch_5", "epoch_6"}, names)
}

func TestLoadMissingBlob(t *testing.T) {
	mgr := New(t.TempDir(), "standard")
	model, optimizer := testDicts()
	require.NoError(t, mgr.Save(2, model, optimizer))
	require.NoError(t, os.Remove(filepath.Join(mgr.Dir(2), OptimizerStateFile)))

	_, _, err := Load(mgr.Dir(2))
	assert.True(t, errors.Is(err, ErrMissingCheckpoint))

	_, _, err = Load(filepath.Join(mgr.Dir(2), "no_such_dir"))
	assert.True(t, errors.Is(err, ErrMissingCheckpoint))
}

func TestEpochFromPath(t *testing.T) {
	for _, test := range []struct {
		path string
		want int
	}{
		{"models/standard/epoch_37", 37},
		{"models/standard/epoch_0/", 0},
		{"/abs/path/epoch_120", 120},
	} {
		got, err := EpochFromPath(test.path)
		require.NoError(t, err, test.path)
		assert.Equal(t, test.want, got, test.path)
	}

	_, err := EpochFromPath("models/standard/best")
	assert.Error(t, err)
}
