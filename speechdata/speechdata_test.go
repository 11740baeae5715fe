// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, entries []ManifestEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = fmt.Fprintf(f, "%s\n", line)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return path
}

func TestReadManifestDurationFilter(t *testing.T) {
	path := writeManifest(t, []ManifestEntry{
		{AudioPath: "a", Duration: 0.2, Text: "too short"},
		{AudioPath: "b", Duration: 1.5, Text: "ok"},
		{AudioPath: "c", Duration: 30, Text: "too long"},
		{AudioPath: "d", Duration: 19.9, Text: "ok"},
	})
	entries, err := ReadManifest(path, 0.5, 20)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].AudioPath)
	assert.Equal(t, "d", entries[1].AudioPath)

	// maxDuration <= 0 disables the upper bound.
	entries, err = ReadManifest(path, 0.5, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestCollatePadding(t *testing.T) {
	s1 := Sample{
		Features: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		LabelIDs: []int{1, 2},
	}
	s2 := Sample{
		Features: tensors.FromFlatDataAndDimensions([]float32{7, 8}, 2, 1),
		LabelIDs: []int{3},
	}
	batch, err := Collate([]Sample{s1, s2})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, batch.Features.Shape().Dimensions)
	assert.Equal(t, []int{3, 1}, batch.InputLengths)
	assert.Equal(t, []int{2, 1}, batch.LabelLengths)

	flat := tensors.CopyFlatData[float32](batch.Features)
	// Sample 2 keeps its single frame and is zero-padded after.
	assert.Equal(t, []float32{7, 0, 0, 8, 0, 0}, flat[6:])

	labels := tensors.CopyFlatData[int32](batch.Labels)
	assert.Equal(t, []int32{1, 2, 3, int32(vocab.BlankID)}, labels)
	assert.Equal(t, [][]int{{1, 2}, {3}}, batch.LabelSeqs())
}

func TestCollateValidation(t *testing.T) {
	_, err := Collate(nil)
	assert.Error(t, err)

	mismatched := []Sample{
		{Features: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2, 1)},
		{Features: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3, 1)},
	}
	_, err = Collate(mismatched)
	assert.Error(t, err, "feature dims must agree")
}

func TestNormalizer(t *testing.T) {
	mean := tensors.FromFlatDataAndDimensions([]float32{1, -2}, 2)
	std := tensors.FromFlatDataAndDimensions([]float32{2, 0.5}, 2)
	n, err := NewNormalizer(mean, std)
	require.NoError(t, err)

	features := tensors.FromFlatDataAndDimensions([]float32{3, 5, -1, 0}, 2, 2)
	require.NoError(t, n.Normalize(features))
	assert.Equal(t, []float32{1, 2, 2, 4}, tensors.CopyFlatData[float32](features))

	// Round-trip through disk.
	path := filepath.Join(t.TempDir(), "mean_std.gob")
	require.NoError(t, SaveNormalizer(path, n))
	loaded, err := LoadNormalizer(path)
	require.NoError(t, err)
	assert.True(t, n.Mean().Equal(loaded.Mean()))
	assert.True(t, n.Std().Equal(loaded.Std()))

	_, err = NewNormalizer(mean, tensors.FromFlatDataAndDimensions([]float32{1, 0}, 2))
	assert.Error(t, err, "zero std must be rejected")
}

// gridFeaturizer synthesizes deterministic features so dataset tests need no
// files on disk: entry "utt_N" gets N frames.
type gridFeaturizer struct{ featureDim int }

func (g gridFeaturizer) FeatureDim() int { return g.featureDim }

func (g gridFeaturizer) Extract(entry ManifestEntry) (*tensors.Tensor, error) {
	var n int
	if _, err := fmt.Sscanf(entry.AudioPath, "utt_%d", &n); err != nil {
		return nil, err
	}
	flat := make([]float32, g.featureDim*n)
	for i := range flat {
		flat[i] = float32(n)
	}
	return tensors.FromFlatDataAndDimensions(flat, g.featureDim, n), nil
}

func testVocabulary(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	voc, err := vocab.New([]string{"a", "b", "c"})
	require.NoError(t, err)
	return voc
}

func TestDatasetFirstEpochSortedByDuration(t *testing.T) {
	path := writeManifest(t, []ManifestEntry{
		{AudioPath: "utt_5", Duration: 5, Text: "c"},
		{AudioPath: "utt_2", Duration: 2, Text: "a"},
		{AudioPath: "utt_9", Duration: 9, Text: "b"},
		{AudioPath: "utt_4", Duration: 4, Text: "ab"},
	})
	ds, err := FromManifest(path).
		Vocabulary(testVocabulary(t)).
		Featurizer(gridFeaturizer{featureDim: 3}).
		BatchSize(2).
		Done()
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumBatches())

	batch, err := ds.Yield()
	require.NoError(t, err)
	// Shortest utterances first: utt_2 then utt_4.
	assert.Equal(t, []int{2, 4}, batch.InputLengths)

	batch, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{5, 9}, batch.InputLengths)

	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// A reset starts a new epoch with the same number of batches.
	ds.Reset()
	assert.Equal(t, 2, ds.NumBatches())
	seen := 0
	for {
		if _, err := ds.Yield(); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		seen++
	}
	assert.Equal(t, 2, seen)
}

func TestDatasetSharding(t *testing.T) {
	var entries []ManifestEntry
	for i := 1; i <= 8; i++ {
		entries = append(entries, ManifestEntry{
			AudioPath: fmt.Sprintf("utt_%d", i),
			Duration:  float64(i),
			Text:      "a",
		})
	}
	path := writeManifest(t, entries)
	build := func(rank int) *ManifestDataset {
		ds, err := FromManifest(path).
			Vocabulary(testVocabulary(t)).
			Featurizer(gridFeaturizer{featureDim: 2}).
			BatchSize(2).
			DurationRange(0, 100).
			Shard(rank, 2).
			Done()
		require.NoError(t, err)
		return ds
	}
	ds0, ds1 := build(0), build(1)
	assert.Equal(t, 2, ds0.NumBatches())
	assert.Equal(t, 2, ds1.NumBatches())

	lengths := func(ds *ManifestDataset) (all []int) {
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				return
			}
			require.NoError(t, err)
			all = append(all, batch.InputLengths...)
		}
	}
	// First epoch is duration-sorted, so the split is deterministic:
	// rank 0 takes batches 0 and 2, rank 1 takes batches 1 and 3.
	assert.Equal(t, []int{1, 2, 5, 6}, lengths(ds0))
	assert.Equal(t, []int{3, 4, 7, 8}, lengths(ds1))
}

func TestPrefetchDeliversEverything(t *testing.T) {
	var entries []ManifestEntry
	for i := 1; i <= 10; i++ {
		entries = append(entries, ManifestEntry{
			AudioPath: fmt.Sprintf("utt_%d", i),
			Duration:  float64(i),
			Text:      "abc",
		})
	}
	path := writeManifest(t, entries)
	ds, err := FromManifest(path).
		Vocabulary(testVocabulary(t)).
		Featurizer(gridFeaturizer{featureDim: 2}).
		BatchSize(3).
		DurationRange(0, 100).
		Done()
	require.NoError(t, err)

	pre := CustomPrefetch(ds, 3, 2)
	defer pre.Cancel()
	var all []int
	for {
		batch, err := pre.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		all = append(all, batch.InputLengths...)
	}
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, all)

	pre.Reset()
	batch, err := pre.Yield()
	require.NoError(t, err)
	assert.NotNil(t, batch)
}

func TestLoadAugmentationConfig(t *testing.T) {
	cfg, err := LoadAugmentationConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg)

	cfg, err = LoadAugmentationConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err, "a missing file means no augmentation")
	assert.Empty(t, cfg)

	path := filepath.Join(t.TempDir(), "augment.json")
	require.NoError(t, os.WriteFile(path, []byte(
		`[{"type": "spec_augment", "prob": 0.5, "params": {"freq_mask_width": 10}},
		  {"type": "bogus", "prob": 1.0}]`), 0o644))
	cfg, err = LoadAugmentationConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg, 2)
	assert.Equal(t, "spec_augment", cfg[0].Type)
	assert.Equal(t, 0.5, cfg[0].Prob)

	stages := buildAugmentors(cfg)
	assert.Len(t, stages, 1, "unknown stage types are dropped")
	assert.Equal(t, 10, stages[0].spec.FreqMaskWidth)
	assert.Equal(t, 25, stages[0].spec.TimeMaskWidth, "unset parameters keep defaults")
}
