// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"io"
	"math/rand"
	"sort"
	"sync"

	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
)

// Dataset yields batches until exhausted, then io.EOF. Yield is safe for
// concurrent use so a prefetcher can drain it from several goroutines.
type Dataset interface {
	// Name identifies the dataset in logs.
	Name() string

	// Yield returns the next batch, or io.EOF when the epoch is done.
	Yield() (*Batch, error)

	// Reset rewinds the dataset for another epoch.
	Reset()

	// NumBatches returns how many batches one epoch yields.
	NumBatches() int
}

// ManifestDataset batches utterances from a manifest file. Configure it with
// the FromManifest builder.
//
// The first epoch runs in ascending duration order so early gradients come
// from short utterances; later epochs shuffle the batch order.
type ManifestDataset struct {
	name       string
	entries    []ManifestEntry
	voc        *vocab.Vocabulary
	featurizer Featurizer
	normalizer *Normalizer
	augmentors []augmentor
	batchSize  int
	rank, size int
	seed       int64

	mu      sync.Mutex
	rng     *rand.Rand
	batches [][]ManifestEntry // this rank's share, in yield order
	next    int
	epoch   int
}

// DatasetBuilder configures a ManifestDataset. Create it with FromManifest
// and finish with Done.
type DatasetBuilder struct {
	ds                       *ManifestDataset
	manifestPath             string
	minDuration, maxDuration float64
	augmentation             AugmentationConfig
	err                      error
}

// FromManifest starts building a dataset from a JSON-lines manifest.
func FromManifest(manifestPath string) *DatasetBuilder {
	return &DatasetBuilder{
		ds: &ManifestDataset{
			name:      manifestPath,
			batchSize: 32,
			size:      1,
			seed:      42,
		},
		manifestPath: manifestPath,
		minDuration:  0.5,
		maxDuration:  20,
	}
}

// Name sets the dataset name used in logs. Defaults to the manifest path.
func (b *DatasetBuilder) Name(name string) *DatasetBuilder {
	b.ds.name = name
	return b
}

// Vocabulary sets the vocabulary used to encode transcripts. Required.
func (b *DatasetBuilder) Vocabulary(voc *vocab.Vocabulary) *DatasetBuilder {
	b.ds.voc = voc
	return b
}

// Featurizer sets the feature extractor. Required.
func (b *DatasetBuilder) Featurizer(f Featurizer) *DatasetBuilder {
	b.ds.featurizer = f
	return b
}

// Normalizer sets an optional feature normalizer, applied per utterance.
func (b *DatasetBuilder) Normalizer(n *Normalizer) *DatasetBuilder {
	b.ds.normalizer = n
	return b
}

// BatchSize sets the number of utterances per batch. Defaults to 32.
func (b *DatasetBuilder) BatchSize(size int) *DatasetBuilder {
	b.ds.batchSize = size
	return b
}

// DurationRange keeps only utterances within [minDuration, maxDuration]
// seconds. Defaults to [0.5, 20].
func (b *DatasetBuilder) DurationRange(minDuration, maxDuration float64) *DatasetBuilder {
	b.minDuration, b.maxDuration = minDuration, maxDuration
	return b
}

// Augmentation sets the augmentation stages applied to training features.
func (b *DatasetBuilder) Augmentation(cfg AugmentationConfig) *DatasetBuilder {
	b.augmentation = cfg
	return b
}

// Shard restricts the dataset to this rank's share of the batches, for
// data-parallel training. Defaults to rank 0 of 1.
func (b *DatasetBuilder) Shard(rank, worldSize int) *DatasetBuilder {
	b.ds.rank, b.ds.size = rank, worldSize
	return b
}

// Seed sets the shuffling seed. Defaults to 42.
func (b *DatasetBuilder) Seed(seed int64) *DatasetBuilder {
	b.ds.seed = seed
	return b
}

// Done reads the manifest and returns the configured dataset.
func (b *DatasetBuilder) Done() (*ManifestDataset, error) {
	ds := b.ds
	if ds.voc == nil {
		return nil, errors.New("dataset requires a Vocabulary")
	}
	if ds.featurizer == nil {
		return nil, errors.New("dataset requires a Featurizer")
	}
	if ds.batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", ds.batchSize)
	}
	if ds.size < 1 || ds.rank < 0 || ds.rank >= ds.size {
		return nil, errors.Errorf("invalid shard: rank %d of %d", ds.rank, ds.size)
	}
	if ds.normalizer != nil && ds.normalizer.FeatureDim() != ds.featurizer.FeatureDim() {
		return nil, errors.Errorf("normalizer has %d coefficients, featurizer extracts %d",
			ds.normalizer.FeatureDim(), ds.featurizer.FeatureDim())
	}
	entries, err := ReadManifest(b.manifestPath, b.minDuration, b.maxDuration)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("manifest %q has no utterances within [%g, %g] seconds",
			b.manifestPath, b.minDuration, b.maxDuration)
	}
	// Ascending duration for the first epoch.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Duration < entries[j].Duration })
	ds.entries = entries
	ds.augmentors = buildAugmentors(b.augmentation)
	ds.rng = rand.New(rand.NewSource(ds.seed))
	ds.rebuild()
	return ds, nil
}

// rebuild regroups entries into this rank's batches for the current epoch.
// Callers hold mu (or the dataset is not yet shared).
func (ds *ManifestDataset) rebuild() {
	order := make([]int, len(ds.entries))
	for i := range order {
		order[i] = i
	}
	numBatches := (len(ds.entries) + ds.batchSize - 1) / ds.batchSize
	all := make([][]ManifestEntry, 0, numBatches)
	for start := 0; start < len(order); start += ds.batchSize {
		end := min(start+ds.batchSize, len(order))
		batch := make([]ManifestEntry, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, ds.entries[idx])
		}
		all = append(all, batch)
	}
	if ds.epoch > 0 {
		ds.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	}
	ds.batches = ds.batches[:0]
	for i := ds.rank; i < len(all); i += ds.size {
		ds.batches = append(ds.batches, all[i])
	}
	ds.next = 0
}

// Name implements Dataset.
func (ds *ManifestDataset) Name() string { return ds.name }

// NumBatches implements Dataset.
func (ds *ManifestDataset) NumBatches() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.batches)
}

// Reset implements Dataset: it advances to the next epoch's batch order.
func (ds *ManifestDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch++
	ds.rebuild()
}

// Yield implements Dataset. Feature extraction and augmentation happen
// outside the lock so multiple goroutines can prepare batches in parallel.
func (ds *ManifestDataset) Yield() (*Batch, error) {
	ds.mu.Lock()
	if ds.next >= len(ds.batches) {
		ds.mu.Unlock()
		return nil, io.EOF
	}
	group := ds.batches[ds.next]
	ds.next++
	var rng *rand.Rand
	if len(ds.augmentors) > 0 {
		rng = rand.New(rand.NewSource(ds.rng.Int63()))
	}
	ds.mu.Unlock()

	samples := make([]Sample, 0, len(group))
	for _, entry := range group {
		features, err := ds.featurizer.Extract(entry)
		if err != nil {
			return nil, err
		}
		for _, a := range ds.augmentors {
			a.apply(features, rng)
		}
		if ds.normalizer != nil {
			if err := ds.normalizer.Normalize(features); err != nil {
				return nil, errors.Wrapf(err, "normalizing %q", entry.AudioPath)
			}
		}
		samples = append(samples, Sample{
			Features: features,
			LabelIDs: ds.voc.EncodeText(entry.Text),
			Duration: entry.Duration,
		})
	}
	return Collate(samples)
}
