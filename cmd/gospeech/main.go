// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gospeech trains, evaluates and exports CTC acoustic models.
//
// Usage:
//
//	gospeech train    -train_manifest=... -test_manifest=... -vocab=... -mean_std=...
//	gospeech evaluate -test_manifest=... -vocab=... -mean_std=... -checkpoint=models/standard/epoch_50
//	gospeech export   -checkpoint=models/standard/epoch_50 -mean_std=...
//
// Run any subcommand with -help for its flags.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gospeech/checkpoints"
	"github.com/gomlx/gospeech/decoders"
	"github.com/gomlx/gospeech/export"
	"github.com/gomlx/gospeech/models"
	"github.com/gomlx/gospeech/params"
	"github.com/gomlx/gospeech/speechdata"
	"github.com/gomlx/gospeech/train"
	"github.com/gomlx/gospeech/vocab"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	// Link in the beam search decoder; without this import only greedy
	// decoding is available.
	_ "github.com/gomlx/gospeech/decoders/beamsearch"
)

func main() {
	klog.InitFlags(nil)
	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "train":
		cmdTrain(args)
	case "evaluate":
		cmdEvaluate(args)
	case "export":
		cmdExport(args)
	default:
		klog.Errorf("Unknown command %q.", cmd)
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s {train|evaluate|export} [flags]\n", os.Args[0])
	os.Exit(1)
}

// commonFlags are shared by every subcommand that touches data or a model.
type commonFlags struct {
	variant    *string
	vocabPath  *string
	meanStd    *string
	featureDim *int
	batchSize  *int
	decoder    *string
	alpha      *float64
	beta       *float64
	beamSize   *int
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	defaults := decoders.DefaultConfig()
	return &commonFlags{
		variant:    fs.String("variant", "standard", fmt.Sprintf("Model variant, one of %v.", models.Variants())),
		vocabPath:  fs.String("vocab", "dataset/vocabulary.txt", "Vocabulary file, one token per line."),
		meanStd:    fs.String("mean_std", "dataset/mean_std.gob", "Feature normalization statistics."),
		featureDim: fs.Int("feature_dim", 128, "Number of feature coefficients per frame."),
		batchSize:  fs.Int("batch_size", 32, "Utterances per batch."),
		decoder: fs.String("decoder", decoders.Greedy,
			fmt.Sprintf("Decoding method, %q or %q.", decoders.Greedy, decoders.BeamSearch)),
		alpha:    fs.Float64("alpha", defaults.Alpha, "Beam search: language model weight."),
		beta:     fs.Float64("beta", defaults.Beta, "Beam search: token insertion bonus."),
		beamSize: fs.Int("beam_size", defaults.BeamSize, "Beam search: beam width."),
	}
}

func (cf *commonFlags) decoderConfig() decoders.Config {
	config := decoders.DefaultConfig()
	config.Alpha = *cf.alpha
	config.Beta = *cf.beta
	config.BeamSize = *cf.beamSize
	return config
}

func (cf *commonFlags) loadVocabulary() *vocab.Vocabulary {
	voc := must.M1(vocab.Load(*cf.vocabPath))
	klog.Infof("Vocabulary %q: %s tokens", *cf.vocabPath, humanize.Comma(int64(voc.Size())))
	return voc
}

func (cf *commonFlags) dataset(manifest string, voc *vocab.Vocabulary, normalizer *speechdata.Normalizer,
	augmentation speechdata.AugmentationConfig, minDuration, maxDuration float64,
	rank, worldSize int) speechdata.Dataset {
	ds := must.M1(speechdata.FromManifest(manifest).
		Vocabulary(voc).
		Featurizer(speechdata.NewTensorFeaturizer(*cf.featureDim)).
		Normalizer(normalizer).
		BatchSize(*cf.batchSize).
		DurationRange(minDuration, maxDuration).
		Augmentation(augmentation).
		Shard(rank, worldSize).
		Done())
	klog.Infof("Dataset %q: %s batches per epoch", manifest, humanize.Comma(int64(ds.NumBatches())))
	return speechdata.Prefetch(ds)
}

func cmdTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cf := addCommonFlags(fs)
	trainManifest := fs.String("train_manifest", "dataset/manifest.train", "Training data manifest.")
	testManifest := fs.String("test_manifest", "dataset/manifest.test", "Evaluation data manifest.")
	numEpochs := fs.Int("num_epochs", 50, "Epochs to train for.")
	learningRate := fs.Float64("learning_rate", 1e-3, "Initial learning rate.")
	outputDir := fs.String("output_dir", "models", "Checkpoint root directory.")
	scalarLog := fs.String("scalar_log", "", "JSON-lines scalar log; empty disables recording.")
	resume := fs.String("resume", "", "Epoch checkpoint directory to resume from.")
	pretrained := fs.String("pretrained", "", "Model parameters blob to seed a fresh run.")
	augmentConf := fs.String("augment_conf", "", "Augmentation configuration file (optional).")
	minDuration := fs.Float64("min_duration", 0.5, "Drop utterances shorter than this, in seconds.")
	maxDuration := fs.Float64("max_duration", 20, "Drop utterances longer than this, in seconds.")
	rank := fs.Int("rank", 0, "This process's rank in a data-parallel run.")
	worldSize := fs.Int("world_size", 1, "Number of data-parallel processes.")
	must.M(fs.Parse(args))

	voc := cf.loadVocabulary()
	decoderConfig := cf.decoderConfig()
	trainer := must.M1(train.New(train.Config{
		Exec:           train.ExecContext{WorldSize: *worldSize, Rank: *rank},
		Variant:        *cf.variant,
		FeatureDim:     *cf.featureDim,
		Vocab:          voc,
		NumEpochs:      *numEpochs,
		LearningRate:   float32(*learningRate),
		DecoderName:    *cf.decoder,
		DecoderConfig:  &decoderConfig,
		OutputDir:      *outputDir,
		ScalarLog:      *scalarLog,
		ResumeFrom:     *resume,
		PretrainedPath: *pretrained,
	}))

	normalizer := must.M1(speechdata.LoadNormalizer(*cf.meanStd))
	augmentation := must.M1(speechdata.LoadAugmentationConfig(*augmentConf))
	trainDS := cf.dataset(*trainManifest, voc, normalizer, augmentation,
		*minDuration, *maxDuration, *rank, *worldSize)
	// Only rank 0 evaluates, so the test set is never sharded.
	testDS := cf.dataset(*testManifest, voc, normalizer, nil, *minDuration, *maxDuration, 0, 1)

	must.M(trainer.Run(trainDS, testDS))
}

func cmdEvaluate(args []string) {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	cf := addCommonFlags(fs)
	testManifest := fs.String("test_manifest", "dataset/manifest.test", "Evaluation data manifest.")
	checkpoint := fs.String("checkpoint", "", "Epoch checkpoint directory to evaluate.")
	must.M(fs.Parse(args))

	variant := must.M1(models.ParseVariant(*cf.variant))
	decoder := must.M1(decoders.New(*cf.decoder, cf.decoderConfig()))
	modelParams := must.M1(params.Load(filepath.Join(*checkpoint, checkpoints.ModelParamsFile)))
	model := must.M1(models.FromParams(variant, modelParams))

	voc := cf.loadVocabulary()
	normalizer := must.M1(speechdata.LoadNormalizer(*cf.meanStd))
	testDS := cf.dataset(*testManifest, voc, normalizer, nil, 0, 0, 0, 1)

	result := must.M1(train.Evaluate(model, withProgress(testDS), voc, decoder))
	fmt.Printf("cer: %.5f, loss: %.5f\n", result.CER, result.Loss)
}

// progressDataset ticks a terminal progress bar as batches are consumed.
type progressDataset struct {
	speechdata.Dataset
	bar *progressbar.ProgressBar
}

func withProgress(ds speechdata.Dataset) speechdata.Dataset {
	return &progressDataset{
		Dataset: ds,
		bar:     progressbar.Default(int64(ds.NumBatches()), "evaluating"),
	}
}

func (p *progressDataset) Yield() (*speechdata.Batch, error) {
	batch, err := p.Dataset.Yield()
	if err == io.EOF {
		_ = p.bar.Finish()
	} else if err == nil {
		_ = p.bar.Add(1)
	}
	return batch, err
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := addCommonFlags(fs)
	checkpoint := fs.String("checkpoint", "", "Epoch checkpoint directory to export.")
	outputDir := fs.String("output_dir", "models", "Root directory for the inference artifact.")
	must.M(fs.Parse(args))

	variant := must.M1(models.ParseVariant(*cf.variant))
	normalizer := must.M1(speechdata.LoadNormalizer(*cf.meanStd))
	path := must.M1(export.Export(*outputDir, variant, *checkpoint, normalizer))
	fmt.Printf("exported %s\n", path)
}
