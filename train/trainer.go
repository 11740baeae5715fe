// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"time"

	"github.com/gomlx/gospeech/checkpoints"
	"github.com/gomlx/gospeech/ctc"
	"github.com/gomlx/gospeech/decoders"
	"github.com/gomlx/gospeech/models"
	"github.com/gomlx/gospeech/params"
	"github.com/gomlx/gospeech/scalars"
	"github.com/gomlx/gospeech/speechdata"
	"github.com/gomlx/gospeech/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// GradClipNorm bounds the global gradient norm per step.
	GradClipNorm = 400.0

	// LRDecayGamma multiplies the learning rate once per epoch.
	LRDecayGamma = 0.9

	// WeightDecay is the L2 penalty folded into the gradients.
	WeightDecay = 1e-6

	logEverySteps        = 100
	checkpointEverySteps = 10000
)

// Config assembles everything a training run needs besides the datasets.
type Config struct {
	// Exec places this process in the data-parallel run. Zero value means
	// single process; see SingleProcess.
	Exec ExecContext

	// Collective synchronizes gradients across ranks. Defaults to Local.
	Collective Collective

	// Variant selects the model architecture.
	Variant string

	// FeatureDim is the number of feature coefficients per frame.
	FeatureDim int

	// Vocab maps transcript characters to model outputs.
	Vocab *vocab.Vocabulary

	// NumEpochs to train for. Defaults to 50.
	NumEpochs int

	// LearningRate is the initial Adam learning rate. Defaults to 1e-3.
	LearningRate float32

	// DecoderName selects how evaluation turns probabilities into text.
	// Defaults to greedy decoding.
	DecoderName string

	// DecoderConfig tunes the decoder. Defaults to decoders.DefaultConfig.
	DecoderConfig *decoders.Config

	// OutputDir is the checkpoint root; checkpoints land under
	// OutputDir/<variant>/epoch_<N>.
	OutputDir string

	// ScalarLog, if non-empty, is where the primary rank records the
	// "Train loss", "Test cer" and "Learning rate" series.
	ScalarLog string

	// ResumeFrom is an epoch checkpoint directory to continue from. Both
	// checkpoint blobs must be present.
	ResumeFrom string

	// PretrainedPath is a model parameters blob used to seed a fresh run.
	// Parameters that do not match the model are skipped with a warning.
	// Ignored when ResumeFrom is set.
	PretrainedPath string

	// Seed for parameter initialization. Defaults to 42.
	Seed int64
}

// Trainer owns one training run. Create it with New, then call Run.
type Trainer struct {
	cfg       Config
	model     models.Trainable
	optimizer *Adam
	sched     *ExponentialDecay
	decoder   decoders.Decoder
	manager   *checkpoints.Manager
	writer    *scalars.Writer
	lastEpoch int
}

// New validates the configuration and assembles the run: the model variant
// and decoder are checked before any data or checkpoint is touched, so
// misconfiguration fails fast.
func New(cfg Config) (*Trainer, error) {
	if cfg.Exec.WorldSize == 0 {
		cfg.Exec = SingleProcess()
	}
	if err := cfg.Exec.Validate(); err != nil {
		return nil, err
	}
	if cfg.Collective == nil {
		cfg.Collective = Local()
	}
	if cfg.NumEpochs == 0 {
		cfg.NumEpochs = 50
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-3
	}
	if cfg.DecoderName == "" {
		cfg.DecoderName = decoders.Greedy
	}
	if cfg.DecoderConfig == nil {
		defaults := decoders.DefaultConfig()
		cfg.DecoderConfig = &defaults
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.Vocab == nil {
		return nil, errors.New("training requires a vocabulary")
	}

	variant, err := models.ParseVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}
	decoder, err := decoders.New(cfg.DecoderName, *cfg.DecoderConfig)
	if err != nil {
		return nil, err
	}

	model, err := models.Build(variant).
		FeatureDim(cfg.FeatureDim).
		VocabSize(cfg.Vocab.Size()).
		Seed(cfg.Seed).
		Done()
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		model:     model,
		optimizer: NewAdam(WeightDecay),
		decoder:   decoder,
		manager:   checkpoints.New(cfg.OutputDir, string(variant)),
	}

	switch {
	case cfg.ResumeFrom != "":
		modelParams, optimizerState, err := checkpoints.Load(cfg.ResumeFrom)
		if err != nil {
			return nil, errors.Wrapf(err, "resuming from %q", cfg.ResumeFrom)
		}
		if err := model.SetParams(modelParams); err != nil {
			return nil, errors.Wrapf(err, "resuming from %q", cfg.ResumeFrom)
		}
		if err := t.optimizer.SetState(optimizerState); err != nil {
			return nil, errors.Wrapf(err, "resuming from %q", cfg.ResumeFrom)
		}
		t.lastEpoch, err = checkpoints.EpochFromPath(cfg.ResumeFrom)
		if err != nil {
			return nil, err
		}
		klog.Infof("Resumed from %q, continuing at epoch %d", cfg.ResumeFrom, t.lastEpoch+1)
	case cfg.PretrainedPath != "":
		pretrained, err := params.Load(cfg.PretrainedPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading pretrained parameters %q", cfg.PretrainedPath)
		}
		loaded, skipped, missing := models.LoadPretrained(model, pretrained)
		klog.Infof("Pretrained parameters %q: %d loaded, %d shape-mismatched, %d missing",
			cfg.PretrainedPath, loaded, skipped, missing)
	}

	t.sched = NewExponentialDecay(cfg.LearningRate, LRDecayGamma, t.lastEpoch-1)

	if cfg.Exec.IsPrimary() && cfg.ScalarLog != "" {
		t.writer, err = scalars.NewWriter(cfg.ScalarLog)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Model exposes the trained model, e.g. for exporting after Run.
func (t *Trainer) Model() models.Trainable { return t.model }

// Run trains for the configured number of epochs, evaluating on testDS and
// checkpointing at the end of each epoch. Only the primary rank logs,
// evaluates and writes checkpoints; every rank steps the learning rate
// schedule so the ranks stay in agreement.
func (t *Trainer) Run(trainDS, testDS speechdata.Dataset) error {
	numBatches := trainDS.NumBatches()
	if numBatches == 0 {
		return errors.Errorf("training dataset %q is empty", trainDS.Name())
	}
	totalBatches := (t.cfg.NumEpochs - t.lastEpoch) * numBatches
	doneBatches := 0
	var batchSeconds float64 // running mean

	for epoch := t.lastEpoch + 1; epoch <= t.cfg.NumEpochs; epoch++ {
		epochStart := time.Now()
		batchID := 0
		for {
			batch, err := trainDS.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, batchID)
			}
			stepStart := time.Now()
			loss, err := t.step(batch)
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, batchID)
			}
			doneBatches++
			batchSeconds += (time.Since(stepStart).Seconds() - batchSeconds) / float64(doneBatches)

			if batchID%logEverySteps == 0 && t.cfg.Exec.IsPrimary() {
				eta := time.Duration(float64(totalBatches-doneBatches) * batchSeconds * float64(time.Second))
				klog.Infof("Train epoch: [%d/%d], batch: [%d/%d], loss: %.5f, learning rate: %.8f, eta: %s",
					epoch, t.cfg.NumEpochs, batchID, numBatches, loss, t.sched.LR(), eta.Truncate(time.Second))
				if err := t.writer.Add("Train loss", loss); err != nil {
					return err
				}
			}
			if batchID%checkpointEverySteps == 0 && batchID != 0 && t.cfg.Exec.IsPrimary() {
				if err := t.saveCheckpoint(epoch); err != nil {
					return err
				}
			}
			batchID++
		}

		if t.cfg.Exec.IsPrimary() {
			result, err := Evaluate(t.model, testDS, t.cfg.Vocab, t.decoder)
			if err != nil {
				return errors.Wrapf(err, "evaluating after epoch %d", epoch)
			}
			klog.Infof("Test epoch: %d, time/epoch: %s, cer: %.5f, loss: %.5f",
				epoch, time.Since(epochStart).Truncate(time.Second), result.CER, result.Loss)
			if err := t.writer.AddAt("Test cer", epoch, result.CER); err != nil {
				return err
			}
			if err := t.writer.AddAt("Learning rate", epoch, float64(t.sched.LR())); err != nil {
				return err
			}
			if err := t.saveCheckpoint(epoch); err != nil {
				return err
			}
		}
		t.sched.Step()
		trainDS.Reset()
		testDS.Reset()
	}
	return t.writer.Close()
}

// step runs one optimization step and returns the batch loss.
func (t *Trainer) step(batch *speechdata.Batch) (float64, error) {
	logits, outLengths, err := t.model.Forward(batch.Features, batch.InputLengths, nil)
	if err != nil {
		return 0, err
	}
	result, err := ctc.Loss(logits, outLengths, batch.LabelSeqs(), true)
	if err != nil {
		return 0, err
	}
	if result.Infeasible > 0 {
		klog.V(1).Infof("Batch has %d utterances with labels longer than their timesteps", result.Infeasible)
	}
	if err := t.model.Backward(result.Grad); err != nil {
		return 0, err
	}
	grads := t.model.Gradients()
	if err := t.cfg.Collective.AllReduceMean(grads); err != nil {
		return 0, errors.Wrap(err, "gradient all-reduce")
	}
	ClipByGlobalNorm(grads, GradClipNorm)
	if err := t.optimizer.Step(t.sched.LR(), t.model.Params(), grads); err != nil {
		return 0, err
	}
	t.model.ZeroGrads()
	return result.Loss, nil
}

func (t *Trainer) saveCheckpoint(epoch int) error {
	return t.manager.Save(epoch, t.model.Params(), t.optimizer.State())
}
