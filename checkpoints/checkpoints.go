// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and restores training state as epoch-numbered
// directories, each holding exactly two blobs: the model parameters and the
// optimizer state. Only the most recent three epoch directories are kept.
package checkpoints

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gomlx/gospeech/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ModelParamsFile is the model parameters blob inside a checkpoint
	// directory.
	ModelParamsFile = "model.params"

	// OptimizerStateFile is the optimizer state blob inside a checkpoint
	// directory.
	OptimizerStateFile = "optimizer.state"

	// keepEpochs is how many most-recent epoch directories are retained.
	keepEpochs = 3
)

// ErrMissingCheckpoint is returned by Load when the directory does not hold
// both checkpoint blobs.
var ErrMissingCheckpoint = errors.New("checkpoint blobs not found")

// Manager writes and prunes checkpoints for one model variant under a fixed
// root directory.
type Manager struct {
	root, variant string
}

// New creates a Manager rooted at root/variant.
func New(root, variant string) *Manager {
	return &Manager{root: root, variant: variant}
}

// Dir returns the checkpoint directory for the given epoch.
func (m *Manager) Dir(epoch int) string {
	return filepath.Join(m.root, m.variant, "epoch_"+strconv.Itoa(epoch))
}

// Save writes both checkpoint blobs for the epoch and then removes the
// directory three epochs back, if it exists.
func (m *Manager) Save(epoch int, modelParams, optimizerState params.Dict) error {
	dir := m.Dir(epoch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	if err := params.Save(filepath.Join(dir, ModelParamsFile), modelParams); err != nil {
		return errors.Wrapf(err, "saving model parameters for epoch %d", epoch)
	}
	if err := params.Save(filepath.Join(dir, OptimizerStateFile), optimizerState); err != nil {
		return errors.Wrapf(err, "saving optimizer state for epoch %d", epoch)
	}
	klog.V(1).Infof("Saved checkpoint %q", dir)

	if old := epoch - keepEpochs; old >= 0 {
		oldDir := m.Dir(old)
		if err := os.RemoveAll(oldDir); err != nil {
			klog.Warningf("Failed to prune old checkpoint %q: %v", oldDir, err)
		}
	}
	return nil
}

// Load reads both blobs from a checkpoint directory. If either blob is
// absent it returns an error wrapping ErrMissingCheckpoint and reads nothing.
func Load(dir string) (modelParams, optimizerState params.Dict, err error) {
	modelPath := filepath.Join(dir, ModelParamsFile)
	optimizerPath := filepath.Join(dir, OptimizerStateFile)
	for _, path := range []string{modelPath, optimizerPath} {
		if _, statErr := os.Stat(path); statErr != nil {
			return nil, nil, errors.Wrapf(ErrMissingCheckpoint, "%q: %v", path, statErr)
		}
	}
	modelParams, err = params.Load(modelPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading model parameters from %q", modelPath)
	}
	optimizerState, err = params.Load(optimizerPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "loading optimizer state from %q", optimizerPath)
	}
	return modelParams, optimizerState, nil
}

var epochSuffixRe = regexp.MustCompile(`(\d+)/*$`)

// EpochFromPath extracts the epoch number from a checkpoint directory path,
// taken from the trailing digits of its last element ("…/epoch_37" -> 37).
func EpochFromPath(dir string) (int, error) {
	match := epochSuffixRe.FindStringSubmatch(filepath.ToSlash(dir))
	if match == nil {
		return 0, errors.Errorf("checkpoint path %q does not end in an epoch number", dir)
	}
	epoch, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, errors.Wrapf(err, "checkpoint path %q", dir)
	}
	return epoch, nil
}
