// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AugmentorConfig describes one augmentation stage: its registered type,
// the per-utterance probability of applying it, and type-specific
// parameters left raw for the stage to parse.
type AugmentorConfig struct {
	Type   string          `json:"type"`
	Prob   float64         `json:"prob"`
	Params json.RawMessage `json:"params"`
}

// AugmentationConfig is the ordered list of augmentation stages from a
// configuration file.
type AugmentationConfig []AugmentorConfig

// LoadAugmentationConfig reads an augmentation configuration (a JSON array
// of stages). An empty path or a missing file yields an empty configuration:
// augmentation is optional.
func LoadAugmentationConfig(path string) (AugmentationConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("Augmentation configuration %q not found, continuing without augmentation", path)
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading augmentation configuration %q", path)
	}
	var cfg AugmentationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing augmentation configuration %q", path)
	}
	return cfg, nil
}

// specAugmentParams parameterizes frequency and time masking on the feature
// matrix.
type specAugmentParams struct {
	FreqMaskWidth int `json:"freq_mask_width"`
	TimeMaskWidth int `json:"time_mask_width"`
	NumFreqMasks  int `json:"num_freq_masks"`
	NumTimeMasks  int `json:"num_time_masks"`
}

// augmentor applies one configured stage to a feature matrix in place.
type augmentor struct {
	prob  float64
	spec  specAugmentParams
	noise float64 // stddev for "noise" stages, 0 otherwise
}

// buildAugmentors compiles a configuration into runnable stages, dropping
// stages of unknown type with a warning.
func buildAugmentors(cfg AugmentationConfig) []augmentor {
	var stages []augmentor
	for _, c := range cfg {
		stage := augmentor{prob: c.Prob}
		switch c.Type {
		case "spec_augment":
			stage.spec = specAugmentParams{FreqMaskWidth: 15, TimeMaskWidth: 25, NumFreqMasks: 2, NumTimeMasks: 2}
			if len(c.Params) > 0 {
				if err := json.Unmarshal(c.Params, &stage.spec); err != nil {
					klog.Warningf("Augmentation stage %q: bad parameters, using defaults: %v", c.Type, err)
				}
			}
		case "noise":
			var p struct {
				StdDev float64 `json:"stddev"`
			}
			p.StdDev = 0.01
			if len(c.Params) > 0 {
				if err := json.Unmarshal(c.Params, &p); err != nil {
					klog.Warningf("Augmentation stage %q: bad parameters, using defaults: %v", c.Type, err)
				}
			}
			stage.noise = p.StdDev
		default:
			klog.Warningf("Unknown augmentation stage %q, skipping", c.Type)
			continue
		}
		stages = append(stages, stage)
	}
	return stages
}

func (a augmentor) apply(features *tensors.Tensor, rng *rand.Rand) {
	if rng.Float64() >= a.prob {
		return
	}
	dims := features.Shape().Dimensions
	featureDim, numSteps := dims[0], dims[1]
	tensors.MutableFlatData[float32](features, func(flat []float32) {
		if a.noise > 0 {
			for i := range flat {
				flat[i] += float32(rng.NormFloat64() * a.noise)
			}
			return
		}
		for range a.spec.NumFreqMasks {
			width := rng.Intn(a.spec.FreqMaskWidth + 1)
			if width >= featureDim {
				width = featureDim - 1
			}
			start := rng.Intn(featureDim - width + 1)
			for f := start; f < start+width; f++ {
				clear(flat[f*numSteps : (f+1)*numSteps])
			}
		}
		for range a.spec.NumTimeMasks {
			width := rng.Intn(a.spec.TimeMaskWidth + 1)
			if width >= numSteps {
				width = numSteps - 1
			}
			if width <= 0 {
				continue
			}
			start := rng.Intn(numSteps - width + 1)
			for f := 0; f < featureDim; f++ {
				clear(flat[f*numSteps+start : f*numSteps+start+width])
			}
		}
	})
}
