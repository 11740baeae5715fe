// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gospeech/params"
	"github.com/pkg/errors"
)

// Adam optimizer over a params.Dict, with decoupled-from-the-loss L2 weight
// decay folded into the gradient before the moment updates.
type Adam struct {
	beta1, beta2, epsilon float32
	weightDecay           float32

	step int64
	m, v params.Dict
}

// NewAdam creates an Adam optimizer with the usual moment coefficients
// (0.9, 0.999, eps 1e-8) and the given L2 weight decay.
func NewAdam(weightDecay float32) *Adam {
	return &Adam{
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: weightDecay,
		m:           make(params.Dict),
		v:           make(params.Dict),
	}
}

// Step applies one Adam update to weights given grads at the given learning
// rate. Moment tensors are allocated lazily on the first step that sees each
// parameter.
func (a *Adam) Step(learningRate float32, weights, grads params.Dict) error {
	a.step++
	correction1 := 1 - float32(math.Pow(float64(a.beta1), float64(a.step)))
	correction2 := 1 - float32(math.Pow(float64(a.beta2), float64(a.step)))
	for _, name := range weights.Names() {
		w := weights[name]
		g, found := grads[name]
		if !found {
			return errors.Errorf("no gradient for parameter %q", name)
		}
		if !g.Shape().Equal(w.Shape()) {
			return errors.Errorf("parameter %q: gradient shape %s != weight shape %s",
				name, g.Shape(), w.Shape())
		}
		if _, found := a.m[name]; !found {
			a.m[name] = tensors.FromShape(w.Shape())
			a.v[name] = tensors.FromShape(w.Shape())
		}
		mFlat := tensors.CopyFlatData[float32](a.m[name])
		vFlat := tensors.CopyFlatData[float32](a.v[name])
		gFlat := tensors.CopyFlatData[float32](g)
		tensors.MutableFlatData[float32](w, func(wFlat []float32) {
			for i := range wFlat {
				grad := gFlat[i] + a.weightDecay*wFlat[i]
				mFlat[i] = a.beta1*mFlat[i] + (1-a.beta1)*grad
				vFlat[i] = a.beta2*vFlat[i] + (1-a.beta2)*grad*grad
				mHat := mFlat[i] / correction1
				vHat := vFlat[i] / correction2
				wFlat[i] -= learningRate * mHat / (float32(math.Sqrt(float64(vHat))) + a.epsilon)
			}
		})
		tensors.MutableFlatData[float32](a.m[name], func(flat []float32) { copy(flat, mFlat) })
		tensors.MutableFlatData[float32](a.v[name], func(flat []float32) { copy(flat, vFlat) })
	}
	return nil
}

// State snapshots the optimizer for checkpointing: the first and second
// moments under "m/" and "v/" prefixes plus the step counter.
func (a *Adam) State() params.Dict {
	state := make(params.Dict, 2*len(a.m)+1)
	for name, t := range a.m {
		state["m/"+name] = t.LocalClone()
	}
	for name, t := range a.v {
		state["v/"+name] = t.LocalClone()
	}
	state["step"] = tensors.FromFlatDataAndDimensions([]int64{a.step}, 1)
	return state
}

// SetState restores a snapshot produced by State.
func (a *Adam) SetState(state params.Dict) error {
	stepTensor, found := state["step"]
	if !found {
		return errors.New("optimizer state has no step counter")
	}
	m, v := make(params.Dict), make(params.Dict)
	for name, t := range state {
		switch {
		case strings.HasPrefix(name, "m/"):
			m[strings.TrimPrefix(name, "m/")] = t.LocalClone()
		case strings.HasPrefix(name, "v/"):
			v[strings.TrimPrefix(name, "v/")] = t.LocalClone()
		case name == "step":
		default:
			return errors.Errorf("unexpected entry %q in optimizer state", name)
		}
	}
	a.step = tensors.CopyFlatData[int64](stepTensor)[0]
	a.m, a.v = m, v
	return nil
}

// GlobalNorm computes the L2 norm of all gradients taken as one vector.
func GlobalNorm(grads params.Dict) float32 {
	var sum float64
	for _, g := range grads {
		tensors.ConstFlatData[float32](g, func(flat []float32) {
			for _, v := range flat {
				sum += float64(v) * float64(v)
			}
		})
	}
	return float32(math.Sqrt(sum))
}

// ClipByGlobalNorm scales all gradients in place so their global norm does
// not exceed maxNorm. It returns the norm before clipping.
func ClipByGlobalNorm(grads params.Dict, maxNorm float32) float32 {
	norm := GlobalNorm(grads)
	if norm <= maxNorm || norm == 0 {
		return norm
	}
	scale := maxNorm / norm
	for _, g := range grads {
		tensors.MutableFlatData[float32](g, func(flat []float32) {
			for i := range flat {
				flat[i] *= scale
			}
		})
	}
	return norm
}
