// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "github.com/gomlx/gospeech/params"

// Collective synchronizes gradients across the processes of a data-parallel
// run. Implementations must average in place: after AllReduceMean every rank
// holds the mean of all ranks' gradients.
type Collective interface {
	AllReduceMean(grads params.Dict) error
}

// localCollective is the single-process Collective: averaging over one rank
// is the identity.
type localCollective struct{}

func (localCollective) AllReduceMean(params.Dict) error { return nil }

// Local returns the Collective for single-process runs.
func Local() Collective { return localCollective{} }
