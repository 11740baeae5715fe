// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speechdata

import (
	"io"
	"runtime"
	"sync"
)

// PrefetchDataset wraps a thread-safe Dataset and prepares batches ahead of
// time with a pool of goroutines feeding a bounded buffer.
//
// Batch order is not preserved across workers; training shuffles anyway.
// Call Cancel when done to release the goroutines.
type PrefetchDataset struct {
	ds          Dataset
	parallelism int
	bufferSize  int

	mu      sync.Mutex
	impl    *prefetchImpl
	stopped bool
}

type prefetchUnit struct {
	batch *Batch
	err   error
}

type prefetchImpl struct {
	buffer chan prefetchUnit
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Prefetch wraps ds with GOMAXPROCS worker goroutines and a buffer of the
// same size. ds.Yield must be safe for concurrent use.
func Prefetch(ds Dataset) *PrefetchDataset {
	n := runtime.GOMAXPROCS(0)
	return CustomPrefetch(ds, n, n)
}

// CustomPrefetch wraps ds with an explicit worker count and buffer size.
func CustomPrefetch(ds Dataset, parallelism, bufferSize int) *PrefetchDataset {
	p := &PrefetchDataset{
		ds:          ds,
		parallelism: max(parallelism, 1),
		bufferSize:  max(bufferSize, 1),
	}
	p.start()
	return p
}

func (p *PrefetchDataset) start() {
	impl := &prefetchImpl{
		buffer: make(chan prefetchUnit, p.bufferSize),
		stop:   make(chan struct{}),
	}
	impl.wg.Add(p.parallelism)
	for range p.parallelism {
		go func() {
			defer impl.wg.Done()
			for {
				select {
				case <-impl.stop:
					return
				default:
				}
				batch, err := p.ds.Yield()
				select {
				case impl.buffer <- prefetchUnit{batch: batch, err: err}:
				case <-impl.stop:
					return
				}
				if err != nil {
					return
				}
			}
		}()
	}
	go func() {
		// Once every worker has exited (EOF, error or stop), no more units
		// can arrive; closing the buffer lets Yield observe the end.
		impl.wg.Wait()
		close(impl.buffer)
	}()
	p.impl = impl
}

// Name implements Dataset.
func (p *PrefetchDataset) Name() string { return p.ds.Name() }

// NumBatches implements Dataset.
func (p *PrefetchDataset) NumBatches() int { return p.ds.NumBatches() }

// Yield implements Dataset. After the wrapped dataset reports io.EOF every
// buffered batch is still delivered before io.EOF is surfaced.
func (p *PrefetchDataset) Yield() (*Batch, error) {
	p.mu.Lock()
	impl := p.impl
	p.mu.Unlock()
	if impl == nil {
		return nil, io.EOF
	}
	for {
		unit, ok := <-impl.buffer
		if !ok {
			return nil, io.EOF
		}
		if unit.err == io.EOF {
			// Workers race to EOF; absorb the extras while draining.
			continue
		}
		return unit.batch, unit.err
	}
}

// Reset implements Dataset: it drains the workers, resets the wrapped
// dataset and restarts prefetching.
func (p *PrefetchDataset) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopImplLocked()
	p.ds.Reset()
	p.start()
}

// Cancel stops the worker goroutines. The dataset yields io.EOF afterwards.
func (p *PrefetchDataset) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.stopImplLocked()
}

func (p *PrefetchDataset) stopImplLocked() {
	impl := p.impl
	p.impl = nil
	close(impl.stop)
	// Drain until the buffer closes: this unblocks workers parked on a
	// full buffer so they can observe the stop signal and exit.
	for range impl.buffer {
	}
}
