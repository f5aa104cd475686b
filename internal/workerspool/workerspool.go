// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs host-side tasks, like encoding and padding batches, with a bounded parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Tasks are started with Go and waited for with Wait.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	wg         sync.WaitGroup
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of tasks running at the same time.
// If 0 tasks are run inline, and if < 0 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the limit of tasks running at the same time. It returns itself.
//
// It should only be changed before any task is started.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// Go waits until there is a worker available and runs the task in a separate goroutine.
//
// If parallelism is disabled (MaxParallelism() == 0), it runs the task inline and returns when it is finished.
func (w *Pool) Go(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.wg.Add(1)
	if w.maxParallelism < 0 {
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}

	w.mu.Lock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Wait for all tasks started with Go to finish.
func (w *Pool) Wait() {
	w.wg.Wait()
}
