// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"io"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// BatchesDataset is a train.Dataset over in-memory batches, yielded in order.
type BatchesDataset struct {
	name     string
	batches  []*Batch
	next     int
	infinite bool
}

// Assert BatchesDataset implements train.Dataset.
var _ train.Dataset = (*BatchesDataset)(nil)

// NewBatchesDataset creates a dataset that yields the given batches. All batches must have labels.
//
// By default, it returns io.EOF after the last batch, see Infinite.
func NewBatchesDataset(name string, batches []*Batch) *BatchesDataset {
	return &BatchesDataset{name: name, batches: batches}
}

// Infinite configures the dataset to restart from the first batch after the last one, instead of returning io.EOF.
// Use it for training with train.Loop.RunSteps.
func (ds *BatchesDataset) Infinite(infinite bool) *BatchesDataset {
	ds.infinite = infinite
	return ds
}

// Name implements train.Dataset.
func (ds *BatchesDataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *BatchesDataset) Reset() { ds.next = 0 }

// Yield implements train.Dataset.
func (ds *BatchesDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if len(ds.batches) == 0 {
		err = io.EOF
		return
	}
	if ds.next >= len(ds.batches) {
		if !ds.infinite {
			err = io.EOF
			return
		}
		ds.next = 0
	}
	batch := ds.batches[ds.next]
	ds.next++
	if batch.Labels == nil {
		err = errors.Errorf("dataset %q: batch #%d has no labels", ds.name, ds.next-1)
		return
	}
	inputs, labels = batch.Tensors()
	return
}
