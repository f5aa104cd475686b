// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/seqclassifier/internal/testbackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict(t *testing.T) {
	backend := testbackend.Build()
	ctx := newTestContext()
	classifier, err := New(ctx.In(ModelScope), testWordVectors())
	require.NoError(t, err)
	predictor := NewPredictor(backend, ctx.In(ModelScope), classifier)
	require.Same(t, classifier, predictor.Classifier())

	batch := testBatch(t)
	prediction, err := predictor.Predict(batch)
	require.NoError(t, err)
	require.Len(t, prediction.Logits, 2)
	require.Len(t, prediction.Weights, 2)
	require.Len(t, prediction.Labels, 2)
	for exampleIdx, logits := range prediction.Logits {
		require.Len(t, logits, 2)
		label := prediction.Labels[exampleIdx]
		assert.GreaterOrEqual(t, logits[label], logits[1-label])
		var sum float32
		for _, w := range prediction.Weights[exampleIdx] {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}

	// Labels outside of range are ignored for prediction.
	batch.Labels[0] = 100
	_, err = predictor.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, int32(100), batch.Labels[0])
}

func TestPredictRejectsInvalidBatches(t *testing.T) {
	backend := testbackend.Build()
	ctx := newTestContext()
	classifier, err := New(ctx.In(ModelScope), testWordVectors())
	require.NoError(t, err)
	predictor := NewPredictor(backend, ctx.In(ModelScope), classifier)

	batch := testBatch(t)
	batch.Mask[1] = []float32{0, 0, 0}
	_, err = predictor.Predict(batch)
	require.ErrorIs(t, err, ErrEmptySequence)

	batch = testBatch(t)
	batch.Tokens[0][0] = testVocabSize
	_, err = predictor.Predict(batch)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestArgMax(t *testing.T) {
	assert.Equal(t, 0, argMax([]float32{1, 1, 0}))
	assert.Equal(t, 2, argMax([]float32{-3, -2, -1}))
	assert.Equal(t, 1, argMax([]float32{0, 5, 5}))
}

func TestTensorToRows(t *testing.T) {
	rows := tensorToRows(tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, rows)
	rows[0] = append(rows[0], 7)
	assert.Equal(t, float32(4), rows[1][0])
}
