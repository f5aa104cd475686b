// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/seqclassifier/internal/testbackend"
	"github.com/gomlx/seqclassifier/ml/layers/attnpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	testbackend.Setup()
}

const (
	testVocabSize    = 10
	testWordEmbedDim = 3
)

func newTestContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.RngStateFromSeed(42)
	ctx.SetParams(map[string]any{
		ParamCharVocabSize:           12,
		ParamCharEmbedDim:            3,
		ParamCharHiddenSize:          4,
		ParamHiddenSize:              4,
		ParamNumLayers:               1,
		ParamLabelSize:               2,
		optimizers.ParamLearningRate: 0.05,
	})
	return ctx
}

// testWordVectors returns a [testVocabSize, testWordEmbedDim] table, with zeros in the padding row.
func testWordVectors() *tensors.Tensor {
	table := make([][]float32, testVocabSize)
	for row := range testVocabSize {
		table[row] = make([]float32, testWordEmbedDim)
		if row == PadTokenID {
			continue
		}
		for col := range testWordEmbedDim {
			table[row][col] = float32(row*testWordEmbedDim+col)/float32(testVocabSize*testWordEmbedDim) - 0.5
		}
	}
	return tensors.FromValue(table)
}

// testBatch has 2 examples of lengths 3 and 2, padded to length 3.
func testBatch(t *testing.T) *Batch {
	batch, err := NewBatch([]Example{
		{Tokens: []int32{2, 3, 4}, Chars: [][]int32{{1, 2}, {3}, {4, 5}}, Label: 1},
		{Tokens: []int32{5, 1}, Chars: [][]int32{{6, 7}, {8, 9}}, Label: 0},
	}, true)
	require.NoError(t, err)
	return batch
}

func TestNewErrors(t *testing.T) {
	testCases := []struct {
		name  string
		param string
		value any
	}{
		{"zero hidden size", ParamHiddenSize, 0},
		{"zero layers", ParamNumLayers, 0},
		{"negative char hidden size", ParamCharHiddenSize, -1},
		{"one label", ParamLabelSize, 1},
		{"dropout 1", ParamEmbedDropout, 1.0},
		{"negative dropout", ParamRNNDropout, -0.1},
		{"odd position embedding", ParamPositionEmbedDim, 3},
		{"unknown mask mode", ParamAttentionMaskMode, "subtractive"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newTestContext()
			ctx.SetParam(tc.param, tc.value)
			_, err := New(ctx.In(ModelScope), testWordVectors())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	ctx := newTestContext()
	for _, table := range []*tensors.Tensor{
		nil,
		tensors.FromValue([]float32{1, 2, 3}),
		tensors.FromValue([][]int32{{1}, {2}, {3}}),
		tensors.FromValue([][]float32{{1, 2}}),
	} {
		_, err := New(ctx.In(ModelScope), table)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}

func TestNewFrozenTable(t *testing.T) {
	ctx := newTestContext()
	classifier, err := New(ctx.In(ModelScope), testWordVectors())
	require.NoError(t, err)
	assert.Equal(t, testVocabSize, classifier.VocabSize())
	assert.Equal(t, testWordEmbedDim, classifier.WordEmbedDim())
	assert.False(t, classifier.WordTable().Trainable)

	// Creating a classifier again on the same context replaces the table.
	ones := make([][]float32, testVocabSize)
	for row := range ones {
		ones[row] = []float32{1, 1, 1}
	}
	classifier, err = New(ctx.In(ModelScope), tensors.FromValue(ones))
	require.NoError(t, err)
	assert.Equal(t, ones, classifier.WordTable().Value().Value())
	assert.False(t, classifier.WordTable().Trainable)

	// But the shape must match.
	_, err = New(ctx.In(ModelScope), tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestForward(t *testing.T) {
	for _, maskMode := range []attnpool.MaskMode{attnpool.MaskAdditive, attnpool.MaskMultiplicative} {
		t.Run(maskMode.String(), func(t *testing.T) {
			backend := testbackend.Build()
			ctx := newTestContext()
			ctx.SetParam(ParamAttentionMaskMode, maskMode.String())
			ctx.SetParam(ParamPositionEmbedDim, 2)
			classifier, err := New(ctx.In(ModelScope), testWordVectors())
			require.NoError(t, err)

			exec := context.NewExec(backend, ctx.In(ModelScope), func(ctx *context.Context, tokens, chars, mask *Node) []*Node {
				logits, weights := classifier.Forward(ctx, tokens, chars, mask)
				return []*Node{logits, weights, ReduceSum(weights, -1)}
			})
			inputs, _ := testBatch(t).Tensors()
			outputs := exec.Call(inputs[0], inputs[1], inputs[2])
			require.Equal(t, []int{2, 2}, outputs[0].Shape().Dimensions)
			require.Equal(t, []int{2, 3}, outputs[1].Shape().Dimensions)
			assert.InDeltaSlice(t, []float32{1, 1}, tensors.CopyFlatData[float32](outputs[2]), 1e-5)
			if maskMode == attnpool.MaskAdditive {
				weights := outputs[1].Value().([][]float32)
				assert.InDelta(t, 0.0, weights[1][2], 1e-6)
			}

			// Inference graphs are deterministic.
			again := exec.Call(inputs[0], inputs[1], inputs[2])
			assert.Equal(t, outputs[0].Value(), again[0].Value())
			assert.Equal(t, outputs[1].Value(), again[1].Value())
		})
	}
}

// TestEndToEnd goes through each stage of the classifier, for a batch of 2 examples of maximum length 3
// and hidden_size=4.
func TestEndToEnd(t *testing.T) {
	backend := testbackend.Build()
	ctx := newTestContext()
	classifier, err := New(ctx.In(ModelScope), testWordVectors())
	require.NoError(t, err)
	modelCtx := ctx.In(ModelScope)
	exec := context.NewExec(backend, modelCtx, func(ctx *context.Context, tokens, chars, mask *Node) []*Node {
		embed := classifier.Embed(ctx, tokens, chars)
		states, final := classifier.seqEncoder(ctx.In(EncoderScope), embed, mask)
		pooled, weights := attnpool.New(final.Summary(), states).Mask(mask).DoneWithWeights()
		logits := classifier.Head(ctx, pooled)
		return []*Node{embed, states, final.Summary(), pooled, weights, logits}
	})
	inputs, _ := testBatch(t).Tensors()
	outputs := exec.Call(inputs[0], inputs[1], inputs[2])
	wantDims := [][]int{
		{2, 3, testWordEmbedDim + 4}, // embed: word + char encodings.
		{2, 3, 8},                    // states
		{2, 8},                       // summary
		{2, 8},                       // pooled
		{2, 3},                       // weights
		{2, 2},                       // logits
	}
	for ii, dims := range wantDims {
		assert.Equalf(t, dims, outputs[ii].Shape().Dimensions, "output #%d", ii)
	}

	// Word embeddings part of the fused embeddings is the frozen table row.
	embed := outputs[0].Value().([][][]float32)
	table := testWordVectors().Value().([][]float32)
	assert.InDeltaSlice(t, table[3], embed[0][1][:testWordEmbedDim], 1e-6)
	assert.InDeltaSlice(t, table[1], embed[1][1][:testWordEmbedDim], 1e-6)
}

func TestMaskingInvariance(t *testing.T) {
	backend := testbackend.Build()
	ctx := newTestContext()
	classifier, err := New(ctx.In(ModelScope), testWordVectors())
	require.NoError(t, err)
	predictor := NewPredictor(backend, ctx.In(ModelScope), classifier)

	batch := testBatch(t)
	want, err := predictor.Predict(batch)
	require.NoError(t, err)

	// Change the padded token (and its characters) of the second example.
	batch.Tokens[1][2] = 7
	batch.Chars[1][2] = []int32{3, 3}
	got, err := predictor.Predict(batch)
	require.NoError(t, err)
	for ii := range want.Logits {
		assert.InDeltaSlice(t, want.Logits[ii], got.Logits[ii], 1e-5)
		assert.InDeltaSlice(t, want.Weights[ii], got.Weights[ii], 1e-5)
	}
	assert.Equal(t, want.Labels, got.Labels)
}

func TestFrozenTableAfterTrainStep(t *testing.T) {
	backend := testbackend.Build()
	ctx := newTestContext()
	modelCtx := ctx.In(ModelScope)
	wordVectors := testWordVectors()
	classifier, err := New(modelCtx, wordVectors)
	require.NoError(t, err)
	trainer := NewTrainer(backend, modelCtx, classifier)
	inputs, labels := testBatch(t).Tensors()

	// First step creates (and updates) all variables.
	_ = trainer.TrainStep(nil, inputs, labels)
	snapshot := func() map[string][]float32 {
		values := make(map[string][]float32)
		ctx.EnumerateVariables(func(v *context.Variable) {
			if !v.Shape().DType.IsFloat() {
				return
			}
			values[varKey(v)] = tensors.CopyFlatData[float32](v.Value())
		})
		return values
	}
	before := snapshot()
	_ = trainer.TrainStep(nil, inputs, labels)
	after := snapshot()

	tableKey := varKey(classifier.WordTable())
	require.Contains(t, after, tableKey)
	assert.Equal(t, tensors.CopyFlatData[float32](wordVectors), after[tableKey], "frozen word table changed")

	var numCharVars, numEncoderVars int
	for key, value := range after {
		switch {
		case strings.Contains(key, "/"+CharEncoderScope+"/"):
			numCharVars++
		case strings.Contains(key, "/"+EncoderScope+"/"):
			numEncoderVars++
		default:
			continue
		}
		assert.NotEqualf(t, before[key], value, "variable %q was not updated", key)
	}
	assert.Greater(t, numCharVars, 0)
	assert.Greater(t, numEncoderVars, 0)
}

func varKey(v *context.Variable) string {
	return v.Scope() + "/" + v.Name()
}
