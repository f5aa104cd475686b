// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/seqclassifier/internal/testbackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainModelAndLoadPredictor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
		return
	}
	backend := testbackend.Build()
	checkpointDir := t.TempDir()
	wordVectors := testWordVectors()

	ctx := newTestContext()
	ctx.SetParam(ParamTrainSteps, 5)
	opts := TrainOptions{CheckpointDir: checkpointDir}
	classifier, checkpoint, err := PrepareModel(ctx, wordVectors, opts)
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	trainDS := NewBatchesDataset("train", []*Batch{testBatch(t)}).Infinite(true)
	evalDS := NewBatchesDataset("eval", []*Batch{testBatch(t)})
	opts.EvalDatasets = []train.Dataset{evalDS}
	trainer, err := TrainModel(backend, ctx, classifier, checkpoint, trainDS, opts)
	require.NoError(t, err)
	require.NotNil(t, trainer)
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(ctx.In(ModelScope)))

	evalDS.Reset()
	evalMetrics := trainer.Eval(evalDS)
	require.NotEmpty(t, evalMetrics)

	want, err := NewPredictor(backend, ctx.In(ModelScope), classifier).Predict(testBatch(t))
	require.NoError(t, err)

	// Restore in a fresh context: the word table is not in the checkpoint, and it's given again.
	loaded, err := LoadPredictor(backend, CreateDefaultContext(), checkpointDir, wordVectors)
	require.NoError(t, err)
	assert.Equal(t, classifier.Config(), loaded.Classifier().Config())
	got, err := loaded.Predict(testBatch(t))
	require.NoError(t, err)
	for ii := range want.Logits {
		assert.InDeltaSlice(t, want.Logits[ii], got.Logits[ii], 1e-5)
	}

	// Training further is a no-op once train_steps is reached.
	_, err = TrainModel(backend, ctx, classifier, nil, trainDS, TrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(ctx.In(ModelScope)))

	_, err = LoadPredictor(backend, CreateDefaultContext(), "", wordVectors)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// TestTrainModelResumesCheckpointParams checks that resuming the training from a checkpoint uses the
// hyperparameters stored in it, and not the defaults of the new context, except for the ones given
// explicitly by the user.
func TestTrainModelResumesCheckpointParams(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
		return
	}
	backend := testbackend.Build()
	checkpointDir := t.TempDir()
	wordVectors := testWordVectors()

	ctx := newTestContext()
	ctx.SetParams(map[string]any{
		ParamLabelSize:  3,
		ParamHiddenSize: 6,
		ParamTrainSteps: 3,
	})
	opts := TrainOptions{CheckpointDir: checkpointDir}
	classifier, checkpoint, err := PrepareModel(ctx, wordVectors, opts)
	require.NoError(t, err)
	trainDS := NewBatchesDataset("train", []*Batch{testBatch(t)}).Infinite(true)
	_, err = TrainModel(backend, ctx, classifier, checkpoint, trainDS, opts)
	require.NoError(t, err)
	want := classifier.Config()

	// New context with the defaults, and only train_steps (never loaded from checkpoints) and
	// linear_dropout (set by the user) changed.
	resumeCtx := CreateDefaultContext()
	resumeCtx.SetParams(map[string]any{
		ParamTrainSteps:    5,
		ParamLinearDropout: 0.25,
	})
	opts.ParamsSet = []string{ParamLinearDropout}
	resumed, checkpoint, err := PrepareModel(resumeCtx, wordVectors, opts)
	require.NoError(t, err)
	got := resumed.Config()
	assert.Equal(t, 3, got.LabelSize)
	assert.Equal(t, 6, got.HiddenSize)
	assert.Equal(t, want.CharVocabSize, got.CharVocabSize)
	assert.Equal(t, 0.25, got.LinearDropout)
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(resumeCtx.In(ModelScope)))

	_, err = TrainModel(backend, resumeCtx, resumed, checkpoint, trainDS, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(5), optimizers.GetGlobalStep(resumeCtx.In(ModelScope)))
	assert.Equal(t, 5, context.GetParamOr(resumeCtx, ParamTrainSteps, 0))
}
