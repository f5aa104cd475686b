// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelScope is the scope, under the root context, where TrainModel and LoadPredictor keep the classifier.
const ModelScope = "model"

// NewTrainer creates a train.Trainer for the classifier, using the sparse categorical cross-entropy loss
// on the logits and the optimizer configured in ctx (see optimizers.FromContext).
//
// Training metrics: moving average accuracy. Evaluation metrics: mean accuracy.
func NewTrainer(backend backends.Backend, ctx *context.Context, classifier *Classifier) *train.Trainer {
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(backend, ctx, classifier.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
}

// TrainOptions configures TrainModel.
type TrainOptions struct {
	// CheckpointDir where to restore from and save checkpoints (see PrepareModel). If empty no checkpoints are used.
	CheckpointDir string

	// ParamsSet are the hyperparameters set by the user (e.g.: from the command line), which are not
	// overwritten by the values stored in a checkpoint.
	ParamsSet []string

	// EvalDatasets are evaluated at the end of the training, and reported. Optional.
	EvalDatasets []train.Dataset

	// Verbosity: 0 for no progress bar, 1 for progress bar, 2 to also print the hyperparameters.
	Verbosity int
}

// PrepareModel creates the Classifier in ctx.In(ModelScope) with the frozen wordVectors.
//
// If opts.CheckpointDir is set, the checkpoint there (if any) is loaded first: its hyperparameters, except
// those in opts.ParamsSet and ParamsExcludedFromLoading, overwrite the ones in ctx before the Classifier
// reads its configuration. The returned checkpoint handler, nil if opts.CheckpointDir is empty, saves
// everything but the word embeddings.
func PrepareModel(ctx *context.Context, wordVectors *tensors.Tensor, opts TrainOptions) (*Classifier, *checkpoints.Handler, error) {
	modelCtx := ctx.In(ModelScope)
	wordTable, err := setWordTable(modelCtx, wordVectors)
	if err != nil {
		return nil, nil, err
	}
	var checkpoint *checkpoints.Handler
	if opts.CheckpointDir != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			Dir(opts.CheckpointDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(slices.Concat(opts.ParamsSet, ParamsExcludedFromLoading)...).
			ExcludeVars(wordTable).
			Done()
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "loading checkpoints from %q", opts.CheckpointDir)
		}
		klog.V(1).Infof("Checkpoint: %q", checkpoint.Dir())
	}
	classifier, err := New(modelCtx, wordVectors)
	if err != nil {
		return nil, nil, err
	}
	return classifier, checkpoint, nil
}

// TrainModel trains the classifier for "train_steps" steps (see ParamTrainSteps), counting from the current
// global step, using the classifier created in ctx.In(ModelScope) by PrepareModel.
//
// trainDS must yield batches of Classifier.ModelGraph inputs and [batchSize, 1] labels, and it must not end
// before the training does (see BatchesDataset.Infinite).
//
// If checkpoint is not nil, it is saved periodically and at the end of the training.
func TrainModel(backend backends.Backend, ctx *context.Context, classifier *Classifier, checkpoint *checkpoints.Handler,
	trainDS train.Dataset, opts TrainOptions) (*train.Trainer, error) {
	if opts.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	modelCtx := ctx.In(ModelScope)
	trainer := NewTrainer(backend, modelCtx, classifier)
	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 1 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		train.NTimesDuringLoop(loop, numCheckpoints, "checkpointing", 100, checkpoint.OnStepFn)
	}

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(modelCtx))
	if globalStep > 0 {
		trainer.SetContext(modelCtx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err := loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			return nil, errors.WithMessage(err, "training classifier")
		}
		klog.V(1).Infof("[Step %d] median train step: %d microseconds",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		if checkpoint != nil {
			if err := checkpoint.Save(); err != nil {
				return nil, errors.WithMessage(err, "saving final checkpoint")
			}
		}
	} else {
		klog.Warningf("target %q=%d already reached (global step %d): nothing to train", ParamTrainSteps, numTrainSteps, globalStep)
	}

	if len(opts.EvalDatasets) > 0 {
		if err := commandline.ReportEval(trainer, opts.EvalDatasets...); err != nil {
			return nil, errors.WithMessage(err, "evaluating classifier")
		}
	}
	return trainer, nil
}
