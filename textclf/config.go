// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/seqclassifier/ml/layers/attnpool"
	"github.com/gomlx/seqclassifier/ml/layers/charenc"
	"github.com/gomlx/seqclassifier/ml/layers/seqenc"
	"github.com/pkg/errors"
)

// Context hyperparameters used by the classifier.
const (
	ParamCharVocabSize  = charenc.ParamVocabSize
	ParamCharEmbedDim   = charenc.ParamEmbedDim
	ParamCharHiddenSize = charenc.ParamHiddenSize
	ParamCharDropout    = charenc.ParamDropout

	ParamHiddenSize = seqenc.ParamHiddenSize
	ParamNumLayers  = seqenc.ParamNumLayers
	ParamRNNDropout = seqenc.ParamDropout

	// ParamEmbedDropout is the dropout rate applied to the fused embeddings while training.
	ParamEmbedDropout = "embed_dropout"

	// ParamLinearDropout is the dropout rate applied to the pooled states, before the classification head, while training.
	ParamLinearDropout = "linear_dropout"

	// ParamLabelSize is the number of labels (classes), it must be > 1.
	ParamLabelSize = "label_size"

	// ParamAttentionMaskMode is either "additive" (the default) or "multiplicative". See attnpool.MaskMode.
	ParamAttentionMaskMode = "attention_mask_mode"

	// ParamPositionEmbedDim is the size of the sinusoidal position embeddings concatenated to the fused
	// embeddings. 0 disables them. It must be even.
	ParamPositionEmbedDim = "position_embed_dim"

	// ParamBatchSize is the batch size used by the training harness.
	ParamBatchSize = "batch_size"

	// ParamTrainSteps is the number of training steps of TrainModel, counted from global step 0.
	ParamTrainSteps = "train_steps"

	// ParamNumCheckpoints is the number of checkpoints kept by TrainModel.
	ParamNumCheckpoints = "num_checkpoints"
)

// ParamsExcludedFromLoading are parameters not restored from checkpoints: they can be changed in further
// training sessions.
var ParamsExcludedFromLoading = []string{ParamTrainSteps, ParamNumCheckpoints}

// CreateDefaultContext creates a context with the default hyperparameters of the classifier and its
// training harness.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamCharVocabSize:  charenc.DefaultVocabSize,
		ParamCharEmbedDim:   50,
		ParamCharHiddenSize: 50,
		ParamCharDropout:    charenc.DefaultDropout,

		ParamHiddenSize: 128,
		ParamNumLayers:  1,
		ParamRNNDropout: 0.2,

		ParamEmbedDropout:  0.5,
		ParamLinearDropout: 0.5,
		ParamLabelSize:     2,

		ParamAttentionMaskMode: attnpool.MaskAdditive.String(),
		ParamPositionEmbedDim:  0,

		ParamBatchSize:      32,
		ParamTrainSteps:     1000,
		ParamNumCheckpoints: 3,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// Config holds the hyperparameters of the classifier, as read from the context by ConfigFromContext.
type Config struct {
	CharVocabSize, CharEmbedDim, CharHiddenSize int
	CharDropout                                 float64

	HiddenSize, NumLayers int
	RNNDropout            float64

	EmbedDropout, LinearDropout float64
	LabelSize                   int

	MaskMode         attnpool.MaskMode
	PositionEmbedDim int
}

// ConfigFromContext reads the classifier hyperparameters from ctx. Missing parameters take the values
// of CreateDefaultContext.
//
// It doesn't validate the values, see Config.Validate.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	maskModeName := context.GetParamOr(ctx, ParamAttentionMaskMode, attnpool.MaskAdditive.String())
	maskMode, err := attnpool.MaskModeFromString(maskModeName)
	if err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "parameter %q: %v", ParamAttentionMaskMode, err)
	}
	return Config{
		CharVocabSize:  context.GetParamOr(ctx, ParamCharVocabSize, charenc.DefaultVocabSize),
		CharEmbedDim:   context.GetParamOr(ctx, ParamCharEmbedDim, 50),
		CharHiddenSize: context.GetParamOr(ctx, ParamCharHiddenSize, 50),
		CharDropout:    context.GetParamOr(ctx, ParamCharDropout, charenc.DefaultDropout),

		HiddenSize: context.GetParamOr(ctx, ParamHiddenSize, 128),
		NumLayers:  context.GetParamOr(ctx, ParamNumLayers, 1),
		RNNDropout: context.GetParamOr(ctx, ParamRNNDropout, 0.2),

		EmbedDropout:  context.GetParamOr(ctx, ParamEmbedDropout, 0.5),
		LinearDropout: context.GetParamOr(ctx, ParamLinearDropout, 0.5),
		LabelSize:     context.GetParamOr(ctx, ParamLabelSize, 2),

		MaskMode:         maskMode,
		PositionEmbedDim: context.GetParamOr(ctx, ParamPositionEmbedDim, 0),
	}, nil
}

// Validate returns an error wrapping ErrInvalidConfig if any of the hyperparameters is not usable.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{ParamCharVocabSize, c.CharVocabSize},
		{ParamCharEmbedDim, c.CharEmbedDim},
		{ParamCharHiddenSize, c.CharHiddenSize},
		{ParamHiddenSize, c.HiddenSize},
		{ParamNumLayers, c.NumLayers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "parameter %q must be > 0, got %d", p.name, p.value)
		}
	}
	if c.LabelSize <= 1 {
		return errors.Wrapf(ErrInvalidConfig, "parameter %q must be > 1, got %d", ParamLabelSize, c.LabelSize)
	}
	rates := []struct {
		name  string
		value float64
	}{
		{ParamCharDropout, c.CharDropout},
		{ParamRNNDropout, c.RNNDropout},
		{ParamEmbedDropout, c.EmbedDropout},
		{ParamLinearDropout, c.LinearDropout},
	}
	for _, r := range rates {
		if r.value < 0 || r.value >= 1 {
			return errors.Wrapf(ErrInvalidConfig, "parameter %q must be in [0, 1), got %g", r.name, r.value)
		}
	}
	if c.PositionEmbedDim < 0 || c.PositionEmbedDim%2 != 0 {
		return errors.Wrapf(ErrInvalidConfig, "parameter %q must be 0 (disabled) or a positive even number, got %d",
			ParamPositionEmbedDim, c.PositionEmbedDim)
	}
	if c.MaskMode != attnpool.MaskAdditive && c.MaskMode != attnpool.MaskMultiplicative {
		return errors.Wrapf(ErrInvalidConfig, "invalid attention mask mode %d", c.MaskMode)
	}
	return nil
}
