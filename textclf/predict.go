// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Prediction holds the outputs of the classifier for one batch.
type Prediction struct {
	// Logits shaped [batchSize, labelSize].
	Logits [][]float32

	// Weights are the attention weights, shaped [batchSize, maxLen]. Each row sums to 1, and padding
	// positions have weight 0 (with the additive mask mode).
	Weights [][]float32

	// Labels with the highest logit for each example, shaped [batchSize].
	Labels []int32
}

// Predictor runs inference (dropouts disabled) with a Classifier.
// It is safe for concurrent use.
type Predictor struct {
	classifier *Classifier
	mu         sync.Mutex
	exec       *context.Exec
}

// NewPredictor creates a Predictor for the classifier, using the variables in ctx.
// ctx should be the same context (scope) used to create and train the classifier.
func NewPredictor(backend backends.Backend, ctx *context.Context, classifier *Classifier) *Predictor {
	p := &Predictor{classifier: classifier}
	p.exec = context.NewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, tokens, chars, mask *Node) (logits, weights *Node) {
			logits, weights = classifier.Forward(ctx, tokens, chars, mask)
			return ConvertDType(logits, dtypes.Float32), ConvertDType(weights, dtypes.Float32)
		})
	return p
}

// LoadPredictor loads the latest checkpoint in checkpointDir into ctx, and creates a Classifier (using the
// frozen wordVectors, which are not saved in checkpoints) and its Predictor.
//
// The hyperparameters stored in the checkpoint are restored into ctx before the Classifier is created
// (see PrepareModel). The classifier variables are expected under the scope ModelScope.
func LoadPredictor(backend backends.Backend, ctx *context.Context, checkpointDir string, wordVectors *tensors.Tensor) (*Predictor, error) {
	if checkpointDir == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "checkpoint directory not given")
	}
	classifier, _, err := PrepareModel(ctx, wordVectors, TrainOptions{CheckpointDir: checkpointDir})
	if err != nil {
		return nil, err
	}
	return NewPredictor(backend, ctx.In(ModelScope), classifier), nil
}

// Classifier used by the predictor.
func (p *Predictor) Classifier() *Classifier { return p.classifier }

// Predict validates the batch and returns the classifier outputs. Labels of the batch, if present, are ignored.
//
// Batches with an example without any valid position are rejected with ErrEmptySequence.
func (p *Predictor) Predict(batch *Batch) (*Prediction, error) {
	config := p.classifier.Config()
	unlabeled := *batch
	unlabeled.Labels = nil
	err := unlabeled.Validate(p.classifier.VocabSize(), config.CharVocabSize, config.LabelSize)
	if err != nil {
		return nil, err
	}

	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		inputs, _ := batch.Tensors()
		p.mu.Lock()
		defer p.mu.Unlock()
		outputs = p.exec.Call(inputs[0], inputs[1], inputs[2])
	})
	if err != nil {
		return nil, errors.WithMessage(err, "textclf: failed to execute classifier")
	}
	logits, weights := outputs[0], outputs[1]
	prediction := &Prediction{
		Logits:  tensorToRows(logits),
		Weights: tensorToRows(weights),
	}
	prediction.Labels = make([]int32, len(prediction.Logits))
	for exampleIdx, row := range prediction.Logits {
		prediction.Labels[exampleIdx] = int32(argMax(row))
	}
	return prediction, nil
}

// tensorToRows converts a Float32 matrix to [][]float32.
func tensorToRows(t *tensors.Tensor) [][]float32 {
	dims := t.Shape().Dimensions
	numRows, numCols := dims[0], dims[1]
	flat := tensors.CopyFlatData[float32](t)
	rows := make([][]float32, numRows)
	for rowIdx := range numRows {
		rows[rowIdx] = flat[rowIdx*numCols : (rowIdx+1)*numCols : (rowIdx+1)*numCols]
	}
	return rows
}

// argMax returns the index of the largest value, the first one in case of ties.
func argMax(values []float32) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}
