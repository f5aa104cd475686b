// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/seqclassifier/ml/layers/attnpool"
	"github.com/gomlx/seqclassifier/ml/layers/charenc"
	"github.com/gomlx/seqclassifier/ml/layers/posembed"
	"github.com/gomlx/seqclassifier/ml/layers/seqenc"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes of the sub-models, relative to the classifier context.
const (
	WordEmbeddingScope = "word_embedding"
	CharEncoderScope   = "char_encoder"
	EncoderScope       = "encoder"
	LinearScope        = "linear"
)

// WordEmbeddingVarName is the name of the frozen word embeddings variable, in WordEmbeddingScope.
const WordEmbeddingVarName = "embeddings"

// CharEncoderFn encodes the characters of each token: chars are shaped [batchSize, seqLen, maxCharLen]
// and the output must be shaped [batchSize, seqLen, charHiddenSize].
type CharEncoderFn func(ctx *context.Context, chars *Node) *Node

// SequenceEncoderFn encodes the sequence x, shaped [batchSize, seqLen, featuresSize], given the mask,
// shaped [batchSize, seqLen]. The states must be shaped [batchSize, seqLen, stateSize], and final.Summary()
// (the attention query) [batchSize, stateSize].
type SequenceEncoderFn func(ctx *context.Context, x, mask *Node) (states *Node, final seqenc.State)

// Classifier builds the computation graph of the text classifier. Create it with New.
//
// It holds no graph state, and the same Classifier can be used to build any number of graphs
// (training, evaluation, inference).
type Classifier struct {
	config                  Config
	vocabSize, wordEmbedDim int
	dtype                   dtypes.DType
	wordTable               *context.Variable
	charEncoder             CharEncoderFn
	seqEncoder              SequenceEncoderFn
	positions               *posembed.Sinusoidal
}

// New creates a Classifier configured with the hyperparameters in ctx, using wordVectors, shaped
// [vocabSize, wordEmbedDim], as the frozen pretrained word embeddings.
//
// The word embeddings are stored in the variable WordEmbeddingScope/WordEmbeddingVarName of ctx, marked as
// not trainable. If the variable already exists, its value is replaced.
//
// Configuration errors are returned wrapping ErrInvalidConfig.
func New(ctx *context.Context, wordVectors *tensors.Tensor) (*Classifier, error) {
	config, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	wordTable, err := setWordTable(ctx, wordVectors)
	if err != nil {
		return nil, err
	}
	tableShape := wordVectors.Shape()

	c := &Classifier{
		config:       config,
		vocabSize:    tableShape.Dim(0),
		wordEmbedDim: tableShape.Dim(1),
		dtype:        tableShape.DType,
		charEncoder:  charenc.Encode,
		seqEncoder:   seqenc.Encode,
	}
	if config.PositionEmbedDim > 0 {
		c.positions, err = posembed.NewSinusoidal(config.PositionEmbedDim)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "parameter %q: %v", ParamPositionEmbedDim, err)
		}
		c.positions.WithDType(c.dtype)
	}

	c.wordTable = wordTable
	klog.V(1).Infof("textclf.New: vocabSize=%d, wordEmbedDim=%d, dtype=%s, config=%+v",
		c.vocabSize, c.wordEmbedDim, c.dtype, config)
	return c, nil
}

// setWordTable validates wordVectors and stores it in the frozen word embeddings variable of ctx,
// creating it if needed.
func setWordTable(ctx *context.Context, wordVectors *tensors.Tensor) (*context.Variable, error) {
	if wordVectors == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "word embeddings table not given")
	}
	tableShape := wordVectors.Shape()
	if tableShape.Rank() != 2 || !tableShape.DType.IsFloat() {
		return nil, errors.Wrapf(ErrInvalidConfig, "word embeddings table must be a float matrix [vocabSize, wordEmbedDim], got %s", tableShape)
	}
	if tableShape.Dim(0) <= UnknownTokenID || tableShape.Dim(1) <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "word embeddings table %s must have at least %d rows (padding and unknown tokens) and 1 column",
			tableShape, UnknownTokenID+1)
	}

	wordCtx := ctx.In(WordEmbeddingScope)
	table := wordCtx.InspectVariable(wordCtx.Scope(), WordEmbeddingVarName)
	if table == nil {
		table = wordCtx.VariableWithValue(WordEmbeddingVarName, wordVectors)
	} else {
		if !table.Shape().Equal(tableShape) {
			return nil, errors.Wrapf(ErrInvalidConfig, "word embeddings table %s doesn't match existing variable %s",
				tableShape, table.Shape())
		}
		table.SetValue(wordVectors)
	}
	table.SetTrainable(false)
	return table, nil
}

// WithCharEncoder replaces the default character encoder (charenc.Encode).
func (c *Classifier) WithCharEncoder(fn CharEncoderFn) *Classifier {
	c.charEncoder = fn
	return c
}

// WithSequenceEncoder replaces the default sequence encoder (seqenc.Encode).
func (c *Classifier) WithSequenceEncoder(fn SequenceEncoderFn) *Classifier {
	c.seqEncoder = fn
	return c
}

// Config returns the hyperparameters used by the classifier.
func (c *Classifier) Config() Config { return c.config }

// VocabSize is the number of rows of the word embeddings table.
func (c *Classifier) VocabSize() int { return c.vocabSize }

// WordEmbedDim is the number of columns of the word embeddings table.
func (c *Classifier) WordEmbedDim() int { return c.wordEmbedDim }

// DType of the word embeddings, and of the classifier computation.
func (c *Classifier) DType() dtypes.DType { return c.dtype }

// WordTable returns the (frozen) word embeddings variable.
func (c *Classifier) WordTable() *context.Variable { return c.wordTable }

// Embed returns the fused embeddings of the tokens, shaped [batchSize, seqLen, wordEmbedDim+charHiddenSize(+positionEmbedDim)].
//
//   - tokens: integer token ids shaped [batchSize, seqLen].
//   - chars: integer character ids shaped [batchSize, seqLen, maxCharLen].
//
// No gradient flows to the word embeddings table. While training, dropout "embed_dropout" is applied.
func (c *Classifier) Embed(ctx *context.Context, tokens, chars *Node) *Node {
	g := tokens.Graph()
	if tokens.Rank() != 2 || !tokens.DType().IsInt() {
		Panicf("textclf: tokens must be integers shaped [batchSize, seqLen], got %s", tokens.Shape())
	}
	batchSize, seqLen := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	if chars.Rank() != 3 || chars.Shape().Dim(0) != batchSize || chars.Shape().Dim(1) != seqLen {
		Panicf("textclf: chars must be shaped [batchSize=%d, seqLen=%d, maxCharLen], got %s", batchSize, seqLen, chars.Shape())
	}

	table := c.wordTable.ValueGraph(g)
	wordEmbed := Gather(table, Reshape(tokens, batchSize*seqLen, 1))
	wordEmbed = StopGradient(Reshape(wordEmbed, batchSize, seqLen, c.wordEmbedDim))

	charEmbed := c.charEncoder(ctx.In(CharEncoderScope), chars)
	if charEmbed.Rank() != 3 || charEmbed.Shape().Dim(0) != batchSize || charEmbed.Shape().Dim(1) != seqLen {
		Panicf("textclf: character encoder output must be shaped [batchSize=%d, seqLen=%d, charHiddenSize], got %s",
			batchSize, seqLen, charEmbed.Shape())
	}
	if charEmbed.DType() != c.dtype {
		charEmbed = ConvertDType(charEmbed, c.dtype)
	}

	parts := []*Node{wordEmbed, charEmbed}
	if c.positions != nil {
		parts = append(parts, c.positions.Apply(posembed.SequentialPositions(g, batchSize, seqLen)))
	}
	embed := Concatenate(parts, -1)
	return layers.DropoutStatic(ctx, embed, c.config.EmbedDropout)
}

// Head returns the logits, shaped [batchSize, labelSize], for the pooled states, shaped [batchSize, stateSize].
// While training, dropout "linear_dropout" is applied to the pooled states.
func (c *Classifier) Head(ctx *context.Context, pooled *Node) *Node {
	pooled = layers.DropoutStatic(ctx, pooled, c.config.LinearDropout)
	return layers.DenseWithBias(ctx.In(LinearScope), pooled, c.config.LabelSize)
}

// Forward builds the full classifier graph and returns the logits, shaped [batchSize, labelSize], and the
// attention weights, shaped [batchSize, seqLen].
//
//   - tokens: integer token ids shaped [batchSize, seqLen].
//   - chars: integer character ids shaped [batchSize, seqLen, maxCharLen].
//   - mask: float or bool, shaped [batchSize, seqLen], 1 (true) for valid positions and 0 (false)
//     for padding. Sequences must be right-padded.
//
// Dropouts are only active if ctx.IsTraining(g).
func (c *Classifier) Forward(ctx *context.Context, tokens, chars, mask *Node) (logits, weights *Node) {
	if mask.Rank() != 2 || tokens.Rank() != 2 ||
		mask.Shape().Dim(0) != tokens.Shape().Dim(0) || mask.Shape().Dim(1) != tokens.Shape().Dim(1) {
		Panicf("textclf: mask must be shaped like tokens %s, got %s", tokens.Shape(), mask.Shape())
	}
	embed := c.Embed(ctx, tokens, chars)
	states, final := c.seqEncoder(ctx.In(EncoderScope), embed, mask)
	pooled, weights := attnpool.New(final.Summary(), states).
		Mask(mask).
		MaskMode(c.config.MaskMode).
		DoneWithWeights()
	logits = c.Head(ctx, pooled)
	return
}

// ModelGraph implements train.ModelFn. It takes as inputs [tokens, chars, mask] and returns [logits].
func (c *Classifier) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	if len(inputs) != 3 {
		Panicf("textclf: ModelGraph expects 3 inputs (tokens, chars, mask), got %d", len(inputs))
	}
	logits, _ := c.Forward(ctx, inputs[0], inputs[1], inputs[2])
	return []*Node{logits}
}
