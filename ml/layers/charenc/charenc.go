// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package charenc implements a character-level encoder of tokens: each token is represented by the
// final states of a bidirectional LSTM (seqenc.BiLSTM) run over the embeddings of its characters.
//
// Character id 0 is padding: tokens are right-padded with it up to the maximum number of characters,
// and padding tokens have only padding characters (they are encoded from zero LSTM states).
package charenc

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/seqclassifier/ml/layers/seqenc"
)

const (
	// ParamVocabSize is the context hyperparameter with the number of distinct character ids.
	ParamVocabSize = "char_vocab_size"

	// ParamEmbedDim is the context hyperparameter with the size of the character embeddings.
	ParamEmbedDim = "char_embed_dim"

	// ParamHiddenSize is the context hyperparameter with the size of the encoding of each token.
	ParamHiddenSize = "char_hidden_size"

	// ParamDropout is the context hyperparameter with the dropout rate applied to the character
	// embeddings during training.
	ParamDropout = "char_dropout"
)

// Defaults used when the hyperparameters are not set in the context.
const (
	DefaultVocabSize  = 128
	DefaultEmbedDim   = 32
	DefaultHiddenSize = 32
	DefaultDropout    = 0.5
)

// PadCharID is the character id used for padding.
const PadCharID = 0

// DType of the character embeddings and of the encoder output.
var DType = dtypes.Float32

// Encode the characters of each token, given chars shaped [batchSize, seqLen, maxCharLen] (integer dtype).
//
// It returns the encodings shaped [batchSize, seqLen, char_hidden_size].
func Encode(ctx *context.Context, chars *Node) *Node {
	if chars.Rank() != 3 || !chars.DType().IsInt() {
		Panicf("charenc.Encode requires integer chars shaped [batchSize, seqLen, maxCharLen], got %s", chars.Shape())
	}
	vocabSize := context.GetParamOr(ctx, ParamVocabSize, DefaultVocabSize)
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, DefaultEmbedDim)
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, DefaultHiddenSize)
	dropoutRate := context.GetParamOr(ctx, ParamDropout, DefaultDropout)
	if vocabSize <= 0 || embedDim <= 0 || hiddenSize <= 0 {
		Panicf("charenc.Encode: %q (%d), %q (%d) and %q (%d) must be > 0",
			ParamVocabSize, vocabSize, ParamEmbedDim, embedDim, ParamHiddenSize, hiddenSize)
	}
	batchSize, seqLen, maxCharLen := chars.Shape().Dim(0), chars.Shape().Dim(1), chars.Shape().Dim(2)
	numTokens := batchSize * seqLen

	// Each token becomes one sequence of characters: [batchSize*seqLen, maxCharLen, embedDim].
	flatChars := Reshape(chars, numTokens, maxCharLen)
	embed := layers.Embedding(ctx.In("char_embedding"), flatChars, DType, vocabSize, embedDim)
	embed = layers.DropoutStatic(ctx, embed, dropoutRate)

	// Final states of both directions: [numTokens, 2*hiddenSize].
	_, encoded := seqenc.BiLSTM(ctx.In("char_bilstm"), embed, Reshape(CharLengths(chars), numTokens), hiddenSize)
	encoded = layers.DenseWithBias(ctx.In("projection"), encoded, hiddenSize)
	return Reshape(encoded, batchSize, seqLen, hiddenSize)
}

// CharLengths returns the number of non-padding characters of each token, given chars shaped
// [batchSize, seqLen, maxCharLen]. The result is shaped [batchSize, seqLen], with dtype Int32.
func CharLengths(chars *Node) *Node {
	chars = ConvertDType(chars, dtypes.Int32)
	isChar := NotEqual(chars, ZerosLike(chars))
	counts := Where(isChar, OnesLike(chars), ZerosLike(chars))
	return ReduceSum(counts, -1)
}
