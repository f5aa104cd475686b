// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package textclf implements a character-aware bidirectional LSTM text classifier with attention pooling.
//
// The forward computation of a batch of right-padded sequences is:
//
//  1. Embedding Fusion: each token is represented by its (frozen) pretrained word vector concatenated
//     with the output of a character encoder over its characters (and, optionally, a sinusoidal
//     position embedding). Dropout ("embed_dropout") is applied while training.
//  2. Sequence encoding: a stacked bidirectional LSTM produces the states of every position and
//     the final states of every layer.
//  3. Masked attention pooling: the final hidden state of the last layer is the query attending over
//     the states of the valid positions.
//  4. Classification head: dropout ("linear_dropout", training only) followed by a linear layer
//     producing one logit per label.
//
// Hyperparameters are given as context parameters, see CreateDefaultContext for the full list.
//
// Example:
//
//	ctx := textclf.CreateDefaultContext()
//	classifier, err := textclf.New(ctx.In("model"), wordVectors) // wordVectors: [vocabSize, wordEmbedDim]
//	...
//	trainer := textclf.NewTrainer(backend, ctx.In("model"), classifier)
package textclf

import "github.com/pkg/errors"

const (
	// PadTokenID is the token id of padding positions. Its row in the word embeddings table is usually zeros.
	PadTokenID = 0

	// UnknownTokenID is the token id reserved for out-of-vocabulary words.
	UnknownTokenID = 1
)

var (
	// ErrInvalidConfig is returned (wrapped) when the hyperparameters or the word embeddings table are not usable.
	ErrInvalidConfig = errors.New("invalid classifier configuration")

	// ErrShapeMismatch is returned (wrapped) when the parts of a batch don't have compatible shapes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrOutOfRange is returned (wrapped) when a token, character or label id is outside its vocabulary.
	ErrOutOfRange = errors.New("id out of range")

	// ErrInvalidMask is returned (wrapped) when a mask is not made of 0s and 1s, or it is not right-padded.
	ErrInvalidMask = errors.New("invalid mask")

	// ErrEmptySequence is returned (wrapped) when an example of a batch has no valid position.
	ErrEmptySequence = errors.New("empty sequence")
)
