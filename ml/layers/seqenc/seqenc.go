// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package seqenc implements a stacked bidirectional LSTM sequence encoder over right-padded sequences.
//
// Each direction of each layer only sees the valid positions of its example: the forward LSTM runs
// over the sequence as is, and the final state is taken at the last valid position; the backward LSTM
// runs over the valid positions reversed in place (padding stays at the end). So padded positions never
// influence the states of valid positions. States of padded positions are zeroed.
//
// Hyperparameters are read from the context:
//
//   - ParamHiddenSize ("hidden_size"): size of the hidden state of each direction. Encoded states have size 2*hidden_size.
//   - ParamNumLayers ("nb_layer"): number of stacked bidirectional layers.
//   - ParamDropout ("rnn_dropout"): dropout applied to the input of every layer after the first, during training only.
package seqenc

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/lstm"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ParamHiddenSize is the context hyperparameter for the hidden size of each LSTM direction.
	ParamHiddenSize = "hidden_size"

	// ParamNumLayers is the context hyperparameter for the number of stacked bidirectional LSTM layers.
	ParamNumLayers = "nb_layer"

	// ParamDropout is the context hyperparameter for the dropout rate between stacked layers.
	ParamDropout = "rnn_dropout"
)

// Defaults used when the hyperparameters are not set in the context.
const (
	DefaultHiddenSize = 128
	DefaultNumLayers  = 1
)

// State holds the final hidden states of each layer, with both directions concatenated.
// Only the hidden component of the LSTM state is exposed.
type State struct {
	// Hidden is shaped [numLayers, batchSize, 2*hiddenSize].
	Hidden *Node
}

// Summary returns the final hidden state of the last layer, shaped [batchSize, 2*hiddenSize].
// The forward half is the state after the last valid position, the backward half the state after position 0.
func (s State) Summary() *Node {
	numLayers := s.Hidden.Shape().Dim(0)
	return Squeeze(Slice(s.Hidden, AxisElem(numLayers-1)), 0)
}

// Lengths returns the number of valid positions of each example, given a right-padded mask shaped
// [batchSize, seqLen] (float or bool). The result is shaped [batchSize] with dtype Int32.
func Lengths(mask *Node) *Node {
	if mask.Rank() != 2 {
		Panicf("seqenc.Lengths requires mask shaped [batchSize, seqLen], got %s", mask.Shape())
	}
	if mask.DType() == dtypes.Bool {
		mask = ConvertDType(mask, dtypes.Float32)
	}
	return ConvertDType(ReduceSum(mask, -1), dtypes.Int32)
}

// Encode runs the stacked bidirectional LSTM on x, shaped [batchSize, seqLen, featuresSize], using
// mask, shaped [batchSize, seqLen], to derive the length of each example.
//
// It returns the states of the last layer for every position, shaped [batchSize, seqLen, 2*hiddenSize],
// and the final states of every layer.
func Encode(ctx *context.Context, x, mask *Node) (states *Node, final State) {
	if x.Rank() != 3 {
		Panicf("seqenc.Encode requires x shaped [batchSize, seqLen, featuresSize], got %s", x.Shape())
	}
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	if mask.Rank() != 2 || mask.Shape().Dim(0) != batchSize || mask.Shape().Dim(1) != seqLen {
		Panicf("seqenc.Encode: mask must be shaped [batchSize=%d, seqLen=%d], got %s", batchSize, seqLen, mask.Shape())
	}
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, DefaultHiddenSize)
	numLayers := context.GetParamOr(ctx, ParamNumLayers, DefaultNumLayers)
	dropoutRate := context.GetParamOr(ctx, ParamDropout, 0.0)
	if hiddenSize <= 0 || numLayers <= 0 {
		Panicf("seqenc.Encode: %q (%d) and %q (%d) must be > 0", ParamHiddenSize, hiddenSize, ParamNumLayers, numLayers)
	}

	lengths := Lengths(mask)
	validPositions := ConvertDType(mask, x.DType())
	validPositions = InsertAxes(validPositions, -1) // [batchSize, seqLen, 1]
	validPositions = BroadcastToDims(validPositions, batchSize, seqLen, 2*hiddenSize)

	lastHidden := make([]*Node, numLayers)
	for layerIdx := range numLayers {
		if layerIdx > 0 {
			x = layers.DropoutStatic(ctx, x, dropoutRate)
		}
		x, lastHidden[layerIdx] = BiLSTM(ctx.In(fmt.Sprintf("bilstm_%d", layerIdx)), x, lengths, hiddenSize)
		x = Mul(x, validPositions)
	}
	states = x
	final = State{Hidden: Stack(lastHidden, 0)}
	return
}

// BiLSTM runs a bidirectional LSTM over the right-padded x, shaped [batchSize, seqLen, featuresSize], where
// lengths, shaped [batchSize], holds the number of valid positions of each example.
//
// Each direction has its own weights, in the sub-scopes "forward" and "backward" of ctx.
//
// It returns the states of every position, shaped [batchSize, seqLen, 2*hiddenSize] (forward half first),
// and the final hidden states of both directions concatenated, shaped [batchSize, 2*hiddenSize].
// States at padding positions are not meaningful, and examples of length 0 get zero final states.
func BiLSTM(ctx *context.Context, x, lengths *Node, hiddenSize int) (states, last *Node) {
	lengths = ConvertDType(lengths, dtypes.Int32)
	forward := runLSTM(ctx.In("forward"), x, hiddenSize)
	backward := runLSTM(ctx.In("backward"), ReverseValid(x, lengths), hiddenSize)

	lastPositions := Max(Sub(lengths, OnesLike(lengths)), ZerosLike(lengths))
	lastPositions = InsertAxes(lastPositions, -1) // [batchSize, 1]
	last = Concatenate([]*Node{
		GatherPositions(forward, lastPositions),
		GatherPositions(backward, lastPositions),
	}, -1)
	batchSize := x.Shape().Dim(0)
	last = Reshape(last, batchSize, 2*hiddenSize)
	nonEmpty := ConvertDType(GreaterThan(lengths, ZerosLike(lengths)), last.DType())
	last = Mul(last, BroadcastToDims(InsertAxes(nonEmpty, -1), batchSize, 2*hiddenSize))

	states = Concatenate([]*Node{forward, ReverseValid(backward, lengths)}, -1)
	return
}

// runLSTM runs a forward LSTM over x, and returns all its hidden states shaped [batchSize, seqLen, hiddenSize].
func runLSTM(ctx *context.Context, x *Node, hiddenSize int) *Node {
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	allHidden, _, _ := lstm.New(ctx, x, hiddenSize).Done()
	// allHidden: [seqLen, 1, batchSize, hiddenSize] -> [batchSize, seqLen, hiddenSize]
	allHidden = Reshape(allHidden, seqLen, batchSize, hiddenSize)
	return TransposeAllDims(allHidden, 1, 0, 2)
}

// ReverseValid reverses the first lengths[b] positions of each example b of x, shaped [batchSize, seqLen, ...].
// Positions past the length (padding) are kept in place. Reversing twice returns the original x.
func ReverseValid(x, lengths *Node) *Node {
	g := x.Graph()
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	lengths = ConvertDType(lengths, dtypes.Int32)
	positions := Iota(g, shapes.Make(dtypes.Int32, batchSize, seqLen), 1)
	lengths2D := BroadcastToDims(InsertAxes(lengths, -1), batchSize, seqLen)
	reversed := Sub(Sub(lengths2D, OnesLike(lengths2D)), positions)
	source := Where(LessThan(positions, lengths2D), reversed, positions)
	return GatherPositions(x, source)
}

// GatherPositions returns y[b, i, ...] = x[b, positions[b, i], ...], for x shaped [batchSize, seqLen, ...]
// and integer positions shaped [batchSize, numPositions].
func GatherPositions(x, positions *Node) *Node {
	g := x.Graph()
	batchSize, seqLen := x.Shape().Dim(0), x.Shape().Dim(1)
	if positions.Rank() != 2 || positions.Shape().Dim(0) != batchSize {
		Panicf("seqenc.GatherPositions requires positions shaped [batchSize=%d, numPositions], got %s",
			batchSize, positions.Shape())
	}
	numPositions := positions.Shape().Dim(1)
	featureDims := x.Shape().Dimensions[2:]

	// Flat indices into x reshaped to [batchSize*seqLen, ...].
	positions = ConvertDType(positions, dtypes.Int32)
	offsets := MulScalar(Iota(g, shapes.Make(dtypes.Int32, batchSize, numPositions), 0), float64(seqLen))
	indices := Reshape(Add(offsets, positions), batchSize*numPositions, 1)
	flatX := Reshape(x, append([]int{batchSize * seqLen}, featureDims...)...)
	gathered := Gather(flatX, indices)
	return Reshape(gathered, append([]int{batchSize, numPositions}, featureDims...)...)
}
