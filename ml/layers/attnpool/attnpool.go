// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attnpool implements masked dot-product attention pooling: a single query per example
// (typically the final state of a recurrent encoder) attends over the sequence of states of the
// example, and the states are averaged with the resulting attention weights.
//
// Example:
//
//	// query: [batchSize, hiddenSize], states: [batchSize, seqLen, hiddenSize], mask: [batchSize, seqLen]
//	pooled, weights := attnpool.New(query, states).Mask(mask).DoneWithWeights()
package attnpool

import (
	"maps"
	"math"
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaskMode defines how the padding mask is applied to the attention scores.
type MaskMode int

const (
	// MaskAdditive replaces the scaled scores of masked positions by a large negative value
	// before the softmax, so padding positions get (numerically) zero attention weight.
	MaskAdditive MaskMode = iota

	// MaskMultiplicative multiplies the raw scores by the mask before scaling. Masked positions
	// end up with a score of 0, which still receives weight after the softmax unless all
	// valid scores are much larger than 0.
	MaskMultiplicative
)

// MaskedScore is the value given to the scores of masked positions with MaskAdditive.
const MaskedScore = -1e9

var maskModeNames = map[string]MaskMode{
	"additive":       MaskAdditive,
	"multiplicative": MaskMultiplicative,
}

// String implements fmt.Stringer.
func (m MaskMode) String() string {
	for name, mode := range maskModeNames {
		if mode == m {
			return name
		}
	}
	return "unknown"
}

// MaskModeFromString parses "additive" or "multiplicative" (case-insensitive).
func MaskModeFromString(name string) (MaskMode, error) {
	mode, found := maskModeNames[strings.ToLower(name)]
	if !found {
		names := slices.Sorted(maps.Keys(maskModeNames))
		return MaskAdditive, errors.Errorf("unknown attention mask mode %q, valid values are %q", name, names)
	}
	return mode, nil
}

// Pool holds the configuration of the attention pooling. Create it with New, configure it
// and call Done or DoneWithWeights.
type Pool struct {
	query, states, mask *Node
	maskMode            MaskMode
	scale               float64
	hasCustomScale      bool
}

// New creates an attention pooling of states using query.
//
//   - query: shaped [batchSize, hiddenSize].
//   - states: used both as keys and values, shaped [batchSize, seqLen, hiddenSize].
func New(query, states *Node) *Pool {
	return &Pool{
		query:    query,
		states:   states,
		maskMode: MaskAdditive,
	}
}

// Mask sets the validity mask, shaped [batchSize, seqLen], with 1 (or true) for valid positions
// and 0 (or false) for padding. It can be a float or a boolean tensor.
//
// If not set (or set to nil), all positions are considered valid.
func (p *Pool) Mask(mask *Node) *Pool {
	p.mask = mask
	return p
}

// MaskMode configures how the mask is applied. Default is MaskAdditive.
func (p *Pool) MaskMode(mode MaskMode) *Pool {
	p.maskMode = mode
	return p
}

// Scale sets a custom scale for the scores. Default is 1/sqrt(hiddenSize).
func (p *Pool) Scale(scale float64) *Pool {
	p.scale = scale
	p.hasCustomScale = true
	return p
}

// Done returns the pooled states, shaped [batchSize, hiddenSize].
func (p *Pool) Done() *Node {
	pooled, _ := p.DoneWithWeights()
	return pooled
}

// DoneWithWeights returns the pooled states, shaped [batchSize, hiddenSize], and the attention
// weights used, shaped [batchSize, seqLen].
//
// The weights of each example sum to 1. An example with all positions masked gets uniform weights.
func (p *Pool) DoneWithWeights() (pooled, weights *Node) {
	query, states, mask := p.query, p.states, p.mask
	if query.Rank() != 2 || states.Rank() != 3 {
		Panicf("attnpool: query must be shaped [batchSize, hiddenSize] and states [batchSize, seqLen, hiddenSize], got %s and %s",
			query.Shape(), states.Shape())
	}
	batchSize, hiddenSize := query.Shape().Dim(0), query.Shape().Dim(1)
	seqLen := states.Shape().Dim(1)
	if states.Shape().Dim(0) != batchSize || states.Shape().Dim(2) != hiddenSize {
		Panicf("attnpool: states shape %s incompatible with query shape %s", states.Shape(), query.Shape())
	}
	if !query.DType().IsFloat() || query.DType() != states.DType() {
		Panicf("attnpool: query and states must have the same float dtype, got %s and %s", query.DType(), states.DType())
	}
	if mask != nil {
		if mask.Rank() != 2 || mask.Shape().Dim(0) != batchSize || mask.Shape().Dim(1) != seqLen {
			Panicf("attnpool: mask must be shaped [batchSize=%d, seqLen=%d], got %s", batchSize, seqLen, mask.Shape())
		}
	}
	scale := p.scale
	if !p.hasCustomScale {
		scale = 1.0 / math.Sqrt(float64(hiddenSize))
	}

	// Raw scores: the dot product of the query with each state, shaped [batchSize, seqLen].
	scores := Einsum("bh,bth->bt", query, states)
	if mask == nil {
		scores = MulScalar(scores, scale)
	} else {
		switch p.maskMode {
		case MaskMultiplicative:
			scores = Mul(scores, floatMask(mask, scores.DType()))
			scores = MulScalar(scores, scale)
		case MaskAdditive:
			scores = MulScalar(scores, scale)
			masked := MulScalar(OnesLike(scores), MaskedScore)
			scores = Where(boolMask(mask), scores, masked)
		default:
			Panicf("attnpool: invalid mask mode %d", p.maskMode)
		}
	}
	weights = Softmax(scores, -1)

	// Weighted sum of the states: [batchSize, hiddenSize].
	pooled = Einsum("bt,bth->bh", weights, states)
	return
}

func floatMask(mask *Node, dtype dtypes.DType) *Node {
	if mask.DType() == dtype {
		return mask
	}
	return ConvertDType(mask, dtype)
}

func boolMask(mask *Node) *Node {
	if mask.DType() == dtypes.Bool {
		return mask
	}
	return NotEqual(mask, ZerosLike(mask))
}
