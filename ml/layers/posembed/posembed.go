// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package posembed implements fixed (non-trainable) sinusoidal embeddings of absolute positions,
// as introduced in "Attention Is All You Need" [1].
//
// The embedding of position p is the concatenation of sin(p*f_i) for all frequencies f_i, followed by
// cos(p*f_i) for all frequencies, where f_i = 1/10000^(2i/embedDim) and i in [0, embedDim/2).
//
// It has no parameters, so it doesn't need a context.Context: the frequencies are derived from embedDim.
//
// [1] https://arxiv.org/abs/1706.03762
package posembed

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DefaultBaseFreq is the base of the inverse-geometric frequency schedule.
const DefaultBaseFreq = 10000.0

// ErrInvalidDim is returned (wrapped) by NewSinusoidal for an unusable embedding dimension.
var ErrInvalidDim = errors.New("invalid position embedding dimension")

// Sinusoidal holds the configuration of a sinusoidal position embedding. Create it with NewSinusoidal.
type Sinusoidal struct {
	embedDim int
	baseFreq float64
	dtype    dtypes.DType
}

// NewSinusoidal creates a sinusoidal position embedder producing embeddings of size embedDim.
//
// embedDim must be even and positive: half of it is used for the sine and half for the cosine terms.
func NewSinusoidal(embedDim int) (*Sinusoidal, error) {
	if embedDim <= 0 {
		return nil, errors.Wrapf(ErrInvalidDim, "embedDim must be > 0, got %d", embedDim)
	}
	if embedDim%2 != 0 {
		return nil, errors.Wrapf(ErrInvalidDim, "embedDim must be even, got %d", embedDim)
	}
	return &Sinusoidal{
		embedDim: embedDim,
		baseFreq: DefaultBaseFreq,
		dtype:    dtypes.Float32,
	}, nil
}

// WithDType sets the dtype of the generated embeddings. Default is Float32.
func (s *Sinusoidal) WithDType(dtype dtypes.DType) *Sinusoidal {
	if !dtype.IsFloat() {
		Panicf("posembed.Sinusoidal requires a float dtype, got %s", dtype)
	}
	s.dtype = dtype
	return s
}

// WithBaseFreq changes the base of the frequency schedule. Default is DefaultBaseFreq.
func (s *Sinusoidal) WithBaseFreq(baseFreq float64) *Sinusoidal {
	s.baseFreq = baseFreq
	return s
}

// EmbedDim returns the size of the generated embeddings.
func (s *Sinusoidal) EmbedDim() int { return s.embedDim }

// Frequencies returns the embedDim/2 frequencies, f_i = 1/baseFreq^(2i/embedDim).
func (s *Sinusoidal) Frequencies() []float64 {
	half := s.embedDim / 2
	freqs := make([]float64, half)
	for ii := range half {
		freqs[ii] = 1.0 / math.Pow(s.baseFreq, float64(2*ii)/float64(s.embedDim))
	}
	return freqs
}

// Apply returns the embeddings for the given positions.
//
// positions can have any int or float dtype and is shaped [batchSize, seqLen]. Each example
// in the batch uses its own positions.
//
// The output is shaped [batchSize, seqLen, embedDim].
func (s *Sinusoidal) Apply(positions *Node) *Node {
	if positions.Rank() != 2 {
		Panicf("posembed.Sinusoidal.Apply requires positions shaped [batchSize, seqLen], got %s", positions.Shape())
	}
	g := positions.Graph()
	half := s.embedDim / 2

	// angles[b, t, i] = positions[b, t] * freqs[i]
	freqs := Const(g, s.Frequencies())
	freqs = ConvertDType(freqs, s.dtype)
	freqs = Reshape(freqs, 1, 1, half)
	angles := Mul(InsertAxes(ConvertDType(positions, s.dtype), -1), freqs)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// SequentialPositions returns positions [0, 1, ..., seqLen-1] for each example, shaped [batchSize, seqLen]
// with dtype Int32.
func SequentialPositions(g *Graph, batchSize, seqLen int) *Node {
	return Iota(g, shapes.Make(dtypes.Int32, batchSize, seqLen), 1)
}
