// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package textclf

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/seqclassifier/internal/workerspool"
	"github.com/pkg/errors"
)

// Example is one already encoded (not padded) example: token ids, the character ids of each token and
// its label.
type Example struct {
	Tokens []int32
	Chars  [][]int32
	Label  int32
}

// Batch is a host-side batch of right-padded examples, ready to be converted to tensors.
type Batch struct {
	// Tokens ids shaped [batchSize, maxLen].
	Tokens [][]int32

	// Chars ids shaped [batchSize, maxLen, maxCharLen].
	Chars [][][]int32

	// Mask shaped [batchSize, maxLen], with 1 for valid positions and 0 for padding.
	Mask [][]float32

	// Labels shaped [batchSize]. Optional: only used for training and evaluation.
	Labels []int32
}

// NewBatch pads the examples to the longest sequence (and longest token) and builds the mask.
// Padding uses PadTokenID and character id 0.
//
// Labels are included in the batch if withLabels is true.
func NewBatch(examples []Example, withLabels bool) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "empty batch")
	}
	maxLen, maxCharLen := 0, 1
	for exampleIdx, example := range examples {
		if len(example.Tokens) == 0 {
			return nil, errors.Wrapf(ErrEmptySequence, "example #%d has no tokens", exampleIdx)
		}
		if len(example.Chars) != len(example.Tokens) {
			return nil, errors.Wrapf(ErrShapeMismatch, "example #%d has %d tokens but characters for %d tokens",
				exampleIdx, len(example.Tokens), len(example.Chars))
		}
		maxLen = max(maxLen, len(example.Tokens))
		for _, tokenChars := range example.Chars {
			maxCharLen = max(maxCharLen, len(tokenChars))
		}
	}

	batchSize := len(examples)
	b := &Batch{
		Tokens: make([][]int32, batchSize),
		Chars:  make([][][]int32, batchSize),
		Mask:   make([][]float32, batchSize),
	}
	if withLabels {
		b.Labels = make([]int32, batchSize)
	}
	for exampleIdx, example := range examples {
		b.Tokens[exampleIdx] = make([]int32, maxLen)
		b.Mask[exampleIdx] = make([]float32, maxLen)
		b.Chars[exampleIdx] = make([][]int32, maxLen)
		copy(b.Tokens[exampleIdx], example.Tokens)
		for pos := range maxLen {
			b.Chars[exampleIdx][pos] = make([]int32, maxCharLen)
			if pos < len(example.Tokens) {
				b.Mask[exampleIdx][pos] = 1
				copy(b.Chars[exampleIdx][pos], example.Chars[pos])
			}
		}
		if withLabels {
			b.Labels[exampleIdx] = example.Label
		}
	}
	return b, nil
}

// MakeBatches splits the examples into batches of batchSize examples, each padded to maxLen positions and
// maxCharLen characters per token (see PadTo), so all batches share the same shape. The last batch may be smaller.
//
// Batches are encoded in parallel. If more than one batch fails, the error of the first one is returned.
func MakeBatches(examples []Example, batchSize, maxLen, maxCharLen int, withLabels bool) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "batch size must be > 0, got %d", batchSize)
	}
	if len(examples) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "no examples")
	}
	numBatches := (len(examples) + batchSize - 1) / batchSize
	batches := make([]*Batch, numBatches)
	errs := make([]error, numBatches)
	pool := workerspool.New()
	for batchIdx := range numBatches {
		start := batchIdx * batchSize
		end := min(start+batchSize, len(examples))
		pool.Go(func() {
			batch, err := NewBatch(examples[start:end], withLabels)
			if err == nil {
				err = batch.PadTo(maxLen, maxCharLen)
			}
			if err != nil {
				errs[batchIdx] = errors.WithMessagef(err, "batch #%d (examples %d to %d)", batchIdx, start, end-1)
				return
			}
			batches[batchIdx] = batch
		})
	}
	pool.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return batches, nil
}

// PadTo extends the padding of the batch so sequences have length maxLen and tokens maxCharLen characters.
// Batches of a fixed shape avoid recompiling the computation graph for each batch.
//
// It returns an error wrapping ErrShapeMismatch if the batch is already larger than requested.
func (b *Batch) PadTo(maxLen, maxCharLen int) error {
	if b.MaxLen() > maxLen {
		return errors.Wrapf(ErrShapeMismatch, "batch max length %d is larger than %d", b.MaxLen(), maxLen)
	}
	for exampleIdx, exampleChars := range b.Chars {
		for pos, tokenChars := range exampleChars {
			if len(tokenChars) > maxCharLen {
				return errors.Wrapf(ErrShapeMismatch, "example #%d, position %d has %d characters, larger than %d",
					exampleIdx, pos, len(tokenChars), maxCharLen)
			}
		}
	}

	// All checks passed: pad in place.
	for exampleIdx := range b.Tokens {
		for pos, tokenChars := range b.Chars[exampleIdx] {
			b.Chars[exampleIdx][pos] = append(tokenChars, make([]int32, maxCharLen-len(tokenChars))...)
		}
		for len(b.Tokens[exampleIdx]) < maxLen {
			b.Tokens[exampleIdx] = append(b.Tokens[exampleIdx], PadTokenID)
			b.Mask[exampleIdx] = append(b.Mask[exampleIdx], 0)
			b.Chars[exampleIdx] = append(b.Chars[exampleIdx], make([]int32, maxCharLen))
		}
	}
	return nil
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Tokens) }

// MaxLen returns the padded length of the sequences.
func (b *Batch) MaxLen() int {
	if len(b.Tokens) == 0 {
		return 0
	}
	return len(b.Tokens[0])
}

// Lengths returns the number of valid positions of each example.
func (b *Batch) Lengths() []int {
	lengths := make([]int, len(b.Mask))
	for exampleIdx, row := range b.Mask {
		for _, m := range row {
			if m != 0 {
				lengths[exampleIdx]++
			}
		}
	}
	return lengths
}

// Validate checks the batch is consistent and the ids are in range:
//
//   - All parts have the same batch size and sequence length, and all tokens the same number of characters
//     (ErrShapeMismatch).
//   - Token ids in [0, vocabSize), character ids in [0, charVocabSize) and, if labels are given, labels in
//     [0, labelSize) (ErrOutOfRange).
//   - Mask values are 0 or 1, and right-padded (ErrInvalidMask).
//   - Every example has at least one valid position (ErrEmptySequence).
func (b *Batch) Validate(vocabSize, charVocabSize, labelSize int) error {
	batchSize := len(b.Tokens)
	if batchSize == 0 {
		return errors.Wrap(ErrShapeMismatch, "empty batch")
	}
	if len(b.Chars) != batchSize || len(b.Mask) != batchSize {
		return errors.Wrapf(ErrShapeMismatch, "batch size of tokens (%d), chars (%d) and mask (%d) differ",
			batchSize, len(b.Chars), len(b.Mask))
	}
	if b.Labels != nil && len(b.Labels) != batchSize {
		return errors.Wrapf(ErrShapeMismatch, "batch has %d examples but %d labels", batchSize, len(b.Labels))
	}
	maxLen := len(b.Tokens[0])
	if maxLen == 0 {
		return errors.Wrap(ErrShapeMismatch, "sequences have length 0")
	}
	maxCharLen := -1
	for exampleIdx := range batchSize {
		if len(b.Tokens[exampleIdx]) != maxLen || len(b.Chars[exampleIdx]) != maxLen || len(b.Mask[exampleIdx]) != maxLen {
			return errors.Wrapf(ErrShapeMismatch, "example #%d: tokens (%d), chars (%d) and mask (%d) lengths must be %d",
				exampleIdx, len(b.Tokens[exampleIdx]), len(b.Chars[exampleIdx]), len(b.Mask[exampleIdx]), maxLen)
		}
		numValid := 0
		for pos := range maxLen {
			tokenID := b.Tokens[exampleIdx][pos]
			if tokenID < 0 || int(tokenID) >= vocabSize {
				return errors.Wrapf(ErrOutOfRange, "example #%d, position %d: token id %d not in [0, %d)",
					exampleIdx, pos, tokenID, vocabSize)
			}
			tokenChars := b.Chars[exampleIdx][pos]
			if maxCharLen < 0 {
				maxCharLen = len(tokenChars)
				if maxCharLen == 0 {
					return errors.Wrap(ErrShapeMismatch, "tokens have 0 characters")
				}
			} else if len(tokenChars) != maxCharLen {
				return errors.Wrapf(ErrShapeMismatch, "example #%d, position %d: %d characters, expected %d",
					exampleIdx, pos, len(tokenChars), maxCharLen)
			}
			for _, charID := range tokenChars {
				if charID < 0 || int(charID) >= charVocabSize {
					return errors.Wrapf(ErrOutOfRange, "example #%d, position %d: character id %d not in [0, %d)",
						exampleIdx, pos, charID, charVocabSize)
				}
			}
			switch m := b.Mask[exampleIdx][pos]; m {
			case 1:
				if numValid != pos {
					return errors.Wrapf(ErrInvalidMask, "example #%d: valid position %d after padding, sequences must be right-padded",
						exampleIdx, pos)
				}
				numValid++
			case 0:
			default:
				return errors.Wrapf(ErrInvalidMask, "example #%d, position %d: mask value %g is not 0 or 1", exampleIdx, pos, m)
			}
		}
		if numValid == 0 {
			return errors.Wrapf(ErrEmptySequence, "example #%d has no valid position", exampleIdx)
		}
		if b.Labels != nil {
			if label := b.Labels[exampleIdx]; label < 0 || int(label) >= labelSize {
				return errors.Wrapf(ErrOutOfRange, "example #%d: label %d not in [0, %d)", exampleIdx, label, labelSize)
			}
		}
	}
	return nil
}

// Tensors converts the batch to the inputs [tokens, chars, mask] of Classifier.ModelGraph and, if the batch
// has labels, the labels tensor shaped [batchSize, 1] used by the training losses.
func (b *Batch) Tensors() (inputs, labels []*tensors.Tensor) {
	inputs = []*tensors.Tensor{
		tensors.FromValue(b.Tokens),
		tensors.FromValue(b.Chars),
		tensors.FromValue(b.Mask),
	}
	if b.Labels != nil {
		labelsColumn := make([][]int32, len(b.Labels))
		for ii, label := range b.Labels {
			labelsColumn[ii] = []int32{label}
		}
		labels = []*tensors.Tensor{tensors.FromValue(labelsColumn)}
	}
	return
}
