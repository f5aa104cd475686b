package main

import (
	"math/rand/v2"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/seqclassifier/internal/testbackend"
	"github.com/gomlx/seqclassifier/textclf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	testbackend.Setup()
}

// setTestFlags configures a tiny synthetic task, and restores the flags at the end of the test.
func setTestFlags(t *testing.T) {
	vocabSize, wordDim, maxLen, numBatches, verbosity, checkpoint := *flagVocabSize, *flagWordDim, *flagMaxLen, *flagNumBatches, *flagVerbosity, *flagCheckpoint
	t.Cleanup(func() {
		*flagVocabSize, *flagWordDim, *flagMaxLen, *flagNumBatches, *flagVerbosity, *flagCheckpoint = vocabSize, wordDim, maxLen, numBatches, verbosity, checkpoint
	})
	*flagVocabSize = 20
	*flagWordDim = 4
	*flagMaxLen = 4
	*flagNumBatches = 2
	*flagVerbosity = 0
}

func TestSyntheticExamples(t *testing.T) {
	setTestFlags(t)
	const charVocabSize = 10
	rng := rand.New(rand.NewPCG(1, 2))
	examples := syntheticExamples(rng, 50, charVocabSize)
	require.Len(t, examples, 50)
	for exampleIdx, example := range examples {
		require.NotEmpty(t, example.Tokens, "example #%d", exampleIdx)
		require.LessOrEqual(t, len(example.Tokens), *flagMaxLen)
		require.Len(t, example.Chars, len(example.Tokens))
		var withSignal bool
		for pos, tokenID := range example.Tokens {
			assert.Greater(t, tokenID, int32(textclf.UnknownTokenID))
			assert.Less(t, tokenID, int32(*flagVocabSize))
			withSignal = withSignal || tokenID == signalTokenID
			chars := example.Chars[pos]
			require.NotEmpty(t, chars)
			require.LessOrEqual(t, len(chars), maxTokenChars)
			for _, charID := range chars {
				assert.Greater(t, charID, int32(0))
				assert.Less(t, charID, int32(charVocabSize))
			}
			assert.Equal(t, tokenChars(tokenID, charVocabSize), chars)
		}
		assert.Equal(t, withSignal, example.Label == 1, "example #%d: label %d", exampleIdx, example.Label)
	}

	table := randomWordVectors(rng, *flagVocabSize, *flagWordDim)
	assert.Equal(t, []int{*flagVocabSize, *flagWordDim}, table.Shape().Dimensions)
	rows := table.Value().([][]float32)
	assert.Equal(t, make([]float32, *flagWordDim), rows[textclf.PadTokenID])
	assert.Panics(t, func() { randomWordVectors(rng, signalTokenID+1, 4) })
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Name", "Value"}, [][]string{{"a", "1"}, {"b", "22"}}, []bool{false, true}, lipgloss.Left, lipgloss.Right)
	for _, want := range []string{"Name", "Value", "a", "b", "22"} {
		assert.Contains(t, out, want)
	}
	// Header, 2 rows and the top, bottom and header separator borders.
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 6)
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in short mode")
		return
	}
	setTestFlags(t)
	*flagCheckpoint = t.TempDir()

	ctx := textclf.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		textclf.ParamCharVocabSize:  10,
		textclf.ParamCharEmbedDim:   3,
		textclf.ParamCharHiddenSize: 4,
		textclf.ParamHiddenSize:     4,
		textclf.ParamBatchSize:      4,
		textclf.ParamTrainSteps:     1,
	})
	require.NoError(t, run(testbackend.Build(), ctx, []string{textclf.ParamTrainSteps}))
	assert.Equal(t, int64(1), optimizers.GetGlobalStep(ctx.In(textclf.ModelScope)))
	entries, err := os.ReadDir(*flagCheckpoint)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
