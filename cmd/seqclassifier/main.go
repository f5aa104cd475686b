// seqclassifier trains the character-aware BiLSTM attention classifier on a synthetic task and reports
// its variables and the attention weights of a sample batch.
//
// The synthetic task: sequences of random tokens, labeled 1 if they contain the "signal" token.
// The word embeddings table is random and frozen, so the classifier must rely on its trainable parts.
//
// Hyperparameters can be set with -set="param1=value1;param2=value2;...". E.g.:
//
//	$ seqclassifier -steps=200 -set="hidden_size=16;nb_layer=2;attention_mask_mode=multiplicative"
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/seqclassifier/textclf"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps      = flag.Int("steps", -1, "Number of training steps. If < 0, the value of the \"train_steps\" hyperparameter is used.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagSeed       = flag.Uint64("seed", 42, "Seed for the synthetic data and the random word embeddings.")
	flagVocabSize  = flag.Int("vocab", 200, "Size of the synthetic vocabulary.")
	flagWordDim    = flag.Int("word_dim", 16, "Size of the random (frozen) word embeddings.")
	flagMaxLen     = flag.Int("max_len", 12, "Maximum length of the synthetic sequences.")
	flagNumBatches = flag.Int("batches", 20, "Number of distinct synthetic training batches.")
)

// signalTokenID is the token that defines the label of the synthetic examples.
const signalTokenID = textclf.UnknownTokenID + 1

func main() {
	ctx := textclf.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagSteps >= 0 {
		ctx.SetParam(textclf.ParamTrainSteps, *flagSteps)
		paramsSet = append(paramsSet, textclf.ParamTrainSteps)
	}
	err := exceptions.TryCatch[error](func() {
		backend := backends.MustNew()
		if *flagVerbosity >= 1 {
			fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		}
		must.M(run(backend, ctx, paramsSet))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(backend backends.Backend, ctx *context.Context, paramsSet []string) error {
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed+1))
	ctx.RngStateFromSeed(int64(*flagSeed))

	opts := textclf.TrainOptions{
		CheckpointDir: *flagCheckpoint,
		ParamsSet:     paramsSet,
		Verbosity:     *flagVerbosity,
	}
	classifier, checkpoint, err := textclf.PrepareModel(ctx, randomWordVectors(rng, *flagVocabSize, *flagWordDim), opts)
	if err != nil {
		return err
	}
	charVocabSize := classifier.Config().CharVocabSize
	batchSize := context.GetParamOr(ctx, textclf.ParamBatchSize, 32)
	trainBatches := must.M1(textclf.MakeBatches(
		syntheticExamples(rng, *flagNumBatches*batchSize, charVocabSize), batchSize, *flagMaxLen, maxTokenChars, true))
	evalBatches := must.M1(textclf.MakeBatches(
		syntheticExamples(rng, batchSize, charVocabSize), batchSize, *flagMaxLen, maxTokenChars, true))

	trainDS := textclf.NewBatchesDataset("train", trainBatches).Infinite(true)
	trainEvalDS := textclf.NewBatchesDataset("train-eval", trainBatches)
	evalDS := textclf.NewBatchesDataset("eval", evalBatches)
	opts.EvalDatasets = []train.Dataset{trainEvalDS, evalDS}
	_, err = textclf.TrainModel(backend, ctx, classifier, checkpoint, trainDS, opts)
	if err != nil {
		return err
	}

	printVariables(ctx)
	predictor := textclf.NewPredictor(backend, ctx.In(textclf.ModelScope), classifier)
	sample := must.M1(textclf.NewBatch(syntheticExamples(rng, min(batchSize, 8), charVocabSize), true))
	prediction, err := predictor.Predict(sample)
	if err != nil {
		return err
	}
	printAttention(sample, prediction)
	return nil
}

// randomWordVectors creates a [vocabSize, dim] table with values uniform in [-0.5, 0.5), and the padding row zeroed.
func randomWordVectors(rng *rand.Rand, vocabSize, dim int) *tensors.Tensor {
	if vocabSize <= signalTokenID+1 || dim <= 0 {
		exceptions.Panicf("-vocab must be > %d and -word_dim must be > 0, got %d and %d", signalTokenID+1, vocabSize, dim)
	}
	table := make([][]float32, vocabSize)
	for row := range vocabSize {
		table[row] = make([]float32, dim)
		if row == textclf.PadTokenID {
			continue
		}
		for col := range dim {
			table[row][col] = rng.Float32() - 0.5
		}
	}
	return tensors.FromValue(table)
}

// maxTokenChars is the maximum number of characters of a synthetic token.
const maxTokenChars = 4

// tokenChars returns the (fixed) spelling of a token id: 1 to maxTokenChars characters, none of them padding.
func tokenChars(tokenID int32, charVocabSize int) []int32 {
	numChars := 1 + int(tokenID)%maxTokenChars
	chars := make([]int32, numChars)
	for ii := range chars {
		chars[ii] = 1 + int32((int(tokenID)*(ii+3)+ii)%(charVocabSize-1))
	}
	return chars
}

// syntheticExamples generates examples of random length, labeled 1 if they contain signalTokenID.
func syntheticExamples(rng *rand.Rand, numExamples, charVocabSize int) []textclf.Example {
	examples := make([]textclf.Example, numExamples)
	for exampleIdx := range examples {
		length := 1 + rng.IntN(*flagMaxLen)
		example := textclf.Example{
			Tokens: make([]int32, length),
			Chars:  make([][]int32, length),
		}
		withSignal := rng.IntN(2) == 1
		signalPos := rng.IntN(length)
		for pos := range length {
			tokenID := int32(signalTokenID + 1 + rng.IntN(*flagVocabSize-signalTokenID-1))
			if withSignal && pos == signalPos {
				tokenID = signalTokenID
			}
			example.Tokens[pos] = tokenID
			example.Chars[pos] = tokenChars(tokenID, charVocabSize)
		}
		if withSignal {
			example.Label = 1
		}
		examples[exampleIdx] = example
	}
	return examples
}
