// Command advtrain trains an image classifier with adversarial training:
// every batch is perturbed by a PGD attacker before the optimizer sees it,
// augmentation and mixing strength ramp up over the first epochs, and the
// run checkpoints on a fixed schedule plus whenever robust accuracy improves.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/ieee0824/advtrain-go/amp"
	"github.com/ieee0824/advtrain-go/attack"
	"github.com/ieee0824/advtrain-go/data"
	"github.com/ieee0824/advtrain-go/dist"
	"github.com/ieee0824/advtrain-go/nn"
	"github.com/ieee0824/advtrain-go/train"
)

func main() {
	dataDir := flag.String("data", "", "directory with CIFAR-10 binary batches (empty = synthetic data)")
	syntheticN := flag.Int("synthetic-n", 8192, "synthetic training set size when -data is empty")
	outputDir := flag.String("output", "out", "output directory for checkpoints and log.txt")
	world := flag.Int("world", 1, "number of data-parallel replicas")
	seed := flag.Int64("seed", 0, "base RNG seed (replica seeds derive from it)")

	epochs := flag.Int("epochs", 30, "training epochs")
	batchSize := flag.Int("batch", 128, "per-replica mini-batch size")
	updateFreq := flag.Int("update-freq", 1, "gradient accumulation steps per optimizer step")

	lr := flag.Float64("lr", 1e-3, "base learning rate (before linear batch scaling)")
	minLR := flag.Float64("min-lr", 1e-6, "final learning rate of the cosine decay")
	warmupLR := flag.Float64("warmup-lr", 1e-6, "learning rate at the start of warmup")
	warmupEpochs := flag.Int("warmup-epochs", 10, "linear warmup length in epochs (10 selects the long curriculum)")
	warmupSteps := flag.Int("warmup-steps", -1, "warmup length in steps, overrides -warmup-epochs when > 0")
	refBatch := flag.Int("ref-batch", 1024, "reference total batch for linear LR scaling (0 disables)")
	weightDecay := flag.Float64("weight-decay", 0.05, "weight decay")
	weightDecayEnd := flag.Float64("weight-decay-end", 0, "final weight decay of the cosine schedule (0 = constant)")
	clipGrad := flag.Float64("clip-grad", 0, "global gradient norm clip (0 disables)")
	layerDecay := flag.Float64("layer-decay", 1.0, "layer-wise learning rate decay (1 = uniform)")

	hidden := flag.String("hidden", "512,256", "comma-separated hidden layer widths")
	dropout := flag.Float64("dropout", 0.0, "dropout rate for hidden layers (0=disabled)")
	smoothing := flag.Float64("smoothing", 0.1, "label smoothing epsilon")
	mixup := flag.Float64("mixup", 0.8, "mixup alpha (0 disables mixup and cutmix)")
	emaDecay := flag.Float64("model-ema-decay", 0.9999, "EMA decay for the shadow model (0 disables)")
	useAMP := flag.Bool("use-amp", false, "reduced-precision training with dynamic loss scaling")

	attackIter := flag.Int("attack-iter", 1, "PGD iterations during training (0 = standard training)")
	attackEps := flag.Float64("attack-epsilon", 1.0, "attack budget in 0-255 pixel counts")
	attackStep := flag.Float64("attack-step", 1.0, "attack step size in 0-255 pixel counts")
	cleanStart := flag.Float64("prob-start-from-clean", 0.2, "probability the attack starts from the clean image")
	valAttackIter := flag.Int("val-attack-iter", 5, "PGD iterations for per-epoch robust validation (0 disables)")
	evalAttackIter := flag.Int("eval-attack-iter", 10, "PGD iterations in -eval mode")
	evalEps := flag.Float64("eval-epsilon", 4.0, "attack budget in -eval mode and robust validation")

	saveFreq := flag.Int("save-ckpt-freq", 20, "save a periodic checkpoint every N epochs")
	keepCkpts := flag.Int("keep-ckpts", 3, "periodic checkpoints to retain (0 = all)")
	resume := flag.String("resume", "", "checkpoint to resume from")
	autoResume := flag.Bool("auto-resume", true, "resume from the latest checkpoint in the output directory")
	finetune := flag.String("finetune", "", "checkpoint whose weights initialize the model (head dropped on class mismatch)")
	evalOnly := flag.Bool("eval", false, "evaluate a checkpoint instead of training")

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: advtrain [flags]")
		fmt.Fprintln(os.Stderr, "  Adversarial training with a PGD attacker, augmentation curriculum and EMA.")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}
	flag.Parse()

	// Load data
	var trainDS, valDS *data.Dataset
	var err error
	if *dataDir != "" {
		var batches []string
		for i := 1; i <= 5; i++ {
			batches = append(batches, filepath.Join(*dataDir, fmt.Sprintf("data_batch_%d.bin", i)))
		}
		trainDS, err = data.LoadBinary(batches, 3, 32, 32, 10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load training data: %v\n", err)
			os.Exit(1)
		}
		valDS, err = data.LoadBinary([]string{filepath.Join(*dataDir, "test_batch.bin")}, 3, 32, 32, 10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load test data: %v\n", err)
			os.Exit(1)
		}
	} else {
		trainDS = data.NewSynthetic(*syntheticN, 3, 32, 32, 10, *seed)
		valDS = data.NewSynthetic(*syntheticN/8, 3, 32, 32, 10, *seed+1)
	}
	fmt.Fprintf(os.Stderr, "Data: %d train / %d val images\n", trainDS.Len(), valDS.Len())

	c, h, w := trainDS.Shape()
	norm := data.DefaultNormalizer(c)
	imageScale := norm.Scale

	hiddenDims, err := parseHidden(*hidden)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse -hidden: %v\n", err)
		os.Exit(1)
	}

	if *evalOnly {
		evalCheckpoint(*resume, *outputDir, trainDS.Classes(), c*h*w, hiddenDims, *dropout, *seed,
			valDS, norm, *evalAttackIter, *evalEps, *attackStep, imageScale, *batchSize)
		return
	}

	cfg := train.RunConfig{
		Seed:           *seed,
		World:          *world,
		Epochs:         *epochs,
		BatchSize:      *batchSize,
		UpdateFreq:     *updateFreq,
		BaseLR:         *lr,
		FinalLR:        *minLR,
		WarmupLR:       *warmupLR,
		WarmupEpochs:   *warmupEpochs,
		WarmupSteps:    *warmupSteps,
		RefBatch:       *refBatch,
		WeightDecay:    *weightDecay,
		WeightDecayEnd: *weightDecayEnd,
		ClipNorm:       *clipGrad,
		LayerDecay:     *layerDecay,
		Hidden:         hiddenDims,
		Dropout:        *dropout,
		Smoothing:      *smoothing,
		MixupAlpha:     *mixup,
		EMADecay:       *emaDecay,
		AMP:            *useAMP,
		OutputDir:      *outputDir,
		SaveFreq:       *saveFreq,
		KeepCkpts:      *keepCkpts,
		Resume:         *resume,
		AutoResume:     *autoResume,
		Finetune:       *finetune,
	}

	cfg.TrainAttacker = func(rank int, scaler *amp.Scaler) train.Attacker {
		if *attackIter == 0 {
			return attack.NoOp{}
		}
		return attack.NewPGD(attack.PGDConfig{
			NumIter:            *attackIter,
			Epsilon:            *attackEps,
			StepSize:           *attackStep,
			ImageScale:         imageScale,
			ProbStartFromClean: *cleanStart,
			UseAMP:             *useAMP,
		}, scaler, *seed+int64(rank)*65537)
	}
	if *valAttackIter > 0 {
		cfg.ValAttacker = func(rank int) train.Attacker {
			// Validation attacks run full precision with no clean starts.
			return attack.NewPGD(attack.PGDConfig{
				NumIter:    *valAttackIter,
				Epsilon:    *evalEps,
				StepSize:   *attackStep,
				ImageScale: imageScale,
			}, nil, *seed+int64(rank)*131071)
		}
	}

	if err := train.Run(cfg, trainDS, valDS, norm); err != nil {
		fmt.Fprintf(os.Stderr, "training error: %v\n", err)
		os.Exit(1)
	}
}

// evalCheckpoint scores a saved model, clean and attacked, and prints the
// result. With no explicit path it prefers the best checkpoint, then the
// latest periodic one.
func evalCheckpoint(path, outputDir string, classes, inputDim int, hidden []int, dropout float64, seed int64,
	valDS *data.Dataset, norm data.Normalizer, iters int, eps, step, imageScale float64, batchSize int) {

	if path == "" {
		best := filepath.Join(outputDir, "checkpoint-best.gob")
		if _, err := os.Stat(best); err == nil {
			path = best
		} else if p, _, ok := train.LatestCheckpoint(outputDir); ok {
			path = p
		} else {
			fmt.Fprintf(os.Stderr, "no checkpoint found in %s\n", outputDir)
			os.Exit(1)
		}
	}
	ck, err := train.LoadCheckpoint(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load checkpoint: %v\n", err)
		os.Exit(1)
	}

	// The fresh weights are fully overwritten below; the seeded source just
	// keeps construction deterministic.
	model := nn.NewClassifier(inputDim, hidden, classes, dropout, rand.New(rand.NewSource(seed)))
	sd := ck.Model
	if ck.EMA != nil {
		sd = ck.EMA
	}
	if _, dropped := model.LoadStateDict(sd); len(dropped) > 0 {
		fmt.Fprintf(os.Stderr, "checkpoint shape mismatch: %v\n", dropped)
		os.Exit(1)
	}

	group := dist.New(1)
	smp := data.NewEvalSampler(valDS.Len(), 1, 0)
	src := data.NewSource(valDS, nil, norm)

	clean := train.EvaluateNoGrad(group, model, src, smp, batchSize)
	fmt.Fprintf(os.Stderr, "clean: loss %.4f acc1 %.2f%% acc5 %.2f%% (%d images)\n",
		clean.Loss, clean.Acc1, clean.Acc5, clean.N)

	if iters > 0 {
		pgd := attack.NewPGD(attack.PGDConfig{
			NumIter:    iters,
			Epsilon:    eps,
			StepSize:   step,
			ImageScale: imageScale,
		}, nil, 0)
		robust := train.Evaluate(group, model, src, smp, pgd, batchSize)
		fmt.Fprintf(os.Stderr, "robust (PGD-%d, eps %.1f): loss %.4f acc1 %.2f%% acc5 %.2f%%\n",
			iters, eps, robust.Loss, robust.Acc1, robust.Acc5)
	}
}

func parseHidden(s string) ([]int, error) {
	var dims []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var d int
		if _, err := fmt.Sscanf(part, "%d", &d); err != nil || d <= 0 {
			return nil, fmt.Errorf("bad hidden width %q", part)
		}
		dims = append(dims, d)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("no hidden layers given")
	}
	return dims, nil
}
