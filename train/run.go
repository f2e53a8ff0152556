package train

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ieee0824/advtrain-go/amp"
	"github.com/ieee0824/advtrain-go/data"
	"github.com/ieee0824/advtrain-go/dist"
	"github.com/ieee0824/advtrain-go/nn"
	"github.com/ieee0824/advtrain-go/sched"
)

// RunConfig is the full-run configuration. Attacker factories are injected
// per rank so every replica gets its own RNG while sharing that rank's loss
// scaler with the main step; TrainAttacker must never be nil (use a factory
// returning NoOp for standard training).
type RunConfig struct {
	RunID string
	Seed  int64
	World int

	Epochs     int
	BatchSize  int // per rank
	UpdateFreq int

	BaseLR       float64
	FinalLR      float64
	WarmupLR     float64
	WarmupEpochs int
	WarmupSteps  int
	RefBatch     int // linear-scaling reference batch; <= 0 disables scaling

	WeightDecay    float64
	WeightDecayEnd float64 // <= 0 holds WeightDecay constant
	ClipNorm       float64
	LayerDecay     float64

	Hidden    []int
	Dropout   float64
	Smoothing float64

	MixupAlpha float64 // <= 0 disables mixing
	EMADecay   float64 // <= 0 disables the EMA shadow
	AMP        bool

	TrainAttacker func(rank int, scaler *amp.Scaler) Attacker
	ValAttacker   func(rank int) Attacker // per-epoch robust validation; nil skips it

	OutputDir  string
	SaveFreq   int
	KeepCkpts  int
	Resume     string // explicit checkpoint path
	AutoResume bool   // pick up the latest checkpoint in OutputDir
	Finetune   string // checkpoint whose model weights seed the run
}

// EpochLog is one line of the run's log.txt, rank zero only.
type EpochLog struct {
	TrainLoss       float64 `json:"train_loss"`
	TrainLR         float64 `json:"train_lr"`
	TrainGradNorm   float64 `json:"train_grad_norm"`
	TrainScale      float64 `json:"train_loss_scale"`
	TrainSkipped    int     `json:"train_skipped_steps"`
	TestLoss        float64 `json:"test_loss"`
	TestAcc1        float64 `json:"test_acc1"`
	TestAcc5        float64 `json:"test_acc5"`
	TestRobustLoss  float64 `json:"test_robust_loss"`
	TestRobustAcc1  float64 `json:"test_robust_acc1"`
	TestRobustAcc5  float64 `json:"test_robust_acc5"`
	Epoch           int     `json:"epoch"`
	NParameters     int     `json:"n_parameters"`
}

type epochResult struct {
	train  TrainStats
	clean  EvalStats
	robust EvalStats
	err    error
}

// Run executes a full adversarial training run: builds the replicas, resumes
// or fine-tunes if asked, then trains epoch by epoch with clean and robust
// validation after each. Rank zero owns the log file and the checkpoints.
func Run(cfg RunConfig, trainDS, valDS *data.Dataset, norm data.Normalizer) error {
	c, h, w := trainDS.Shape()
	dim := c * h * w
	classes := trainDS.Classes()

	perRank := trainDS.Len() / cfg.World
	stepsPerEpoch := perRank / (cfg.BatchSize * cfg.UpdateFreq)
	if stepsPerEpoch == 0 {
		return fmt.Errorf("dataset too small: %d samples per rank, need at least %d", perRank, cfg.BatchSize*cfg.UpdateFreq)
	}

	baseLR, finalLR, warmupLR := cfg.BaseLR, cfg.FinalLR, cfg.WarmupLR
	if cfg.RefBatch > 0 {
		totalBatch := cfg.BatchSize * cfg.UpdateFreq * cfg.World
		baseLR = sched.LinearScaled(baseLR, totalBatch, cfg.RefBatch)
		finalLR = sched.LinearScaled(finalLR, totalBatch, cfg.RefBatch)
		warmupLR = sched.LinearScaled(warmupLR, totalBatch, cfg.RefBatch)
	}
	lrSched := sched.Cosine(baseLR, finalLR, cfg.Epochs, stepsPerEpoch, cfg.WarmupEpochs, warmupLR, cfg.WarmupSteps)
	wdEnd := cfg.WeightDecayEnd
	if wdEnd <= 0 {
		wdEnd = cfg.WeightDecay
	}
	wdSched := sched.Cosine(cfg.WeightDecay, wdEnd, cfg.Epochs, stepsPerEpoch, 0, cfg.WeightDecay, 0)

	curriculum := NewCurriculum(cfg.WarmupEpochs)
	group := dist.New(cfg.World)

	initRNG := rand.New(rand.NewSource(cfg.Seed))
	base := nn.NewClassifier(dim, cfg.Hidden, classes, cfg.Dropout, initRNG)
	nParams := base.NumParameters()

	if cfg.Finetune != "" {
		ck, err := LoadCheckpoint(cfg.Finetune)
		if err != nil {
			return fmt.Errorf("finetune: %w", err)
		}
		missing, dropped := base.LoadStateDict(ck.Model)
		fmt.Fprintf(os.Stderr, "finetune from %s: %d missing, %d dropped parameters\n", cfg.Finetune, len(missing), len(dropped))
	}

	ranks := make([]*Rank, cfg.World)
	caches := make([]*data.LevelCache, cfg.World)
	trainSamplers := make([]*data.TrainSampler, cfg.World)
	valSamplers := make([]*data.EvalSampler, cfg.World)
	trainAtk := make([]Attacker, cfg.World)
	valAtk := make([]Attacker, cfg.World)

	valSrc := data.NewSource(valDS, nil, norm)

	for r := 0; r < cfg.World; r++ {
		m := base
		if r > 0 {
			m = base.Clone()
		}
		grads := m.NewGrads()
		opt := NewAdamW(BuildGroups(m, grads, cfg.LayerDecay))
		scaler := amp.NewScaler(cfg.AMP)
		rk := &Rank{
			Rank:      r,
			Group:     group,
			Model:     m,
			Grads:     grads,
			Opt:       opt,
			Scaler:    scaler,
			Smoothing: cfg.Smoothing,
		}
		if cfg.EMADecay > 0 {
			rk.EMA = NewEMA(m, cfg.EMADecay)
		}
		if cfg.MixupAlpha > 0 {
			rk.Mixer = NewMixer(cfg.MixupAlpha, cfg.Smoothing, classes, uint64(cfg.Seed)+uint64(r)*10007)
		}
		rk.Prepare(cfg.BatchSize, cfg.Seed+int64(r)+1)
		ranks[r] = rk

		caches[r] = data.NewLevelCache(trainDS, norm, cfg.Seed+int64(r)*31)
		trainSamplers[r] = data.NewTrainSampler(trainDS.Len(), cfg.World, r, cfg.Seed)
		valSamplers[r] = data.NewEvalSampler(valDS.Len(), cfg.World, r)

		trainAtk[r] = cfg.TrainAttacker(r, scaler)
		if cfg.ValAttacker != nil {
			valAtk[r] = cfg.ValAttacker(r)
		}
	}
	if valSamplers[0].Padded() {
		fmt.Fprintf(os.Stderr, "validation set size %d not divisible by world %d; tail ranks evaluate short shards\n", valDS.Len(), cfg.World)
	}

	startEpoch := 0
	bestAcc := 0.0
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	resume := cfg.Resume
	if resume == "" && cfg.AutoResume {
		if p, _, ok := LatestCheckpoint(cfg.OutputDir); ok {
			resume = p
		}
	}
	if resume != "" {
		ck, err := LoadCheckpoint(resume)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		for _, rk := range ranks {
			if _, dropped := rk.Model.LoadStateDict(ck.Model); len(dropped) > 0 {
				return fmt.Errorf("resume: checkpoint model shape mismatch (%v)", dropped)
			}
			if err := rk.Opt.LoadState(ck.Opt); err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			rk.Scaler.LoadState(ck.Scaler)
			if rk.EMA != nil && ck.EMA != nil {
				rk.EMA.LoadState(ck.EMA)
			}
		}
		startEpoch = ck.Epoch + 1
		bestAcc = ck.BestAcc
		runID = ck.RunID
		fmt.Fprintf(os.Stderr, "resumed run %s from %s at epoch %d (best robust acc %.2f)\n", runID, resume, startEpoch, bestAcc)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	policy := CheckpointPolicy{Dir: cfg.OutputDir, Freq: cfg.SaveFreq, Keep: cfg.KeepCkpts, TotalEpochs: cfg.Epochs}

	fmt.Fprintf(os.Stderr, "run %s: %d epochs x %d steps, world %d, batch %d x %d accum, %d parameters\n",
		runID, cfg.Epochs, stepsPerEpoch, cfg.World, cfg.BatchSize, cfg.UpdateFreq, nParams)

	for epoch := startEpoch; epoch < cfg.Epochs; epoch++ {
		phase := curriculum.Phase(epoch)
		ecfg := EpochConfig{
			Epoch:         epoch,
			BatchSize:     cfg.BatchSize,
			UpdateFreq:    cfg.UpdateFreq,
			StepsPerEpoch: stepsPerEpoch,
			ClipNorm:      cfg.ClipNorm,
			LR:            lrSched,
			WD:            wdSched,
			Phase:         phase,
		}

		results := make([]epochResult, cfg.World)
		var wg sync.WaitGroup
		for r := 0; r < cfg.World; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				rk := ranks[r]
				res := &results[r]
				res.train, res.err = TrainOneEpoch(rk, caches[r], trainSamplers[r], trainAtk[r], ecfg)
				if res.err != nil {
					return
				}
				res.clean = EvaluateNoGrad(group, rk.Model, valSrc, valSamplers[r], cfg.BatchSize)
				if valAtk[r] != nil {
					res.robust = Evaluate(group, rk.Model, valSrc, valSamplers[r], valAtk[r], cfg.BatchSize)
				} else {
					res.robust = res.clean
				}
			}(r)
		}
		wg.Wait()
		for r := range results {
			if results[r].err != nil {
				return results[r].err
			}
		}

		res := results[0]
		rec := EpochLog{
			TrainLoss:      res.train.Loss,
			TrainLR:        res.train.LR,
			TrainGradNorm:  res.train.GradNorm,
			TrainScale:     res.train.Scale,
			TrainSkipped:   res.train.Skipped,
			TestLoss:       res.clean.Loss,
			TestAcc1:       res.clean.Acc1,
			TestAcc5:       res.clean.Acc5,
			TestRobustLoss: res.robust.Loss,
			TestRobustAcc1: res.robust.Acc1,
			TestRobustAcc5: res.robust.Acc5,
			Epoch:          epoch,
			NParameters:    nParams,
		}
		if err := appendLog(cfg.OutputDir, rec); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "epoch %d: loss %.4f lr %.2e | clean %.2f%% | robust %.2f%% (level %d)\n",
			epoch, rec.TrainLoss, rec.TrainLR, rec.TestAcc1, rec.TestRobustAcc1, phase.Level)

		ck := buildCheckpoint(runID, epoch, ranks[0], bestAcc, cfg.snapshot())
		if res.robust.Acc1 > bestAcc {
			bestAcc = res.robust.Acc1
			ck.BestAcc = bestAcc
			if err := SaveCheckpoint(policy.BestPath(), ck); err != nil {
				return err
			}
		}
		if policy.ShouldSave(epoch) {
			if err := SaveCheckpoint(policy.Path(epoch), ck); err != nil {
				return err
			}
			if err := policy.Prune(); err != nil {
				return err
			}
		}
	}
	fmt.Fprintf(os.Stderr, "run %s finished: best robust acc %.2f%%\n", runID, bestAcc)
	return nil
}

// snapshot extracts the serializable configuration for checkpointing.
func (cfg RunConfig) snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		Seed:           cfg.Seed,
		World:          cfg.World,
		Epochs:         cfg.Epochs,
		BatchSize:      cfg.BatchSize,
		UpdateFreq:     cfg.UpdateFreq,
		BaseLR:         cfg.BaseLR,
		FinalLR:        cfg.FinalLR,
		WarmupLR:       cfg.WarmupLR,
		WarmupEpochs:   cfg.WarmupEpochs,
		WarmupSteps:    cfg.WarmupSteps,
		RefBatch:       cfg.RefBatch,
		WeightDecay:    cfg.WeightDecay,
		WeightDecayEnd: cfg.WeightDecayEnd,
		ClipNorm:       cfg.ClipNorm,
		LayerDecay:     cfg.LayerDecay,
		Hidden:         append([]int(nil), cfg.Hidden...),
		Dropout:        cfg.Dropout,
		Smoothing:      cfg.Smoothing,
		MixupAlpha:     cfg.MixupAlpha,
		EMADecay:       cfg.EMADecay,
		AMP:            cfg.AMP,
	}
}

func buildCheckpoint(runID string, epoch int, rk *Rank, bestAcc float64, snap ConfigSnapshot) *Checkpoint {
	ck := &Checkpoint{
		RunID:   runID,
		Epoch:   epoch,
		Model:   rk.Model.StateDict(),
		Opt:     rk.Opt.State(),
		Scaler:  rk.Scaler.State(),
		Config:  snap,
		BestAcc: bestAcc,
	}
	if rk.EMA != nil {
		ck.EMA = rk.EMA.State()
	}
	return ck
}

func appendLog(dir string, rec EpochLog) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "log.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
