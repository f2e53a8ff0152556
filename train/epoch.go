package train

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/ieee0824/advtrain-go/amp"
	"github.com/ieee0824/advtrain-go/data"
	"github.com/ieee0824/advtrain-go/dist"
	"github.com/ieee0824/advtrain-go/nn"
	"github.com/ieee0824/advtrain-go/sched"
)

// Rank is the per-replica training context: the model copy, its gradient
// accumulators, optimizer, the shared collectives group and the run-shared
// loss scaler. All ranks execute the same epoch code in lockstep; only rank
// zero performs checkpointing and logging, outside this package.
type Rank struct {
	Rank   int
	Group  *dist.Group
	Model  *nn.Classifier
	Grads  *nn.Grads
	Opt    *AdamW
	Scaler *amp.Scaler
	EMA    *EMA   // optional
	Mixer  *Mixer // optional

	// Smoothing is the label smoothing used when no mixer is installed;
	// with a mixer it is folded into the soft targets instead.
	Smoothing float64

	ws      *nn.Workspace
	dropRNG *rand.Rand
	batch   *data.Batch
	soft    []float64
	dLogits []float64
}

// Prepare allocates the rank's scratch buffers for batches up to maxBatch
// rows. seed feeds the dropout RNG and should be rank-dependent.
func (rk *Rank) Prepare(maxBatch int, seed int64) {
	rk.ws = rk.Model.NewWorkspace(maxBatch)
	rk.dropRNG = rand.New(rand.NewSource(seed))
	rk.soft = make([]float64, maxBatch*rk.Model.NumClasses)
	rk.dLogits = make([]float64, maxBatch*rk.Model.NumClasses)
}

// EpochConfig parameterizes one training epoch. LR and WD are full-run
// schedules indexed by global optimizer step; Phase is this epoch's
// curriculum entry, passed explicitly so nothing epoch-dependent hides in
// shared state.
type EpochConfig struct {
	Epoch         int
	BatchSize     int
	UpdateFreq    int
	StepsPerEpoch int
	ClipNorm      float64
	LR            sched.Schedule
	WD            sched.Schedule
	Phase         Phase
}

// TrainStats summarizes one rank's view of an epoch after cross-rank
// averaging of the loss.
type TrainStats struct {
	Loss     float64
	LR       float64
	GradNorm float64
	Scale    float64
	Skipped  int
}

// TrainOneEpoch runs one epoch on this rank: attack, mix, forward, backward
// with gradient accumulation, cross-rank gradient averaging and scaled
// optimizer steps. The data source is pulled from cache at the phase's
// augmentation level, built on first use.
//
// A non-finite (unscaled) training loss is fatal: the model is diverging and
// continuing would only checkpoint garbage.
func TrainOneEpoch(rk *Rank, cache *data.LevelCache, sampler *data.TrainSampler, attacker Attacker, cfg EpochConfig) (TrainStats, error) {
	var stats TrainStats
	src := cache.Level(cfg.Phase.Level)
	rk.Model.SetTraining(true)

	if rk.batch == nil {
		rk.batch = data.NewBatch(src, cfg.BatchSize)
	}
	batch := rk.batch
	K := rk.Model.NumClasses
	dim := rk.Model.InputDim

	indices := sampler.Indices(cfg.Epoch)
	usable := cfg.StepsPerEpoch * cfg.UpdateFreq * cfg.BatchSize
	if usable > len(indices) {
		return stats, fmt.Errorf("epoch %d: need %d samples per rank, sampler provides %d", cfg.Epoch, usable, len(indices))
	}
	indices = indices[:usable]
	numBatches := usable / cfg.BatchSize

	rk.ws.Half = rk.Scaler.Enabled()
	invAccum := 1.0 / float64(cfg.UpdateFreq)
	sumLoss := 0.0
	sumNorm := 0.0
	applied := 0

	for b := 0; b < numBatches; b++ {
		if b%cfg.UpdateFreq == 0 {
			gs := cfg.Epoch*cfg.StepsPerEpoch + b/cfg.UpdateFreq
			stats.LR = cfg.LR.At(gs)
			rk.Opt.SetSchedule(stats.LR, cfg.WD.At(gs))
		}

		batch.Fill(src, indices[b*cfg.BatchSize:(b+1)*cfg.BatchSize])
		n := batch.N

		// The attacker sees the hard labels; mixing happens afterwards on
		// the already-perturbed pixels.
		images := attacker.Attack(rk.Model, batch.Images[:n*dim], n, batch.Labels[:n])

		var crit nn.Criterion
		var targets nn.Targets
		if rk.Mixer != nil {
			soft := rk.soft[:n*K]
			rk.Mixer.Mix(images, batch, cfg.Phase, soft)
			crit = nn.SoftTargetCrossEntropy{}
			targets = nn.Targets{Soft: soft}
		} else {
			crit = nn.CrossEntropy{Smoothing: rk.Smoothing}
			targets = nn.Targets{Hard: batch.Labels[:n]}
		}

		dLogits := rk.dLogits[:n*K]
		logits := rk.Model.Forward(images, n, rk.ws, rk.dropRNG)
		loss := crit.Loss(logits, n, K, targets, dLogits)

		// Divergence check is collective so every replica aborts together
		// instead of stranding the others at the next reduction.
		bad := []float64{0}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			bad[0] = 1
		}
		rk.Group.AllReduceSum(bad)
		if bad[0] > 0 {
			return stats, fmt.Errorf("epoch %d batch %d: training loss is non-finite (local %v), stopping", cfg.Epoch, b, loss)
		}
		sumLoss += loss

		floats.Scale(invAccum, dLogits)
		rk.Scaler.ScaleGrad(dLogits)
		rk.Model.Backward(images, n, rk.ws, dLogits, rk.Grads, false)

		if (b+1)%cfg.UpdateFreq == 0 {
			// Unscale before averaging so every replica divides by the scale
			// it multiplied in; a non-finite gradient on any replica reaches
			// all of them through the sum.
			for _, g := range rk.Opt.GradVecs() {
				rk.Scaler.Unscale(g)
				rk.Group.AllReduceMean(g)
			}
			gradNorm, overflow := rk.Scaler.StepUnscaled(rk.Opt, cfg.ClipNorm)
			rk.Scaler.Update(overflow)
			rk.Opt.ZeroGrads()
			if overflow {
				stats.Skipped++
			} else {
				sumNorm += gradNorm
				applied++
				if rk.EMA != nil {
					rk.EMA.Update(rk.Model)
				}
			}
		}
	}

	agg := []float64{sumLoss / float64(numBatches)}
	rk.Group.AllReduceMean(agg)
	stats.Loss = agg[0]
	// Gradients are averaged across ranks before the norm is taken, so the
	// per-step norms are already identical on every replica; the epoch figure
	// is their mean over applied steps.
	if applied > 0 {
		stats.GradNorm = sumNorm / float64(applied)
	}
	stats.Scale = rk.Scaler.Scale()
	return stats, nil
}
