// Package attack implements bounded adversarial perturbation of training
// batches. Two variants share one shape: NoOp returns the batch unchanged,
// ProjectedGradient runs an L∞-bounded PGD attack against the current model.
// Call sites treat both uniformly; there is no "is an attacker installed"
// branching anywhere downstream.
package attack

import (
	"math"
	"math/rand"

	"github.com/ieee0824/advtrain-go/amp"
	"github.com/ieee0824/advtrain-go/nn"
)

// NoOp performs no attack.
type NoOp struct{}

// Attack returns images unchanged.
func (NoOp) Attack(m *nn.Classifier, images []float64, n int, labels []int) []float64 {
	return images
}

// IsNoOp reports true.
func (NoOp) IsNoOp() bool { return true }

// PGDConfig parameterizes a projected-gradient attacker.
// Epsilon and StepSize are 0-255 pixel-count budgets; they are translated
// into normalized-tensor units as v/255 * 2*ImageScale, where ImageScale is
// the half-width of the valid value range after normalization. An
// epsilon of 4 therefore means the classic 4/255 budget regardless of the
// normalization statistics in use.
type PGDConfig struct {
	NumIter            int
	Epsilon            float64
	StepSize           float64
	ImageScale         float64
	ProbStartFromClean float64
	UseAMP             bool
}

// PGD is an iterative gradient-sign attacker. With NumIter == 0 it behaves
// exactly like NoOp. When UseAMP is set, every inner forward/backward runs
// in the reduced-precision mode and the shared scaler guards the
// input-pixel gradient; an overflowed iteration is skipped, never applied.
type PGD struct {
	cfg    PGDConfig
	scaler *amp.Scaler
	rng    *rand.Rand
	crit   nn.CrossEntropy

	bound   *nn.Classifier
	ws      *nn.Workspace
	dLogits []float64
	maxN    int
}

// NewPGD creates an attacker. scaler may be nil when UseAMP is false; when
// UseAMP is true it must be the same scaler instance the main training step
// uses, so both halves adapt one scale.
func NewPGD(cfg PGDConfig, scaler *amp.Scaler, seed int64) *PGD {
	return &PGD{
		cfg:    cfg,
		scaler: scaler,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// IsNoOp reports whether the attacker is configured to do nothing.
func (a *PGD) IsNoOp() bool { return a.cfg.NumIter == 0 }

// Attack returns a perturbed copy of images lying within the L∞ ball of the
// translated epsilon around the originals and within
// [-ImageScale, ImageScale]. The input batch is never modified. The model's
// parameters are untouched: only input-pixel gradients are computed, and
// dropout is bypassed so the perturbation targets the deterministic network.
func (a *PGD) Attack(m *nn.Classifier, images []float64, n int, labels []int) []float64 {
	if a.cfg.NumIter == 0 {
		return images
	}
	dim := m.InputDim
	a.ensureBuffers(m, n)

	eps := a.cfg.Epsilon / 255.0 * 2.0 * a.cfg.ImageScale
	step := a.cfg.StepSize / 255.0 * 2.0 * a.cfg.ImageScale

	adv := make([]float64, n*dim)
	copy(adv, images[:n*dim])

	if a.rng.Float64() >= a.cfg.ProbStartFromClean {
		for i := range adv {
			adv[i] += (a.rng.Float64()*2 - 1) * eps
		}
		a.project(adv, images, eps)
	}

	useAMP := a.cfg.UseAMP && a.scaler != nil && a.scaler.Enabled()
	a.ws.Half = useAMP
	dLogits := a.dLogits[:n*m.NumClasses]

	for it := 0; it < a.cfg.NumIter; it++ {
		logits := m.Forward(adv, n, a.ws, nil)
		loss := a.crit.Loss(logits, n, m.NumClasses, nn.Targets{Hard: labels}, dLogits)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			// Skip this iteration's update rather than propagate NaNs
			// into the perturbation.
			if useAMP {
				a.scaler.Update(true)
			}
			continue
		}
		if useAMP {
			a.scaler.ScaleGrad(dLogits)
		}
		g := m.Backward(adv, n, a.ws, dLogits, nil, true)
		if useAMP {
			if !a.scaler.Unscale(g) {
				a.scaler.Update(true)
				continue
			}
		} else if !allFinite(g) {
			continue
		}

		for i := range adv {
			v := adv[i]
			if g[i] > 0 {
				v += step
			} else if g[i] < 0 {
				v -= step
			}
			adv[i] = v
		}
		a.project(adv, images, eps)
	}
	return adv
}

// project clamps the cumulative perturbation to ±eps and the result to the
// valid pixel range, element by element.
func (a *PGD) project(adv, orig []float64, eps float64) {
	scale := a.cfg.ImageScale
	for i := range adv {
		d := adv[i] - orig[i]
		if d > eps {
			d = eps
		} else if d < -eps {
			d = -eps
		}
		v := orig[i] + d
		if v > scale {
			v = scale
		} else if v < -scale {
			v = -scale
		}
		adv[i] = v
	}
}

func (a *PGD) ensureBuffers(m *nn.Classifier, n int) {
	if a.bound != m || a.ws == nil || n > a.maxN {
		if n < a.maxN {
			n = a.maxN
		}
		a.bound = m
		a.maxN = n
		a.ws = m.NewWorkspace(n)
		a.dLogits = make([]float64, n*m.NumClasses)
	}
}

func allFinite(s []float64) bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
