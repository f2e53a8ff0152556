// Package amp implements dynamic loss scaling for mixed-precision training.
// One Scaler instance is shared between the attacker's inner gradient steps
// and the main optimizer step: both halves see (and adapt) the same scale.
package amp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	defaultScale    = 65536.0 // 2^16
	growthFactor    = 2.0
	backoffFactor   = 0.5
	minScale        = 1.0
	maxScale        = 1 << 24
	defaultInterval = 2000
)

// Stepper is the optimizer-side contract the scaler drives: GradVecs exposes
// every gradient slice for unscaling and clipping, Step applies the update.
type Stepper interface {
	GradVecs() [][]float64
	Step()
}

// Scaler scales losses before backpropagation and unscales gradients before
// the optimizer step, skipping the step and shrinking the scale whenever a
// non-finite gradient shows up. Disabled scalers pass everything through at
// scale 1 so call sites need no branching.
type Scaler struct {
	enabled        bool
	scale          float64
	growthInterval int
	goodSteps      int
}

// NewScaler returns a scaler starting at the default power-of-two scale.
func NewScaler(enabled bool) *Scaler {
	return &Scaler{
		enabled:        enabled,
		scale:          defaultScale,
		growthInterval: defaultInterval,
	}
}

// Enabled reports whether mixed-precision scaling is active.
func (s *Scaler) Enabled() bool { return s.enabled }

// Scale returns the current loss-scale factor (1 when disabled).
func (s *Scaler) Scale() float64 {
	if !s.enabled {
		return 1.0
	}
	return s.scale
}

// ScaleLoss multiplies a loss value by the current scale.
func (s *Scaler) ScaleLoss(loss float64) float64 { return loss * s.Scale() }

// ScaleGrad multiplies a gradient seed in place by the current scale.
// Applied to the logits gradient before backpropagation so that small
// gradients survive the reduced-precision backward pass.
func (s *Scaler) ScaleGrad(g []float64) {
	if !s.enabled {
		return
	}
	floats.Scale(s.scale, g)
}

// Unscale divides a gradient vector in place by the current scale and
// reports whether every element is finite. Used by the attacker on its
// input-pixel gradient.
func (s *Scaler) Unscale(g []float64) (finite bool) {
	inv := 1.0 / s.Scale()
	finite = true
	for i, v := range g {
		v *= inv
		g[i] = v
		if math.IsNaN(v) || math.IsInf(v, 0) {
			finite = false
		}
	}
	return finite
}

// Step unscales the optimizer's gradients, checks them for overflow, and
// either applies the optimizer step (after optional clipping to clipNorm)
// or skips it entirely. It returns the pre-clip global gradient norm, which
// is NaN on overflow, and whether overflow occurred.
// Call Update with the returned overflow flag afterwards.
func (s *Scaler) Step(opt Stepper, clipNorm float64) (gradNorm float64, overflow bool) {
	inv := 1.0 / s.Scale()
	for _, g := range opt.GradVecs() {
		floats.Scale(inv, g)
	}
	return s.StepUnscaled(opt, clipNorm)
}

// StepUnscaled is Step for gradients that are already back at natural scale.
// The distributed loop unscales each replica's gradients before averaging
// them, so any replica's overflow surfaces as NaN on every replica and all
// of them skip the same step.
func (s *Scaler) StepUnscaled(opt Stepper, clipNorm float64) (gradNorm float64, overflow bool) {
	grads := opt.GradVecs()
	sumSq := 0.0
	for _, g := range grads {
		for _, v := range g {
			sumSq += v * v
		}
	}
	gradNorm = math.Sqrt(sumSq)
	if math.IsNaN(gradNorm) || math.IsInf(gradNorm, 0) {
		return math.NaN(), true
	}
	if clipNorm > 0 && gradNorm > clipNorm {
		c := clipNorm / (gradNorm + 1e-6)
		for _, g := range grads {
			floats.Scale(c, g)
		}
	}
	opt.Step()
	return gradNorm, false
}

// Update adapts the scale after a step attempt: halve on overflow, double
// after growthInterval consecutive finite steps. No-op when disabled.
func (s *Scaler) Update(overflow bool) {
	if !s.enabled {
		return
	}
	if overflow {
		s.scale *= backoffFactor
		if s.scale < minScale {
			s.scale = minScale
		}
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps >= s.growthInterval {
		s.scale *= growthFactor
		if s.scale > maxScale {
			s.scale = maxScale
		}
		s.goodSteps = 0
	}
}

// State is the scaler's serializable form for checkpointing.
type State struct {
	Enabled        bool
	Scale          float64
	GrowthInterval int
	GoodSteps      int
}

// State snapshots the scaler.
func (s *Scaler) State() State {
	return State{
		Enabled:        s.enabled,
		Scale:          s.scale,
		GrowthInterval: s.growthInterval,
		GoodSteps:      s.goodSteps,
	}
}

// LoadState restores a snapshot taken with State.
func (s *Scaler) LoadState(st State) {
	s.enabled = st.Enabled
	s.scale = st.Scale
	if st.GrowthInterval > 0 {
		s.growthInterval = st.GrowthInterval
	}
	s.goodSteps = st.GoodSteps
}

// SetGrowthInterval overrides the consecutive-success count required before
// the scale doubles. Mainly for tests.
func (s *Scaler) SetGrowthInterval(n int) {
	if n > 0 {
		s.growthInterval = n
	}
}
