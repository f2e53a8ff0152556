package amp

import (
	"math"
	"testing"
)

// fakeOpt records whether Step ran and exposes a single gradient vector.
type fakeOpt struct {
	grads   []float64
	stepped int
}

func (f *fakeOpt) GradVecs() [][]float64 { return [][]float64{f.grads} }
func (f *fakeOpt) Step()                 { f.stepped++ }

func TestDisabledScalerPassthrough(t *testing.T) {
	s := NewScaler(false)
	if s.Scale() != 1.0 {
		t.Fatalf("disabled scale = %g, want 1", s.Scale())
	}
	g := []float64{1, 2, 3}
	s.ScaleGrad(g)
	if g[0] != 1 || g[2] != 3 {
		t.Errorf("disabled ScaleGrad modified gradients: %v", g)
	}
	s.Update(true)
	if s.Scale() != 1.0 {
		t.Errorf("disabled Update changed scale to %g", s.Scale())
	}
}

func TestStepAppliesAndUnscales(t *testing.T) {
	s := NewScaler(true)
	scale := s.Scale()
	opt := &fakeOpt{grads: []float64{3 * scale, 4 * scale}}

	norm, overflow := s.Step(opt, 0)
	if overflow {
		t.Fatal("unexpected overflow")
	}
	if math.Abs(norm-5.0) > 1e-9 {
		t.Errorf("grad norm = %g, want 5", norm)
	}
	if opt.stepped != 1 {
		t.Errorf("optimizer stepped %d times, want 1", opt.stepped)
	}
	if math.Abs(opt.grads[0]-3.0) > 1e-9 {
		t.Errorf("gradient not unscaled: %g", opt.grads[0])
	}
}

func TestStepClips(t *testing.T) {
	s := NewScaler(false)
	opt := &fakeOpt{grads: []float64{3, 4}}
	norm, overflow := s.Step(opt, 1.0)
	if overflow {
		t.Fatal("unexpected overflow")
	}
	if math.Abs(norm-5.0) > 1e-9 {
		t.Errorf("pre-clip norm = %g, want 5", norm)
	}
	clipped := math.Hypot(opt.grads[0], opt.grads[1])
	if clipped > 1.0+1e-6 {
		t.Errorf("post-clip norm = %g, want <= 1", clipped)
	}
}

func TestOverflowSkipsStepAndHalvesScale(t *testing.T) {
	s := NewScaler(true)
	before := s.Scale()
	opt := &fakeOpt{grads: []float64{1, math.NaN()}}

	norm, overflow := s.Step(opt, 0)
	if !overflow {
		t.Fatal("overflow not detected")
	}
	if !math.IsNaN(norm) {
		t.Errorf("overflow norm = %g, want NaN", norm)
	}
	if opt.stepped != 0 {
		t.Error("optimizer stepped despite overflow")
	}
	s.Update(true)
	if s.Scale() != before*0.5 {
		t.Errorf("scale after overflow = %g, want %g", s.Scale(), before*0.5)
	}
}

func TestGrowthAfterInterval(t *testing.T) {
	s := NewScaler(true)
	s.SetGrowthInterval(3)
	before := s.Scale()

	s.Update(false)
	s.Update(false)
	if s.Scale() != before {
		t.Fatalf("scale grew early: %g", s.Scale())
	}
	s.Update(false)
	if s.Scale() != before*2 {
		t.Errorf("scale after interval = %g, want %g", s.Scale(), before*2)
	}

	// An overflow resets the streak.
	s.Update(false)
	s.Update(false)
	s.Update(true)
	mid := s.Scale()
	s.Update(false)
	s.Update(false)
	if s.Scale() != mid {
		t.Errorf("streak not reset by overflow: %g != %g", s.Scale(), mid)
	}
}

func TestScaleBounds(t *testing.T) {
	s := NewScaler(true)
	for i := 0; i < 64; i++ {
		s.Update(true)
	}
	if s.Scale() < minScale {
		t.Errorf("scale underflowed to %g", s.Scale())
	}
	s.SetGrowthInterval(1)
	for i := 0; i < 64; i++ {
		s.Update(false)
	}
	if s.Scale() > maxScale {
		t.Errorf("scale overflowed to %g", s.Scale())
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := NewScaler(true)
	s.Update(true)
	s.Update(false)
	st := s.State()

	r := NewScaler(true)
	r.LoadState(st)
	if r.Scale() != s.Scale() {
		t.Errorf("restored scale %g, want %g", r.Scale(), s.Scale())
	}
	if r.State() != st {
		t.Errorf("restored state %+v, want %+v", r.State(), st)
	}
}

func TestUnscaleReportsNonFinite(t *testing.T) {
	s := NewScaler(true)
	g := []float64{1 * s.Scale(), 2 * s.Scale()}
	if !s.Unscale(g) {
		t.Fatal("finite gradient reported as overflow")
	}
	if math.Abs(g[1]-2.0) > 1e-9 {
		t.Errorf("unscaled value %g, want 2", g[1])
	}
	if s.Unscale([]float64{math.Inf(1)}) {
		t.Error("infinite gradient not reported")
	}
}
