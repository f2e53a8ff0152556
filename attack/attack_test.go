package attack

import (
	"math"
	"math/rand"
	"testing"

	"github.com/ieee0824/advtrain-go/amp"
	"github.com/ieee0824/advtrain-go/nn"
)

func attackModel(t *testing.T) *nn.Classifier {
	t.Helper()
	rng := rand.New(rand.NewSource(21))
	c := nn.NewClassifier(12, []int{8}, 3, 0, rng)
	for i := range c.Layers {
		for j := range c.Layers[i].W {
			c.Layers[i].W[j] = rng.NormFloat64() * 0.4
		}
	}
	return c
}

func attackBatch(rng *rand.Rand, bs, dim, classes, scale int) ([]float64, []int) {
	x := make([]float64, bs*dim)
	for i := range x {
		x[i] = (rng.Float64()*2 - 1) * float64(scale)
	}
	y := make([]int, bs)
	for i := range y {
		y[i] = rng.Intn(classes)
	}
	return x, y
}

func TestNoOpReturnsInput(t *testing.T) {
	m := attackModel(t)
	x := make([]float64, 2*m.InputDim)
	out := NoOp{}.Attack(m, x, 2, []int{0, 1})
	if &out[0] != &x[0] {
		t.Error("NoOp should return the input slice")
	}
	if !(NoOp{}).IsNoOp() {
		t.Error("NoOp.IsNoOp() = false")
	}
}

func TestZeroIterationsIsIdentity(t *testing.T) {
	m := attackModel(t)
	rng := rand.New(rand.NewSource(1))
	x, y := attackBatch(rng, 4, m.InputDim, m.NumClasses, 2)

	a := NewPGD(PGDConfig{NumIter: 0, Epsilon: 4, StepSize: 1, ImageScale: 2}, nil, 3)
	if !a.IsNoOp() {
		t.Error("zero-iteration attacker should report IsNoOp")
	}
	out := a.Attack(m, x, 4, y)
	for i := range x {
		if out[i] != x[i] {
			t.Fatal("zero-iteration attack modified pixels")
		}
	}
}

func TestPerturbationBounds(t *testing.T) {
	m := attackModel(t)
	rng := rand.New(rand.NewSource(2))
	const bs = 8
	const imageScale = 2.0
	x, y := attackBatch(rng, bs, m.InputDim, m.NumClasses, 2)

	cfg := PGDConfig{NumIter: 5, Epsilon: 4, StepSize: 1, ImageScale: imageScale}
	a := NewPGD(cfg, nil, 3)
	adv := a.Attack(m, x, bs, y)

	eps := cfg.Epsilon / 255.0 * 2.0 * imageScale
	const tol = 1e-12
	for i := range adv {
		if d := math.Abs(adv[i] - x[i]); d > eps+tol {
			t.Fatalf("pixel %d: perturbation %g exceeds eps %g", i, d, eps)
		}
		if adv[i] > imageScale+tol || adv[i] < -imageScale-tol {
			t.Fatalf("pixel %d: %g outside valid range", i, adv[i])
		}
	}
	// Original batch untouched.
	x2, _ := attackBatch(rand.New(rand.NewSource(2)), bs, m.InputDim, m.NumClasses, 2)
	for i := range x {
		if x[i] != x2[i] {
			t.Fatal("attack modified the input batch")
		}
	}
}

func TestAttackIncreasesLoss(t *testing.T) {
	m := attackModel(t)
	rng := rand.New(rand.NewSource(4))
	const bs = 16
	x, y := attackBatch(rng, bs, m.InputDim, m.NumClasses, 1)

	ws := m.NewWorkspace(bs)
	crit := nn.CrossEntropy{}
	cleanLoss := crit.Loss(m.Forward(x, bs, ws, nil), bs, m.NumClasses, nn.Targets{Hard: y}, nil)

	// Clean start so the loss comparison is pure gradient ascent.
	a := NewPGD(PGDConfig{NumIter: 10, Epsilon: 16, StepSize: 4, ImageScale: 2, ProbStartFromClean: 1.0}, nil, 5)
	adv := a.Attack(m, x, bs, y)
	advLoss := crit.Loss(m.Forward(adv, bs, ws, nil), bs, m.NumClasses, nn.Targets{Hard: y}, nil)

	if advLoss < cleanLoss {
		t.Errorf("attacked loss %g below clean loss %g", advLoss, cleanLoss)
	}
}

func TestAttackWithSharedScaler(t *testing.T) {
	m := attackModel(t)
	rng := rand.New(rand.NewSource(6))
	const bs = 4
	x, y := attackBatch(rng, bs, m.InputDim, m.NumClasses, 1)

	scaler := amp.NewScaler(true)
	a := NewPGD(PGDConfig{NumIter: 3, Epsilon: 8, StepSize: 2, ImageScale: 2, UseAMP: true}, scaler, 7)
	adv := a.Attack(m, x, bs, y)

	eps := 8.0 / 255.0 * 2.0 * 2.0
	moved := false
	for i := range adv {
		if d := math.Abs(adv[i] - x[i]); d > eps+1e-9 {
			t.Fatalf("pixel %d exceeds eps under scaling: %g", i, d)
		} else if d > 0 {
			moved = true
		}
	}
	if !moved {
		t.Error("scaled attack did not move any pixel")
	}
	if scaler.Scale() != amp.NewScaler(true).Scale() {
		t.Errorf("well-conditioned attack changed the scale to %g", scaler.Scale())
	}
}

// A non-finite loss inside an iteration must skip that iteration's update:
// the perturbation stays finite and in bounds, and under AMP each skipped
// iteration backs the shared scale off.
func TestNonFiniteIterationIsSkipped(t *testing.T) {
	m := attackModel(t)
	// Poison the output layer so every forward pass yields a NaN logit.
	head := len(m.Layers) - 1
	m.Layers[head].W[0] = math.NaN()

	rng := rand.New(rand.NewSource(8))
	const bs = 4
	x, y := attackBatch(rng, bs, m.InputDim, m.NumClasses, 1)

	scaler := amp.NewScaler(true)
	a := NewPGD(PGDConfig{
		NumIter: 3, Epsilon: 4, StepSize: 1, ImageScale: 2,
		ProbStartFromClean: 1.0, UseAMP: true,
	}, scaler, 7)
	adv := a.Attack(m, x, bs, y)

	for i := range adv {
		if math.IsNaN(adv[i]) || math.IsInf(adv[i], 0) {
			t.Fatalf("pixel %d is non-finite: %g", i, adv[i])
		}
		if adv[i] != x[i] {
			t.Errorf("pixel %d moved under a non-finite loss: %g -> %g", i, x[i], adv[i])
		}
	}
	want := amp.NewScaler(true).Scale() / 8
	if scaler.Scale() != want {
		t.Errorf("scale %g after three skipped iterations, want %g", scaler.Scale(), want)
	}

	// Full precision takes the same skip path without touching any scale.
	b := NewPGD(PGDConfig{
		NumIter: 3, Epsilon: 4, StepSize: 1, ImageScale: 2, ProbStartFromClean: 1.0,
	}, nil, 7)
	adv2 := b.Attack(m, x, bs, y)
	for i := range adv2 {
		if adv2[i] != x[i] {
			t.Fatalf("full-precision attack moved pixel %d under a non-finite loss", i)
		}
	}
}

func TestAttackDeterministicPerSeed(t *testing.T) {
	m := attackModel(t)
	rng := rand.New(rand.NewSource(9))
	const bs = 4
	x, y := attackBatch(rng, bs, m.InputDim, m.NumClasses, 1)

	cfg := PGDConfig{NumIter: 3, Epsilon: 4, StepSize: 1, ImageScale: 2}
	a1 := NewPGD(cfg, nil, 42).Attack(m, x, bs, y)
	a2 := NewPGD(cfg, nil, 42).Attack(m, x, bs, y)
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("same seed produced different perturbations")
		}
	}
}
