package train

import (
	"math"
	"math/rand"
	"testing"

	"github.com/ieee0824/advtrain-go/nn"
)

func testOptimizer(layerDecay float64) (*nn.Classifier, *nn.Grads, *AdamW) {
	m := nn.NewClassifier(3, []int{4}, 2, 0, rand.New(rand.NewSource(1)))
	g := m.NewGrads()
	opt := NewAdamW(BuildGroups(m, g, layerDecay))
	return m, g, opt
}

func TestBuildGroupsLayout(t *testing.T) {
	m, g, opt := testOptimizer(1.0)
	vecs := opt.GradVecs()
	if len(vecs) != 4 {
		t.Fatalf("got %d groups, want 4 (weight+bias per layer)", len(vecs))
	}
	// Gradient vectors alias the accumulators so Backward feeds the step.
	g.W[0][0] = 1.5
	if vecs[0][0] != 1.5 {
		t.Error("group gradients do not alias the accumulators")
	}
	_ = m
}

func TestLayerDecayScales(t *testing.T) {
	m := nn.NewClassifier(3, []int{4, 4}, 2, 0, rand.New(rand.NewSource(2)))
	g := m.NewGrads()
	groups := BuildGroups(m, g, 0.5)

	// Three layers: scales 0.25, 0.5, 1.0 from input to head.
	wantScales := []float64{0.25, 0.25, 0.5, 0.5, 1.0, 1.0}
	for i, grp := range groups {
		if math.Abs(grp.LRScale-wantScales[i]) > 1e-12 {
			t.Errorf("group %d (%s): LRScale %g, want %g", i, grp.Name, grp.LRScale, wantScales[i])
		}
	}
}

func TestStepMovesAgainstGradient(t *testing.T) {
	m, g, opt := testOptimizer(1.0)
	before := m.Layers[0].W[0]
	g.W[0][0] = 1.0

	opt.SetSchedule(1e-2, 0)
	opt.Step()
	if m.Layers[0].W[0] >= before {
		t.Errorf("positive gradient did not decrease the weight: %g -> %g", before, m.Layers[0].W[0])
	}
	if opt.StepCount() != 1 {
		t.Errorf("step count %d, want 1", opt.StepCount())
	}
}

func TestWeightDecayIsDecoupledAndSkipsBias(t *testing.T) {
	m, _, opt := testOptimizer(1.0)
	m.Layers[0].W[0] = 1.0
	m.Layers[0].B[0] = 1.0

	// Zero gradients: only decay moves parameters.
	opt.SetSchedule(1e-2, 0.5)
	opt.Step()

	if m.Layers[0].W[0] >= 1.0 {
		t.Errorf("weight not decayed: %g", m.Layers[0].W[0])
	}
	if math.Abs(m.Layers[0].W[0]-(1.0-1e-2*0.5)) > 1e-9 {
		t.Errorf("weight decayed to %g, want %g", m.Layers[0].W[0], 1.0-1e-2*0.5)
	}
	if m.Layers[0].B[0] != 1.0 {
		t.Errorf("bias decayed to %g, biases must not decay", m.Layers[0].B[0])
	}
}

func TestZeroGrads(t *testing.T) {
	_, g, opt := testOptimizer(1.0)
	g.W[0][0] = 3
	g.B[1][0] = 4
	opt.ZeroGrads()
	if g.W[0][0] != 0 || g.B[1][0] != 0 {
		t.Error("ZeroGrads left residue")
	}
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	_, g, opt := testOptimizer(0.75)
	g.W[0][0] = 1.0
	opt.SetSchedule(1e-3, 0.05)
	opt.Step()
	opt.Step()
	st := opt.State()

	m2 := nn.NewClassifier(3, []int{4}, 2, 0, rand.New(rand.NewSource(3)))
	g2 := m2.NewGrads()
	opt2 := NewAdamW(BuildGroups(m2, g2, 0.75))
	if err := opt2.LoadState(st); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if opt2.StepCount() != 2 {
		t.Errorf("restored step count %d, want 2", opt2.StepCount())
	}
	st2 := opt2.State()
	for i := range st.M {
		for j := range st.M[i] {
			if st.M[i][j] != st2.M[i][j] || st.V[i][j] != st2.V[i][j] {
				t.Fatal("moments differ after round trip")
			}
		}
	}

	// A differently shaped optimizer must refuse the state.
	m3 := nn.NewClassifier(3, []int{5}, 2, 0, rand.New(rand.NewSource(4)))
	g3 := m3.NewGrads()
	opt3 := NewAdamW(BuildGroups(m3, g3, 1.0))
	if err := opt3.LoadState(st); err == nil {
		t.Error("mismatched shapes accepted")
	}
}

func TestIdenticalReplicasStayInSync(t *testing.T) {
	m1, g1, o1 := testOptimizer(1.0)
	m2 := m1.Clone()
	g2 := m2.NewGrads()
	o2 := NewAdamW(BuildGroups(m2, g2, 1.0))

	for step := 0; step < 5; step++ {
		for l := range g1.W {
			for i := range g1.W[l] {
				v := float64(step+1) * 0.01 * float64(i%3)
				g1.W[l][i] = v
				g2.W[l][i] = v
			}
		}
		o1.SetSchedule(1e-3, 0.01)
		o2.SetSchedule(1e-3, 0.01)
		o1.Step()
		o2.Step()
	}
	for l := range m1.Layers {
		for i := range m1.Layers[l].W {
			if m1.Layers[l].W[i] != m2.Layers[l].W[i] {
				t.Fatal("replicas diverged under identical gradients")
			}
		}
	}
}
