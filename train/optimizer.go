package train

import (
	"fmt"
	"math"

	"github.com/ieee0824/advtrain-go/nn"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// ParamGroup ties one parameter tensor to its gradient accumulator and the
// group-level knobs: whether weight decay applies and the layer-wise learning
// rate multiplier. Params and Grads alias the classifier's and the Grads
// accumulator's storage; the optimizer updates parameters in place.
type ParamGroup struct {
	Name    string
	Params  []float64
	Grads   []float64
	Decay   bool
	LRScale float64

	lr float64
	wd float64
	m  []float64
	v  []float64
}

// AdamW implements Adam with decoupled weight decay over parameter groups.
// Bias groups never decay; weight groups decay at the scheduled rate. The
// caller writes the scheduled lr/wd before every step via SetSchedule.
type AdamW struct {
	groups []*ParamGroup
	step   int
}

// BuildGroups creates one weight group and one bias group per layer of m,
// gradients aliased into g. layerDecay < 1 scales earlier layers' learning
// rates down geometrically; the output layer always gets scale 1.
func BuildGroups(m *nn.Classifier, g *nn.Grads, layerDecay float64) []*ParamGroup {
	if layerDecay <= 0 {
		layerDecay = 1.0
	}
	L := len(m.Layers)
	groups := make([]*ParamGroup, 0, 2*L)
	for i := range m.Layers {
		scale := math.Pow(layerDecay, float64(L-1-i))
		groups = append(groups,
			&ParamGroup{
				Name:    fmt.Sprintf("layers.%d.weight", i),
				Params:  m.Layers[i].W,
				Grads:   g.W[i],
				Decay:   true,
				LRScale: scale,
			},
			&ParamGroup{
				Name:    fmt.Sprintf("layers.%d.bias", i),
				Params:  m.Layers[i].B,
				Grads:   g.B[i],
				Decay:   false,
				LRScale: scale,
			})
	}
	return groups
}

// NewAdamW creates the optimizer with zeroed moment estimates.
func NewAdamW(groups []*ParamGroup) *AdamW {
	for _, g := range groups {
		g.m = make([]float64, len(g.Params))
		g.v = make([]float64, len(g.Params))
		if g.LRScale == 0 {
			g.LRScale = 1.0
		}
	}
	return &AdamW{groups: groups}
}

// SetSchedule writes the scheduled learning rate and weight decay into every
// group. lr is multiplied by each group's LRScale; wd lands only on groups
// with Decay set.
func (o *AdamW) SetSchedule(lr, wd float64) {
	for _, g := range o.groups {
		g.lr = lr * g.LRScale
		if g.Decay {
			g.wd = wd
		} else {
			g.wd = 0
		}
	}
}

// GradVecs exposes every group's gradient slice, in group order, for the
// loss scaler to unscale and clip.
func (o *AdamW) GradVecs() [][]float64 {
	vecs := make([][]float64, len(o.groups))
	for i, g := range o.groups {
		vecs[i] = g.Grads
	}
	return vecs
}

// ZeroGrads clears every group's gradient accumulator.
func (o *AdamW) ZeroGrads() {
	for _, g := range o.groups {
		for i := range g.Grads {
			g.Grads[i] = 0
		}
	}
}

// Step applies one AdamW update using the gradients currently in the
// accumulators. Weight decay is decoupled: applied directly to the
// parameters, scaled by the group learning rate, before the Adam update.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1.0 - math.Pow(adamBeta1, float64(o.step))
	bc2 := 1.0 - math.Pow(adamBeta2, float64(o.step))

	for _, g := range o.groups {
		lr := g.lr
		if g.wd > 0 {
			for i := range g.Params {
				g.Params[i] -= lr * g.wd * g.Params[i]
			}
		}
		for i, grad := range g.Grads {
			m := adamBeta1*g.m[i] + (1.0-adamBeta1)*grad
			v := adamBeta2*g.v[i] + (1.0-adamBeta2)*grad*grad
			g.m[i] = m
			g.v[i] = v
			g.Params[i] -= lr * (m / bc1) / (math.Sqrt(v/bc2) + adamEps)
		}
	}
}

// StepCount returns the number of applied optimizer steps.
func (o *AdamW) StepCount() int { return o.step }

// OptState is the optimizer's serializable form for checkpointing. Moments
// are stored per group in group order alongside the group names so a restore
// into a differently shaped model fails loudly.
type OptState struct {
	Step  int
	Names []string
	M     [][]float64
	V     [][]float64
}

// State snapshots the optimizer. Moment slices are copied.
func (o *AdamW) State() OptState {
	st := OptState{
		Step:  o.step,
		Names: make([]string, len(o.groups)),
		M:     make([][]float64, len(o.groups)),
		V:     make([][]float64, len(o.groups)),
	}
	for i, g := range o.groups {
		st.Names[i] = g.Name
		st.M[i] = append([]float64(nil), g.m...)
		st.V[i] = append([]float64(nil), g.v...)
	}
	return st
}

// LoadState restores a snapshot taken with State. Group names and moment
// lengths must match the receiver exactly.
func (o *AdamW) LoadState(st OptState) error {
	if len(st.Names) != len(o.groups) {
		return fmt.Errorf("optimizer state has %d groups, want %d", len(st.Names), len(o.groups))
	}
	for i, g := range o.groups {
		if st.Names[i] != g.Name {
			return fmt.Errorf("optimizer state group %d is %q, want %q", i, st.Names[i], g.Name)
		}
		if len(st.M[i]) != len(g.m) || len(st.V[i]) != len(g.v) {
			return fmt.Errorf("optimizer state group %q has %d moments, want %d", g.Name, len(st.M[i]), len(g.m))
		}
	}
	o.step = st.Step
	for i, g := range o.groups {
		copy(g.m, st.M[i])
		copy(g.v, st.V[i])
	}
	return nil
}
