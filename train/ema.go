package train

import (
	"gonum.org/v1/gonum/floats"

	"github.com/ieee0824/advtrain-go/nn"
)

// EMA maintains an exponential moving average of a classifier's parameters
// in a shadow copy: shadow = decay*shadow + (1-decay)*live after every
// applied optimizer step. Skipped steps do not advance the average.
type EMA struct {
	decay  float64
	shadow *nn.Classifier
}

// NewEMA creates an average initialized to a copy of m.
func NewEMA(m *nn.Classifier, decay float64) *EMA {
	return &EMA{decay: decay, shadow: m.Clone()}
}

// Update folds the live parameters into the shadow copy.
func (e *EMA) Update(live *nn.Classifier) {
	for i := range e.shadow.Layers {
		sw, sb := e.shadow.Layers[i].W, e.shadow.Layers[i].B
		floats.Scale(e.decay, sw)
		floats.AddScaled(sw, 1.0-e.decay, live.Layers[i].W)
		floats.Scale(e.decay, sb)
		floats.AddScaled(sb, 1.0-e.decay, live.Layers[i].B)
	}
}

// Model returns the shadow classifier. Callers evaluate it directly; the
// training loop never steps it.
func (e *EMA) Model() *nn.Classifier { return e.shadow }

// State snapshots the averaged parameters.
func (e *EMA) State() nn.StateDict { return e.shadow.StateDict() }

// LoadState restores averaged parameters from a snapshot.
func (e *EMA) LoadState(sd nn.StateDict) (missing, dropped []string) {
	return e.shadow.LoadStateDict(sd)
}
