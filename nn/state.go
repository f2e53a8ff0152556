package nn

import (
	"fmt"
	"sort"
)

// Tensor is a named parameter's serialized form.
type Tensor struct {
	Shape []int
	Data  []float64
}

// StateDict maps parameter names ("layers.0.weight", "layers.0.bias", ...)
// to tensors. The classifier head is always the last layer, so fine-tune
// loading can drop it on a class-count change.
type StateDict map[string]Tensor

// StateDict snapshots all parameters. The returned tensors copy the data;
// mutating them does not affect the classifier.
func (c *Classifier) StateDict() StateDict {
	sd := make(StateDict, 2*len(c.Layers))
	for i, l := range c.Layers {
		sd[fmt.Sprintf("layers.%d.weight", i)] = Tensor{
			Shape: []int{l.Out, l.In},
			Data:  append([]float64(nil), l.W...),
		}
		sd[fmt.Sprintf("layers.%d.bias", i)] = Tensor{
			Shape: []int{l.Out},
			Data:  append([]float64(nil), l.B...),
		}
	}
	return sd
}

// LoadStateDict restores parameters from sd.
// Entries whose shape does not match the receiver are skipped and reported
// in dropped; receiver parameters absent from sd are reported in missing.
// Neither condition is an error: a fine-tuned head with a different class
// count simply keeps its fresh initialization.
func (c *Classifier) LoadStateDict(sd StateDict) (missing, dropped []string) {
	for i := range c.Layers {
		l := &c.Layers[i]
		wName := fmt.Sprintf("layers.%d.weight", i)
		bName := fmt.Sprintf("layers.%d.bias", i)

		if t, ok := sd[wName]; ok {
			if len(t.Shape) == 2 && t.Shape[0] == l.Out && t.Shape[1] == l.In && len(t.Data) == len(l.W) {
				copy(l.W, t.Data)
			} else {
				dropped = append(dropped, wName)
			}
		} else {
			missing = append(missing, wName)
		}

		if t, ok := sd[bName]; ok {
			if len(t.Shape) == 1 && t.Shape[0] == l.Out && len(t.Data) == len(l.B) {
				copy(l.B, t.Data)
			} else {
				dropped = append(dropped, bName)
			}
		} else {
			missing = append(missing, bName)
		}
	}
	sort.Strings(missing)
	sort.Strings(dropped)
	return missing, dropped
}
