// Package train drives adversarial training: the per-epoch loop, the AdamW
// optimizer, the mixing pipeline, the augmentation curriculum, evaluation and
// checkpointing. One Rank value holds everything a single data-parallel
// replica owns.
package train

import "github.com/ieee0824/advtrain-go/nn"

// Attacker crafts adversarial variants of a batch against a model. The model
// is always passed explicitly; attackers carry no reference to any particular
// replica, so the training attacker and the evaluation attackers can target
// live, EMA and restored models alike.
type Attacker interface {
	// Attack returns images for the batch, perturbed or not. Implementations
	// must not modify the input slice; a perturbing attacker returns fresh
	// storage.
	Attack(m *nn.Classifier, images []float64, n int, labels []int) []float64

	// IsNoOp reports whether Attack is the identity.
	IsNoOp() bool
}
