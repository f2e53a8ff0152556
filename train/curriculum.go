package train

// Phase is the augmentation and mixing configuration for one epoch: the
// strength level of the random augmentation policy, the probability that a
// batch gets mixed at all, the cutmix alpha (0 disables cutmix entirely) and
// the probability of choosing cutmix over mixup when both are available.
type Phase struct {
	Level       int
	MixupProb   float64
	CutmixAlpha float64
	SwitchProb  float64
}

// Curriculum maps an epoch index to its Phase. Two literal ramps are built
// in, selected by the warmup length: a ten-epoch ramp and a compressed
// five-epoch ramp. Both end at full strength, which then holds for every
// later epoch. The phase is returned by value; nothing global changes when
// the epoch advances.
type Curriculum struct {
	phases []Phase
	final  Phase
}

var tenEpochPhases = []Phase{
	{Level: 1, MixupProb: 0.5, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 1, MixupProb: 0.6, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 2, MixupProb: 0.7, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 3, MixupProb: 0.8, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 4, MixupProb: 0.9, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 5, MixupProb: 1.0, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 6, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.1},
	{Level: 7, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.2},
	{Level: 8, MixupProb: 0.9, CutmixAlpha: 1.0, SwitchProb: 0.3},
	{Level: 9, MixupProb: 0.95, CutmixAlpha: 1.0, SwitchProb: 0.4},
}

var fiveEpochPhases = []Phase{
	{Level: 1, MixupProb: 0.5, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 1, MixupProb: 0.7, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 3, MixupProb: 0.9, CutmixAlpha: 0.0, SwitchProb: 0.0},
	{Level: 6, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.1},
	{Level: 9, MixupProb: 0.9, CutmixAlpha: 1.0, SwitchProb: 0.3},
}

// NewCurriculum selects the ramp by warmup length: 10 epochs of warmup get
// the ten-epoch ramp, anything else the five-epoch ramp.
func NewCurriculum(warmupEpochs int) *Curriculum {
	if warmupEpochs == 10 {
		return &Curriculum{
			phases: tenEpochPhases,
			final:  Phase{Level: 9, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.5},
		}
	}
	return &Curriculum{
		phases: fiveEpochPhases,
		final:  Phase{Level: 9, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.5},
	}
}

// Phase returns the configuration for an epoch. Epochs past the ramp all
// share the final full-strength phase.
func (c *Curriculum) Phase(epoch int) Phase {
	if epoch < len(c.phases) {
		return c.phases[epoch]
	}
	return c.final
}
