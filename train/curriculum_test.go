package train

import "testing"

func TestTenEpochRamp(t *testing.T) {
	c := NewCurriculum(10)
	cases := []struct {
		epoch int
		want  Phase
	}{
		{0, Phase{Level: 1, MixupProb: 0.5, CutmixAlpha: 0.0, SwitchProb: 0.0}},
		{4, Phase{Level: 4, MixupProb: 0.9, CutmixAlpha: 0.0, SwitchProb: 0.0}},
		{5, Phase{Level: 5, MixupProb: 1.0, CutmixAlpha: 0.0, SwitchProb: 0.0}},
		{6, Phase{Level: 6, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.1}},
		{9, Phase{Level: 9, MixupProb: 0.95, CutmixAlpha: 1.0, SwitchProb: 0.4}},
		{10, Phase{Level: 9, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.5}},
	}
	for _, tc := range cases {
		if got := c.Phase(tc.epoch); got != tc.want {
			t.Errorf("epoch %d: %+v, want %+v", tc.epoch, got, tc.want)
		}
	}
}

func TestFiveEpochRamp(t *testing.T) {
	c := NewCurriculum(5)
	cases := []struct {
		epoch int
		want  Phase
	}{
		{0, Phase{Level: 1, MixupProb: 0.5, CutmixAlpha: 0.0, SwitchProb: 0.0}},
		{1, Phase{Level: 1, MixupProb: 0.7, CutmixAlpha: 0.0, SwitchProb: 0.0}},
		{2, Phase{Level: 3, MixupProb: 0.9, CutmixAlpha: 0.0, SwitchProb: 0.0}},
		{3, Phase{Level: 6, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.1}},
		{4, Phase{Level: 9, MixupProb: 0.9, CutmixAlpha: 1.0, SwitchProb: 0.3}},
		{5, Phase{Level: 9, MixupProb: 1.0, CutmixAlpha: 1.0, SwitchProb: 0.5}},
	}
	for _, tc := range cases {
		if got := c.Phase(tc.epoch); got != tc.want {
			t.Errorf("epoch %d: %+v, want %+v", tc.epoch, got, tc.want)
		}
	}
}

func TestSteadyStateIsStable(t *testing.T) {
	for _, warmup := range []int{5, 10} {
		c := NewCurriculum(warmup)
		base := c.Phase(50)
		for epoch := 51; epoch < 60; epoch++ {
			if c.Phase(epoch) != base {
				t.Errorf("warmup %d: phase changes after the ramp at epoch %d", warmup, epoch)
			}
		}
	}
}

func TestUnknownWarmupUsesShortRamp(t *testing.T) {
	c := NewCurriculum(7)
	if got, want := c.Phase(0), fiveEpochPhases[0]; got != want {
		t.Errorf("warmup 7 epoch 0: %+v, want short-ramp %+v", got, want)
	}
}
