// Package sched pre-computes per-step hyperparameter schedules for a full
// training run. The same generator serves learning rate and weight decay;
// the training loop reads schedule[globalStep] at every optimizer step.
package sched

import (
	"fmt"
	"math"
)

// Schedule is one scalar value per optimizer step across the entire run.
// Immutable once generated.
type Schedule []float64

// At returns the value for a global step. An out-of-range step is a
// programming error, not a recoverable condition.
func (s Schedule) At(step int) float64 {
	if step < 0 || step >= len(s) {
		panic(fmt.Sprintf("sched: step %d out of range [0,%d)", step, len(s)))
	}
	return s[step]
}

// Cosine builds a linear-warmup + cosine-decay schedule of exactly
// epochs*stepsPerEpoch entries.
//
// Warmup covers warmupSteps entries when warmupSteps > 0, otherwise
// warmupEpochs*stepsPerEpoch, ramping linearly from warmupStart to base.
// The remaining entries decay from base to final following
// final + 0.5*(base-final)*(1+cos(pi*progress)).
// If warmup covers the whole run there is no decay phase.
func Cosine(base, final float64, epochs, stepsPerEpoch, warmupEpochs int, warmupStart float64, warmupSteps int) Schedule {
	total := epochs * stepsPerEpoch
	warmupIters := warmupEpochs * stepsPerEpoch
	if warmupSteps > 0 {
		warmupIters = warmupSteps
	}
	if warmupIters > total {
		warmupIters = total
	}

	s := make(Schedule, total)
	for i := 0; i < warmupIters; i++ {
		if warmupIters == 1 {
			s[i] = warmupStart
			continue
		}
		frac := float64(i) / float64(warmupIters-1)
		s[i] = warmupStart + (base-warmupStart)*frac
	}
	decayLen := total - warmupIters
	for i := 0; i < decayLen; i++ {
		progress := float64(i) / float64(decayLen)
		s[warmupIters+i] = final + 0.5*(base-final)*(1.0+math.Cos(math.Pi*progress))
	}
	return s
}

// LinearScaled rescales a base-batch-1024-style hyperparameter when the
// total effective batch size differs from the reference. Applied once at
// run start, never per epoch.
func LinearScaled(value float64, totalBatch, referenceBatch int) float64 {
	return value * float64(totalBatch) / float64(referenceBatch)
}
