package nn

import "math"

// Targets carries either hard class indices or a soft target distribution.
// Soft is [bs × NumClasses] row-major and takes precedence when non-nil
// (mixing produces soft targets).
type Targets struct {
	Hard []int
	Soft []float64
}

// Criterion computes a batch-mean loss and writes the logits gradient.
// dLogits must be [bs × numClasses]; the written gradient already includes
// the 1/bs batch-mean factor.
type Criterion interface {
	Loss(logits []float64, bs, numClasses int, t Targets, dLogits []float64) float64
}

// CrossEntropy is softmax cross-entropy over hard labels with optional
// label smoothing (Smoothing = 0 gives plain cross-entropy).
type CrossEntropy struct {
	Smoothing float64
}

func (c CrossEntropy) Loss(logits []float64, bs, numClasses int, t Targets, dLogits []float64) float64 {
	K := float64(numClasses)
	smooth := c.Smoothing / K
	targetWeight := 1.0 - c.Smoothing + smooth

	invBS := 1.0 / float64(bs)
	totalLoss := 0.0
	for r := 0; r < bs; r++ {
		off := r * numClasses
		lse := logSumExp(logits[off : off+numClasses])
		tgt := t.Hard[r]
		for j := 0; j < numClasses; j++ {
			logp := logits[off+j] - lse
			p := math.Exp(logp)
			w := smooth
			if j == tgt {
				w = targetWeight
			}
			if c.Smoothing > 0 || j == tgt {
				totalLoss -= w * logp
			}
			if dLogits != nil {
				dLogits[off+j] = (p - w) * invBS
			}
		}
	}
	return totalLoss * invBS
}

// SoftTargetCrossEntropy is cross-entropy against a full target
// distribution, used when mixup/cutmix rewrites the labels.
type SoftTargetCrossEntropy struct{}

func (SoftTargetCrossEntropy) Loss(logits []float64, bs, numClasses int, t Targets, dLogits []float64) float64 {
	invBS := 1.0 / float64(bs)
	totalLoss := 0.0
	for r := 0; r < bs; r++ {
		off := r * numClasses
		lse := logSumExp(logits[off : off+numClasses])
		for j := 0; j < numClasses; j++ {
			logp := logits[off+j] - lse
			y := t.Soft[off+j]
			if y != 0 {
				totalLoss -= y * logp
			}
			if dLogits != nil {
				dLogits[off+j] = (math.Exp(logp) - y) * invBS
			}
		}
	}
	return totalLoss * invBS
}

func logSumExp(row []float64) float64 {
	maxVal := math.Inf(-1)
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}
