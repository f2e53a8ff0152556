package train

import (
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ieee0824/advtrain-go/data"
)

// Mixer applies batch-level mixup or cutmix and produces soft targets. The
// per-epoch knobs (apply probability, cutmix alpha, switch probability) come
// from the curriculum phase at every call; only the mixup alpha and the
// label smoothing are fixed for the run.
//
// Mixing runs after the adversarial attack: the attacker sees the hard
// labels, the criterion sees the mixed soft targets.
type Mixer struct {
	mixupAlpha float64
	smoothing  float64
	classes    int

	src xrand.Source
	rng *xrand.Rand
}

// NewMixer creates a mixer with its own seeded RNG. Seeds are rank-dependent
// upstream.
func NewMixer(mixupAlpha, smoothing float64, classes int, seed uint64) *Mixer {
	src := xrand.NewSource(seed)
	return &Mixer{
		mixupAlpha: mixupAlpha,
		smoothing:  smoothing,
		classes:    classes,
		src:        src,
		rng:        xrand.New(src),
	}
}

// Mix decides per batch whether to mix, applies the chosen op to images in
// place with the flipped batch as partner, and writes [b.N × classes] soft
// targets into soft. When no mixing fires the targets are the smoothed
// one-hot rows, so the caller always trains against soft targets.
func (mx *Mixer) Mix(images []float64, b *data.Batch, phase Phase, soft []float64) {
	useCutmix := false
	lam := 1.0
	if mx.rng.Float64() < phase.MixupProb {
		switch {
		case mx.mixupAlpha > 0 && phase.CutmixAlpha > 0:
			useCutmix = mx.rng.Float64() < phase.SwitchProb
		case phase.CutmixAlpha > 0:
			useCutmix = true
		case mx.mixupAlpha <= 0:
			mx.softTargets(b, 1.0, soft)
			return
		}
		if useCutmix {
			lam = mx.sampleBeta(phase.CutmixAlpha)
		} else {
			lam = mx.sampleBeta(mx.mixupAlpha)
		}
	}

	if lam != 1.0 {
		if useCutmix {
			lam = mx.cutmix(images, b, lam)
		} else {
			mixupImages(images, b, lam)
		}
	}
	mx.softTargets(b, lam, soft)
}

func (mx *Mixer) sampleBeta(alpha float64) float64 {
	d := distuv.Beta{Alpha: alpha, Beta: alpha, Src: mx.src}
	return d.Rand()
}

// mixupImages blends every image with its flipped-batch partner:
// x_i = lam*x_i + (1-lam)*x_{n-1-i}. Blending the already-blended partner
// row would double-mix, so rows are combined from a snapshot of the pair.
func mixupImages(images []float64, b *data.Batch, lam float64) {
	dim := b.Dim()
	n := b.N
	for i := 0; i < n/2; i++ {
		j := n - 1 - i
		ri := images[i*dim : (i+1)*dim]
		rj := images[j*dim : (j+1)*dim]
		for k := 0; k < dim; k++ {
			vi, vj := ri[k], rj[k]
			ri[k] = lam*vi + (1.0-lam)*vj
			rj[k] = lam*vj + (1.0-lam)*vi
		}
	}
}

// cutmix pastes a random box from each flipped partner and returns the
// corrected lambda reflecting the actual pasted area.
func (mx *Mixer) cutmix(images []float64, b *data.Batch, lam float64) float64 {
	h, w := b.H, b.W
	dim := b.Dim()
	n := b.N

	// Box area targets (1-lam) of the image.
	cutH := int(float64(h) * math.Sqrt(1.0-lam))
	cutW := int(float64(w) * math.Sqrt(1.0-lam))
	if cutH < 1 || cutW < 1 {
		return 1.0
	}
	y0 := mx.rng.Intn(h - cutH + 1)
	x0 := mx.rng.Intn(w - cutW + 1)
	ratio := 1.0 - float64(cutH*cutW)/float64(h*w)

	for i := 0; i < n/2; i++ {
		j := n - 1 - i
		ri := images[i*dim : (i+1)*dim]
		rj := images[j*dim : (j+1)*dim]
		for ch := 0; ch < b.C; ch++ {
			base := ch * h * w
			for y := y0; y < y0+cutH; y++ {
				off := base + y*w
				for x := x0; x < x0+cutW; x++ {
					ri[off+x], rj[off+x] = rj[off+x], ri[off+x]
				}
			}
		}
	}
	return ratio
}

// softTargets writes smoothed, lambda-blended one-hot targets for the
// flipped pairing.
func (mx *Mixer) softTargets(b *data.Batch, lam float64, soft []float64) {
	K := mx.classes
	off := mx.smoothing / float64(K)
	on := 1.0 - mx.smoothing + off
	n := b.N
	for i := 0; i < n; i++ {
		row := soft[i*K : (i+1)*K]
		for k := range row {
			row[k] = off
		}
		yi := b.Labels[i]
		yj := b.Labels[n-1-i]
		row[yi] += (on - off) * lam
		row[yj] += (on - off) * (1.0 - lam)
	}
}
